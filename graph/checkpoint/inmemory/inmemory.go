//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory CheckpointSaver, suitable for
// tests and for workflows that only need resume within one process.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/stateflow-go/stateflow/graph"
)

// Saver stores checkpoints in process memory, grouped by session.
// Safe for concurrent use. Stored checkpoints are defensive copies, so
// callers cannot mutate a saved snapshot afterwards.
type Saver struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*graph.Checkpoint
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{
		sessions: make(map[string]map[string]*graph.Checkpoint),
	}
}

// Save stores a copy of the checkpoint.
func (s *Saver) Save(ctx context.Context, ckpt *graph.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[ckpt.SessionID]
	if !ok {
		session = make(map[string]*graph.Checkpoint)
		s.sessions[ckpt.SessionID] = session
	}
	session[ckpt.ID] = ckpt.Copy()
	return nil
}

// Load returns a copy of the checkpoint, or (nil, nil) when missing.
func (s *Saver) Load(ctx context.Context, sessionID, checkpointID string) (*graph.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ckpt, ok := s.sessions[sessionID][checkpointID]
	if !ok {
		return nil, nil
	}
	return ckpt.Copy(), nil
}

// Latest returns the most recent checkpoint of a session. Checkpoint
// IDs order lexically by creation time, so the max ID is the latest.
func (s *Saver) Latest(ctx context.Context, sessionID string) (*graph.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *graph.Checkpoint
	for _, ckpt := range s.sessions[sessionID] {
		if latest == nil || ckpt.ID > latest.ID {
			latest = ckpt
		}
	}
	return latest.Copy(), nil
}

// List returns the checkpoint IDs of a session, oldest first.
func (s *Saver) List(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session := s.sessions[sessionID]
	ids := make([]string, 0, len(session))
	for id := range session {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteSession removes all checkpoints of a session.
func (s *Saver) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Close releases nothing; it exists to satisfy CheckpointSaver.
func (s *Saver) Close() error { return nil }

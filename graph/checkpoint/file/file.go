//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

// Package file provides a filesystem-backed CheckpointSaver. Each
// checkpoint is one file wrapped in an integrity envelope; a per-saver
// index file accelerates Latest and List. The index is advisory: when
// it is missing, stale, or corrupt, the saver falls back to scanning
// the checkpoint files themselves and repairs the index from the scan.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stateflow-go/stateflow/graph"
	"github.com/stateflow-go/stateflow/internal/flock"
	"github.com/stateflow-go/stateflow/log"
	"github.com/stateflow-go/stateflow/storage"
	storagefile "github.com/stateflow-go/stateflow/storage/file"
)

const (
	checkpointSuffix = ".ckpt"
	indexKeyName     = "index.json"
)

// sessionIndex is the durable per-session listing. Entries are kept in
// checkpoint ID order, which is creation order.
type sessionIndex struct {
	SessionID   string       `json:"session_id"`
	Latest      string       `json:"latest"`
	Checkpoints []indexEntry `json:"checkpoints"`
}

type indexEntry struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// Saver persists checkpoints through a storage backend. Checkpoint
// writes are atomic (the backend renames a synced temp file into
// place) and the index is written only after the checkpoint itself, so
// a crash between the two leaves a findable checkpoint and a stale
// index, never the reverse.
type Saver struct {
	backend storage.Backend
	// lockPath guards index updates across processes. Empty means the
	// backend is not a local directory and only in-process locking
	// applies.
	lockPath string
	mu       sync.Mutex
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// New creates a saver rooted at a local directory, with cross-process
// index locking.
func New(dir string) (*Saver, error) {
	backend, err := storagefile.New(dir)
	if err != nil {
		return nil, err
	}
	return &Saver{
		backend:  backend,
		lockPath: dir + "/.index.lock",
	}, nil
}

// NewWithBackend creates a saver on an arbitrary storage backend.
// Index updates are serialized in-process only; use one saver per
// backend prefix.
func NewWithBackend(backend storage.Backend) *Saver {
	return &Saver{backend: backend}
}

func checkpointKey(sessionID, checkpointID string) string {
	return path.Join(sessionID, checkpointID+checkpointSuffix)
}

func indexKey(sessionID string) string {
	return path.Join(sessionID, indexKeyName)
}

// Save writes the checkpoint file, then updates the session index
// under the lock.
func (s *Saver) Save(ctx context.Context, ckpt *graph.Checkpoint) error {
	data, err := graph.EncodeCheckpoint(ckpt)
	if err != nil {
		return &graph.StoreError{Op: "encode", Key: ckpt.ID, Err: err}
	}
	key := checkpointKey(ckpt.SessionID, ckpt.ID)
	if err := s.backend.Save(ctx, key, data); err != nil {
		return &graph.StoreError{Op: "save", Key: key, Err: err}
	}
	if err := s.updateIndex(ctx, ckpt); err != nil {
		// The checkpoint itself is durable; a stale index repairs on
		// the next fallback scan.
		log.Warnf("index update for session %s failed: %v", ckpt.SessionID, err)
	}
	return nil
}

func (s *Saver) updateIndex(ctx context.Context, ckpt *graph.Checkpoint) error {
	unlock, err := s.lockIndex()
	if err != nil {
		return err
	}
	defer unlock()

	idx, err := s.readIndex(ctx, ckpt.SessionID)
	if err != nil || idx == nil {
		idx = &sessionIndex{SessionID: ckpt.SessionID}
	}
	idx.Checkpoints = append(idx.Checkpoints, indexEntry{
		ID:        ckpt.ID,
		NodeID:    ckpt.NodeID,
		Step:      ckpt.Step,
		Timestamp: ckpt.Timestamp,
	})
	sort.Slice(idx.Checkpoints, func(i, j int) bool {
		return idx.Checkpoints[i].ID < idx.Checkpoints[j].ID
	})
	if ckpt.ID > idx.Latest {
		idx.Latest = ckpt.ID
	}
	return s.writeIndex(ctx, idx)
}

// lockIndex serializes index updates, across processes when a lock
// path is available.
func (s *Saver) lockIndex() (func(), error) {
	s.mu.Lock()
	if s.lockPath == "" {
		return s.mu.Unlock, nil
	}
	l, err := flock.Acquire(s.lockPath)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("acquire index lock: %w", err)
	}
	return func() {
		if err := l.Release(); err != nil {
			log.Warnf("release index lock: %v", err)
		}
		s.mu.Unlock()
	}, nil
}

func (s *Saver) readIndex(ctx context.Context, sessionID string) (*sessionIndex, error) {
	data, err := s.backend.Load(ctx, indexKey(sessionID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var idx sessionIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode index for session %s: %w", sessionID, err)
	}
	return &idx, nil
}

func (s *Saver) writeIndex(ctx context.Context, idx *sessionIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, indexKey(idx.SessionID), data)
}

// Load reads one checkpoint, verifying its envelope.
func (s *Saver) Load(ctx context.Context, sessionID, checkpointID string) (*graph.Checkpoint, error) {
	key := checkpointKey(sessionID, checkpointID)
	data, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, &graph.StoreError{Op: "load", Key: key, Err: err}
	}
	if data == nil {
		return nil, nil
	}
	ckpt, err := graph.DecodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	return ckpt, nil
}

// Latest returns the newest checkpoint of a session. The index is
// consulted first; when it is unusable the saver scans the checkpoint
// files, picks the newest, and rewrites the index from what it found.
func (s *Saver) Latest(ctx context.Context, sessionID string) (*graph.Checkpoint, error) {
	idx, err := s.readIndex(ctx, sessionID)
	if err == nil && idx != nil && idx.Latest != "" {
		ckpt, err := s.Load(ctx, sessionID, idx.Latest)
		if err == nil && ckpt != nil {
			return ckpt, nil
		}
		if err != nil {
			log.Warnf("latest checkpoint %s from index unreadable, falling back to scan: %v", idx.Latest, err)
		}
	} else if err != nil {
		log.Warnf("index for session %s unreadable, falling back to scan: %v", sessionID, err)
	}
	return s.latestByScan(ctx, sessionID)
}

// latestByScan finds the newest checkpoint without the index and
// repairs the index as a side effect.
func (s *Saver) latestByScan(ctx context.Context, sessionID string) (*graph.Checkpoint, error) {
	ids, err := s.scanIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	// IDs order lexically by creation time. Prefer file modification
	// time when the backend can report it, since a repaired or copied
	// session may carry foreign IDs.
	latest := ids[len(ids)-1]
	if mt, ok := s.backend.(storage.ModTimer); ok {
		var newest time.Time
		for _, id := range ids {
			t, err := mt.ModTime(ctx, checkpointKey(sessionID, id))
			if err != nil {
				continue
			}
			if t.After(newest) {
				newest = t
				latest = id
			}
		}
	}
	ckpt, err := s.Load(ctx, sessionID, latest)
	if err != nil {
		return nil, err
	}
	s.repairIndex(ctx, sessionID, ids, latest)
	return ckpt, nil
}

// scanIDs lists checkpoint IDs by prefix scan, sorted ascending.
func (s *Saver) scanIDs(ctx context.Context, sessionID string) ([]string, error) {
	keys, err := s.backend.List(ctx, sessionID+"/")
	if err != nil {
		return nil, &graph.StoreError{Op: "list", Key: sessionID, Err: err}
	}
	var ids []string
	for _, key := range keys {
		base := path.Base(key)
		if !strings.HasSuffix(base, checkpointSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(base, checkpointSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// repairIndex rebuilds the index from scanned checkpoint files.
// Best effort: a failure here only means the next Latest scans again.
func (s *Saver) repairIndex(ctx context.Context, sessionID string, ids []string, latest string) {
	unlock, err := s.lockIndex()
	if err != nil {
		log.Warnf("index repair for session %s skipped: %v", sessionID, err)
		return
	}
	defer unlock()

	idx := &sessionIndex{SessionID: sessionID, Latest: latest}
	for _, id := range ids {
		ckpt, err := s.Load(ctx, sessionID, id)
		if err != nil || ckpt == nil {
			log.Warnf("skipping unreadable checkpoint %s during index repair: %v", id, err)
			continue
		}
		idx.Checkpoints = append(idx.Checkpoints, indexEntry{
			ID:        ckpt.ID,
			NodeID:    ckpt.NodeID,
			Step:      ckpt.Step,
			Timestamp: ckpt.Timestamp,
		})
	}
	if err := s.writeIndex(ctx, idx); err != nil {
		log.Warnf("index repair for session %s failed: %v", sessionID, err)
		return
	}
	log.Infof("rebuilt index for session %s with %d checkpoints", sessionID, len(idx.Checkpoints))
}

// List returns all checkpoint IDs of a session, oldest first. The
// scan is authoritative; the index only accelerates Latest.
func (s *Saver) List(ctx context.Context, sessionID string) ([]string, error) {
	return s.scanIDs(ctx, sessionID)
}

// DeleteSession removes every checkpoint and the index of a session.
func (s *Saver) DeleteSession(ctx context.Context, sessionID string) error {
	keys, err := s.backend.List(ctx, sessionID+"/")
	if err != nil {
		return &graph.StoreError{Op: "list", Key: sessionID, Err: err}
	}
	for _, key := range keys {
		if err := s.backend.Delete(ctx, key); err != nil {
			return &graph.StoreError{Op: "delete", Key: key, Err: err}
		}
	}
	return nil
}

// Close releases nothing; the backend owns no open handles.
func (s *Saver) Close() error { return nil }

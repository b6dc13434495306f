//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed CheckpointSaver for durable
// checkpoint storage with transactional writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stateflow-go/stateflow/graph"
)

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"session_id TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"node_id TEXT NOT NULL, " +
		"step INTEGER NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"envelope BLOB NOT NULL, " +
		"PRIMARY KEY (session_id, checkpoint_id)" +
		")"

	sqliteInsertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"session_id, checkpoint_id, parent_checkpoint_id, node_id, step, ts, envelope) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?)"

	sqliteSelectByID = "SELECT envelope FROM checkpoints " +
		"WHERE session_id = ? AND checkpoint_id = ? LIMIT 1"

	sqliteSelectLatest = "SELECT envelope FROM checkpoints " +
		"WHERE session_id = ? ORDER BY checkpoint_id DESC LIMIT 1"

	sqliteSelectIDsAsc = "SELECT checkpoint_id FROM checkpoints " +
		"WHERE session_id = ? ORDER BY checkpoint_id ASC"

	sqliteDeleteSession = "DELETE FROM checkpoints WHERE session_id = ?"
)

// Saver is a SQLite-backed implementation of CheckpointSaver. It
// expects an initialized *sql.DB (for example from the mattn/go-sqlite3
// driver) and creates the required schema on construction. Checkpoints
// are stored in their integrity envelope, so corruption introduced at
// rest is detected on read just like with the file saver.
type Saver struct {
	db *sql.DB
	// ownsDB records whether Close should close the handle.
	ownsDB bool
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver wraps an existing database handle. The caller keeps
// ownership of the handle; Close does not close it.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	s := &Saver{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens a SQLite database at the given DSN using the registered
// "sqlite3" driver and wraps it in a Saver that owns the handle.
func Open(dsn string) (*Saver, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &Saver{db: db, ownsDB: true}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Saver) initSchema() error {
	if _, err := s.db.Exec(sqliteCreateCheckpoints); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

// Save persists a checkpoint in one statement; SQLite makes the write
// atomic on its own.
func (s *Saver) Save(ctx context.Context, ckpt *graph.Checkpoint) error {
	envelope, err := graph.EncodeCheckpoint(ckpt)
	if err != nil {
		return &graph.StoreError{Op: "encode", Key: ckpt.ID, Err: err}
	}
	_, err = s.db.ExecContext(ctx, sqliteInsertCheckpoint,
		ckpt.SessionID, ckpt.ID, ckpt.ParentID, ckpt.NodeID, ckpt.Step,
		ckpt.Timestamp.UnixNano(), envelope)
	if err != nil {
		return &graph.StoreError{Op: "save", Key: ckpt.ID, Err: err}
	}
	return nil
}

// Load retrieves one checkpoint, or (nil, nil) when missing.
func (s *Saver) Load(ctx context.Context, sessionID, checkpointID string) (*graph.Checkpoint, error) {
	return s.queryOne(ctx, sqliteSelectByID, sessionID, checkpointID)
}

// Latest retrieves the newest checkpoint of a session. Checkpoint IDs
// order lexically by creation time, so max(checkpoint_id) is newest.
func (s *Saver) Latest(ctx context.Context, sessionID string) (*graph.Checkpoint, error) {
	return s.queryOne(ctx, sqliteSelectLatest, sessionID)
}

func (s *Saver) queryOne(ctx context.Context, query string, args ...any) (*graph.Checkpoint, error) {
	var envelope []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&envelope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &graph.StoreError{Op: "load", Err: err}
	}
	return graph.DecodeCheckpoint(envelope)
}

// List returns the checkpoint IDs of a session, oldest first.
func (s *Saver) List(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectIDsAsc, sessionID)
	if err != nil {
		return nil, &graph.StoreError{Op: "list", Key: sessionID, Err: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &graph.StoreError{Op: "list", Key: sessionID, Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &graph.StoreError{Op: "list", Key: sessionID, Err: err}
	}
	return ids, nil
}

// DeleteSession removes all checkpoints of a session.
func (s *Saver) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDeleteSession, sessionID); err != nil {
		return &graph.StoreError{Op: "delete", Key: sessionID, Err: err}
	}
	return nil
}

// Close closes the database handle when this saver opened it.
func (s *Saver) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

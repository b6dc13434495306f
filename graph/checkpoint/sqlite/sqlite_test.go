//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import SQLite driver.
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stateflow-go/stateflow/graph"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeCheckpoint(sessionID, id string, step int) *graph.Checkpoint {
	return &graph.Checkpoint{
		ID:        id,
		SessionID: sessionID,
		NodeID:    "node",
		Step:      step,
		Timestamp: time.Now(),
		State:     map[string]any{"step": float64(step)},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	ckpt := makeCheckpoint("sess", "01AAA", 1)
	require.NoError(t, saver.Save(ctx, ckpt))

	loaded, err := saver.Load(ctx, "sess", "01AAA")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, ckpt.ID, loaded.ID)
	assert.Equal(t, map[string]any{"step": float64(1)}, loaded.State)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	loaded, err := saver.Load(context.Background(), "sess", "ghost")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLatestPicksHighestID(t *testing.T) {
	ctx := context.Background()
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01AAA", 1)))
	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01CCC", 3)))
	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01BBB", 2)))

	latest, err := saver.Latest(ctx, "sess")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "01CCC", latest.ID)
	assert.Equal(t, 3, latest.Step)
}

func TestLatestEmptySession(t *testing.T) {
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	latest, err := saver.Latest(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestListSortedAscending(t *testing.T) {
	ctx := context.Background()
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01BBB", 2)))
	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01AAA", 1)))

	ids, err := saver.List(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []string{"01AAA", "01BBB"}, ids)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01AAA", 1)))
	require.NoError(t, saver.Save(ctx, makeCheckpoint("other", "01AAA", 1)))

	require.NoError(t, saver.DeleteSession(ctx, "sess"))

	ids, err := saver.List(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, ids)

	other, err := saver.Load(ctx, "other", "01AAA")
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestSaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	saver, err := NewSaver(setupTestDB(t))
	require.NoError(t, err)

	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01AAA", 1)))
	updated := makeCheckpoint("sess", "01AAA", 9)
	require.NoError(t, saver.Save(ctx, updated))

	loaded, err := saver.Load(ctx, "sess", "01AAA")
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Step)
}

func TestCorruptedEnvelopeDetectedOnRead(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	saver, err := NewSaver(db)
	require.NoError(t, err)

	require.NoError(t, saver.Save(ctx, makeCheckpoint("sess", "01AAA", 1)))

	// Flip a payload byte at rest.
	var envelope []byte
	require.NoError(t, db.QueryRow(
		"SELECT envelope FROM checkpoints WHERE checkpoint_id = ?", "01AAA").Scan(&envelope))
	envelope[len(envelope)-1] ^= 0xFF
	_, err = db.Exec(
		"UPDATE checkpoints SET envelope = ? WHERE checkpoint_id = ?", envelope, "01AAA")
	require.NoError(t, err)

	_, err = saver.Load(ctx, "sess", "01AAA")
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrCheckpointCorrupted)
}

func TestOpenOwnsHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owned.db")
	saver, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, saver.Save(context.Background(), makeCheckpoint("sess", "01AAA", 1)))
	require.NoError(t, saver.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)
}

//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Checkpoint is a durable snapshot of graph state at a point in an
// invocation. Restoring a checkpoint and resuming produces the same
// downstream behavior as the original run, absent nondeterminism in
// node functions.
type Checkpoint struct {
	// ID uniquely identifies this checkpoint within its session.
	// IDs are lexically ordered by creation time.
	ID string `json:"id"`
	// SessionID groups the checkpoints of one logical workflow.
	SessionID string `json:"session_id"`
	// InvocationID identifies the execution that wrote the checkpoint.
	InvocationID string `json:"invocation_id"`
	// NodeID is the node that had just completed when the snapshot
	// was taken.
	NodeID string `json:"node_id"`
	// Step is the execution step counter at snapshot time.
	Step int `json:"step"`
	// ParentID is the previous checkpoint of the same invocation, if any.
	ParentID string `json:"parent_id,omitempty"`
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
	// State is the full state snapshot. Values are deep-copied at
	// snapshot time so later node updates never leak in.
	State map[string]any `json:"state"`
	// Metadata carries caller-defined annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Copy returns a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	clone := *c
	clone.State = deepCopyState(c.State)
	if c.Metadata != nil {
		clone.Metadata = deepCopyState(c.Metadata)
	}
	return &clone
}

// CheckpointSaver persists checkpoints. Implementations must be safe
// for concurrent use; Save must be atomic so readers never observe a
// partially written checkpoint.
type CheckpointSaver interface {
	// Save persists a checkpoint.
	Save(ctx context.Context, ckpt *Checkpoint) error
	// Load retrieves a checkpoint by session and ID. A missing
	// checkpoint is (nil, nil); a corrupted one is an error matching
	// ErrCheckpointCorrupted.
	Load(ctx context.Context, sessionID, checkpointID string) (*Checkpoint, error)
	// Latest retrieves the most recent checkpoint of a session, or
	// (nil, nil) when the session has none.
	Latest(ctx context.Context, sessionID string) (*Checkpoint, error)
	// List returns all checkpoint IDs of a session, oldest first.
	List(ctx context.Context, sessionID string) ([]string, error)
	// DeleteSession removes every checkpoint of a session.
	DeleteSession(ctx context.Context, sessionID string) error
	// Close releases resources held by the saver.
	Close() error
}

// CheckpointPolicy decides when the executor snapshots state.
type CheckpointPolicy int

// Checkpoint policies.
const (
	// CheckpointEvery snapshots after every node completion.
	CheckpointEvery CheckpointPolicy = iota
	// CheckpointEveryN snapshots after every n-th node completion.
	CheckpointEveryN
	// CheckpointOnMarks snapshots only after nodes built with
	// WithCheckpointHere.
	CheckpointOnMarks
	// CheckpointNever disables checkpointing.
	CheckpointNever
)

// String returns the policy name.
func (p CheckpointPolicy) String() string {
	switch p {
	case CheckpointEvery:
		return "every"
	case CheckpointEveryN:
		return "every_n"
	case CheckpointOnMarks:
		return "on_marks"
	case CheckpointNever:
		return "never"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// IDSource produces checkpoint identifiers and their timestamps.
// Replaceable for deterministic tests.
type IDSource interface {
	// Now returns the current time.
	Now() time.Time
	// NewID returns a new checkpoint ID for the given time. IDs must
	// be unique across process restarts and lexically ordered by time.
	NewID(t time.Time) string
}

// ulidSource issues ULIDs: millisecond timestamp plus 80 bits of
// crypto entropy, so two processes writing to the same session cannot
// collide even across restarts.
type ulidSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// DefaultIDSource returns the ULID-based production ID source.
func DefaultIDSource() IDSource {
	return &ulidSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *ulidSource) Now() time.Time { return time.Now() }

func (s *ulidSource) NewID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Checkpoint envelope framing. Every serialized checkpoint is wrapped
// in a fixed header so savers can detect truncation and corruption
// before attempting to decode the payload:
//
//	magic(4) | version(4) | crc32(4) | length(8) | payload
//
// All integers are big-endian. The CRC covers the payload only.
const (
	envelopeMagic      = "SFCK"
	envelopeVersion    = uint32(1)
	envelopeHeaderSize = 4 + 4 + 4 + 8
)

// EncodeCheckpoint serializes a checkpoint into its integrity envelope.
func EncodeCheckpoint(ckpt *Checkpoint) ([]byte, error) {
	payload, err := json.Marshal(ckpt)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint %s: %w", ckpt.ID, err)
	}
	buf := make([]byte, envelopeHeaderSize+len(payload))
	copy(buf[0:4], envelopeMagic)
	binary.BigEndian.PutUint32(buf[4:8], envelopeVersion)
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(buf[12:20], uint64(len(payload)))
	copy(buf[envelopeHeaderSize:], payload)
	return buf, nil
}

// DecodeCheckpoint parses an envelope and verifies its integrity.
// Any mismatch returns an error matching ErrCheckpointCorrupted.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) < envelopeHeaderSize {
		return nil, newExecutionError(ErrCheckpointCorrupted, "", "",
			fmt.Errorf("envelope truncated: %d bytes", len(data)))
	}
	if string(data[0:4]) != envelopeMagic {
		return nil, newExecutionError(ErrCheckpointCorrupted, "", "",
			fmt.Errorf("bad magic %q", data[0:4]))
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != envelopeVersion {
		return nil, newExecutionError(ErrCheckpointCorrupted, "", "",
			fmt.Errorf("unsupported envelope version %d", v))
	}
	wantCRC := binary.BigEndian.Uint32(data[8:12])
	length := binary.BigEndian.Uint64(data[12:20])
	payload := data[envelopeHeaderSize:]
	if uint64(len(payload)) != length {
		return nil, newExecutionError(ErrCheckpointCorrupted, "", "",
			fmt.Errorf("payload length %d does not match header %d", len(payload), length))
	}
	if got := crc32.ChecksumIEEE(payload); got != wantCRC {
		return nil, newExecutionError(ErrCheckpointCorrupted, "", "",
			fmt.Errorf("crc mismatch: header %08x, payload %08x", wantCRC, got))
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(payload, &ckpt); err != nil {
		return nil, newExecutionError(ErrCheckpointCorrupted, "", "",
			fmt.Errorf("decode payload: %w", err))
	}
	return &ckpt, nil
}

// CheckpointManager drives checkpoint creation and restoration on top
// of a CheckpointSaver.
type CheckpointManager struct {
	saver CheckpointSaver
	ids   IDSource
}

// ManagerOption configures a CheckpointManager.
type ManagerOption func(*CheckpointManager)

// WithIDSource replaces the default ULID ID source.
func WithIDSource(ids IDSource) ManagerOption {
	return func(cm *CheckpointManager) { cm.ids = ids }
}

// NewCheckpointManager creates a checkpoint manager around a saver.
func NewCheckpointManager(saver CheckpointSaver, opts ...ManagerOption) *CheckpointManager {
	cm := &CheckpointManager{
		saver: saver,
		ids:   DefaultIDSource(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Saver returns the underlying saver.
func (cm *CheckpointManager) Saver() CheckpointSaver { return cm.saver }

// NewCheckpoint assembles a checkpoint with a fresh ID, deep-copying
// the state so the caller may keep mutating its copy. The checkpoint
// is not persisted; pass it to Save. Splitting assembly from
// persistence lets the executor fix the ID and parent chain
// synchronously while the write itself happens on a background
// goroutine.
func (cm *CheckpointManager) NewCheckpoint(
	sessionID, invocationID, nodeID string,
	step int,
	state State,
	metadata map[string]any,
) *Checkpoint {
	now := cm.ids.Now()
	return &Checkpoint{
		ID:           cm.ids.NewID(now),
		SessionID:    sessionID,
		InvocationID: invocationID,
		NodeID:       nodeID,
		Step:         step,
		Timestamp:    now,
		State:        deepCopyState(state),
		Metadata:     metadata,
	}
}

// Save persists an assembled checkpoint.
func (cm *CheckpointManager) Save(ctx context.Context, ckpt *Checkpoint) error {
	if err := cm.saver.Save(ctx, ckpt); err != nil {
		return newExecutionError(ErrCheckpointWriteFailed, ckpt.NodeID, "", err)
	}
	return nil
}

// Create assembles and immediately persists a checkpoint.
func (cm *CheckpointManager) Create(
	ctx context.Context,
	sessionID, invocationID, nodeID, parentID string,
	step int,
	state State,
	metadata map[string]any,
) (*Checkpoint, error) {
	ckpt := cm.NewCheckpoint(sessionID, invocationID, nodeID, step, state, metadata)
	ckpt.ParentID = parentID
	if err := cm.Save(ctx, ckpt); err != nil {
		return nil, err
	}
	return ckpt, nil
}

// Latest returns the most recent checkpoint of a session.
func (cm *CheckpointManager) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return cm.saver.Latest(ctx, sessionID)
}

// Load returns a specific checkpoint of a session.
func (cm *CheckpointManager) Load(ctx context.Context, sessionID, checkpointID string) (*Checkpoint, error) {
	return cm.saver.Load(ctx, sessionID, checkpointID)
}

// List returns the checkpoint IDs of a session, oldest first.
func (cm *CheckpointManager) List(ctx context.Context, sessionID string) ([]string, error) {
	return cm.saver.List(ctx, sessionID)
}

// DeleteSession removes all checkpoints of a session.
func (cm *CheckpointManager) DeleteSession(ctx context.Context, sessionID string) error {
	return cm.saver.DeleteSession(ctx, sessionID)
}

// RestoreState returns the state stored in the given checkpoint, or
// the latest checkpoint when checkpointID is empty. Returns (nil, nil)
// when no checkpoint exists.
func (cm *CheckpointManager) RestoreState(ctx context.Context, sessionID, checkpointID string) (State, *Checkpoint, error) {
	var (
		ckpt *Checkpoint
		err  error
	)
	if checkpointID == "" {
		ckpt, err = cm.saver.Latest(ctx, sessionID)
	} else {
		ckpt, err = cm.saver.Load(ctx, sessionID, checkpointID)
	}
	if err != nil {
		return nil, nil, err
	}
	if ckpt == nil {
		return nil, nil, nil
	}
	return State(deepCopyState(ckpt.State)), ckpt, nil
}

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
	"time"

	"github.com/google/uuid"
)

// EventType identifies what an execution event describes.
type EventType string

// Execution event types, in the order a typical run emits them.
const (
	EventInvocationStart    EventType = "invocation.start"
	EventInvocationComplete EventType = "invocation.complete"
	EventInvocationError    EventType = "invocation.error"
	EventNodeStart          EventType = "node.start"
	EventNodeComplete       EventType = "node.complete"
	EventNodeError          EventType = "node.error"
	EventStateUpdate        EventType = "state.update"
	EventBranchesJoined     EventType = "branches.joined"
	EventCheckpointSaved    EventType = "checkpoint.saved"
	EventCheckpointFailed   EventType = "checkpoint.failed"
)

// Event is one observation of a running invocation, delivered on the
// Stream channel in emission order. Delivery applies backpressure;
// the run waits for the consumer rather than dropping events.
type Event struct {
	// ID uniquely identifies this event.
	ID string
	// Type identifies what happened.
	Type EventType
	// InvocationID ties the event to one execution.
	InvocationID string
	// SessionID is the durable session the invocation belongs to.
	SessionID string
	// NodeID is set for node-scoped events.
	NodeID string
	// BranchID is set when the event happened on a parallel branch.
	BranchID string
	// Step is the execution step counter when the event was emitted.
	Step int
	// Timestamp is when the event was created.
	Timestamp time.Time
	// StateKeys lists the state fields touched, for state.update events.
	StateKeys []string
	// State is a snapshot of the state after the event's operation.
	// Populated on state.update (the node's view after its update was
	// applied), branches.joined (the merged state), and
	// invocation.complete (the final state). The snapshot is a clone;
	// consumers may keep or mutate it freely.
	State State
	// CheckpointID is set for checkpoint events.
	CheckpointID string
	// Err carries the failure for error events.
	Err error
	// Duration is how long the operation took, for completion events.
	Duration time.Duration
}

// EventOption configures an Event.
type EventOption func(*Event)

// WithEventNodeID sets the node the event belongs to.
func WithEventNodeID(nodeID string) EventOption {
	return func(e *Event) { e.NodeID = nodeID }
}

// WithEventBranchID sets the parallel branch the event belongs to.
func WithEventBranchID(branchID string) EventOption {
	return func(e *Event) { e.BranchID = branchID }
}

// WithEventStep sets the step counter value.
func WithEventStep(step int) EventOption {
	return func(e *Event) { e.Step = step }
}

// WithEventStateKeys records which state fields the event touched.
func WithEventStateKeys(keys []string) EventOption {
	return func(e *Event) { e.StateKeys = keys }
}

// WithEventState attaches a state snapshot. The caller must pass a
// clone the run no longer mutates.
func WithEventState(s State) EventOption {
	return func(e *Event) { e.State = s }
}

// WithEventCheckpointID records the checkpoint the event refers to.
func WithEventCheckpointID(id string) EventOption {
	return func(e *Event) { e.CheckpointID = id }
}

// WithEventError attaches the failure that caused the event.
func WithEventError(err error) EventOption {
	return func(e *Event) { e.Err = err }
}

// WithEventDuration records how long the operation took.
func WithEventDuration(d time.Duration) EventOption {
	return func(e *Event) { e.Duration = d }
}

// NewEvent creates an execution event.
func NewEvent(eventType EventType, invocationID, sessionID string, opts ...EventOption) *Event {
	e := &Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		InvocationID: invocationID,
		SessionID:    sessionID,
		Timestamp:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

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
	"time"
)

// NodeCallbackContext provides context information for node callbacks.
type NodeCallbackContext struct {
	// NodeID is the ID of the node being executed.
	NodeID string
	// NodeName is the display name of the node being executed.
	NodeName string
	// NodeType is the type of the node being executed.
	NodeType NodeType
	// StepNumber is the current step number in the graph execution.
	StepNumber int
	// BranchID is the parallel branch the node runs on, if any.
	BranchID string
	// ExecutionStartTime is when the node execution started.
	ExecutionStartTime time.Time
	// InvocationID is the unique identifier for this graph execution.
	InvocationID string
	// SessionID is the session identifier if available.
	SessionID string
}

// BeforeNodeCallback is called before a node is executed.
// If it returns a non-nil result, that result is used and the node
// function is skipped. A non-nil error stops the node with that error.
type BeforeNodeCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
) (any, error)

// AfterNodeCallback is called after a node is executed.
// A non-nil result replaces the node's actual result; a non-nil error
// replaces the node's outcome.
type AfterNodeCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
	result any,
	nodeErr error,
) (any, error)

// OnNodeErrorCallback is called when a node execution fails. It cannot
// change the error; use it for logging and monitoring.
type OnNodeErrorCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
	err error,
)

// OnStateUpdateCallback is called after a node's update has been
// applied, with a snapshot of the resulting state. On a parallel
// branch the snapshot is the branch's private view.
type OnStateUpdateCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
)

// OnCheckpointCallback is called after every checkpoint attempt,
// successful or not. ckpt is nil when the write failed before a
// checkpoint could be assembled.
type OnCheckpointCallback func(
	ctx context.Context,
	ckpt *Checkpoint,
	err error,
)

// Callbacks holds the callback lists for one execution. All lists run
// in registration order.
type Callbacks struct {
	BeforeNode    []BeforeNodeCallback
	AfterNode     []AfterNodeCallback
	OnNodeError   []OnNodeErrorCallback
	OnStateUpdate []OnStateUpdateCallback
	OnCheckpoint  []OnCheckpointCallback
}

// NewCallbacks creates a new Callbacks instance.
func NewCallbacks() *Callbacks {
	return &Callbacks{}
}

// RegisterBeforeNode registers a before node callback.
func (c *Callbacks) RegisterBeforeNode(cb BeforeNodeCallback) *Callbacks {
	c.BeforeNode = append(c.BeforeNode, cb)
	return c
}

// RegisterAfterNode registers an after node callback.
func (c *Callbacks) RegisterAfterNode(cb AfterNodeCallback) *Callbacks {
	c.AfterNode = append(c.AfterNode, cb)
	return c
}

// RegisterOnNodeError registers an on node error callback.
func (c *Callbacks) RegisterOnNodeError(cb OnNodeErrorCallback) *Callbacks {
	c.OnNodeError = append(c.OnNodeError, cb)
	return c
}

// RegisterOnStateUpdate registers a state update callback.
func (c *Callbacks) RegisterOnStateUpdate(cb OnStateUpdateCallback) *Callbacks {
	c.OnStateUpdate = append(c.OnStateUpdate, cb)
	return c
}

// RegisterOnCheckpoint registers a checkpoint callback.
func (c *Callbacks) RegisterOnCheckpoint(cb OnCheckpointCallback) *Callbacks {
	c.OnCheckpoint = append(c.OnCheckpoint, cb)
	return c
}

// RunBeforeNode runs all before node callbacks in order. The first
// callback returning a non-nil result short-circuits the rest.
func (c *Callbacks) RunBeforeNode(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.BeforeNode {
		result, err := cb(ctx, callbackCtx, state)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// RunAfterNode runs all after node callbacks in order. The first
// callback returning a non-nil result short-circuits the rest.
func (c *Callbacks) RunAfterNode(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
	result any,
	nodeErr error,
) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.AfterNode {
		customResult, err := cb(ctx, callbackCtx, state, result, nodeErr)
		if err != nil {
			return nil, err
		}
		if customResult != nil {
			return customResult, nil
		}
	}
	return nil, nil
}

// RunOnNodeError runs all error callbacks in order.
func (c *Callbacks) RunOnNodeError(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
	err error,
) {
	if c == nil {
		return
	}
	for _, cb := range c.OnNodeError {
		cb(ctx, callbackCtx, state, err)
	}
}

// RunOnStateUpdate runs all state update callbacks in order.
func (c *Callbacks) RunOnStateUpdate(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
) {
	if c == nil {
		return
	}
	for _, cb := range c.OnStateUpdate {
		cb(ctx, callbackCtx, state)
	}
}

// RunOnCheckpoint runs all checkpoint callbacks in order.
func (c *Callbacks) RunOnCheckpoint(ctx context.Context, ckpt *Checkpoint, err error) {
	if c == nil {
		return
	}
	for _, cb := range c.OnCheckpoint {
		cb(ctx, ckpt, err)
	}
}

// Observer receives execution lifecycle notifications as a single
// interface, for callers that prefer implementing one type over
// registering individual callbacks. Wrap with ObserverCallbacks.
type Observer interface {
	// OnNodeStart is called before a node runs.
	OnNodeStart(ctx context.Context, callbackCtx *NodeCallbackContext, state State)
	// OnNodeComplete is called after a node runs, with its outcome.
	OnNodeComplete(ctx context.Context, callbackCtx *NodeCallbackContext, state State, result any, err error)
	// OnStateUpdate is called after a node's update has been applied,
	// with a snapshot of the resulting state.
	OnStateUpdate(ctx context.Context, callbackCtx *NodeCallbackContext, state State)
	// OnCheckpoint is called after every checkpoint attempt.
	OnCheckpoint(ctx context.Context, ckpt *Checkpoint, err error)
}

// ObserverCallbacks adapts an Observer into a Callbacks registry.
// Observer methods are notification-only; they cannot skip nodes or
// replace results the way raw callbacks can.
func ObserverCallbacks(obs Observer) *Callbacks {
	c := NewCallbacks()
	c.RegisterBeforeNode(func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
		obs.OnNodeStart(ctx, cc, state)
		return nil, nil
	})
	c.RegisterAfterNode(func(ctx context.Context, cc *NodeCallbackContext, state State, result any, nodeErr error) (any, error) {
		obs.OnNodeComplete(ctx, cc, state, result, nodeErr)
		return nil, nil
	})
	c.RegisterOnStateUpdate(func(ctx context.Context, cc *NodeCallbackContext, state State) {
		obs.OnStateUpdate(ctx, cc, state)
	})
	c.RegisterOnCheckpoint(func(ctx context.Context, ckpt *Checkpoint, err error) {
		obs.OnCheckpoint(ctx, ckpt, err)
	})
	return c
}

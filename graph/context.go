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
	"sync"
	"sync/atomic"
)

// ExecutionContext carries the mutable state of one invocation. It is
// created by the executor and shared between the main walk and any
// parallel branches; all mutation goes through its methods.
type ExecutionContext struct {
	Graph        *Graph
	EventChan    chan *Event
	InvocationID string
	SessionID    string

	// stateMutex protects State. Branches never write here directly;
	// only the sequential walk and the join merge do.
	stateMutex sync.RWMutex
	State      State

	// steps counts executed nodes across all branches.
	steps atomic.Int64

	// historyMu protects executedNodes and checkpoint bookkeeping.
	historyMu        sync.Mutex
	executedNodes    []string
	lastCheckpointID string
	sinceCheckpoint  int

	// checkpointWG tracks in-flight asynchronous checkpoint writes so
	// the executor can join them before the invocation returns.
	checkpointWG sync.WaitGroup
}

// CurrentState returns a clone of the current state.
func (ec *ExecutionContext) CurrentState() State {
	ec.stateMutex.RLock()
	defer ec.stateMutex.RUnlock()
	return ec.State.Clone()
}

// setState replaces the current state.
func (ec *ExecutionContext) setState(s State) {
	ec.stateMutex.Lock()
	defer ec.stateMutex.Unlock()
	ec.State = s
}

// nextStep increments and returns the global step counter.
func (ec *ExecutionContext) nextStep() int {
	return int(ec.steps.Add(1))
}

// Steps returns the number of executed nodes so far.
func (ec *ExecutionContext) Steps() int {
	return int(ec.steps.Load())
}

// recordNode appends a node to the execution history.
func (ec *ExecutionContext) recordNode(nodeID string) {
	ec.historyMu.Lock()
	defer ec.historyMu.Unlock()
	ec.executedNodes = append(ec.executedNodes, nodeID)
}

// ExecutedNodes returns a snapshot of the execution history in order.
func (ec *ExecutionContext) ExecutedNodes() []string {
	ec.historyMu.Lock()
	defer ec.historyMu.Unlock()
	return append([]string(nil), ec.executedNodes...)
}

// checkpointParent returns the previous checkpoint ID and records the
// new one. The per-policy counter resets on every successful record.
func (ec *ExecutionContext) checkpointParent(newID string) string {
	ec.historyMu.Lock()
	defer ec.historyMu.Unlock()
	parent := ec.lastCheckpointID
	ec.lastCheckpointID = newID
	ec.sinceCheckpoint = 0
	return parent
}

// countSinceCheckpoint bumps the nodes-since-last-checkpoint counter
// and reports its new value.
func (ec *ExecutionContext) countSinceCheckpoint() int {
	ec.historyMu.Lock()
	defer ec.historyMu.Unlock()
	ec.sinceCheckpoint++
	return ec.sinceCheckpoint
}

// emit delivers an event, blocking execution until the consumer takes
// it or ctx ends. A consumer that stops reading the stream must cancel
// the invocation context, otherwise the run stalls once the channel
// buffer fills.
func (ec *ExecutionContext) emit(ctx context.Context, e *Event) {
	if ec.EventChan == nil {
		return
	}
	select {
	case ec.EventChan <- e:
	case <-ctx.Done():
	}
}

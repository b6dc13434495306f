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
	"errors"
	"fmt"
)

// Compile error codes.
const (
	// CompileErrUnknownNode indicates an edge endpoint or entry point
	// that references a node which was never added.
	CompileErrUnknownNode = "unknown_node"
	// CompileErrUnreachable indicates a node that cannot be reached
	// from any entry point.
	CompileErrUnreachable = "unreachable"
	// CompileErrNoTerminalPath indicates a node with no path to End.
	CompileErrNoTerminalPath = "no_terminal_path"
	// CompileErrInvalidParallel indicates a parallel fan-out whose
	// branches do not converge on exactly one join node.
	CompileErrInvalidParallel = "invalid_parallel_group"
)

// CompileError reports a structural defect found during Compile.
// Execution never starts for a graph that fails to compile.
type CompileError struct {
	Code   string
	NodeID string
	Detail string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("graph compile failed (%s) at node %s: %s", e.Code, e.NodeID, e.Detail)
	}
	return fmt.Sprintf("graph compile failed (%s): %s", e.Code, e.Detail)
}

// Execution error kinds. ExecutionError.Is matches against these, so
// callers can use errors.Is(err, graph.ErrNodeFailed) regardless of
// the wrapping.
var (
	// ErrRouting indicates a conditional edge produced a target that is
	// not part of the graph, or no predicate matched.
	ErrRouting = errors.New("routing error")
	// ErrIterationLimitExceeded indicates the configured maximum number
	// of execution steps was exceeded, usually by an unbounded cycle.
	ErrIterationLimitExceeded = errors.New("maximum execution steps exceeded")
	// ErrMergeFailed indicates a reducer returned an error while merging
	// parallel branch results. No partial merge is kept.
	ErrMergeFailed = errors.New("state merge failed")
	// ErrTimeout indicates a per-node or per-invocation deadline expired.
	ErrTimeout = errors.New("execution timed out")
	// ErrNodeFailed indicates a node computation returned an error.
	ErrNodeFailed = errors.New("node execution failed")
	// ErrCheckpointCorrupted indicates a stored checkpoint failed its
	// integrity check and cannot be trusted.
	ErrCheckpointCorrupted = errors.New("checkpoint corrupted")
	// ErrCheckpointWriteFailed indicates a checkpoint could not be
	// written. Execution continues; durability is advisory.
	ErrCheckpointWriteFailed = errors.New("checkpoint write failed")
)

// ExecutionError wraps a failure during graph execution with the node
// and branch it originated from.
type ExecutionError struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// NodeID is the node where the failure occurred, if known.
	NodeID string
	// BranchID is the parallel branch the node ran on, if any.
	BranchID string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := e.Kind.Error()
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s: node %s", msg, e.NodeID)
	}
	if e.BranchID != "" {
		msg = fmt.Sprintf("%s (branch %s)", msg, e.BranchID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports whether target matches the error's kind.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// newExecutionError builds an ExecutionError for the given kind.
func newExecutionError(kind error, nodeID, branchID string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, NodeID: nodeID, BranchID: branchID, Err: err}
}

// StoreError reports a checkpoint storage failure: I/O, serialization,
// or lock contention.
type StoreError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("checkpoint store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("checkpoint store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stateflow-go/stateflow/log"
	"github.com/stateflow-go/stateflow/telemetry/trace"
)

// Executor defaults.
const (
	defaultChannelBufferSize = 256
	defaultMaxSteps          = 100
	defaultBranchParallelism = 16
)

// Executor executes a compiled graph. One Executor may run many
// invocations concurrently; per-invocation state lives in the
// ExecutionContext, not here.
type Executor struct {
	graph   *Graph
	options ExecutorOptions
	pool    *ants.Pool
}

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size for event channels.
	ChannelBufferSize int
	// MaxSteps bounds the total number of node executions per
	// invocation, across all branches. Exceeding it fails the run
	// with ErrIterationLimitExceeded.
	MaxSteps int
	// BranchParallelism caps how many parallel branches run at once.
	BranchParallelism int
	// InvocationTimeout bounds a whole invocation. Zero means no limit.
	InvocationTimeout time.Duration
	// CheckpointManager enables durable checkpoints when set.
	CheckpointManager *CheckpointManager
	// CheckpointPolicy decides when to snapshot. Ignored without a
	// CheckpointManager.
	CheckpointPolicy CheckpointPolicy
	// CheckpointEveryN is the interval for CheckpointEveryN.
	CheckpointEveryN int
	// ContinueOnError keeps a fan-out alive when a branch fails: the
	// failed branch's delta is dropped and the join merges survivors.
	ContinueOnError bool
	// CancelSiblingsOnError cancels sibling branches as soon as one
	// fails. Off by default: a failing branch fails the fan-out, but
	// its siblings run to completion first. Ignored when
	// ContinueOnError is set.
	CancelSiblingsOnError bool
	// Callbacks receives execution lifecycle notifications.
	Callbacks *Callbacks
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.ChannelBufferSize = size }
}

// WithMaxSteps sets the maximum number of node executions per invocation.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.MaxSteps = maxSteps }
}

// WithBranchParallelism caps concurrent parallel branches.
func WithBranchParallelism(n int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.BranchParallelism = n }
}

// WithInvocationTimeout bounds a whole invocation.
func WithInvocationTimeout(d time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.InvocationTimeout = d }
}

// WithCheckpointManager enables checkpointing through the manager.
func WithCheckpointManager(cm *CheckpointManager) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.CheckpointManager = cm }
}

// WithCheckpointPolicy sets when checkpoints are taken. For
// CheckpointEveryN, n is the interval; other policies ignore n.
func WithCheckpointPolicy(policy CheckpointPolicy, n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointPolicy = policy
		opts.CheckpointEveryN = n
	}
}

// WithContinueOnError keeps fan-outs alive when branches fail.
func WithContinueOnError(continueOnError bool) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.ContinueOnError = continueOnError }
}

// WithCancelSiblingsOnError controls whether a failing branch cancels
// its siblings. Defaults to false: siblings run to completion and the
// fan-out reports the failure afterwards.
func WithCancelSiblingsOnError(cancel bool) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.CancelSiblingsOnError = cancel }
}

// WithCallbacks attaches lifecycle callbacks.
func WithCallbacks(cb *Callbacks) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.Callbacks = cb }
}

// NewExecutor creates a new graph executor. Call Close when done to
// release the branch worker pool.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	options := ExecutorOptions{
		ChannelBufferSize: defaultChannelBufferSize,
		MaxSteps:          defaultMaxSteps,
		BranchParallelism: defaultBranchParallelism,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.ChannelBufferSize <= 0 {
		options.ChannelBufferSize = defaultChannelBufferSize
	}
	if options.MaxSteps <= 0 {
		options.MaxSteps = defaultMaxSteps
	}
	if options.BranchParallelism <= 0 {
		options.BranchParallelism = defaultBranchParallelism
	}
	if options.CheckpointPolicy == CheckpointEveryN && options.CheckpointEveryN <= 0 {
		return nil, errors.New("checkpoint policy every_n requires a positive interval")
	}
	pool, err := ants.NewPool(options.BranchParallelism)
	if err != nil {
		return nil, fmt.Errorf("create branch pool: %w", err)
	}
	return &Executor{
		graph:   graph,
		options: options,
		pool:    pool,
	}, nil
}

// Close releases the executor's worker pool. Running invocations
// should finish first.
func (e *Executor) Close() {
	e.pool.Release()
}

// InvokeOption configures one invocation.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	sessionID    string
	invocationID string
	resume       bool
	resumeFrom   string
	metadata     map[string]any
}

// WithSessionID ties the invocation to a durable session. Checkpoints
// are grouped by session; defaults to the invocation ID.
func WithSessionID(sessionID string) InvokeOption {
	return func(o *invokeOptions) { o.sessionID = sessionID }
}

// WithInvocationID fixes the invocation ID instead of generating one.
func WithInvocationID(invocationID string) InvokeOption {
	return func(o *invokeOptions) { o.invocationID = invocationID }
}

// WithResumeFromLatest restores the session's latest checkpoint before
// running. The initial state is applied on top of the restored state
// through the schema's reducers.
func WithResumeFromLatest() InvokeOption {
	return func(o *invokeOptions) { o.resume = true }
}

// WithResumeFrom restores a specific checkpoint before running.
func WithResumeFrom(checkpointID string) InvokeOption {
	return func(o *invokeOptions) {
		o.resume = true
		o.resumeFrom = checkpointID
	}
}

// WithCheckpointMetadata annotates every checkpoint this invocation writes.
func WithCheckpointMetadata(metadata map[string]any) InvokeOption {
	return func(o *invokeOptions) { o.metadata = metadata }
}

// Invoke runs the graph to completion and returns the final state.
// Events are consumed internally; use Stream to observe them.
func (e *Executor) Invoke(ctx context.Context, initialState State, opts ...InvokeOption) (State, error) {
	execCtx, events, err := e.start(ctx, initialState, opts...)
	if err != nil {
		return nil, err
	}
	for range events {
		// Drain. The channel closes when the run finishes.
	}
	if execCtx.runErr != nil {
		return nil, execCtx.runErr
	}
	return execCtx.CurrentState(), nil
}

// Stream runs the graph and returns its event channel. The channel is
// closed after the invocation completes (or fails) and every pending
// checkpoint write has finished. Delivery applies backpressure: the
// run waits for the consumer rather than dropping events, and the
// final event is always EventInvocationComplete or
// EventInvocationError. A consumer that stops reading before the
// channel closes must cancel ctx to release the run.
func (e *Executor) Stream(ctx context.Context, initialState State, opts ...InvokeOption) (<-chan *Event, error) {
	_, events, err := e.start(ctx, initialState, opts...)
	return events, err
}

// runContext extends ExecutionContext with the final run error, set
// before the event channel closes.
type runContext struct {
	ExecutionContext
	runErr error
}

func (e *Executor) start(ctx context.Context, initialState State, opts ...InvokeOption) (*runContext, <-chan *Event, error) {
	var io invokeOptions
	for _, opt := range opts {
		opt(&io)
	}
	if io.invocationID == "" {
		io.invocationID = uuid.NewString()
	}
	if io.sessionID == "" {
		io.sessionID = io.invocationID
	}

	state, err := e.initialRunState(ctx, initialState, &io)
	if err != nil {
		return nil, nil, err
	}

	eventChan := make(chan *Event, e.options.ChannelBufferSize)
	execCtx := &runContext{}
	execCtx.Graph = e.graph
	execCtx.EventChan = eventChan
	execCtx.InvocationID = io.invocationID
	execCtx.SessionID = io.sessionID
	execCtx.State = state

	go func() {
		defer close(eventChan)
		runErr := e.run(ctx, execCtx, &io)
		// Join pending checkpoint writes so callers observing channel
		// close can rely on durability being settled.
		execCtx.checkpointWG.Wait()
		execCtx.runErr = runErr
		// The terminal event uses the caller's ctx, not the
		// invocation-timeout ctx, so a timed-out run still reports its
		// failure to a live consumer.
		if runErr != nil {
			execCtx.emit(ctx, NewEvent(EventInvocationError, io.invocationID, io.sessionID,
				WithEventError(runErr), WithEventStep(execCtx.Steps())))
			return
		}
		execCtx.emit(ctx, NewEvent(EventInvocationComplete, io.invocationID, io.sessionID,
			WithEventStep(execCtx.Steps()),
			WithEventState(execCtx.CurrentState())))
	}()
	return execCtx, eventChan, nil
}

// initialRunState resolves the state the run begins with, restoring a
// checkpoint first when resume was requested.
func (e *Executor) initialRunState(ctx context.Context, initialState State, io *invokeOptions) (State, error) {
	if initialState == nil {
		initialState = State{}
	}
	schema := e.graph.Schema()
	if !io.resume {
		return schema.applyDefaults(initialState), nil
	}
	cm := e.options.CheckpointManager
	if cm == nil {
		return nil, errors.New("resume requested without a checkpoint manager")
	}
	restored, ckpt, err := cm.RestoreState(ctx, io.sessionID, io.resumeFrom)
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		if io.resumeFrom != "" {
			return nil, fmt.Errorf("checkpoint %s not found in session %s", io.resumeFrom, io.sessionID)
		}
		// Nothing to resume from; a fresh session starts cold.
		return schema.applyDefaults(initialState), nil
	}
	log.Infof("resuming session %s from checkpoint %s (step %d)", io.sessionID, ckpt.ID, ckpt.Step)
	merged, err := schema.ApplyUpdate(restored, initialState)
	if err != nil {
		return nil, newExecutionError(ErrMergeFailed, "", "", err)
	}
	return merged, nil
}

// run walks the graph from its entry points to End.
func (e *Executor) run(ctx context.Context, execCtx *runContext, io *invokeOptions) error {
	if e.options.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.InvocationTimeout)
		defer cancel()
	}
	ctx, span := trace.Tracer.Start(ctx, "execute_graph")
	defer span.End()
	span.SetAttributes(
		attribute.String("stateflow.invocation_id", execCtx.InvocationID),
		attribute.String("stateflow.session_id", execCtx.SessionID),
	)

	execCtx.emit(ctx, NewEvent(EventInvocationStart, execCtx.InvocationID, execCtx.SessionID))

	entries := e.graph.EntryPoints()
	var current string
	if len(entries) > 1 {
		// Multiple entry points run as a fan-out that joins at End.
		group := &ParallelGroup{Source: Start, Branches: entries, Join: End}
		if err := e.runFanOut(ctx, execCtx, io, group); err != nil {
			return finishWithError(span, err)
		}
		current = End
	} else {
		current = entries[0]
	}

	for {
		select {
		case <-ctx.Done():
			return finishWithError(span, e.wrapCtxErr(ctx, "", ""))
		default:
		}
		if current == End {
			return nil
		}
		next, err := e.runSequentialNode(ctx, execCtx, io, current)
		if err != nil {
			return finishWithError(span, err)
		}
		current = next
	}
}

func finishWithError(span oteltrace.Span, err error) error {
	span.SetAttributes(attribute.String("stateflow.error", err.Error()))
	return err
}

// runSequentialNode executes one node on the main walk, applies its
// update, takes a checkpoint if the policy asks for one, runs its
// fan-out if it starts one, and returns the next node.
func (e *Executor) runSequentialNode(ctx context.Context, execCtx *runContext, io *invokeOptions, nodeID string) (string, error) {
	node, ok := e.graph.Node(nodeID)
	if !ok {
		return "", newExecutionError(ErrRouting, nodeID, "", fmt.Errorf("node %s not found", nodeID))
	}
	result, err := e.executeNode(ctx, execCtx, node, "", execCtx.CurrentState())
	if err != nil {
		return "", err
	}
	update, goTo, err := normalizeResult(node.ID, result)
	if err != nil {
		return "", err
	}
	if update != nil {
		newState, err := e.graph.Schema().ApplyUpdate(execCtx.CurrentState(), update)
		if err != nil {
			return "", newExecutionError(ErrMergeFailed, node.ID, "", err)
		}
		execCtx.setState(newState)
	}
	e.notifyStateUpdate(ctx, execCtx, node, "", update, execCtx.CurrentState())
	e.maybeCheckpoint(ctx, execCtx, io, node)

	if group, ok := e.graph.ParallelGroup(nodeID); ok {
		if err := e.runFanOut(ctx, execCtx, io, group); err != nil {
			return "", err
		}
		return group.Join, nil
	}
	if goTo != "" {
		return e.resolveTarget(nodeID, goTo)
	}
	return e.selectNextNode(ctx, nodeID, execCtx.CurrentState())
}

// notifyStateUpdate reports one state observation per node completion:
// the event and callback carry a snapshot of the state after the
// node's update was applied (the branch's private view on parallel
// branches). update may be nil when the node changed nothing.
func (e *Executor) notifyStateUpdate(ctx context.Context, execCtx *runContext, node *Node, branchID string, update, snapshot State) {
	execCtx.emit(ctx, NewEvent(EventStateUpdate, execCtx.InvocationID, execCtx.SessionID,
		WithEventNodeID(node.ID),
		WithEventBranchID(branchID),
		WithEventStep(execCtx.Steps()),
		WithEventStateKeys(stateKeys(update)),
		WithEventState(snapshot)))
	e.options.Callbacks.RunOnStateUpdate(ctx, &NodeCallbackContext{
		NodeID:       node.ID,
		NodeName:     node.Name,
		NodeType:     node.Type,
		StepNumber:   execCtx.Steps(),
		BranchID:     branchID,
		InvocationID: execCtx.InvocationID,
		SessionID:    execCtx.SessionID,
	}, snapshot)
}

// invokeNodeFunc runs before-node callbacks and the node function
// under the node's timeout.
func (e *Executor) invokeNodeFunc(ctx context.Context, callbackCtx *NodeCallbackContext, node *Node, state State) (any, error) {
	if custom, err := e.options.Callbacks.RunBeforeNode(ctx, callbackCtx, state); err != nil {
		return nil, err
	} else if custom != nil {
		return custom, nil
	}
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	return node.Function(ctx, state)
}

// wrapNodeErr classifies a node failure.
func (e *Executor) wrapNodeErr(nodeID, branchID string, err error) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newExecutionError(ErrTimeout, nodeID, branchID, err)
	}
	return newExecutionError(ErrNodeFailed, nodeID, branchID, err)
}

// wrapCtxErr classifies an invocation-level context failure.
func (e *Executor) wrapCtxErr(ctx context.Context, nodeID, branchID string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return newExecutionError(ErrTimeout, nodeID, branchID, err)
	}
	return err
}

// normalizeResult converts a node's return value into a state update
// and an optional routing override.
func normalizeResult(nodeID string, result any) (State, string, error) {
	switch r := result.(type) {
	case nil:
		return nil, "", nil
	case State:
		return r, "", nil
	case map[string]any:
		return State(r), "", nil
	case *Command:
		return r.Update, r.GoTo, nil
	default:
		return nil, "", newExecutionError(ErrNodeFailed, nodeID, "",
			fmt.Errorf("node returned unsupported result type %T", result))
	}
}

// selectNextNode picks the next node after nodeID, evaluating its
// conditional edge if it has one.
func (e *Executor) selectNextNode(ctx context.Context, nodeID string, state State) (string, error) {
	if condEdge, ok := e.graph.ConditionalEdge(nodeID); ok {
		return e.routeConditional(ctx, nodeID, condEdge, state)
	}
	edges := e.graph.Edges(nodeID)
	if len(edges) == 0 {
		return End, nil
	}
	return edges[0].To, nil
}

// routeConditional evaluates a conditional edge against the state.
func (e *Executor) routeConditional(ctx context.Context, nodeID string, condEdge *ConditionalEdge, state State) (string, error) {
	if condEdge.Condition != nil {
		result, err := condEdge.Condition(ctx, state)
		if err != nil {
			return "", newExecutionError(ErrRouting, nodeID, "", err)
		}
		if mapped, ok := condEdge.PathMap[result]; ok {
			return e.resolveTarget(nodeID, mapped)
		}
		return e.resolveTarget(nodeID, result)
	}
	for _, pt := range condEdge.Predicates {
		matched, err := pt.Predicate(ctx, state)
		if err != nil {
			return "", newExecutionError(ErrRouting, nodeID, "", err)
		}
		if matched {
			return e.resolveTarget(nodeID, pt.To)
		}
	}
	return "", newExecutionError(ErrRouting, nodeID, "",
		errors.New("no predicate matched"))
}

// resolveTarget verifies a routing target exists.
func (e *Executor) resolveTarget(fromID, target string) (string, error) {
	if target == End {
		return End, nil
	}
	if _, ok := e.graph.Node(target); !ok {
		return "", newExecutionError(ErrRouting, fromID, "",
			fmt.Errorf("routing target %s is not part of the graph", target))
	}
	return target, nil
}

// branchResult is one branch's outcome at a join.
type branchResult struct {
	delta State
	err   error
}

// runFanOut runs all branches of a group concurrently and merges
// their deltas into the shared state in declaration order.
func (e *Executor) runFanOut(ctx context.Context, execCtx *runContext, io *invokeOptions, group *ParallelGroup) error {
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("fan_out %s", group.Source))
	defer span.End()
	span.SetAttributes(
		attribute.String("stateflow.fanout_source", group.Source),
		attribute.Int("stateflow.fanout_branches", len(group.Branches)),
	)

	base := execCtx.CurrentState()
	results := make([]branchResult, len(group.Branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range group.Branches {
		i, branch := i, branch
		g.Go(func() error {
			done := make(chan branchResult, 1)
			if err := e.pool.Submit(func() {
				delta, err := e.runBranch(gctx, execCtx, branch, group.Join, base)
				done <- branchResult{delta: delta, err: err}
			}); err != nil {
				return fmt.Errorf("submit branch %s: %w", branch, err)
			}
			r := <-done
			results[i] = r
			if r.err == nil || e.options.ContinueOnError {
				return nil
			}
			if e.options.CancelSiblingsOnError {
				// Returning the error makes errgroup cancel gctx,
				// which the sibling branches observe.
				return r.err
			}
			return nil
		})
	}
	waitErr := g.Wait()
	// Declaration order decides both which error wins and the merge
	// order. Cancellation noise from siblings loses to the failure
	// that triggered it.
	if !e.options.ContinueOnError {
		for _, r := range results {
			if r.err != nil && !errors.Is(r.err, context.Canceled) {
				return r.err
			}
		}
		for _, r := range results {
			if r.err != nil {
				return r.err
			}
		}
		if waitErr != nil {
			return waitErr
		}
	}

	merged := base
	var survivors int
	for i, r := range results {
		if r.err != nil {
			log.Warnf("branch %s failed, dropping its updates: %v", group.Branches[i], r.err)
			continue
		}
		survivors++
		if len(r.delta) == 0 {
			continue
		}
		var err error
		merged, err = e.graph.Schema().ApplyUpdate(merged, r.delta)
		if err != nil {
			return newExecutionError(ErrMergeFailed, group.Join, group.Branches[i], err)
		}
	}
	if e.options.ContinueOnError && survivors == 0 {
		for _, r := range results {
			if r.err != nil {
				return r.err
			}
		}
	}
	execCtx.setState(merged)
	execCtx.emit(ctx, NewEvent(EventBranchesJoined, execCtx.InvocationID, execCtx.SessionID,
		WithEventNodeID(group.Join), WithEventStep(execCtx.Steps()),
		WithEventState(merged.Clone())))
	return nil
}

// runBranch walks one branch from entry until it reaches stop. The
// branch computes on a private clone of base and accumulates its
// updates in a delta that the join later merges.
func (e *Executor) runBranch(ctx context.Context, execCtx *runContext, entry, stop string, base State) (State, error) {
	branchID := entry
	branchState := base.Clone()
	delta := State{}
	schema := e.graph.Schema()

	current := entry
	for current != stop {
		select {
		case <-ctx.Done():
			return nil, e.wrapCtxErr(ctx, current, branchID)
		default:
		}
		if current == End {
			return nil, newExecutionError(ErrRouting, current, branchID,
				fmt.Errorf("branch escaped its join node %s", stop))
		}
		node, ok := e.graph.Node(current)
		if !ok {
			return nil, newExecutionError(ErrRouting, current, branchID,
				fmt.Errorf("node %s not found", current))
		}
		result, err := e.executeNode(ctx, execCtx, node, branchID, branchState)
		if err != nil {
			return nil, err
		}
		update, goTo, err := normalizeResult(node.ID, result)
		if err != nil {
			return nil, err
		}
		if update != nil {
			branchState, err = schema.ApplyUpdate(branchState, update)
			if err != nil {
				return nil, newExecutionError(ErrMergeFailed, node.ID, branchID, err)
			}
			delta, err = schema.ApplyUpdate(delta, update)
			if err != nil {
				return nil, newExecutionError(ErrMergeFailed, node.ID, branchID, err)
			}
		}
		e.notifyStateUpdate(ctx, execCtx, node, branchID, update, branchState.Clone())
		if goTo != "" {
			current, err = e.resolveTarget(node.ID, goTo)
		} else {
			current, err = e.selectNextNode(ctx, node.ID, branchState)
		}
		if err != nil {
			return nil, err
		}
	}
	return delta, nil
}

// executeNode runs one node function with callbacks, tracing, events,
// and the per-node timeout, against the given input state. The caller
// owns applying the result; branchID is empty on the main walk.
func (e *Executor) executeNode(ctx context.Context, execCtx *runContext, node *Node, branchID string, state State) (any, error) {
	step := execCtx.nextStep()
	if step > e.options.MaxSteps {
		return nil, newExecutionError(ErrIterationLimitExceeded, node.ID, branchID,
			fmt.Errorf("limit is %d steps", e.options.MaxSteps))
	}

	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("execute_node %s", node.ID))
	defer span.End()
	span.SetAttributes(
		attribute.String("stateflow.node_id", node.ID),
		attribute.String("stateflow.node_name", node.Name),
		attribute.Int("stateflow.step", step),
	)
	if branchID != "" {
		span.SetAttributes(attribute.String("stateflow.branch_id", branchID))
	}

	start := time.Now()
	callbackCtx := &NodeCallbackContext{
		NodeID:             node.ID,
		NodeName:           node.Name,
		NodeType:           node.Type,
		StepNumber:         step,
		BranchID:           branchID,
		ExecutionStartTime: start,
		InvocationID:       execCtx.InvocationID,
		SessionID:          execCtx.SessionID,
	}
	execCtx.emit(ctx, NewEvent(EventNodeStart, execCtx.InvocationID, execCtx.SessionID,
		WithEventNodeID(node.ID), WithEventBranchID(branchID), WithEventStep(step)))

	result, err := e.invokeNodeFunc(ctx, callbackCtx, node, state)
	if custom, cbErr := e.options.Callbacks.RunAfterNode(ctx, callbackCtx, state, result, err); cbErr != nil {
		err = cbErr
	} else if custom != nil {
		result, err = custom, nil
	}
	if err != nil {
		execErr := e.wrapNodeErr(node.ID, branchID, err)
		e.options.Callbacks.RunOnNodeError(ctx, callbackCtx, state, execErr)
		span.SetAttributes(attribute.String("stateflow.error", execErr.Error()))
		execCtx.emit(ctx, NewEvent(EventNodeError, execCtx.InvocationID, execCtx.SessionID,
			WithEventNodeID(node.ID), WithEventBranchID(branchID),
			WithEventStep(step), WithEventError(execErr)))
		return nil, execErr
	}
	execCtx.recordNode(node.ID)
	execCtx.emit(ctx, NewEvent(EventNodeComplete, execCtx.InvocationID, execCtx.SessionID,
		WithEventNodeID(node.ID), WithEventBranchID(branchID),
		WithEventStep(step), WithEventDuration(time.Since(start))))
	return result, nil
}

// maybeCheckpoint snapshots the shared state if the policy asks for
// one after this node. The ID and parent link are fixed here so the
// chain stays ordered; the write itself happens on a tracked
// goroutine and never fails the run.
func (e *Executor) maybeCheckpoint(ctx context.Context, execCtx *runContext, io *invokeOptions, node *Node) {
	cm := e.options.CheckpointManager
	if cm == nil || e.options.CheckpointPolicy == CheckpointNever {
		return
	}
	count := execCtx.countSinceCheckpoint()
	switch e.options.CheckpointPolicy {
	case CheckpointEvery:
	case CheckpointEveryN:
		if count < e.options.CheckpointEveryN {
			return
		}
	case CheckpointOnMarks:
		if !node.CheckpointMark {
			return
		}
	default:
		return
	}

	ckpt := cm.NewCheckpoint(execCtx.SessionID, execCtx.InvocationID, node.ID,
		execCtx.Steps(), execCtx.CurrentState(), io.metadata)
	ckpt.ParentID = execCtx.checkpointParent(ckpt.ID)

	execCtx.checkpointWG.Add(1)
	go func() {
		defer execCtx.checkpointWG.Done()
		// Detach from the invocation context so cancellation does not
		// lose an already-assembled snapshot.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		err := cm.Save(saveCtx, ckpt)
		e.options.Callbacks.RunOnCheckpoint(saveCtx, ckpt, err)
		if err != nil {
			log.Warnf("checkpoint %s for session %s failed: %v", ckpt.ID, ckpt.SessionID, err)
			execCtx.emit(saveCtx, NewEvent(EventCheckpointFailed, execCtx.InvocationID, execCtx.SessionID,
				WithEventNodeID(node.ID), WithEventCheckpointID(ckpt.ID), WithEventError(err)))
			return
		}
		execCtx.emit(saveCtx, NewEvent(EventCheckpointSaved, execCtx.InvocationID, execCtx.SessionID,
			WithEventNodeID(node.ID), WithEventCheckpointID(ckpt.ID), WithEventStep(ckpt.Step)))
	}()
}

// stateKeys returns the keys an update touches, in map order.
func stateKeys(update State) []string {
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	return keys
}

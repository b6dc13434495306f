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
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSaver is a minimal in-process CheckpointSaver for executor tests.
// The real in-memory saver lives in its own package, which this
// package cannot import from its tests.
type memSaver struct {
	mu    sync.Mutex
	ckpts map[string][]*Checkpoint
}

func newMemSaver() *memSaver {
	return &memSaver{ckpts: make(map[string][]*Checkpoint)}
}

func (m *memSaver) Save(ctx context.Context, ckpt *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ckpts[ckpt.SessionID] = append(m.ckpts[ckpt.SessionID], ckpt.Copy())
	return nil
}

func (m *memSaver) Load(ctx context.Context, sessionID, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.ckpts[sessionID] {
		if c.ID == checkpointID {
			return c.Copy(), nil
		}
	}
	return nil, nil
}

func (m *memSaver) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Checkpoint
	for _, c := range m.ckpts[sessionID] {
		if latest == nil || c.ID > latest.ID {
			latest = c
		}
	}
	return latest.Copy(), nil
}

func (m *memSaver) List(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.ckpts[sessionID] {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memSaver) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ckpts, sessionID)
	return nil
}

func (m *memSaver) Close() error { return nil }

func (m *memSaver) count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ckpts[sessionID])
}

func appendValue(key string, values ...any) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		return State{key: values}, nil
	}
}

func resultsSchema() *StateSchema {
	schema := NewStateSchema()
	schema.AddField("results", StateField{
		Type:    reflect.TypeOf([]any{}),
		Reducer: AppendReducer,
		Default: func() any { return []any{} },
	})
	return schema
}

func TestSequentialPipeline(t *testing.T) {
	schema := NewStateSchema()
	schema.AddField("log", StateField{Reducer: AppendReducer, Default: func() any { return []any{} }})

	step := func(name string) NodeFunc {
		return func(ctx context.Context, state State) (any, error) {
			return State{"log": []any{name}}, nil
		}
	}
	g, err := NewStateGraph(schema).
		AddNode("extract", step("extract")).
		AddNode("transform", step("transform")).
		AddNode("load", step("load")).
		AddEdge("extract", "transform").
		AddEdge("transform", "load").
		SetEntryPoint("extract").
		SetFinishPoint("load").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []any{"extract", "transform", "load"}, final["log"])
}

func TestParallelMergeOrderFollowsDeclaration(t *testing.T) {
	// The second-declared branch finishes first; the merged order must
	// still follow declaration order, not completion order.
	slow := func(ctx context.Context, state State) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return State{"results": []any{"x"}}, nil
	}
	fast := func(ctx context.Context, state State) (any, error) {
		return State{"results": []any{"y"}}, nil
	}
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("bx", slow).
		AddNode("by", fast).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "bx", "by").
		AddJoinEdge("split", "merge").
		AddEdge("bx", "merge").
		AddEdge("by", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, final["results"])
}

func TestParallelManyBranchesAllContribute(t *testing.T) {
	const branches = 8
	sg := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("merge", passthrough)
	names := make([]string, 0, branches)
	for i := 0; i < branches; i++ {
		name := fmt.Sprintf("b%d", i)
		names = append(names, name)
		sg.AddNode(name, appendValue("results", name))
		sg.AddEdge(name, "merge")
	}
	g, err := sg.
		AddParallelEdges("split", names...).
		AddJoinEdge("split", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithBranchParallelism(3))
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)

	got := final["results"].([]any)
	require.Len(t, got, branches)
	for i, name := range names {
		assert.Equal(t, name, got[i])
	}
}

func TestBranchesDoNotSeeEachOther(t *testing.T) {
	// Each branch starts from the pre-fan-out state; sibling writes
	// must not be visible inside a branch.
	var mu sync.Mutex
	seen := map[string]any{}
	spy := func(name string) NodeFunc {
		return func(ctx context.Context, state State) (any, error) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			seen[name] = state["owner"]
			mu.Unlock()
			return State{"owner": name}, nil
		}
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("split", func(ctx context.Context, state State) (any, error) {
			return State{"owner": "split"}, nil
		}).
		AddNode("b1", spy("b1")).
		AddNode("b2", spy("b2")).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "b1", "b2").
		AddJoinEdge("split", "merge").
		AddEdge("b1", "merge").
		AddEdge("b2", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, "split", seen["b1"])
	assert.Equal(t, "split", seen["b2"])
}

func TestConditionalRouting(t *testing.T) {
	route := func(ctx context.Context, state State) (string, error) {
		if state["value"].(int) > 10 {
			return "big", nil
		}
		return "small", nil
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("classify", passthrough).
		AddNode("big", appendValue("label", "big")).
		AddNode("small", appendValue("label", "small")).
		AddConditionalEdges("classify", route, nil).
		AddEdge("big", End).
		AddEdge("small", End).
		SetEntryPoint("classify").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{"value": 42})
	require.NoError(t, err)
	assert.Equal(t, []any{"big"}, final["label"])

	final, err = exec.Invoke(context.Background(), State{"value": 3})
	require.NoError(t, err)
	assert.Equal(t, []any{"small"}, final["label"])
}

func TestPredicateRoutingFirstMatchWins(t *testing.T) {
	above := func(threshold int) PredicateFunc {
		return func(ctx context.Context, state State) (bool, error) {
			return state["value"].(int) > threshold, nil
		}
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("classify", passthrough).
		AddNode("high", appendValue("label", "high")).
		AddNode("mid", appendValue("label", "mid")).
		AddNode("low", appendValue("label", "low")).
		AddPredicateEdges("classify",
			PredicateTarget{Predicate: above(100), To: "high"},
			PredicateTarget{Predicate: above(10), To: "mid"},
			Default("low"),
		).
		AddEdge("high", End).
		AddEdge("mid", End).
		AddEdge("low", End).
		SetEntryPoint("classify").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{"value": 500})
	require.NoError(t, err)
	assert.Equal(t, []any{"high"}, final["label"])

	final, err = exec.Invoke(context.Background(), State{"value": 50})
	require.NoError(t, err)
	assert.Equal(t, []any{"mid"}, final["label"])

	final, err = exec.Invoke(context.Background(), State{"value": 5})
	require.NoError(t, err)
	assert.Equal(t, []any{"low"}, final["label"])
}

func TestRoutingErrorOnUnknownTarget(t *testing.T) {
	route := func(ctx context.Context, state State) (string, error) {
		return "nowhere", nil
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddConditionalEdges("a", route, map[string]string{End: End}).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRouting)
}

func TestCommandRoutingOverridesEdges(t *testing.T) {
	decide := func(ctx context.Context, state State) (any, error) {
		return &Command{
			Update: State{"decided": true},
			GoTo:   "target",
		}, nil
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("decide", decide, WithDestinations("target")).
		AddNode("skipped", appendValue("skipped", true)).
		AddNode("target", appendValue("reached", true)).
		AddEdge("decide", "skipped").
		AddEdge("skipped", End).
		AddEdge("target", End).
		SetEntryPoint("decide").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, true, final["decided"])
	assert.NotNil(t, final["reached"])
	assert.Nil(t, final["skipped"])
}

func TestIterationLimit(t *testing.T) {
	loop := func(ctx context.Context, state State) (any, error) {
		return &Command{GoTo: "spin"}, nil
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("spin", loop).
		AddEdge("spin", End).
		SetEntryPoint("spin").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithMaxSteps(10))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIterationLimitExceeded)
}

func TestNodeFailureFailsRun(t *testing.T) {
	boom := errors.New("boom")
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, boom
		}).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeFailed)
	assert.ErrorIs(t, err, boom)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bad", execErr.NodeID)
}

func TestBranchFailureFailFast(t *testing.T) {
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("ok", appendValue("results", "ok")).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("branch exploded")
		}).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "ok", "bad").
		AddJoinEdge("split", "merge").
		AddEdge("ok", "merge").
		AddEdge("bad", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeFailed)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bad", execErr.BranchID)
}

func TestBranchFailureContinueOnError(t *testing.T) {
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("ok", appendValue("results", "ok")).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("branch exploded")
		}).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "ok", "bad").
		AddJoinEdge("split", "merge").
		AddEdge("ok", "merge").
		AddEdge("bad", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithContinueOnError(true))
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []any{"ok"}, final["results"])
}

func TestAllBranchesFailContinueOnError(t *testing.T) {
	fail := func(ctx context.Context, state State) (any, error) {
		return nil, errors.New("no luck")
	}
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("b1", fail).
		AddNode("b2", fail).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "b1", "b2").
		AddJoinEdge("split", "merge").
		AddEdge("b1", "merge").
		AddEdge("b2", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithContinueOnError(true))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
}

func TestNodeTimeout(t *testing.T) {
	sleeper := func(ctx context.Context, state State) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("slow", sleeper, WithNodeTimeout(30*time.Millisecond)).
		SetEntryPoint("slow").
		SetFinishPoint("slow").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	start := time.Now()
	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMergeFailureAtJoin(t *testing.T) {
	schema := NewStateSchema()
	schema.AddField("total", StateField{Reducer: MaxReducer})

	g, err := NewStateGraph(schema).
		AddNode("split", passthrough).
		AddNode("num", func(ctx context.Context, state State) (any, error) {
			return State{"total": 3}, nil
		}).
		AddNode("str", func(ctx context.Context, state State) (any, error) {
			return State{"total": "many"}, nil
		}).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "num", "str").
		AddJoinEdge("split", "merge").
		AddEdge("num", "merge").
		AddEdge("str", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeFailed)
}

func TestMultipleEntryPointsMergeInOrder(t *testing.T) {
	g, err := NewStateGraph(resultsSchema()).
		AddNode("left", appendValue("results", "left")).
		AddNode("right", appendValue("results", "right")).
		SetEntryPoints("left", "right").
		SetFinishPoint("left").
		SetFinishPoint("right").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []any{"left", "right"}, final["results"])
}

func TestStreamDeliversLifecycleEvents(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("work", appendValue("done", true)).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Stream(context.Background(), State{})
	require.NoError(t, err)

	var types []EventType
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventInvocationStart)
	assert.Contains(t, types, EventNodeStart)
	assert.Contains(t, types, EventNodeComplete)
	assert.Contains(t, types, EventStateUpdate)
	assert.Equal(t, EventInvocationComplete, types[len(types)-1])
}

func TestStreamTerminatesOnFailure(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("kaput")
		}).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Stream(context.Background(), State{})
	require.NoError(t, err)

	var last *Event
	for ev := range events {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, EventInvocationError, last.Type)
	assert.Error(t, last.Err)
}

func TestBeforeNodeCallbackSkipsExecution(t *testing.T) {
	var ran bool
	cb := NewCallbacks().RegisterBeforeNode(
		func(ctx context.Context, cc *NodeCallbackContext, state State) (any, error) {
			return State{"short": "circuit"}, nil
		})

	g, err := NewStateGraph(NewStateSchema()).
		AddNode("work", func(ctx context.Context, state State) (any, error) {
			ran = true
			return nil, nil
		}).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithCallbacks(cb))
	require.NoError(t, err)
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, "circuit", final["short"])
}

func TestObserverCallbacksReceiveNotifications(t *testing.T) {
	obs := &recordingObserver{}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("work", appendValue("x", 1)).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithCallbacks(ObserverCallbacks(obs)))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, obs.started)
	assert.Equal(t, []string{"work"}, obs.completed)
	assert.Equal(t, []string{"work"}, obs.updated)
}

type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	completed []string
	updated   []string
}

func (r *recordingObserver) OnNodeStart(ctx context.Context, cc *NodeCallbackContext, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, cc.NodeID)
}

func (r *recordingObserver) OnNodeComplete(ctx context.Context, cc *NodeCallbackContext, state State, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, cc.NodeID)
}

func (r *recordingObserver) OnStateUpdate(ctx context.Context, cc *NodeCallbackContext, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, cc.NodeID)
}

func (r *recordingObserver) OnCheckpoint(ctx context.Context, ckpt *Checkpoint, err error) {}

func TestStateUpdateEventsCarrySnapshots(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("set", func(ctx context.Context, state State) (any, error) {
			return State{"count": 42}, nil
		}).
		SetEntryPoint("set").
		SetFinishPoint("set").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Stream(context.Background(), State{})
	require.NoError(t, err)

	var update, final *Event
	for ev := range events {
		switch ev.Type {
		case EventStateUpdate:
			update = ev
		case EventInvocationComplete:
			final = ev
		}
	}
	require.NotNil(t, update)
	assert.Equal(t, "set", update.NodeID)
	assert.Equal(t, []string{"count"}, update.StateKeys)
	assert.Equal(t, 42, update.State["count"])
	require.NotNil(t, final)
	assert.Equal(t, 42, final.State["count"])
}

func TestBranchStateUpdateEventsUseBranchView(t *testing.T) {
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("x", appendValue("results", "x")).
		AddNode("y", appendValue("results", "y")).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "x", "y").
		AddJoinEdge("split", "merge").
		AddEdge("x", "merge").
		AddEdge("y", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Stream(context.Background(), State{})
	require.NoError(t, err)

	var joined *Event
	snapshots := map[string]State{}
	for ev := range events {
		switch ev.Type {
		case EventStateUpdate:
			if ev.BranchID != "" {
				snapshots[ev.NodeID] = ev.State
			}
		case EventBranchesJoined:
			joined = ev
		}
	}
	// Each branch observes only its own update before the join.
	require.Contains(t, snapshots, "x")
	require.Contains(t, snapshots, "y")
	assert.Equal(t, []any{"x"}, snapshots["x"]["results"])
	assert.Equal(t, []any{"y"}, snapshots["y"]["results"])
	require.NotNil(t, joined)
	assert.Equal(t, []any{"x", "y"}, joined.State["results"])
}

func TestLateConsumerStillSeesTerminalError(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("kaput")
		}).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithChannelBufferSize(1))
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Stream(context.Background(), State{})
	require.NoError(t, err)

	// Attach late; the run must wait for the consumer rather than
	// dropping the terminal event.
	time.Sleep(200 * time.Millisecond)
	var last *Event
	for ev := range events {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, EventInvocationError, last.Type)
	assert.Error(t, last.Err)
}

func TestBranchFailureLeavesSiblingsRunning(t *testing.T) {
	var siblingFinished atomic.Bool
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("branch exploded")
		}).
		AddNode("slow", func(ctx context.Context, state State) (any, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				siblingFinished.Store(true)
				return State{"results": []any{"slow"}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "bad", "slow").
		AddJoinEdge("split", "merge").
		AddEdge("bad", "merge").
		AddEdge("slow", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeFailed)
	assert.True(t, siblingFinished.Load(), "sibling should run to completion by default")
}

func TestCancelSiblingsOnErrorStopsSiblings(t *testing.T) {
	var siblingCancelled atomic.Bool
	slowStarted := make(chan struct{})
	g, err := NewStateGraph(resultsSchema()).
		AddNode("split", passthrough).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			// Fail only once the sibling is inside its select, so the
			// cancellation is observable there.
			<-slowStarted
			return nil, errors.New("branch exploded")
		}).
		AddNode("slow", func(ctx context.Context, state State) (any, error) {
			close(slowStarted)
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				siblingCancelled.Store(true)
				return nil, ctx.Err()
			}
		}).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "bad", "slow").
		AddJoinEdge("split", "merge").
		AddEdge("bad", "merge").
		AddEdge("slow", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g, WithCancelSiblingsOnError(true))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeFailed)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bad", execErr.BranchID)
	assert.True(t, siblingCancelled.Load(), "sibling should observe cancellation")
}

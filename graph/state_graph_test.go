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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthrough(ctx context.Context, state State) (any, error) {
	return nil, nil
}

func TestBuilderFluentInterface(t *testing.T) {
	sg := NewStateGraph(NewStateSchema())
	assert.Same(t, sg, sg.AddNode("a", passthrough))
	assert.Same(t, sg, sg.AddEdge("a", End))
	assert.Same(t, sg, sg.SetEntryPoint("a"))
}

func TestBuilderAddNodeOptions(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("work", passthrough,
			WithName("Worker"),
			WithDescription("does the work"),
			WithNodeType(NodeTypeRouter),
			WithNodeTimeout(2*time.Second),
			WithCheckpointHere()).
		SetEntryPoint("work").
		SetFinishPoint("work").
		Compile()
	require.NoError(t, err)

	node, ok := g.Node("work")
	require.True(t, ok)
	assert.Equal(t, "Worker", node.Name)
	assert.Equal(t, "does the work", node.Description)
	assert.Equal(t, NodeTypeRouter, node.Type)
	assert.Equal(t, 2*time.Second, node.Timeout)
	assert.True(t, node.CheckpointMark)
}

func TestCompileRejectsDuplicateNode(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddNode("a", passthrough).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCompileRejectsReservedNodeID(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode(End, passthrough).
		SetEntryPoint(End).
		Compile()
	require.Error(t, err)
}

func TestCompileRejectsUnknownEdgeTarget(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddEdge("a", "ghost").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrUnknownNode, compileErr.Code)
	assert.Equal(t, "ghost", compileErr.NodeID)
}

func TestCompileRejectsMissingEntryPoint(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
}

func TestCompileRejectsUnreachableNode(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddNode("island", passthrough).
		AddEdge("island", End).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrUnreachable, compileErr.Code)
	assert.Equal(t, "island", compileErr.NodeID)
}

func TestCompileRejectsDeadEnd(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddNode("sink", passthrough).
		AddEdge("a", "sink").
		AddEdge("sink", "a").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrNoTerminalPath, compileErr.Code)
}

func TestCompileRejectsFanOutWithoutJoin(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("split", passthrough).
		AddNode("b1", passthrough).
		AddNode("b2", passthrough).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "b1", "b2").
		AddEdge("b1", "merge").
		AddEdge("b2", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrInvalidParallel, compileErr.Code)
}

func TestCompileRejectsBranchEscapingJoin(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("split", passthrough).
		AddNode("b1", passthrough).
		AddNode("b2", passthrough).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "b1", "b2").
		AddJoinEdge("split", "merge").
		AddEdge("b1", "merge").
		AddEdge("b2", End). // escapes the join
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrInvalidParallel, compileErr.Code)
	assert.Equal(t, "b2", compileErr.NodeID)
}

func TestCompileRejectsNestedFanOut(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("split", passthrough).
		AddNode("a", passthrough).
		AddNode("b", passthrough).
		AddNode("c", passthrough).
		AddNode("d", passthrough).
		AddNode("inner", passthrough).
		AddNode("outer", passthrough).
		AddParallelEdges("split", "a", "b").
		AddJoinEdge("split", "outer").
		AddParallelEdges("a", "c", "d").
		AddJoinEdge("a", "inner").
		AddEdge("c", "inner").
		AddEdge("d", "inner").
		AddEdge("inner", "outer").
		AddEdge("b", "outer").
		AddEdge("outer", End).
		SetEntryPoint("split").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrInvalidParallel, compileErr.Code)
	assert.Equal(t, "a", compileErr.NodeID)
	assert.Contains(t, compileErr.Detail, "nested")
}

func TestCompileRejectsFanOutWithMultipleEntryPoints(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("e1", passthrough).
		AddNode("e2", passthrough).
		AddNode("x", passthrough).
		AddNode("y", passthrough).
		AddNode("merge", passthrough).
		AddParallelEdges("e1", "x", "y").
		AddJoinEdge("e1", "merge").
		AddEdge("x", "merge").
		AddEdge("y", "merge").
		AddEdge("merge", End).
		SetEntryPoints("e1", "e2").
		SetFinishPoint("e2").
		Compile()
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, CompileErrInvalidParallel, compileErr.Code)
}

func TestCompileAcceptsValidFanOut(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("split", passthrough).
		AddNode("b1", passthrough).
		AddNode("b2", passthrough).
		AddNode("merge", passthrough).
		AddParallelEdges("split", "b1", "b2").
		AddJoinEdge("split", "merge").
		AddEdge("b1", "merge").
		AddEdge("b2", "merge").
		AddEdge("merge", End).
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	group, ok := g.ParallelGroup("split")
	require.True(t, ok)
	assert.Equal(t, []string{"b1", "b2"}, group.Branches)
	assert.Equal(t, "merge", group.Join)
}

func TestCompileRejectsSingleBranchFanOut(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("split", passthrough).
		AddNode("b1", passthrough).
		AddParallelEdges("split", "b1").
		SetEntryPoint("split").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two branches")
}

func TestCompileAllowsCycle(t *testing.T) {
	route := func(ctx context.Context, state State) (string, error) {
		return End, nil
	}
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("loop", passthrough).
		AddConditionalEdges("loop", route, map[string]string{
			"again": "loop",
			End:     End,
		}).
		SetEntryPoint("loop").
		Compile()
	require.NoError(t, err)
}

func TestCompileMultipleEntryPoints(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddNode("b", passthrough).
		SetEntryPoints("a", "b").
		SetFinishPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.EntryPoints())
}

func TestMustCompilePanicsOnInvalidGraph(t *testing.T) {
	sg := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddEdge("a", "missing").
		SetEntryPoint("a")
	assert.Panics(t, func() { sg.MustCompile() })
}

func TestPredicateEdgesRequirePredicate(t *testing.T) {
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passthrough).
		AddPredicateEdges("a", PredicateTarget{To: End}).
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
}

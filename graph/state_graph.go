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
	"fmt"
	"time"

	"github.com/stateflow-go/stateflow/log"
)

// StateGraph provides a fluent interface for building graphs.
// This is the primary public API for creating executable graphs.
//
// Example usage:
//
//	schema := NewStateSchema()
//	schema.AddField("results", StateField{Reducer: AppendReducer})
//	g, err := NewStateGraph(schema).
//	  AddNode("fetch", fetchFunc).
//	  SetEntryPoint("fetch").
//	  SetFinishPoint("fetch").
//	  Compile()
//
// The compiled Graph can then be executed with NewExecutor(g).
//
// Builder methods record errors instead of returning them so calls can
// be chained; Compile reports the first recorded error.
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: New(schema),
	}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the display name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithNodeType sets the node type. Metadata only.
func WithNodeType(nodeType NodeType) Option {
	return func(node *Node) {
		node.Type = nodeType
	}
}

// WithNodeTimeout bounds a single run of the node.
func WithNodeTimeout(timeout time.Duration) Option {
	return func(node *Node) {
		node.Timeout = timeout
	}
}

// WithCheckpointHere marks the node so the CheckpointOnMarks policy
// snapshots state after it completes.
func WithCheckpointHere() Option {
	return func(node *Node) {
		node.CheckpointMark = true
	}
}

// WithDestinations declares targets the node may route to by
// returning a Command, for the compiler's reachability checks.
func WithDestinations(targets ...string) Option {
	return func(node *Node) {
		node.Destinations = append(node.Destinations, targets...)
	}
}

// AddNode adds a node with the given ID and function.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Function: function,
		Type:     NodeTypeFunction,
	}
	for _, opt := range opts {
		opt(node)
	}
	if node.Function == nil {
		sg.recordErr(fmt.Errorf("node %s has no function", id))
		return sg
	}
	if err := sg.graph.addNode(node); err != nil {
		sg.recordErr(err)
	}
	return sg
}

// AddEdge adds a normal edge between two nodes.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if err := sg.graph.addEdge(&Edge{From: from, To: to}); err != nil {
		sg.recordErr(err)
	}
	return sg
}

// AddConditionalEdges adds conditional routing from a node. The
// condition's result is mapped through pathMap; a result that is
// itself a node ID (or End) needs no pathMap entry.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	if condition == nil {
		sg.recordErr(fmt.Errorf("conditional edge from %s has no condition", from))
		return sg
	}
	if err := sg.graph.addConditionalEdge(&ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}); err != nil {
		sg.recordErr(err)
	}
	return sg
}

// AddPredicateEdges adds guard-style conditional routing from a node.
// Predicates are evaluated in the order given here; the first one that
// returns true wins. If none matches, execution fails with a routing
// error, so the last guard is typically an unconditional default.
func (sg *StateGraph) AddPredicateEdges(from string, targets ...PredicateTarget) *StateGraph {
	if len(targets) == 0 {
		sg.recordErr(fmt.Errorf("predicate edges from %s need at least one target", from))
		return sg
	}
	for _, t := range targets {
		if t.Predicate == nil {
			sg.recordErr(fmt.Errorf("predicate edge %s -> %s has no predicate", from, t.To))
			return sg
		}
	}
	if err := sg.graph.addConditionalEdge(&ConditionalEdge{
		From:       from,
		Predicates: append([]PredicateTarget(nil), targets...),
	}); err != nil {
		sg.recordErr(err)
	}
	return sg
}

// Default is a predicate that always matches, for use as the final
// entry of AddPredicateEdges.
func Default(to string) PredicateTarget {
	return PredicateTarget{
		Predicate: func(ctx context.Context, state State) (bool, error) { return true, nil },
		To:        to,
	}
}

// AddParallelEdges declares a static fan-out: when from completes, all
// branch nodes run concurrently. Branch order here is the merge order
// at the join, so it is part of the graph's semantics, not style.
// Pair with AddJoinEdge to declare where the branches converge.
func (sg *StateGraph) AddParallelEdges(from string, branches ...string) *StateGraph {
	if err := sg.graph.addParallelGroup(&ParallelGroup{
		Source:   from,
		Branches: append([]string(nil), branches...),
	}); err != nil {
		sg.recordErr(err)
	}
	return sg
}

// AddJoinEdge declares the join node where the fan-out started at from
// converges. All branch paths must reach join.
func (sg *StateGraph) AddJoinEdge(from, join string) *StateGraph {
	group, ok := sg.graph.ParallelGroup(from)
	if !ok {
		sg.recordErr(fmt.Errorf("no parallel edges declared from %s", from))
		return sg
	}
	if group.Join != "" && group.Join != join {
		sg.recordErr(fmt.Errorf("parallel group from %s already joins at %s", from, group.Join))
		return sg
	}
	group.Join = join
	return sg
}

// SetEntryPoint sets the single entry point of the graph.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	return sg.SetEntryPoints(nodeID)
}

// SetEntryPoints sets the entry points of the graph. Multiple entry
// points run as parallel branches; their results merge through the
// schema's reducers in declaration order.
func (sg *StateGraph) SetEntryPoints(nodeIDs ...string) *StateGraph {
	if err := sg.graph.setEntryPoints(nodeIDs); err != nil {
		sg.recordErr(err)
		return sg
	}
	for _, id := range nodeIDs {
		sg.AddEdge(Start, id)
	}
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates the graph and returns the immutable runtime
// representation. Compilation checks that every referenced node
// exists, every node is reachable from an entry point, every node has
// a path to End, and every fan-out converges on its declared join.
// Cycles are allowed (the executor bounds them with its step limit)
// but are logged, since they are a common source of runaway graphs.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.errs) > 0 {
		return nil, sg.errs[0]
	}
	g := sg.graph
	if len(g.EntryPoints()) == 0 {
		return nil, &CompileError{
			Code:   CompileErrUnknownNode,
			NodeID: Start,
			Detail: "graph has no entry point",
		}
	}
	if err := g.checkReferences(); err != nil {
		return nil, err
	}
	if err := g.checkParallelGroups(); err != nil {
		return nil, err
	}
	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	if err := g.checkTerminalPaths(); err != nil {
		return nil, err
	}
	if g.hasCycle() {
		log.Warnf("graph contains a cycle; execution is bounded by the step limit")
	}
	// Detach the builder so later builder calls cannot mutate the
	// compiled graph.
	sg.graph = New(g.Schema())
	return g, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile() *Graph {
	graph, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return graph
}

func (sg *StateGraph) recordErr(err error) {
	sg.errs = append(sg.errs, err)
}

// checkReferences verifies every edge endpoint, conditional target,
// entry point, and fan-out member names an existing node.
func (g *Graph) checkReferences() error {
	unknown := func(nodeID, detail string) error {
		return &CompileError{Code: CompileErrUnknownNode, NodeID: nodeID, Detail: detail}
	}
	exists := func(id string) bool {
		if id == Start || id == End {
			return true
		}
		_, ok := g.Node(id)
		return ok
	}
	for _, entry := range g.EntryPoints() {
		if entry == Start || entry == End || !exists(entry) {
			return unknown(entry, "entry point does not exist")
		}
	}
	for _, from := range g.edgeSources() {
		if !exists(from) {
			return unknown(from, "edge source does not exist")
		}
		for _, e := range g.Edges(from) {
			if !exists(e.To) {
				return unknown(e.To, fmt.Sprintf("edge target from %s does not exist", from))
			}
		}
	}
	for _, id := range g.Nodes() {
		node, _ := g.Node(id)
		for _, to := range node.Destinations {
			if !exists(to) {
				return unknown(to, fmt.Sprintf("declared destination from %s does not exist", id))
			}
		}
	}
	for _, from := range g.conditionalSources() {
		if !exists(from) {
			return unknown(from, "conditional edge source does not exist")
		}
		ce, _ := g.ConditionalEdge(from)
		for result, to := range ce.PathMap {
			if !exists(to) {
				return unknown(to, fmt.Sprintf("conditional target for result %q does not exist", result))
			}
		}
		for _, pt := range ce.Predicates {
			if !exists(pt.To) {
				return unknown(pt.To, fmt.Sprintf("predicate target from %s does not exist", from))
			}
		}
	}
	for _, source := range g.parallelSources() {
		group, _ := g.ParallelGroup(source)
		if !exists(group.Source) {
			return unknown(group.Source, "parallel group source does not exist")
		}
		for _, b := range group.Branches {
			if b == Start || b == End || !exists(b) {
				return unknown(b, fmt.Sprintf("parallel branch from %s does not exist", source))
			}
		}
		if group.Join != "" && group.Join != End && !exists(group.Join) {
			return unknown(group.Join, fmt.Sprintf("join node for fan-out from %s does not exist", source))
		}
	}
	return nil
}

// checkParallelGroups verifies every fan-out has a declared join, that
// every branch path converges on it without leaking past it, and that
// no fan-out starts inside another fan-out's branches. Branches run as
// linear walks, so a nested group would never be dispatched; rejecting
// it here keeps every compiled graph executable.
func (g *Graph) checkParallelGroups() error {
	sources := g.parallelSources()
	if len(sources) > 0 && len(g.EntryPoints()) > 1 {
		// Multiple entry points already run as an implicit fan-out
		// joining at End, so a declared group would be nested in it.
		return &CompileError{
			Code:   CompileErrInvalidParallel,
			NodeID: sources[0],
			Detail: "fan-out cannot be combined with multiple entry points",
		}
	}
	for _, source := range sources {
		group, _ := g.ParallelGroup(source)
		if group.Join == "" {
			return &CompileError{
				Code:   CompileErrInvalidParallel,
				NodeID: source,
				Detail: "parallel edges declared without a join edge",
			}
		}
		for _, branch := range group.Branches {
			if !g.branchReachesJoin(branch, group.Join) {
				return &CompileError{
					Code:   CompileErrInvalidParallel,
					NodeID: branch,
					Detail: fmt.Sprintf("branch cannot reach join node %s", group.Join),
				}
			}
		}
	}
	for _, source := range sources {
		group, _ := g.ParallelGroup(source)
		interior := g.branchInterior(group)
		for _, other := range sources {
			if other != source && interior[other] {
				return &CompileError{
					Code:   CompileErrInvalidParallel,
					NodeID: other,
					Detail: fmt.Sprintf("fan-out from %s is nested inside a branch of the fan-out from %s", other, source),
				}
			}
		}
	}
	return nil
}

// branchInterior collects the nodes on paths from the group's branch
// entries up to, but excluding, its join.
func (g *Graph) branchInterior(group *ParallelGroup) map[string]bool {
	interior := map[string]bool{}
	stack := append([]string(nil), group.Branches...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == group.Join || cur == End || interior[cur] {
			continue
		}
		interior[cur] = true
		stack = append(stack, g.successors(cur)...)
	}
	return interior
}

// branchReachesJoin reports whether every path out of branch can
// terminate only at join. The walk stops at join; hitting End first
// means the branch escapes the group.
func (g *Graph) branchReachesJoin(branch, join string) bool {
	visited := map[string]bool{}
	stack := []string{branch}
	reached := false
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == join {
			reached = true
			continue
		}
		if cur == End {
			return false
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		successors := g.successors(cur)
		if len(successors) == 0 {
			return false
		}
		stack = append(stack, successors...)
	}
	return reached
}

// checkReachability flags nodes not reachable from any entry point.
func (g *Graph) checkReachability() error {
	reachable := map[string]bool{}
	queue := append([]string(nil), g.EntryPoints()...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == End || reachable[cur] {
			continue
		}
		reachable[cur] = true
		queue = append(queue, g.successors(cur)...)
	}
	for _, id := range g.Nodes() {
		if !reachable[id] {
			return &CompileError{
				Code:   CompileErrUnreachable,
				NodeID: id,
				Detail: "node is not reachable from any entry point",
			}
		}
	}
	return nil
}

// checkTerminalPaths flags nodes that cannot reach End on any path.
func (g *Graph) checkTerminalPaths() error {
	// Reverse reachability from End.
	preds := map[string][]string{}
	forEachSuccessor := func(from string) {
		for _, to := range g.successors(from) {
			preds[to] = append(preds[to], from)
		}
	}
	for _, id := range g.Nodes() {
		forEachSuccessor(id)
	}
	forEachSuccessor(Start)

	canFinish := map[string]bool{}
	queue := []string{End}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if canFinish[cur] {
			continue
		}
		canFinish[cur] = true
		queue = append(queue, preds[cur]...)
	}
	for _, id := range g.Nodes() {
		if !canFinish[id] {
			return &CompileError{
				Code:   CompileErrNoTerminalPath,
				NodeID: id,
				Detail: "node has no path to the end of the graph",
			}
		}
	}
	return nil
}

// hasCycle reports whether the graph contains a directed cycle.
func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == End {
			return false
		}
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		for _, next := range g.successors(id) {
			if visit(next) {
				return true
			}
		}
		color[id] = black
		return false
	}
	for _, entry := range g.EntryPoints() {
		if visit(entry) {
			return true
		}
	}
	return false
}

// successors returns every possible next node of from: unconditional
// edge targets, conditional targets, and parallel branches. A
// conditional edge without a path map routes dynamically, so its
// source is conservatively treated as able to reach any node or End.
func (g *Graph) successors(from string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id == "" || id == Start || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, e := range g.Edges(from) {
		add(e.To)
	}
	if node, ok := g.Node(from); ok {
		for _, to := range node.Destinations {
			add(to)
		}
	}
	if ce, ok := g.ConditionalEdge(from); ok {
		if ce.Condition != nil && len(ce.PathMap) == 0 {
			for _, id := range g.Nodes() {
				add(id)
			}
			add(End)
		}
		for _, to := range ce.PathMap {
			add(to)
		}
		for _, pt := range ce.Predicates {
			add(pt.To)
		}
	}
	if group, ok := g.ParallelGroup(from); ok {
		for _, b := range group.Branches {
			add(b)
		}
	}
	return out
}

func (g *Graph) edgeSources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.edges))
	for from := range g.edges {
		out = append(out, from)
	}
	return out
}

func (g *Graph) conditionalSources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.conditionalEdges))
	for from := range g.conditionalEdges {
		out = append(out, from)
	}
	return out
}

func (g *Graph) parallelSources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.parallelGroups))
	for from := range g.parallelGroups {
		out = append(out, from)
	}
	return out
}

//
// Tencent is pleased to support the open source community by making stateflow available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// stateflow is licensed under the Apache License Version 2.0.
//
//

// Package graph provides graph-based workflow execution: a builder for
// declaring nodes and edges, a compiler that validates the topology,
// and an executor that walks the compiled graph with parallel fan-out,
// reducer-based state merging, and durable checkpoints.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// NodeType categorizes what a node does. It is metadata only; the
// executor treats every type the same way.
type NodeType string

// Built-in node types.
const (
	NodeTypeFunction NodeType = "function"
	NodeTypeRouter   NodeType = "router"
	NodeTypeJoin     NodeType = "join"
)

// NodeFunc is the computation a node performs. It receives a read-only
// view of the current state and returns either a State update (merged
// through the schema's reducers) or a *Command combining an update
// with a routing override. Returning nil means "no update".
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc decides the next node based on state. The returned
// value is looked up in the conditional edge's path map.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// PredicateFunc guards one target of a conditional edge set.
type PredicateFunc func(ctx context.Context, state State) (bool, error)

// Command combines a state update with an explicit routing decision.
// A node returning *Command overrides its static outgoing edges.
type Command struct {
	// Update is merged into the state through the schema's reducers.
	Update State
	// GoTo names the next node, or End to finish. Empty means "follow
	// the static edges as usual".
	GoTo string
}

// Node represents a node in the graph. Nodes are functions with
// metadata; the executor never inspects the function itself.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
	Type        NodeType

	// Timeout bounds a single run of this node. Zero means no
	// per-node limit beyond the invocation deadline.
	Timeout time.Duration

	// CheckpointMark requests a checkpoint after this node completes
	// when the policy is CheckpointOnMarks.
	CheckpointMark bool

	// Destinations declares targets this node may route to via a
	// returned Command, so the compiler can account for them.
	Destinations []string
}

// Edge represents an unconditional edge in the graph.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node to one of several targets.
// Either Condition+PathMap (single routing function) or Predicates
// (ordered guard list, first match wins) is set, never both.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	// PathMap maps the condition result to a target node ID. A result
	// that is itself a node ID needs no entry.
	PathMap map[string]string
	// Predicates is evaluated in registration order.
	Predicates []PredicateTarget
}

// PredicateTarget pairs a predicate with the node it routes to.
type PredicateTarget struct {
	Predicate PredicateFunc
	To        string
}

// ParallelGroup describes a static fan-out: after Source completes,
// every branch entry runs concurrently, and Join runs once all
// branches reach it. Branches preserves declaration order; the join
// merges branch deltas in exactly that order.
type ParallelGroup struct {
	Source   string
	Branches []string
	Join     string
}

// Graph is the immutable runtime representation created by
// StateGraph.Compile. Users build graphs with StateGraph; the Executor
// walks the compiled Graph. A compiled Graph is safe for concurrent
// executions.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	parallelGroups   map[string]*ParallelGroup
	// joinOf maps a branch entry node to the group it belongs to.
	joinOf      map[string]*ParallelGroup
	entryPoints []string
}

// New creates a new empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		parallelGroups:   make(map[string]*ParallelGroup),
		joinOf:           make(map[string]*ParallelGroup),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Nodes returns a snapshot of all node IDs.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Edges returns all outgoing unconditional edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// ParallelGroup returns the fan-out group starting at the given source
// node, if any.
func (g *Graph) ParallelGroup(sourceID string) (*ParallelGroup, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	group, exists := g.parallelGroups[sourceID]
	return group, exists
}

// EntryPoints returns the entry point node IDs in declaration order.
func (g *Graph) EntryPoints() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.entryPoints...)
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// addNode adds a node to the graph.
func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}
	if node.ID == Start || node.ID == End {
		return fmt.Errorf("node ID %s is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	return nil
}

// addEdge adds an unconditional edge to the graph.
func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge from and to cannot be empty")
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

// addConditionalEdge registers a conditional edge, replacing any
// previous conditional edge from the same node.
func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

// addParallelGroup registers a fan-out group.
func (g *Graph) addParallelGroup(group *ParallelGroup) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if group.Source == "" {
		return fmt.Errorf("parallel group source cannot be empty")
	}
	if len(group.Branches) < 2 {
		return fmt.Errorf("parallel group from %s needs at least two branches", group.Source)
	}
	if _, exists := g.parallelGroups[group.Source]; exists {
		return fmt.Errorf("parallel group from %s already exists", group.Source)
	}
	g.parallelGroups[group.Source] = group
	for _, b := range group.Branches {
		g.joinOf[b] = group
	}
	return nil
}

// setEntryPoints sets the entry points of the graph.
func (g *Graph) setEntryPoints(nodeIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(nodeIDs) == 0 {
		return fmt.Errorf("graph must have at least one entry point")
	}
	seen := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		if seen[id] {
			return fmt.Errorf("duplicate entry point %s", id)
		}
		seen[id] = true
	}
	g.entryPoints = append([]string(nil), nodeIDs...)
	return nil
}

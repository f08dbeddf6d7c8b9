package workflow

import (
	"fmt"

	"testgen_pipeline/pkg"
)

// Predicate is a pure function of the latest state fields guarding one
// edge.
type Predicate func(fields pkg.Fields) bool

// Edge is a directed transition between nodes. Edges are evaluated in
// declaration order; the first edge whose predicate holds is taken. A
// nil predicate always holds.
type Edge struct {
	To   string
	When Predicate
	// Loop tags the single back-edge of the optimize/evaluate cycle.
	// It fires only while the retry controller reports "continue"; the
	// predicate is ignored.
	Loop bool
}

// Node is one unit of work in the graph, backed by an opaque task
// function. Reads and Writes declare the state fields the node consumes
// and produces; the graph validates the wiring before any execution.
type Node struct {
	Name   string
	Reads  []string
	Writes []string
	// Cacheable is false for nodes whose output must be fresh on every
	// call.
	Cacheable bool
	// Tier is the cache tier hint by data volatility class.
	Tier pkg.CacheTier
	// Terminal marks the designated end of the graph.
	Terminal bool
}

// FanOut declares that after the owning node completes, Branches execute
// independently and Join runs only once all of them have completed
// (AND-join). A failed branch fails the session; the join never runs.
type FanOut struct {
	Branches []string
	Join     string
}

// Graph is a fixed set of named nodes and directed edges with one
// optional fan-out/join and one tagged loop edge.
type Graph struct {
	Start string
	// InitialFields are the field names the input payload must provide.
	InitialFields []string
	Nodes         map[string]*Node
	Edges         map[string][]Edge
	FanOuts       map[string]FanOut

	order []string // insertion order, used for validation
}

// NewGraph creates an empty graph whose first node is the entry point.
func NewGraph(initialFields ...string) *Graph {
	return &Graph{
		InitialFields: initialFields,
		Nodes:         make(map[string]*Node),
		Edges:         make(map[string][]Edge),
		FanOuts:       make(map[string]FanOut),
	}
}

// AddNode registers a node. The first node added becomes the entry point.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.Name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if _, exists := g.Nodes[node.Name]; exists {
		return fmt.Errorf("duplicate node: %s", node.Name)
	}
	g.Nodes[node.Name] = node
	g.order = append(g.order, node.Name)
	if g.Start == "" {
		g.Start = node.Name
	}
	return nil
}

// AddEdge appends an edge to the node's outgoing list.
func (g *Graph) AddEdge(from string, edge Edge) {
	g.Edges[from] = append(g.Edges[from], edge)
}

// SetFanOut declares the parallel branches that run after from, joined
// before join executes.
func (g *Graph) SetFanOut(from string, branches []string, join string) {
	g.FanOuts[from] = FanOut{Branches: branches, Join: join}
}

// Validate checks the wiring: every referenced node exists, exactly the
// loop edges are tagged, and every node's declared reads are producible
// by some upstream writer or the initial payload. Wiring errors surface
// here, before any execution.
func (g *Graph) Validate() error {
	if g.Start == "" {
		return fmt.Errorf("graph has no entry point")
	}

	for from, edges := range g.Edges {
		if _, ok := g.Nodes[from]; !ok {
			return fmt.Errorf("edge from unknown node: %s", from)
		}
		for _, edge := range edges {
			if _, ok := g.Nodes[edge.To]; !ok {
				return fmt.Errorf("edge %s -> %s targets unknown node", from, edge.To)
			}
		}
	}
	for from, fo := range g.FanOuts {
		if _, ok := g.Nodes[from]; !ok {
			return fmt.Errorf("fan-out from unknown node: %s", from)
		}
		if _, ok := g.Nodes[fo.Join]; !ok {
			return fmt.Errorf("fan-out join %s is not a node", fo.Join)
		}
		for _, b := range fo.Branches {
			if _, ok := g.Nodes[b]; !ok {
				return fmt.Errorf("fan-out branch %s is not a node", b)
			}
		}
	}

	return g.validateSchema()
}

// validateSchema walks nodes in an order ignoring the loop edge and
// checks that each node's reads come from the initial payload or some
// already-reachable writer. State is cumulative, so a field produced by
// any upstream node stays available downstream.
func (g *Graph) validateSchema() error {
	available := make(map[string]bool, len(g.InitialFields))
	for _, f := range g.InitialFields {
		available[f] = true
	}

	visited := make(map[string]bool, len(g.Nodes))
	queue := []string{g.Start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		node := g.Nodes[name]
		for _, field := range node.Reads {
			if !available[field] {
				return fmt.Errorf("node %s reads field %q that no upstream node produces", name, field)
			}
		}
		for _, field := range node.Writes {
			available[field] = true
		}

		if fo, ok := g.FanOuts[name]; ok {
			// Branches only depend on what is available at the fan-out
			// point; the join sees both branches' writes.
			for _, b := range fo.Branches {
				branch := g.Nodes[b]
				for _, field := range branch.Reads {
					if !available[field] {
						return fmt.Errorf("node %s reads field %q that no upstream node produces", b, field)
					}
				}
			}
			for _, b := range fo.Branches {
				for _, field := range g.Nodes[b].Writes {
					available[field] = true
				}
				visited[b] = true
			}
			queue = append(queue, fo.Join)
		}

		// The visited set makes the walk terminate even across the
		// loop edge; by then the evaluation node's writes are already
		// available to the optimize node.
		for _, edge := range g.Edges[name] {
			queue = append(queue, edge.To)
		}
	}

	for name := range g.Nodes {
		if !visited[name] {
			return fmt.Errorf("node %s is unreachable from %s", name, g.Start)
		}
	}
	return nil
}

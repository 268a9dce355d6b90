package dag

import (
	"fmt"

	"github.com/canopyflow/canopy/pkg/models"
)

// Graph indexes a DAG's edges for dependency queries. All returned node
// slices follow the DAG-declared node order, which is the tie-break rule
// for dispatch.
type Graph struct {
	order   []string // node IDs in declaration order
	nodes   map[string]*models.Node
	succs   map[string][]string // nodeID -> nodes that depend on it
	preds   map[string][]string // nodeID -> nodes it depends on
}

// NewGraph builds a Graph from a DAG definition.
func NewGraph(d *models.DAG) *Graph {
	g := &Graph{
		nodes: make(map[string]*models.Node),
		succs: make(map[string][]string),
		preds: make(map[string][]string),
	}

	for i := range d.Nodes {
		node := &d.Nodes[i]
		g.order = append(g.order, node.ID)
		g.nodes[node.ID] = node
	}

	for _, edge := range d.Edges {
		g.succs[edge.Source] = append(g.succs[edge.Source], edge.Target)
		g.preds[edge.Target] = append(g.preds[edge.Target], edge.Source)
	}

	return g
}

// Roots returns the initial frontier: all nodes with zero incoming edges,
// in declaration order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.preds[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Dependents returns the nodes directly depending on nodeID, ordered by
// declaration order.
func (g *Graph) Dependents(nodeID string) []string {
	set := make(map[string]bool, len(g.succs[nodeID]))
	for _, id := range g.succs[nodeID] {
		set[id] = true
	}

	var out []string
	for _, id := range g.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// Predecessors returns the direct dependencies of nodeID.
func (g *Graph) Predecessors(nodeID string) []string {
	return g.preds[nodeID]
}

// Node returns a node by ID.
func (g *Graph) Node(nodeID string) (*models.Node, error) {
	node, exists := g.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}
	return node, nil
}

// NodeCount returns the total number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.order)
}

// TopologicalOrder returns node IDs in topological order using Kahn's
// algorithm, or an error if the graph contains a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int)
	for _, id := range g.order {
		inDegree[id] = len(g.preds[id])
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, next := range g.succs[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, fmt.Errorf("cycle detected in DAG")
	}

	return result, nil
}

// ReadyDependents returns the dependents of completedID whose predecessors
// are all in succeeded, in declaration order. Callers layer the existing-
// record check on top to defend against repeated delivery.
func (g *Graph) ReadyDependents(completedID string, succeeded map[string]bool) []string {
	var ready []string
	for _, target := range g.Dependents(completedID) {
		allDone := true
		for _, pred := range g.preds[target] {
			if !succeeded[pred] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, target)
		}
	}
	return ready
}

package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/stackbound/agentflow/common/models"
)

// ErrCyclicGraph means the node set is not a DAG. It is a data-integrity
// failure: the run finishes FAILED and no agent is dispatched.
var ErrCyclicGraph = errors.New("workflow graph contains a cycle")

// ErrUnknownDependency means a node depends on a node id that does not exist.
var ErrUnknownDependency = errors.New("unknown dependency")

// Graph is the validated, immutable execution graph for one run.
type Graph struct {
	Nodes map[string]*models.WorkflowNode
	order []string // node ids, lexicographic
}

// BuildGraph indexes the nodes, checks that every dependency references a
// sibling, and verifies acyclicity with a Kahn traversal.
func BuildGraph(nodes []models.WorkflowNode) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*models.WorkflowNode, len(nodes)),
		order: make([]string, 0, len(nodes)),
	}

	for i := range nodes {
		node := &nodes[i]
		if _, dup := g.Nodes[node.NodeID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.NodeID)
		}
		g.Nodes[node.NodeID] = node
		g.order = append(g.order, node.NodeID)
	}
	sort.Strings(g.order)

	indegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range node.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on %q: %w", id, dep, ErrUnknownDependency)
			}
			indegree[id]++
		}
	}

	// Kahn traversal: if not every node drains, a cycle remains.
	queue := make([]string, 0, len(g.Nodes))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, succ := range g.order {
			for _, dep := range g.Nodes[succ].DependsOn {
				if dep != id {
					continue
				}
				indegree[succ]--
				if indegree[succ] == 0 {
					queue = append(queue, succ)
				}
			}
		}
	}

	if visited != len(g.Nodes) {
		return nil, ErrCyclicGraph
	}
	return g, nil
}

// NodeIDs returns all node ids in lexicographic order.
func (g *Graph) NodeIDs() []string {
	return g.order
}

// Ready returns the dispatchable node ids in lexicographic order: all
// prerequisites completed and the node not yet in any other set.
func (g *Graph) Ready(st *runState) []string {
	var ready []string
	for _, id := range g.order {
		if st.seen(id) {
			continue
		}
		eligible := true
		for _, dep := range g.Nodes[id].DependsOn {
			if _, done := st.completed[dep]; !done {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, id)
		}
	}
	return ready
}

// Ancestors returns every node reachable from id by following dependency
// edges backward. A node's template references resolve against this set.
func (g *Graph) Ancestors(id string) map[string]bool {
	out := make(map[string]bool)
	stack := append([]string(nil), g.Nodes[id].DependsOn...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[n] {
			continue
		}
		out[n] = true
		stack = append(stack, g.Nodes[n].DependsOn...)
	}
	return out
}

// Descendants returns every node reachable from the given roots by
// following dependency edges forward.
func (g *Graph) Descendants(roots map[string]bool) map[string]bool {
	out := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, id := range g.order {
			if out[id] {
				continue
			}
			for _, dep := range g.Nodes[id].DependsOn {
				if roots[dep] || out[dep] {
					out[id] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

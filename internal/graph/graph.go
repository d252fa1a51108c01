// Package graph provides a pure dependency-graph structure for task
// scheduling: adjacency bookkeeping, cycle detection, and readiness
// evaluation, independent of any datastore.
package graph

import (
	"sync"
)

// Graph is a directed graph of task dependencies. An edge from A to B means
// "A depends on B". The graph stores IDs only; task state lives elsewhere.
type Graph struct {
	mu sync.RWMutex
	// edges maps a task ID to the IDs it depends on.
	edges map[string][]string
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{edges: make(map[string][]string)}
}

// FromEdges builds a graph from a prebuilt adjacency map.
func FromEdges(edges map[string][]string) *Graph {
	g := New()
	for id, deps := range edges {
		g.Add(id, deps)
	}
	return g
}

// Add registers a task and the IDs it depends on, replacing any
// previously recorded dependencies for that task.
func (g *Graph) Add(id string, dependsOn []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	deps := make([]string, len(dependsOn))
	copy(deps, dependsOn)
	g.edges[id] = deps
}

// Remove deletes a task and its outgoing edges. Incoming edges from other
// tasks are left in place: a dependency on a missing task is treated as
// unsatisfied by readiness checks, which is the fail-safe the queue wants.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, id)
}

// Dependencies returns the IDs the given task depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	deps := g.edges[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for from, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, from)
				break
			}
		}
	}
	return dependents
}

// Size returns the number of registered tasks.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// DetectCycle walks the existing dependency edges plus the proposed edges
// from start, depth-first, and returns the offending path if the walk
// revisits start. Returns nil when the proposed edges are safe to add.
// The check fails closed on the first repeated visit of start.
func (g *Graph) DetectCycle(start string, proposed []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	path := []string{start}
	for _, dep := range proposed {
		if cycle := g.walk(dep, start, path); cycle != nil {
			return cycle
		}
	}
	return nil
}

// walk performs the depth-first traversal for DetectCycle.
// path holds the visit order so the offending chain can be reported.
func (g *Graph) walk(id, start string, path []string) []string {
	if id == start {
		return append(append([]string(nil), path...), id)
	}
	for _, prev := range path {
		// Already on the current path: a pre-existing cycle that does not
		// involve start. Stop descending rather than recurse forever.
		if prev == id {
			return nil
		}
	}
	path = append(path, id)
	for _, dep := range g.edges[id] {
		if cycle := g.walk(dep, start, path); cycle != nil {
			return cycle
		}
	}
	return nil
}

// InDegrees computes, for every registered task, how many of its
// dependencies are themselves registered in this graph. Dependencies on
// IDs outside the graph (e.g. tasks completed in a prior batch) do not
// count toward the in-degree.
func (g *Graph) InDegrees() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	degrees := make(map[string]int, len(g.edges))
	for id, deps := range g.edges {
		degrees[id] = 0
		for _, depID := range deps {
			if _, inBatch := g.edges[depID]; inBatch {
				degrees[id]++
			}
		}
	}
	return degrees
}

// Ready returns the IDs whose dependencies are all satisfied according to
// the supplied predicate. Tasks with no dependencies are always ready.
func (g *Graph) Ready(satisfied func(depID string) bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, deps := range g.edges {
		ok := true
		for _, depID := range deps {
			if !satisfied(depID) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

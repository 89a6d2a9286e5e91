// Package taskgraph builds a validated dependency DAG over tasks or issues
// and exposes a grouped topological order. Construction fails on dangling
// references and on cycles, so a Graph value is always executable.
package taskgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/convoy/internal/errors"
)

// Node is one schedulable unit with the ids it depends on.
type Node struct {
	ID        string
	DependsOn []string
	// Priority orders nodes inside a group; lower runs first. Ties keep
	// input order.
	Priority int
}

// DanglingDependencyError reports a dependency on an id that is not in the graph.
type DanglingDependencyError struct {
	Node       string
	Dependency string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("%s depends on unknown %q", e.Node, e.Dependency)
}

// Unwrap returns errors.ErrDanglingDependency.
func (e *DanglingDependencyError) Unwrap() error { return errors.ErrDanglingDependency }

// CycleError reports a dependency cycle. Path starts and ends with the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns errors.ErrDependencyCycle.
func (e *CycleError) Unwrap() error { return errors.ErrDependencyCycle }

// Graph is an acyclic dependency graph. It is immutable after New.
type Graph struct {
	nodes      map[string]Node
	index      map[string]int
	dependents map[string][]string
	groups     [][]string
}

// New validates nodes and computes their execution groups. Duplicate or
// empty ids are validation errors; an unknown dependency id returns a
// *DanglingDependencyError; a cycle returns a *CycleError.
func New(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]Node, len(nodes)),
		index:      make(map[string]int, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}

	for i, n := range nodes {
		if n.ID == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("node %d has an empty id", i)).WithField("id")
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, errors.NewValidationError(fmt.Sprintf("duplicate id %q", n.ID)).WithField("id").WithValue(n.ID)
		}
		n.DependsOn = slices.Clone(n.DependsOn)
		g.nodes[n.ID] = n
		g.index[n.ID] = i
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &DanglingDependencyError{Node: n.ID, Dependency: dep}
			}
			if !slices.Contains(g.dependents[dep], n.ID) {
				g.dependents[dep] = append(g.dependents[dep], n.ID)
			}
		}
	}

	if cycle := g.findCycle(nodes); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	g.groups = g.levels()
	return g, nil
}

// findCycle runs a colored DFS in input order and returns the first cycle
// found, or nil.
func (g *Graph) findCycle(nodes []Node) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].DependsOn {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				cycle := slices.Clone(stack[start:])
				return append(cycle, dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, n := range nodes {
		if color[n.ID] == white {
			if c := visit(n.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// levels is Kahn's algorithm collecting one group per BFS level.
func (g *Graph) levels() [][]string {
	inDegree := make(map[string]int, len(g.nodes))
	var queue []string
	for id, n := range g.nodes {
		inDegree[id] = len(uniq(n.DependsOn))
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var groups [][]string
	for len(queue) > 0 {
		g.sortGroup(queue)
		groups = append(groups, queue)

		var next []string
		for _, id := range queue {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		queue = next
	}
	return groups
}

func (g *Graph) sortGroup(ids []string) {
	slices.SortStableFunc(ids, func(a, b string) int {
		if pa, pb := g.nodes[a].Priority, g.nodes[b].Priority; pa != pb {
			return pa - pb
		}
		return g.index[a] - g.index[b]
	})
}

func uniq(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Groups returns the parallel execution groups. Nodes in one group are
// mutually independent and every dependency of a node sits in an earlier
// group.
func (g *Graph) Groups() [][]string {
	out := make([][]string, len(g.groups))
	for i, grp := range g.groups {
		out[i] = slices.Clone(grp)
	}
	return out
}

// Order returns the groups flattened into one topological order.
func (g *Graph) Order() []string {
	var out []string
	for _, grp := range g.groups {
		out = append(out, grp...)
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return slices.Clone(g.nodes[id].DependsOn)
}

// Dependents returns the nodes that depend directly on id.
func (g *Graph) Dependents(id string) []string {
	return slices.Clone(g.dependents[id])
}

// Downstream returns every node that transitively depends on id, in
// topological order. A failed task blocks exactly this set.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, d := range g.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	var out []string
	for _, n := range g.Order() {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

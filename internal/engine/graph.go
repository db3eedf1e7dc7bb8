package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/types"
)

// Graph is a validated, acyclic set of units of work
type Graph struct {
	units        map[string]*types.UnitOfWork
	successors   map[string][]string
	predecessors map[string][]string
	order        []string
}

// NewGraph validates units and their dependencies. Ids must be unique and
// non-empty, output names must be usable inside a cache bundle, every dependency must name a unit in the set, and the
// dependencies must not form a cycle.
func NewGraph(units []*types.UnitOfWork) (*Graph, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}

	g := &Graph{
		units:        make(map[string]*types.UnitOfWork, len(units)),
		successors:   make(map[string][]string, len(units)),
		predecessors: make(map[string][]string, len(units)),
	}

	for _, u := range units {
		if u == nil {
			return nil, &GraphError{Reason: "nil unit of work"}
		}
		if strings.TrimSpace(u.ID) == "" {
			return nil, &GraphError{Reason: "unit of work without id"}
		}
		if _, dup := g.units[u.ID]; dup {
			return nil, &GraphError{UnitID: u.ID, Reason: "duplicate id"}
		}
		for _, out := range u.Outputs {
			if !cache.ValidOutputName(out.Name) {
				return nil, &GraphError{UnitID: u.ID, Reason: fmt.Sprintf("invalid output name %q", out.Name)}
			}
		}
		g.units[u.ID] = u
	}

	for _, u := range units {
		seen := make(map[string]bool, len(u.DependsOn))
		for _, dep := range u.DependsOn {
			if dep == u.ID {
				return nil, &CycleError{Nodes: []string{u.ID, u.ID}}
			}
			if _, ok := g.units[dep]; !ok {
				return nil, &GraphError{UnitID: u.ID, Reason: "unknown dependency " + dep}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.predecessors[u.ID] = append(g.predecessors[u.ID], dep)
			g.successors[dep] = append(g.successors[dep], u.ID)
		}
	}
	for id := range g.units {
		sort.Strings(g.successors[id])
		sort.Strings(g.predecessors[id])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Nodes: cycle}
	}
	g.order = g.topological()
	return g, nil
}

// findCycle returns one cycle as a closed path, or nil
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.units))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.successors[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.IDs() {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// topological orders ids so that every unit follows its predecessors,
// breaking ties by id
func (g *Graph) topological() []string {
	indegree := make(map[string]int, len(g.units))
	var frontier []string
	for id := range g.units {
		indegree[id] = len(g.predecessors[id])
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.units))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for _, next := range g.successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				released = append(released, next)
			}
		}
		frontier = append(frontier, released...)
		sort.Strings(frontier)
	}
	return order
}

// IDs returns all unit ids in lexical order
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.units))
	for id := range g.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Order returns unit ids in a deterministic topological order
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of units
func (g *Graph) Len() int {
	return len(g.units)
}

// Unit returns the unit with the given id
func (g *Graph) Unit(id string) (*types.UnitOfWork, bool) {
	u, ok := g.units[id]
	return u, ok
}

// Successors returns the units that depend directly on id
func (g *Graph) Successors(id string) []string {
	return g.successors[id]
}

// Predecessors returns the direct dependencies of id
func (g *Graph) Predecessors(id string) []string {
	return g.predecessors[id]
}

// Subgraph restricts the graph to targets and everything they depend on
func (g *Graph) Subgraph(targets []string) (*Graph, error) {
	if len(targets) == 0 {
		return g, nil
	}

	keep := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if keep[id] {
			return
		}
		keep[id] = true
		for _, dep := range g.predecessors[id] {
			walk(dep)
		}
	}
	for _, t := range targets {
		if _, ok := g.units[t]; !ok {
			return nil, &GraphError{UnitID: t, Reason: "unknown target"}
		}
		walk(t)
	}

	units := make([]*types.UnitOfWork, 0, len(keep))
	for _, id := range g.order {
		if keep[id] {
			units = append(units, g.units[id])
		}
	}
	return NewGraph(units)
}

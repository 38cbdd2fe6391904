// Package dependency expands a catalog recipe and its transitive
// dependencies into a directed acyclic graph of service definitions.
package dependency

import (
	"stackpilot/internal/api"
	"stackpilot/internal/catalog"
)

// Edge is a dependency relation between two recipes: From depends on To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the expansion of one root recipe. Nodes are in topological
// order: every dependency precedes its dependents, so the deployer can
// walk the slice front to back for creation and back to front for
// teardown.
type Graph struct {
	Root  string
	Nodes []catalog.Recipe
	Edges []Edge
}

// Builder expands recipes via a catalog resolver.
type Builder struct {
	resolver catalog.Resolver
}

// NewBuilder creates a graph builder over the given resolver.
func NewBuilder(resolver catalog.Resolver) *Builder {
	return &Builder{resolver: resolver}
}

// visitState tracks traversal progress per recipe. A grey node is on the
// current expansion path; reaching it again means a cycle.
type visitState int

const (
	stateUnvisited visitState = iota
	stateOnPath
	stateDone
)

// Build expands rootID into a full graph. A recipe required on two
// different paths appears once. Cycles fail the whole operation with an
// api.CycleError naming the offending chain; no partial graph is ever
// returned. Resolver errors (not found, catalog unavailable) pass through
// unchanged.
func (b *Builder) Build(rootID string) (*Graph, error) {
	g := &Graph{Root: rootID}
	states := make(map[string]visitState)
	var path []string

	var expand func(id string) error
	expand = func(id string) error {
		switch states[id] {
		case stateDone:
			return nil
		case stateOnPath:
			// Report the chain from the first occurrence of id back
			// to where it re-enters.
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			chain := append(append([]string{}, path[start:]...), id)
			return &api.CycleError{Chain: chain}
		}

		recipe, err := b.resolver.Resolve(id)
		if err != nil {
			return err
		}

		states[id] = stateOnPath
		path = append(path, id)
		for _, dep := range recipe.DependsOn {
			if err := expand(dep); err != nil {
				return err
			}
			g.Edges = append(g.Edges, Edge{From: id, To: dep})
		}
		path = path[:len(path)-1]
		states[id] = stateDone

		// Dependencies were appended first, so the node list comes out
		// in topological order.
		g.Nodes = append(g.Nodes, recipe)
		return nil
	}

	if err := expand(rootID); err != nil {
		return nil, err
	}
	return g, nil
}

// Dependents returns the ids of recipes in the graph that directly depend
// on id.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e.From)
		}
	}
	return out
}

// Dependencies returns the ids id directly depends on.
func (g *Graph) Dependencies(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

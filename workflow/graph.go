package workflow

import (
	"errors"
	"fmt"
)

var ErrCycle = errors.New("dependency cycle")

// Graph is the directed acyclic dependency graph over a
// definition's job templates.
type Graph struct {
	order []string
	deps  map[string][]string
}

// BuildGraph constructs the graph from declared needs edges. It
// fails on unknown or self-referential needs; call DetectCycle
// afterwards to reject cyclic definitions.
func BuildGraph(jobs Jobs) (*Graph, error) {
	g := &Graph{
		deps: make(map[string][]string, len(jobs)),
	}

	for _, j := range jobs {
		g.order = append(g.order, j.Name)
		g.deps[j.Name] = nil
	}

	for _, j := range jobs {
		for _, need := range j.Needs {
			if need == j.Name {
				return nil, fmt.Errorf("job %q needs itself", j.Name)
			}
			if _, ok := g.deps[need]; !ok {
				return nil, fmt.Errorf("job %q needs unknown job %q", j.Name, need)
			}
			g.deps[j.Name] = append(g.deps[j.Name], need)
		}
	}

	return g, nil
}

func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// DetectCycle runs a three-color depth-first search and names a job
// on the first cycle found.
func (g *Graph) DetectCycle() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return fmt.Errorf("%w involving job %q", ErrCycle, name)
		}

		temporary[name] = true
		for _, dep := range g.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true

		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return err
		}
	}

	return nil
}

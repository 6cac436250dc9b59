package engine

import (
	"fmt"
	"sort"

	"github.com/conductor-labs/conductor-go/internal/domain"
)

// ComputeWaves layers the step graph so that every step lands one wave after
// the deepest of its dependencies. Steps inside a wave share no ordering
// constraint and may run concurrently; names within a wave are sorted so the
// plan is deterministic.
func ComputeWaves(def domain.SequenceDefinition) ([][]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		indegree[step.Name] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}

	var waves [][]string
	resolved := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		wave := frontier
		frontier = nil
		for _, name := range wave {
			resolved++
			for _, next := range dependents[name] {
				indegree[next]--
				if indegree[next] == 0 {
					frontier = append(frontier, next)
				}
			}
		}
		waves = append(waves, wave)
	}

	if resolved != len(def.Steps) {
		return nil, fmt.Errorf("dependency cycle in sequence %q", def.SequenceKey)
	}
	return waves, nil
}

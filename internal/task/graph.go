package task

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// ValidateAcyclic checks a dependency graph (task id -> dependency ids) for
// cycles and unknown references via topological sort. The coordinator runs
// this over the known-task set at admission time.
func ValidateAcyclic(deps map[string][]string) error {
	for id, depIDs := range deps {
		for _, depID := range depIDs {
			if _, ok := deps[depID]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for id, depIDs := range deps {
		if len(depIDs) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range depIDs {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrCyclicDependency, err)
	}
	return nil
}

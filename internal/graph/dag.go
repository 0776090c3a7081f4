package graph

import "strings"

// CycleError names the nodes of one dependency cycle, first node repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return ErrCycleDetected.Error() + ": " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// TopoSort orders names so that every dependency precedes its dependents. Among
// independent nodes the input order is kept. Dependencies outside names are
// ignored. A cycle returns *CycleError.
func TopoSort(names []string, dependsOn map[string][]string) ([]string, error) {
	const (
		unseen = iota
		onPath
		done
	)
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	state := make(map[string]int, len(names))
	sorted := make([]string, 0, len(names))
	var path []string

	var visit func(n string) *CycleError
	visit = func(n string) *CycleError {
		switch state[n] {
		case done:
			return nil
		case onPath:
			start := len(path) - 1
			for path[start] != n {
				start--
			}
			cycle := append(append([]string(nil), path[start:]...), n)
			return &CycleError{Path: cycle}
		}

		state[n] = onPath
		path = append(path, n)
		for _, dep := range dependsOn[n] {
			if !known[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[n] = done
		sorted = append(sorted, n)
		return nil
	}

	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

package plan

import (
	"fmt"
	"strings"

	"github.com/msageha/foreman/internal/graph"
	"github.com/msageha/foreman/internal/model"
)

// Build validates input and constructs the run's dependency graph. Every failure is
// a *model.ConfigurationError; nothing may be scheduled from an invalid plan.
func Build(input *Input) (*graph.Graph, error) {
	if verrs := Validate(input); verrs != nil {
		return nil, &model.ConfigurationError{Err: verrs}
	}

	ids := make([]string, len(input.Items))
	titles := make(map[string]int, len(input.Items))
	for i, item := range input.Items {
		id := item.ID
		if id == "" {
			generated, err := model.NewID(model.IDItem)
			if err != nil {
				return nil, fmt.Errorf("assign id to %q: %w", item.Title, err)
			}
			id = generated
		}
		ids[i] = id
		titles[strings.TrimSpace(item.Title)] = i
	}

	g := graph.New()
	for i, in := range input.Items {
		kind := model.Kind(in.Kind)
		if kind == "" {
			kind = model.KindFeature
		}
		item := &model.WorkItem{
			ID:                       ids[i],
			Title:                    strings.TrimSpace(in.Title),
			Description:              in.Description,
			Kind:                     kind,
			DeclaredSecurityCritical: in.SecurityCritical,
			Status:                   model.StatusPending,
		}
		for _, ref := range in.DependsOn {
			target, _ := resolveRef(ref, titles, len(input.Items))
			item.Dependencies = append(item.Dependencies, ids[target])
		}
		if err := g.Add(item); err != nil {
			return nil, &model.ConfigurationError{Err: err}
		}
	}

	if _, err := g.Validate(); err != nil {
		return nil, &model.ConfigurationError{Err: err}
	}
	return g, nil
}

// Load reads, validates and builds a plan file in one step.
func Load(path string) (*graph.Graph, error) {
	input, err := ReadInput(path)
	if err != nil {
		return nil, &model.ConfigurationError{Err: err}
	}
	return Build(input)
}

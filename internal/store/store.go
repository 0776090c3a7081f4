// Package store persists run state so a restarted orchestrator can tell which
// items finished and which were lost mid-attempt.
package store

import (
	"context"
	"errors"

	"github.com/msageha/foreman/internal/model"
	yamlutil "github.com/msageha/foreman/internal/yaml"
)

// ErrNoState is returned by Load when nothing has been saved yet.
var ErrNoState = errors.New("no saved run state")

// RunState is the checkpoint written after every transition.
type RunState struct {
	yamlutil.Header `yaml:",inline" json:"-"`

	RunID     string            `yaml:"run_id" json:"run_id"`
	StartedAt string            `yaml:"started_at" json:"started_at"`
	UpdatedAt string            `yaml:"updated_at" json:"updated_at"`
	Completed bool              `yaml:"completed" json:"completed"`
	Items     []*model.WorkItem `yaml:"items" json:"items"`
	// Records maps work item ids to system-of-record ids.
	Records map[string]string `yaml:"records,omitempty" json:"records,omitempty"`
}

// Item returns the saved copy of id, or nil.
func (s *RunState) Item(id string) *model.WorkItem {
	for _, it := range s.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Store saves and loads the single run state owned by one orchestrator.
type Store interface {
	Save(ctx context.Context, state *RunState) error
	Load(ctx context.Context) (*RunState, error)
	Close() error
}

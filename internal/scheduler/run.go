// Package scheduler drives work items through their lifecycle: it dispatches ready
// items to a bounded pool of agent attempts, applies the single-retry policy,
// classifies and integrates results, and checkpoints after every transition.
package scheduler

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/msageha/foreman/internal/graph"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
)

// Run is the state of one orchestration run. It owns the dependency graph and the
// in-flight attempt registry; nothing outside the scheduler mutates either.
type Run struct {
	ID        string
	StartedAt time.Time
	Graph     *graph.Graph

	mu       sync.Mutex
	inflight map[string]*attempt // item id -> attempt
	records  map[string]string
}

type attempt struct {
	id      string
	itemID  string
	number  int
	started time.Time
	cancel  func()
}

// NewRun starts a fresh run over g.
func NewRun(g *graph.Graph) (*Run, error) {
	id, err := model.NewID(model.IDRun)
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Graph:     g,
		inflight:  make(map[string]*attempt),
		records:   make(map[string]string),
	}, nil
}

// ResumeRun rebuilds a run from a checkpoint. Items must already have been passed
// through Recover.
func ResumeRun(state *store.RunState) (*Run, error) {
	g := graph.New()
	for _, it := range state.Items {
		if err := g.Add(it); err != nil {
			return nil, &model.ConfigurationError{Err: fmt.Errorf("restore %s: %w", it.ID, err)}
		}
	}
	started, err := time.Parse(time.RFC3339, state.StartedAt)
	if err != nil {
		started = time.Now().UTC()
	}
	r := &Run{
		ID:        state.RunID,
		StartedAt: started,
		Graph:     g,
		inflight:  make(map[string]*attempt),
		records:   make(map[string]string),
	}
	maps.Copy(r.records, state.Records)
	return r, nil
}

// SetRecords stores the item id to system-of-record id mapping for checkpoints.
func (r *Run) SetRecords(m map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.records, m)
}

// Records returns the item id to system-of-record id mapping.
func (r *Run) Records() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.records)
}

// InFlight returns the number of attempts currently bound to a workspace.
func (r *Run) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Run) register(a *attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.inflight[a.itemID]; ok {
		return fmt.Errorf("item %s already in flight as %s", a.itemID, prev.id)
	}
	r.inflight[a.itemID] = a
	return nil
}

func (r *Run) unregister(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, itemID)
}

func (r *Run) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.inflight {
		a.cancel()
	}
}

func (r *Run) attempts() []*attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*attempt, 0, len(r.inflight))
	for _, a := range r.inflight {
		c := *a
		out = append(out, &c)
	}
	return out
}

// State returns the checkpoint for this run.
func (r *Run) State(completed bool) *store.RunState {
	return &store.RunState{
		RunID:     r.ID,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Completed: completed,
		Items:     r.Graph.Items(),
		Records:   r.Records(),
	}
}

package scheduler

import (
	"slices"
	"time"

	"github.com/msageha/foreman/internal/model"
)

// Counters summarize a run by status. Queued counts pending items that may still
// become ready; Stalled counts pending items that cannot.
type Counters struct {
	Total        int `json:"total"`
	Queued       int `json:"queued"`
	Running      int `json:"running"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Stalled      int `json:"stalled"`
	InFlight     int `json:"in_flight"`
}

type AttemptInfo struct {
	ItemID    string    `json:"item_id"`
	AttemptID string    `json:"attempt_id"`
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time view of the scheduler for status surfaces.
type Snapshot struct {
	RunID    string            `json:"run_id,omitempty"`
	Active   bool              `json:"active"`
	Paused   bool              `json:"paused"`
	Stopping bool              `json:"stopping"`
	Counters Counters          `json:"counters"`
	Attempts []AttemptInfo     `json:"attempts"`
	Items    []*model.WorkItem `json:"items,omitempty"`
}

// Snapshot returns the current view. It is safe to call from any goroutine.
func (s *Scheduler) Snapshot(withItems bool) Snapshot {
	s.mu.Lock()
	run, active, stopping := s.run, s.active, s.stopping
	s.mu.Unlock()

	snap := Snapshot{Active: active, Paused: s.paused.Load(), Stopping: stopping, Attempts: []AttemptInfo{}}
	if run == nil {
		return snap
	}
	snap.RunID = run.ID
	snap.Counters = countersFor(run)
	for _, a := range run.attempts() {
		snap.Attempts = append(snap.Attempts, AttemptInfo{ItemID: a.itemID, AttemptID: a.id, Number: a.number, StartedAt: a.started})
	}
	slices.SortFunc(snap.Attempts, func(a, b AttemptInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	if withItems {
		snap.Items = run.Graph.Items()
	}
	return snap
}

// Item returns one item of the current run.
func (s *Scheduler) Item(id string) (*model.WorkItem, bool) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil, false
	}
	return run.Graph.Get(id)
}

func countersFor(run *Run) Counters {
	stalled := len(run.Graph.Stalled())
	counts := run.Graph.Counts()
	c := Counters{
		Total:        run.Graph.Len(),
		Running:      counts[model.StatusRunning] + counts[model.StatusReady],
		Succeeded:    counts[model.StatusSucceeded],
		Failed:       counts[model.StatusFailed],
		DeadLettered: counts[model.StatusDeadLettered],
		Stalled:      stalled,
		InFlight:     run.InFlight(),
	}
	c.Queued = counts[model.StatusPending] - stalled
	return c
}

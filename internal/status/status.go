// Package status renders the run report: what finished, what was dead-lettered
// after its retry, and what is stuck behind a failed dependency.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/msageha/foreman/internal/graph"
	"github.com/msageha/foreman/internal/integrate"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
)

type Report struct {
	RunID        string             `json:"run_id"`
	Orchestrator OrchestratorStatus `json:"orchestrator"`
	Completed    bool               `json:"completed"`
	Interrupted  bool               `json:"interrupted"`
	Succeeded    []ItemStatus       `json:"succeeded"`
	DeadLettered []ItemStatus       `json:"dead_lettered"`
	Stalled      []ItemStatus       `json:"stalled"`
	// Unfinished holds items a shutdown left before a terminal status.
	Unfinished     []ItemStatus `json:"unfinished,omitempty"`
	PendingReviews int          `json:"pending_reviews"`
}

type OrchestratorStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Host    string `json:"host,omitempty"`
}

type ItemStatus struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Attempts    int      `json:"attempts"`
	Routing     string   `json:"routing,omitempty"`
	ResultRef   string   `json:"result_ref,omitempty"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
}

// Build classifies items. A pending item is stalled when it is blocked, directly
// or transitively, by a dead-lettered dependency.
func Build(runID string, items []*model.WorkItem, interrupted bool) *Report {
	r := &Report{
		RunID:        runID,
		Interrupted:  interrupted,
		Succeeded:    []ItemStatus{},
		DeadLettered: []ItemStatus{},
		Stalled:      []ItemStatus{},
	}

	g := graph.New()
	for _, it := range items {
		if err := g.Add(it.Clone()); err != nil {
			// saved state is already validated; fall through with what was added
			continue
		}
	}
	stalled := make(map[string]bool)
	for _, it := range g.Stalled() {
		stalled[it.ID] = true
	}

	for _, it := range items {
		line := ItemStatus{
			ID:          it.ID,
			Title:       it.Title,
			Status:      string(it.Status),
			Attempts:    it.AttemptCount,
			ResultRef:   it.ResultRef,
			Diagnostics: it.LastDiagnostics,
		}
		if it.Routing != nil {
			line.Routing = string(*it.Routing)
		}
		switch {
		case it.Status == model.StatusSucceeded:
			line.Diagnostics = ""
			r.Succeeded = append(r.Succeeded, line)
		case it.Status == model.StatusDeadLettered:
			r.DeadLettered = append(r.DeadLettered, line)
		case stalled[it.ID]:
			line.Status = "stalled"
			line.Blockers = g.Blockers(it.ID)
			r.Stalled = append(r.Stalled, line)
		default:
			line.Blockers = g.Blockers(it.ID)
			r.Unfinished = append(r.Unfinished, line)
		}
	}
	r.Completed = !interrupted && len(r.Unfinished) == 0
	return r
}

// ExitCode is 0 when everything succeeded, 1 when something was dead-lettered or
// stalled, and 2 when the run did not finish.
func (r *Report) ExitCode() int {
	switch {
	case len(r.Unfinished) > 0 || r.Interrupted:
		return 2
	case len(r.DeadLettered) > 0 || len(r.Stalled) > 0:
		return 1
	}
	return 0
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s", r.RunID)
	switch {
	case r.Orchestrator.Running:
		fmt.Fprintf(&b, " (orchestrator running, pid %d)", r.Orchestrator.PID)
	case r.Interrupted:
		b.WriteString(" (interrupted)")
	case r.Completed:
		b.WriteString(" (complete)")
	}
	b.WriteString("\n")

	section := func(name string, lines []ItemStatus) {
		fmt.Fprintf(&b, "\n%s: %d\n", name, len(lines))
		for _, l := range lines {
			fmt.Fprintf(&b, "  %-28s  %-40s  attempts=%d", l.ID, clip(l.Title, 40), l.Attempts)
			if l.Routing != "" {
				fmt.Fprintf(&b, "  routing=%s", l.Routing)
			}
			if l.ResultRef != "" {
				fmt.Fprintf(&b, "  ref=%s", l.ResultRef)
			}
			if len(l.Blockers) > 0 {
				fmt.Fprintf(&b, "  blocked_by=%s", strings.Join(l.Blockers, ","))
			}
			b.WriteString("\n")
			if l.Diagnostics != "" {
				fmt.Fprintf(&b, "      %s\n", clip(firstLine(l.Diagnostics), 100))
			}
		}
	}
	section("Succeeded", r.Succeeded)
	section("Dead-lettered", r.DeadLettered)
	section("Stalled", r.Stalled)
	if len(r.Unfinished) > 0 {
		section("Unfinished", r.Unfinished)
	}
	if r.PendingReviews > 0 {
		fmt.Fprintf(&b, "\nReviews pending: %d\n", r.PendingReviews)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

type Options struct {
	StateDir        string
	LockPath        string
	ReviewQueuePath string
	JSON            bool
}

// Run loads the last saved state and prints its report.
func Run(ctx context.Context, st store.Store, opts Options, w io.Writer) error {
	state, err := st.Load(ctx)
	if errors.Is(err, store.ErrNoState) {
		_, werr := fmt.Fprintln(w, "No run recorded.")
		return werr
	}
	if err != nil {
		return err
	}

	r := Build(state.RunID, state.Items, !state.Completed)
	r.Orchestrator = checkOrchestrator(opts.LockPath)
	if r.Orchestrator.Running {
		r.Interrupted = false
	}
	if opts.ReviewQueuePath != "" {
		if reqs, err := integrate.NewReviewQueue(opts.StateDir, opts.ReviewQueuePath, nil).Pending(); err == nil {
			r.PendingReviews = len(reqs)
		}
	}

	if opts.JSON {
		return r.WriteJSON(w)
	}
	return r.WriteText(w)
}

func checkOrchestrator(lockPath string) OrchestratorStatus {
	fl := lock.NewFileLock(lockPath)
	err := fl.TryLock()
	if err == nil {
		_ = fl.Unlock()
		return OrchestratorStatus{}
	}
	if errors.Is(err, lock.ErrLocked) {
		owner, _ := fl.Owner()
		return OrchestratorStatus{Running: true, PID: owner.PID, Host: owner.Host}
	}
	return OrchestratorStatus{}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/integrate"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/report"
	"github.com/msageha/foreman/internal/security"
	"github.com/msageha/foreman/internal/status"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/workspace"
)

// ErrAlreadyRunning is returned when Run is called while another run is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Executor runs one attempt in a workspace.
type Executor interface {
	Execute(ctx context.Context, item *model.WorkItem, ws *workspace.Workspace, resumeToken string) (model.ExecutionResult, error)
}

// RuleSource yields the security rule set in force right now.
type RuleSource interface {
	Current() *security.RuleSet
}

type staticRules struct{ rs *security.RuleSet }

func (s staticRules) Current() *security.RuleSet { return s.rs }

// StaticRules wraps a fixed rule set.
func StaticRules(rs *security.RuleSet) RuleSource { return staticRules{rs: rs} }

// Reporter receives one report per transition and must not block.
type Reporter interface {
	Report(r report.Report)
}

type Options struct {
	Concurrency int
	// ShutdownGrace is how long in-flight attempts may keep running after a stop
	// request before they are cancelled.
	ShutdownGrace time.Duration
}

// Deps are the collaborators a Scheduler drives. Integrator, Store and Bus are
// optional.
type Deps struct {
	Workspaces workspace.Manager
	Executor   Executor
	Rules      RuleSource
	Reporter   Reporter
	Integrator integrate.Integrator
	Store      store.Store
	Bus        *events.Bus
}

type Scheduler struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	paused atomic.Bool
	wake   chan struct{}

	mu       sync.Mutex
	run      *Run
	active   bool
	stopping bool
	stop     context.CancelFunc

	// owned by the loop goroutine
	stalledReported map[string]bool
}

func New(opts Options, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if deps.Workspaces == nil || deps.Executor == nil || deps.Reporter == nil {
		return nil, fmt.Errorf("scheduler: workspaces, executor and reporter are required")
	}
	if deps.Rules == nil {
		deps.Rules = StaticRules(nil)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:   opts,
		deps:   deps,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}, nil
}

// completion is what an attempt goroutine hands back to the loop.
type completion struct {
	itemID    string
	attemptID string
	number    int
	cancelled bool
	result    model.ExecutionResult
	routing   *model.RoutingDecision
	reason    string
	merged    *integrate.Outcome
	mergeErr  error
}

// Run drives run until no further item can become ready, or until ctx is done and
// in-flight attempts have finished or been cancelled. Only a configuration error
// is returned as an error; every per-item problem ends up in the report.
func (s *Scheduler) Run(ctx context.Context, run *Run) (*status.Report, error) {
	if _, err := run.Graph.Validate(); err != nil {
		return nil, &model.ConfigurationError{Err: err}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.run, s.active, s.stopping, s.stop = run, true, false, stop
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active, s.stop = false, nil
		s.mu.Unlock()
	}()

	// checkpoints and cleanup must outlive a stop request
	bg := context.WithoutCancel(ctx)
	s.stalledReported = make(map[string]bool)

	s.logger.Info("run_started",
		zap.String("run", run.ID),
		zap.Int("items", run.Graph.Len()),
		zap.Int("concurrency", s.opts.Concurrency))
	s.checkpoint(bg, run, false)

	done := make(chan completion)
	var pool errgroup.Group
	pool.SetLimit(s.opts.Concurrency)

	stopCh := runCtx.Done()
	var grace <-chan time.Time
	stopping := false

	for {
		if !stopping && runCtx.Err() == nil && !s.paused.Load() {
			s.dispatch(runCtx, bg, run, &pool, done)
		}
		if run.InFlight() == 0 {
			if stopping || (!s.paused.Load() && !s.hasWork(run)) {
				break
			}
		}

		select {
		case c := <-done:
			s.complete(bg, run, c)
		case <-stopCh:
			stopCh = nil
			stopping = true
			s.mu.Lock()
			s.stopping = true
			s.mu.Unlock()
			s.logger.Info("run_stopping", zap.String("run", run.ID), zap.Int("in_flight", run.InFlight()))
			if s.opts.ShutdownGrace > 0 {
				grace = time.After(s.opts.ShutdownGrace)
			} else {
				run.cancelAll()
			}
		case <-grace:
			grace = nil
			s.logger.Warn("shutdown_grace_expired", zap.String("run", run.ID), zap.Int("in_flight", run.InFlight()))
			run.cancelAll()
		case <-s.wake:
		}
	}
	_ = pool.Wait()

	s.reportStalled(run)
	items := run.Graph.Items()
	rep := status.Build(run.ID, items, false)
	if stopping && len(rep.Unfinished) > 0 {
		rep = status.Build(run.ID, items, true)
	}
	s.checkpoint(bg, run, rep.Completed)

	s.publish(events.EventRunFinished, map[string]any{
		"run_id":        run.ID,
		"succeeded":     len(rep.Succeeded),
		"dead_lettered": len(rep.DeadLettered),
		"stalled":       len(rep.Stalled),
		"unfinished":    len(rep.Unfinished),
	})
	s.logger.Info("run_finished",
		zap.String("run", run.ID),
		zap.Int("succeeded", len(rep.Succeeded)),
		zap.Int("dead_lettered", len(rep.DeadLettered)),
		zap.Int("stalled", len(rep.Stalled)),
		zap.Int("unfinished", len(rep.Unfinished)),
		zap.Bool("interrupted", rep.Interrupted))
	return rep, nil
}

func (s *Scheduler) hasWork(run *Run) bool {
	for _, it := range run.Graph.Items() {
		if retryable(it) {
			return true
		}
	}
	for range run.Graph.Ready() {
		return true
	}
	return false
}

// dispatch starts attempts while slots are free. Retries of failed items go
// first, then ready items in insertion order.
func (s *Scheduler) dispatch(runCtx, bg context.Context, run *Run, pool *errgroup.Group, done chan<- completion) {
	for _, it := range run.Graph.Items() {
		if run.InFlight() >= s.opts.Concurrency {
			return
		}
		if retryable(it) {
			s.start(runCtx, bg, run, it, pool, done)
		}
	}
	for it := range run.Graph.Ready() {
		if run.InFlight() >= s.opts.Concurrency {
			return
		}
		if err := run.Graph.Mark(it.ID, model.StatusReady); err != nil {
			s.logger.Error("mark_ready_failed", zap.String("item", it.ID), zap.Error(err))
			continue
		}
		s.start(runCtx, bg, run, it, pool, done)
	}
}

func (s *Scheduler) start(runCtx, bg context.Context, run *Run, it *model.WorkItem, pool *errgroup.Group, done chan<- completion) {
	number := it.AttemptCount + 1
	if number > model.MaxAttempts {
		s.logger.Error("retry_ceiling_reached", zap.String("item", it.ID), zap.Int("attempts", it.AttemptCount))
		return
	}
	attemptID, err := model.NewID(model.IDAttempt)
	if err != nil {
		s.logger.Error("attempt_id_failed", zap.String("item", it.ID), zap.Error(err))
		s.revertReady(run, it.ID)
		return
	}

	// attempts survive a stop request until the grace period ends
	actx, cancel := context.WithCancel(context.WithoutCancel(runCtx))
	a := &attempt{id: attemptID, itemID: it.ID, number: number, started: time.Now().UTC(), cancel: cancel}
	if err := run.register(a); err != nil {
		cancel()
		s.logger.Error("double_dispatch_prevented", zap.String("item", it.ID), zap.Error(err))
		s.revertReady(run, it.ID)
		return
	}

	err = run.Graph.Transition(it.ID, model.StatusRunning, func(w *model.WorkItem) {
		w.AttemptCount = number
	})
	if err != nil {
		run.unregister(it.ID)
		cancel()
		s.logger.Error("dispatch_transition_failed", zap.String("item", it.ID), zap.Error(err))
		s.revertReady(run, it.ID)
		return
	}
	item, _ := run.Graph.Get(it.ID)
	s.transitioned(bg, run, item, report.Report{})
	s.logger.Info("attempt_dispatched",
		zap.String("item", item.ID),
		zap.String("attempt", attemptID),
		zap.Int("number", number))

	pool.Go(func() error {
		defer cancel()
		done <- s.execute(actx, run.ID, item, attemptID)
		return nil
	})
}

func (s *Scheduler) revertReady(run *Run, id string) {
	if it, ok := run.Graph.Get(id); ok && it.Status == model.StatusReady {
		_ = run.Graph.Mark(id, model.StatusPending)
	}
}

// execute runs on a pool goroutine. It owns the workspace for the whole attempt
// and always releases it before reporting back.
func (s *Scheduler) execute(ctx context.Context, runID string, item *model.WorkItem, attemptID string) completion {
	c := completion{itemID: item.ID, attemptID: attemptID, number: item.AttemptCount}
	s.publish(events.EventAttemptStarted, map[string]any{
		"run_id":     runID,
		"item_id":    item.ID,
		"attempt_id": attemptID,
		"attempt":    c.number,
	})

	ws, err := s.deps.Workspaces.Acquire(ctx, item.ID, attemptID)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelled = true
			return c
		}
		s.logger.Warn("workspace_acquire_failed", zap.String("item", item.ID), zap.Error(err))
		c.result = withWorkspaceFailure(model.ExecutionResult{Outcome: model.OutcomeFailure}, "acquire", err)
		return s.finish(ctx, runID, item, c)
	}

	result, err := s.deps.Executor.Execute(ctx, item, ws, item.ResumeToken)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil || isCancelled(err) {
			c.cancelled = true
		} else {
			result = model.ExecutionResult{Outcome: model.OutcomeFailure, ResumeToken: item.ResumeToken, Diagnostics: err.Error()}
		}
	}

	cleanup := context.WithoutCancel(ctx)
	if !c.cancelled {
		msg := fmt.Sprintf("foreman: %s %s (attempt %d)", item.ID, item.Title, c.number)
		cs, err := s.deps.Workspaces.Snapshot(cleanup, ws, msg)
		if err != nil {
			result = withWorkspaceFailure(result, "snapshot", err)
		} else {
			if cs.Ref != "" {
				result.ChangeRef = cs.Ref
			}
			result.ChangedPaths = mergePaths(result.ChangedPaths, cs.Paths)
		}
	}
	if err := s.deps.Workspaces.Release(cleanup, ws); err != nil {
		s.logger.Error("workspace_release_failed", zap.String("item", item.ID), zap.String("attempt", attemptID), zap.Error(err))
		if !c.cancelled {
			result = withWorkspaceFailure(result, "release", err)
		}
	}
	if c.cancelled {
		s.logger.Info("attempt_cancelled", zap.String("item", item.ID), zap.String("attempt", attemptID))
		return c
	}

	c.result = result
	return s.finish(ctx, runID, item, c)
}

// finish classifies and integrates a completed attempt. The rule set is read once
// here, so a later reload never changes this attempt's decision.
func (s *Scheduler) finish(ctx context.Context, runID string, item *model.WorkItem, c completion) completion {
	next := nextStatus(c.number, c.result.Outcome)
	if next != model.StatusDeadLettered && (c.result.Outcome == model.OutcomeSuccess || len(c.result.ChangedPaths) > 0) {
		rules := s.deps.Rules.Current()
		decision := security.Classify(item.DeclaredSecurityCritical, c.result.ChangedPaths, rules)
		c.routing = &decision
		c.reason = routingReason(item, c.result.ChangedPaths, rules)
	}

	if next == model.StatusSucceeded && c.routing != nil && s.deps.Integrator != nil && c.result.ChangeRef != "" {
		out, err := s.deps.Integrator.Integrate(ctx, integrate.Request{
			RunID:        runID,
			ItemID:       item.ID,
			Title:        item.Title,
			ChangeRef:    c.result.ChangeRef,
			ChangedPaths: c.result.ChangedPaths,
			Routing:      *c.routing,
			Reason:       c.reason,
		})
		c.merged, c.mergeErr = &out, err
		if err != nil {
			s.logger.Warn("integration_failed", zap.String("item", item.ID), zap.String("ref", c.result.ChangeRef), zap.Error(err))
		}
	}

	s.publish(events.EventAttemptFinished, map[string]any{
		"run_id":     runID,
		"item_id":    item.ID,
		"attempt_id": c.attemptID,
		"attempt":    c.number,
		"outcome":    string(c.result.Outcome),
	})
	return c
}

// complete applies an attempt's result to the graph. It runs only on the loop
// goroutine, so transitions never race with each other or with dispatch.
func (s *Scheduler) complete(bg context.Context, run *Run, c completion) {
	defer run.unregister(c.itemID)

	if c.cancelled {
		err := run.Graph.Transition(c.itemID, model.StatusPending, func(w *model.WorkItem) {
			// the lost attempt has no outcome and does not count
			w.AttemptCount = c.number - 1
		})
		if err != nil {
			s.logger.Error("cancel_transition_failed", zap.String("item", c.itemID), zap.Error(err))
			return
		}
		item, _ := run.Graph.Get(c.itemID)
		s.transitioned(bg, run, item, report.Report{Diagnostics: "attempt cancelled by shutdown"})
		return
	}

	next := nextStatus(c.number, c.result.Outcome)
	diagnostics := c.result.Diagnostics
	if c.mergeErr != nil {
		diagnostics = joinLines(diagnostics, "integration: "+c.mergeErr.Error())
	}
	err := run.Graph.Transition(c.itemID, next, func(w *model.WorkItem) {
		if c.result.ChangeRef != "" {
			w.ResultRef = c.result.ChangeRef
		}
		w.Routing = c.routing
		if c.result.ResumeToken != "" {
			w.ResumeToken = c.result.ResumeToken
		}
		w.LastDiagnostics = diagnostics
	})
	if err != nil {
		s.logger.Error("completion_transition_failed", zap.String("item", c.itemID), zap.String("to", string(next)), zap.Error(err))
		return
	}
	item, _ := run.Graph.Get(c.itemID)

	fields := []zap.Field{
		zap.String("item", c.itemID),
		zap.String("attempt", c.attemptID),
		zap.String("outcome", string(c.result.Outcome)),
		zap.String("status", string(next)),
	}
	if c.routing != nil {
		fields = append(fields, zap.String("routing", string(*c.routing)))
	}
	if next == model.StatusDeadLettered {
		s.logger.Warn("item_dead_lettered", fields...)
	} else {
		s.logger.Info("attempt_completed", fields...)
	}

	s.transitioned(bg, run, item, report.Report{Diagnostics: diagnostics})
	if next == model.StatusDeadLettered {
		s.reportStalled(run)
	}
}

// transitioned emits the report for a transition that was just applied and
// checkpoints the run.
func (s *Scheduler) transitioned(bg context.Context, run *Run, item *model.WorkItem, r report.Report) {
	r.RunID = run.ID
	r.ItemID = item.ID
	r.Title = item.Title
	r.Status = item.Status
	r.Attempt = item.AttemptCount
	r.ResultRef = item.ResultRef
	if item.Routing != nil && item.Status != model.StatusRunning {
		routing := *item.Routing
		r.Routing = &routing
	}
	s.deps.Reporter.Report(r)
	s.checkpoint(bg, run, false)
}

// reportStalled reports each newly stalled item once.
func (s *Scheduler) reportStalled(run *Run) {
	for _, it := range run.Graph.Stalled() {
		if s.stalledReported[it.ID] {
			continue
		}
		s.stalledReported[it.ID] = true
		blockers := run.Graph.Blockers(it.ID)
		s.logger.Warn("item_stalled", zap.String("item", it.ID), zap.Strings("blocked_by", blockers))
		s.deps.Reporter.Report(report.Report{
			RunID:    run.ID,
			ItemID:   it.ID,
			Title:    it.Title,
			Status:   it.Status,
			Attempt:  it.AttemptCount,
			Stalled:  true,
			Blockers: blockers,
		})
	}
}

func (s *Scheduler) checkpoint(ctx context.Context, run *Run, completed bool) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.Save(ctx, run.State(completed)); err != nil {
		s.logger.Error("checkpoint_failed", zap.String("run", run.ID), zap.Error(err))
	}
}

func (s *Scheduler) publish(t events.EventType, data map[string]any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(t, data)
	}
}

// Pause stops dispatching new attempts. In-flight attempts continue.
func (s *Scheduler) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		s.logger.Info("dispatch_paused")
	}
}

func (s *Scheduler) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info("dispatch_resumed")
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Stop requests a graceful shutdown of the active run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

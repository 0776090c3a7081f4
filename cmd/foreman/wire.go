package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/executor"
	"github.com/msageha/foreman/internal/integrate"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/notify"
	"github.com/msageha/foreman/internal/record"
	"github.com/msageha/foreman/internal/report"
	"github.com/msageha/foreman/internal/scheduler"
	"github.com/msageha/foreman/internal/security"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/workspace"
)

const (
	lockFile     = "foreman.lock"
	maxReportGap = 10 * time.Second
)

func lockPath(dir string) string { return filepath.Join(dir, lockFile) }

func reviewQueuePath(cfg model.Config) string {
	return filepath.Join(cfg.Integration.ReviewDir, "queue.yaml")
}

func openStore(ctx context.Context, cfg model.Config, dir string, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		slot := cfg.Project.Name
		if slot == "" {
			slot = cfg.Project.RepoPath
		}
		pg, err := store.NewPGStore(ctx, cfg.Store.DSN, slot, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return store.NewYAMLStore(dir, logger), nil
	}
}

// openRecord returns the Redis system of record when configured, otherwise an
// in-memory one that lives for this process only.
func openRecord(ctx context.Context, cfg model.Config, logger *zap.Logger) (record.SystemOfRecord, func() error, error) {
	if cfg.Reporting.Redis.URL == "" {
		return record.NewMemory(), func() error { return nil }, nil
	}
	r, err := record.NewRedis(ctx, cfg.Reporting.Redis.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}

func newWorkspaces(cfg model.Config, logger *zap.Logger) workspace.Manager {
	if cfg.Workspace.Mode == "dir" {
		return workspace.NewDirManager(cfg.Workspace.Root, logger)
	}
	return workspace.NewGitManager(cfg.Project.RepoPath, cfg.Workspace.Root, cfg.Project.BaseRef, cfg.Workspace.BranchPrefix, logger)
}

// newRules returns the rule source and, when hot reload is on, the watcher to run.
func newRules(cfg model.Config, logger *zap.Logger) (scheduler.RuleSource, *security.Watcher, error) {
	if cfg.Security.Watch && cfg.Security.RulesFile != "" {
		w, err := security.NewWatcher(cfg.Security.RulesFile, cfg.Security.Rules, logger)
		if err != nil {
			return nil, nil, &model.ConfigurationError{Err: err}
		}
		return w, w, nil
	}
	rs, err := security.LoadRuleSet(cfg.Security.RulesFile, cfg.Security.Rules)
	if err != nil {
		return nil, nil, &model.ConfigurationError{Err: err}
	}
	return scheduler.StaticRules(rs), nil, nil
}

func newExecutor(cfg model.Config, logger *zap.Logger) (*executor.Client, error) {
	var projectContext string
	if cfg.Project.ContextFile != "" {
		data, err := os.ReadFile(cfg.Project.ContextFile)
		switch {
		case err == nil:
			projectContext = string(data)
		case os.IsNotExist(err):
			logger.Warn("context_file_missing", zap.String("file", cfg.Project.ContextFile))
		default:
			return nil, fmt.Errorf("read context file: %w", err)
		}
	}
	backend := &executor.ProcessBackend{
		Command:   cfg.Execution.Command,
		Args:      cfg.Execution.Args,
		WaitDelay: 5 * time.Second,
	}
	return executor.New(backend, executor.Options{
		Limits: model.Limits{
			MaxTurns:     cfg.Execution.MaxTurns,
			MaxBudgetUSD: cfg.Execution.MaxBudgetUSD,
		},
		WallClock:      config.WallClock(cfg),
		ProjectContext: projectContext,
	}, logger), nil
}

func newIntegrator(cfg model.Config, dir string, logger *zap.Logger) integrate.Integrator {
	queue := integrate.NewReviewQueue(dir, reviewQueuePath(cfg), logger)
	if cfg.Integration.Mode == "none" || cfg.Workspace.Mode == "dir" {
		return integrate.None{Review: queue}
	}
	merger := integrate.NewGitMerger(cfg.Project.RepoPath, cfg.Project.BaseRef, integrate.ScratchDir(dir), logger)
	return &integrate.Router{Auto: merger, Review: queue}
}

// reporting bundles the reporter with the sinks the run needs direct access to.
type reporting struct {
	reporter *report.Reporter
	records  *report.RecordSink
	closers  []func()
}

func (r *reporting) close(ctx context.Context) {
	if r.reporter != nil {
		if err := r.reporter.Flush(ctx); err != nil {
			zap.L().Warn("report_flush_incomplete", zap.Error(err))
		}
		_ = r.reporter.Close(ctx)
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newReporting(ctx context.Context, cfg model.Config, dir string, bus *events.Bus, logger *zap.Logger) (*reporting, error) {
	r := &reporting{}

	sor, closeSor, err := openRecord(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func() { _ = closeSor() })
	r.records = report.NewRecordSink(sor)
	sinks := []report.Sink{r.records, report.NewBusSink(bus)}

	if cfg.Reporting.AuditLog {
		audit, err := events.NewAuditLogger(filepath.Join(dir, "logs", "audit.jsonl"), 0)
		if err != nil {
			r.close(ctx)
			return nil, err
		}
		detach := audit.Attach(bus, func(err error) {
			logger.Warn("audit_write_failed", zap.Error(err))
		}, events.EventAttemptStarted, events.EventAttemptFinished, events.EventRunFinished)
		r.closers = append(r.closers, func() { detach(); _ = audit.Close() })
		sinks = append(sinks, report.NewAuditSink(audit))
	}
	if cfg.Reporting.Slack.BotToken != "" {
		sinks = append(sinks, report.NewSlackSink(slack.New(cfg.Reporting.Slack.BotToken), cfg.Reporting.Slack.Channel))
	}
	if cfg.Reporting.Desktop {
		sinks = append(sinks, report.NewDesktopSink(notify.NewDesktop()))
	}

	r.reporter = report.New(sinks, report.Options{
		MaxRetries:     cfg.Reporting.MaxRetries,
		InitialBackoff: config.ReportBackoff(cfg),
		MaxBackoff:     maxReportGap,
	}, logger)
	return r, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/api"
	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/plan"
	"github.com/msageha/foreman/internal/scheduler"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/uds"
	"github.com/msageha/foreman/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plan until every item is succeeded, dead-lettered or stalled",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	dir, cfg, logger, done, err := loadEnv()
	if err != nil {
		return err
	}
	defer done()

	planPath, _ := cmd.Flags().GetString("plan")
	resume, _ := cmd.Flags().GetBool("resume")
	fresh, _ := cmd.Flags().GetBool("fresh")
	jsonOut, _ := cmd.Flags().GetBool("json")
	if c, _ := cmd.Flags().GetInt("concurrency"); c != 0 {
		cfg.Scheduler.Concurrency = c
	}
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		cfg.API.Listen = l
	}
	if resume && fresh {
		return errors.New("--resume and --fresh are mutually exclusive")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	fl, err := acquireLock(dir)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// setup and teardown are not interrupted by the first signal
	bg := context.WithoutCancel(ctx)

	st, err := openStore(bg, cfg, dir, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	wm := newWorkspaces(cfg, logger)

	run, err := prepareRun(bg, st, wm, dir, planPath, resume, fresh, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(256)
	defer bus.Close()

	rp, err := newReporting(bg, cfg, dir, bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(bg, 15*time.Second)
		defer cancel()
		rp.close(closeCtx)
	}()
	if resume {
		rp.records.Adopt(run.Records())
	} else if cfg.Reporting.ParentID != "" {
		if err := rp.records.Register(bg, cfg.Reporting.ParentID, run.Graph.Items()); err != nil {
			logger.Warn("record_register_failed", zap.String("parent", cfg.Reporting.ParentID), zap.Error(err))
		}
	}
	run.SetRecords(rp.records.Mapping())

	rules, watcher, err := newRules(cfg, logger)
	if err != nil {
		return err
	}
	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Concurrency:   cfg.Scheduler.Concurrency,
		ShutdownGrace: config.ShutdownGrace(cfg),
	}, scheduler.Deps{
		Workspaces: wm,
		Executor:   exec,
		Rules:      rules,
		Reporter:   rp.reporter,
		Integrator: newIntegrator(cfg, dir, logger),
		Store:      st,
		Bus:        bus,
	}, logger)
	if err != nil {
		return err
	}

	// background services keep serving through the shutdown grace period
	svcCtx, stopServices := context.WithCancel(bg)
	defer stopServices()
	if watcher != nil {
		go func() {
			if err := watcher.Run(svcCtx); err != nil {
				logger.Warn("rules_watcher_stopped", zap.Error(err))
			}
		}()
	}
	ctlSrv := uds.NewServer(filepath.Join(dir, uds.SocketName), logger)
	uds.Bind(ctlSrv, sched)
	if err := ctlSrv.Start(); err != nil {
		return err
	}
	defer ctlSrv.Stop()
	if cfg.API.Listen != "" {
		srv, err := api.Listen(cfg.API.Listen, api.NewHandler(sched, version, logger), logger)
		if err != nil {
			return fmt.Errorf("api listen: %w", err)
		}
		go func() {
			if err := srv.Serve(svcCtx); err != nil {
				logger.Warn("api_stopped", zap.Error(err))
			}
		}()
	}

	rep, err := sched.Run(ctx, run)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		err = rep.WriteJSON(out)
	} else {
		err = rep.WriteText(out)
	}
	if err != nil {
		return err
	}
	if code := rep.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// prepareRun builds a fresh run from the plan or resumes the stored one.
func prepareRun(ctx context.Context, st store.Store, wm workspace.Manager, dir, planPath string, resume, fresh bool, logger *zap.Logger) (*scheduler.Run, error) {
	prev, err := st.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNoState):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("load run state: %w", err)
	}

	if resume {
		if prev == nil {
			return nil, errors.New("no run to resume")
		}
		if prev.Completed {
			return nil, fmt.Errorf("run %s already completed", prev.RunID)
		}
		rec, err := scheduler.Recover(ctx, prev, wm, logger)
		if err != nil {
			return nil, fmt.Errorf("recover run %s: %w", prev.RunID, err)
		}
		logger.Info("run_resumed",
			zap.String("run", prev.RunID),
			zap.Strings("reset", rec.Reset),
			zap.Strings("requeued", rec.Requeued),
			zap.Int("workspaces_removed", rec.WorkspacesRemoved))
		return scheduler.ResumeRun(prev)
	}

	if prev != nil && !prev.Completed && !fresh {
		return nil, fmt.Errorf("run %s did not complete; use --resume to continue it or --fresh to discard it", prev.RunID)
	}
	if planPath == "" {
		planPath = filepath.Join(dir, "plan.yaml")
	}
	g, err := plan.Load(planPath)
	if err != nil {
		return nil, err
	}
	if fresh {
		// release the discarded run's workspaces
		if _, err := scheduler.Recover(ctx, &store.RunState{}, wm, logger); err != nil {
			logger.Warn("orphan_cleanup_failed", zap.Error(err))
		}
	}
	return scheduler.NewRun(g)
}

func acquireLock(dir string) (*lock.FileLock, error) {
	fl := lock.NewFileLock(lockPath(dir))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			holder := "unknown owner"
			if owner, ok := fl.Owner(); ok {
				holder = owner.String()
			}
			return nil, &model.ConfigurationError{Err: fmt.Errorf("another orchestrator holds %s (%s)", fl.Path(), holder)}
		}
		return nil, err
	}
	return fl, nil
}

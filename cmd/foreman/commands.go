package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/plan"
	"github.com/msageha/foreman/internal/scheduler"
	"github.com/msageha/foreman/internal/security"
	"github.com/msageha/foreman/internal/setup"
	"github.com/msageha/foreman/internal/status"
	"github.com/msageha/foreman/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a .foreman directory with default config, plan and rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		name, _ := cmd.Flags().GetString("name")
		base, err := setup.Run(dir, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", base)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset a crashed run's state and remove its workspaces without running anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, cfg, logger, done, err := loadEnv()
		if err != nil {
			return err
		}
		defer done()

		fl, err := acquireLock(dir)
		if err != nil {
			return err
		}
		defer fl.Unlock()

		ctx := cmd.Context()
		st, err := openStore(ctx, cfg, dir, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		state, err := st.Load(ctx)
		noState := errors.Is(err, store.ErrNoState)
		if err != nil && !noState {
			return err
		}
		if noState {
			state = &store.RunState{}
		}

		rec, err := scheduler.Recover(ctx, state, newWorkspaces(cfg, logger), logger)
		if err != nil {
			return err
		}
		if !noState {
			if err := st.Save(ctx, state); err != nil {
				return fmt.Errorf("save recovered state: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		if !noState {
			fmt.Fprintf(out, "Run %s\n", state.RunID)
		}
		fmt.Fprintf(out, "Reset to pending:  %d %v\n", len(rec.Reset), rec.Reset)
		fmt.Fprintf(out, "Retries requeued:  %d %v\n", len(rec.Requeued), rec.Requeued)
		fmt.Fprintf(out, "Workspaces removed: %d\n", rec.WorkspacesRemoved)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last recorded run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := stateDir()
		if err != nil {
			return err
		}
		cfg, err := config.Load(filepath.Join(dir, config.FileName))
		if err != nil {
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")

		ctx := cmd.Context()
		st, err := openStore(ctx, cfg, dir, nil)
		if err != nil {
			return err
		}
		defer st.Close()

		return status.Run(ctx, st, status.Options{
			StateDir:        dir,
			LockPath:        lockPath(dir),
			ReviewQueuePath: reviewQueuePath(cfg),
			JSON:            jsonOut,
		}, cmd.OutOrStdout())
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <path>...",
	Short: "Show the routing decision for a set of changed paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		declared, _ := cmd.Flags().GetBool("declared")
		rulesFile, _ := cmd.Flags().GetString("rules")

		var inline []string
		if rulesFile == "" {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(filepath.Join(dir, config.FileName))
			if err != nil {
				return err
			}
			rulesFile, inline = cfg.Security.RulesFile, cfg.Security.Rules
		}
		rs, err := security.LoadRuleSet(rulesFile, inline)
		if err != nil {
			return &model.ConfigurationError{Err: err}
		}

		decision := security.Classify(declared, args, rs)
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, decision)
		switch {
		case declared:
			fmt.Fprintln(out, "  reason: declared security critical")
		case decision == model.RouteReviewRequired:
			path, pattern, _ := rs.Match(args)
			fmt.Fprintf(out, "  reason: %s matches %s\n", path, pattern)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check config and plan without running anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := stateDir()
		if err != nil {
			return err
		}
		cfg, err := config.Load(filepath.Join(dir, config.FileName))
		if err != nil {
			return err
		}
		if _, err := security.LoadRuleSet(cfg.Security.RulesFile, cfg.Security.Rules); err != nil {
			return &model.ConfigurationError{Err: err}
		}

		planPath, _ := cmd.Flags().GetString("plan")
		if planPath == "" {
			planPath = filepath.Join(dir, "plan.yaml")
		}
		input, err := plan.ReadInput(planPath)
		if err != nil {
			return &model.ConfigurationError{Err: err}
		}
		if verrs := plan.Validate(input); verrs != nil {
			_, _ = verrs.WriteTo(cmd.ErrOrStderr())
			return &exitError{code: 3}
		}
		g, err := plan.Build(input)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok (%s)\n", filepath.Join(dir, config.FileName))
		fmt.Fprintf(out, "plan ok: %d items\n", g.Len())
		for it := range g.Ready() {
			fmt.Fprintf(out, "  ready at start: %s %s\n", it.ID, it.Title)
		}
		return nil
	},
}

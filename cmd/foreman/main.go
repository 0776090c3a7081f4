// Command foreman runs a dependency-ordered plan of work items through isolated
// agent attempts and routes each result for integration or review.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
)

const version = "0.3.0"

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	_ = godotenv.Load()

	err := rootCmd.Execute()
	var ee *exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "foreman",
	Short:         "Dependency-ordered agent orchestration with gated integration",
	SilenceErrors: true,
	SilenceUsage:  true,
}

var dirFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "state directory (default: nearest .foreman above the working directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	initCmd.Flags().String("name", "", "project name (default: directory name)")

	runCmd.Flags().StringP("plan", "p", "", "plan file (default: <state dir>/plan.yaml)")
	runCmd.Flags().Bool("resume", false, "resume the last interrupted run")
	runCmd.Flags().Bool("fresh", false, "start a new run even if the last one did not complete")
	runCmd.Flags().IntP("concurrency", "c", 0, "override scheduler.concurrency")
	runCmd.Flags().String("listen", "", "override api.listen (empty string keeps the config value)")
	runCmd.Flags().Bool("json", false, "print the final report as JSON")

	statusCmd.Flags().Bool("json", false, "output as JSON")

	classifyCmd.Flags().Bool("declared", false, "treat the item as declared security critical")
	classifyCmd.Flags().String("rules", "", "rules file (default: security.rules_file)")

	validateCmd.Flags().StringP("plan", "p", "", "plan file (default: <state dir>/plan.yaml)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "foreman %s\n", version)
	},
}

// stateDir resolves the --dir flag or searches upward for .foreman.
func stateDir() (string, error) {
	if dirFlag != "" {
		abs, err := filepath.Abs(dirFlag)
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return "", fmt.Errorf("state directory %s not found", abs)
		}
		return abs, nil
	}
	if d := config.FindStateDir(); d != "" {
		return d, nil
	}
	return "", fmt.Errorf("no %s directory found; run 'foreman init' first", config.DirName)
}

// loadEnv resolves the state directory, loads its config and builds the logger.
// The returned func flushes the logger.
func loadEnv() (string, model.Config, *zap.Logger, func(), error) {
	dir, err := stateDir()
	if err != nil {
		return "", model.Config{}, nil, nil, err
	}
	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	if err != nil {
		return "", model.Config{}, nil, nil, err
	}
	logger, cleanup, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return "", model.Config{}, nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return dir, cfg, logger, func() { undo(); cleanup() }, nil
}

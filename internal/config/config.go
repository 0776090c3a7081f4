// Package config loads the orchestrator configuration from <repo>/.foreman/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/foreman/internal/model"
)

const (
	// DirName is the per-repository state directory.
	DirName  = ".foreman"
	FileName = "config.yaml"
)

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
func Expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Decode parses data as YAML, expands environment references inside scalar
// values only, and decodes the result into out. Substituted text never
// changes the document structure.
func Decode(data []byte, out any) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Kind == 0 || (doc.Kind == yaml.DocumentNode && len(doc.Content) == 0) {
		return nil
	}
	expandNode(&doc)
	return doc.Decode(out)
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		v := Expand(n.Value)
		if v == n.Value {
			return
		}
		n.Value = v
		// Plain scalars are re-resolved so "${N:5}" still decodes into an int.
		if n.Style&(yaml.TaggedStyle|yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle|yaml.LiteralStyle|yaml.FoldedStyle) == 0 {
			n.Tag = ""
		}
		return
	}
	for _, c := range n.Content {
		expandNode(c)
	}
}

// Load reads the config file at path, substitutes environment references,
// applies defaults and validates the result. A missing file yields defaults.
func Load(path string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return model.Config{}, fmt.Errorf("read %s: %w", FileName, err)
	default:
		if err := Decode(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", FileName, err)
		}
	}

	ApplyDefaults(&cfg)
	resolvePaths(&cfg, filepath.Dir(path))
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// resolvePaths anchors relative paths: the repository and context file at the
// state directory's parent, everything else at the state directory.
func resolvePaths(cfg *model.Config, stateDir string) {
	repo := filepath.Dir(stateDir)
	cfg.Project.RepoPath = anchor(repo, cfg.Project.RepoPath, ".")
	if cfg.Project.ContextFile != "" {
		cfg.Project.ContextFile = anchor(cfg.Project.RepoPath, cfg.Project.ContextFile, "")
	}
	if cfg.Security.RulesFile != "" {
		cfg.Security.RulesFile = anchor(stateDir, cfg.Security.RulesFile, "")
	}
	cfg.Workspace.Root = anchor(stateDir, cfg.Workspace.Root, "workspaces")
	cfg.Integration.ReviewDir = anchor(stateDir, cfg.Integration.ReviewDir, "reviews")
	cfg.Logging.File = anchor(stateDir, cfg.Logging.File, filepath.Join("logs", "foreman.log"))
}

func anchor(base, p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *model.Config) {
	if cfg.Project.BaseRef == "" {
		cfg.Project.BaseRef = "main"
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 3
	}
	if cfg.Scheduler.ShutdownGraceSec == 0 {
		cfg.Scheduler.ShutdownGraceSec = 30
	}
	if cfg.Execution.Command == "" {
		cfg.Execution.Command = "claude"
	}
	if cfg.Execution.MaxTurns == 0 {
		cfg.Execution.MaxTurns = 25
	}
	if cfg.Execution.MaxBudgetUSD == 0 {
		cfg.Execution.MaxBudgetUSD = 5.0
	}
	if cfg.Execution.WallClockSec == 0 {
		cfg.Execution.WallClockSec = 30 * 60
	}
	if cfg.Workspace.Mode == "" {
		cfg.Workspace.Mode = "git"
	}
	if cfg.Workspace.BranchPrefix == "" {
		cfg.Workspace.BranchPrefix = "foreman/"
	}
	if cfg.Integration.Mode == "" {
		cfg.Integration.Mode = "git"
	}
	if cfg.Reporting.MaxRetries == 0 {
		cfg.Reporting.MaxRetries = 5
	}
	if cfg.Reporting.BackoffMs == 0 {
		cfg.Reporting.BackoffMs = 200
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "yaml"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects values the orchestrator cannot run with.
func Validate(cfg model.Config) error {
	var errs []error
	if cfg.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be >= 1, got %d", cfg.Scheduler.Concurrency))
	}
	if cfg.Scheduler.ShutdownGraceSec < 0 {
		errs = append(errs, fmt.Errorf("scheduler.shutdown_grace_sec must not be negative"))
	}
	if cfg.Execution.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("execution.max_turns must not be negative"))
	}
	if cfg.Execution.MaxBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("execution.max_budget_usd must not be negative"))
	}
	if cfg.Execution.WallClockSec < 0 {
		errs = append(errs, fmt.Errorf("execution.wall_clock_sec must not be negative"))
	}
	if cfg.Reporting.MaxRetries < 0 || cfg.Reporting.BackoffMs < 0 {
		errs = append(errs, fmt.Errorf("reporting retries and backoff must not be negative"))
	}
	switch cfg.Workspace.Mode {
	case "git", "dir":
	default:
		errs = append(errs, fmt.Errorf("workspace.mode %q: want git or dir", cfg.Workspace.Mode))
	}
	switch cfg.Integration.Mode {
	case "git", "none":
	default:
		errs = append(errs, fmt.Errorf("integration.mode %q: want git or none", cfg.Integration.Mode))
	}
	switch cfg.Store.Driver {
	case "yaml":
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want yaml or postgres", cfg.Store.Driver))
	}
	if (cfg.Reporting.Slack.BotToken == "") != (cfg.Reporting.Slack.Channel == "") {
		errs = append(errs, fmt.Errorf("reporting.slack needs both bot_token and channel"))
	}
	if len(errs) > 0 {
		return &model.ConfigurationError{Err: errors.Join(errs...)}
	}
	return nil
}

// FindStateDir walks up from the working directory looking for a .foreman directory.
func FindStateDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// WallClock returns the per-attempt wall-clock limit.
func WallClock(cfg model.Config) time.Duration {
	return time.Duration(cfg.Execution.WallClockSec) * time.Second
}

func ShutdownGrace(cfg model.Config) time.Duration {
	return time.Duration(cfg.Scheduler.ShutdownGraceSec) * time.Second
}

func ReportBackoff(cfg model.Config) time.Duration {
	return time.Duration(cfg.Reporting.BackoffMs) * time.Millisecond
}

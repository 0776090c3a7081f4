// Package model defines the data structures for the orchestrator's configuration, work items and results.
package model

type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Security    SecurityConfig    `yaml:"security"`
	Integration IntegrationConfig `yaml:"integration"`
	Reporting   ReportingConfig   `yaml:"reporting"`
	Store       StoreConfig       `yaml:"store"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	RepoPath    string `yaml:"repo_path"`
	BaseRef     string `yaml:"base_ref"`
	ContextFile string `yaml:"context_file"`
}

type SchedulerConfig struct {
	Concurrency      int `yaml:"concurrency"`
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

type ExecutionConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args,omitempty"`
	MaxTurns     int      `yaml:"max_turns"`
	MaxBudgetUSD float64  `yaml:"max_budget_usd"`
	WallClockSec int      `yaml:"wall_clock_sec"`
}

type WorkspaceConfig struct {
	Mode         string `yaml:"mode"` // "git" or "dir"
	Root         string `yaml:"root"`
	BranchPrefix string `yaml:"branch_prefix"`
}

type SecurityConfig struct {
	RulesFile string   `yaml:"rules_file"`
	Rules     []string `yaml:"rules,omitempty"`
	Watch     bool     `yaml:"watch"`
}

type IntegrationConfig struct {
	Mode      string `yaml:"mode"` // "git" or "none"
	ReviewDir string `yaml:"review_dir"`
}

type ReportingConfig struct {
	MaxRetries int         `yaml:"max_retries"`
	BackoffMs  int         `yaml:"backoff_ms"`
	ParentID   string      `yaml:"parent_id"`
	AuditLog   bool        `yaml:"audit_log"`
	Desktop    bool        `yaml:"desktop"`
	Redis      RedisConfig `yaml:"redis"`
	Slack      SlackConfig `yaml:"slack"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "yaml" or "postgres"
	DSN    string `yaml:"dsn"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

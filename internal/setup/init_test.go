package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/plan"
	"github.com/msageha/foreman/internal/security"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	base, err := Run(projectDir, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if base != filepath.Join(projectDir, config.DirName) {
		t.Errorf("base = %s", base)
	}

	for _, d := range Dirs {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
	for _, f := range []string{"config.yaml", "plan.yaml", "rules.yaml", ".gitignore"} {
		if _, err := os.Stat(filepath.Join(base, f)); err != nil {
			t.Errorf("file %s does not exist: %v", f, err)
		}
	}
}

func TestRun_ConfigLoads(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("SLACK_CHANNEL", "")
	projectDir := filepath.Join(t.TempDir(), "shop")
	os.Mkdir(projectDir, 0755)

	base, err := Run(projectDir, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := config.Load(filepath.Join(base, config.FileName))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.Project.Name != "shop" {
		t.Errorf("project.name = %q, want shop", cfg.Project.Name)
	}
	if cfg.Project.RepoPath != projectDir {
		t.Errorf("project.repo_path = %q, want %q", cfg.Project.RepoPath, projectDir)
	}
	if cfg.Security.RulesFile != filepath.Join(base, "rules.yaml") {
		t.Errorf("security.rules_file = %q", cfg.Security.RulesFile)
	}
	if cfg.Scheduler.Concurrency != 3 {
		t.Errorf("scheduler.concurrency = %d, want 3", cfg.Scheduler.Concurrency)
	}

	data, _ := os.ReadFile(filepath.Join(base, config.FileName))
	if want := "${SLACK_BOT_TOKEN:}"; !strings.Contains(string(data), want) {
		t.Errorf("config.yaml lost env reference %s", want)
	}
}

func TestRun_ProjectNameOverride(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "dir")
	os.Mkdir(projectDir, 0755)

	base, err := Run(projectDir, "custom")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := config.Load(filepath.Join(base, config.FileName))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.Project.Name != "custom" {
		t.Errorf("project.name = %q, want custom", cfg.Project.Name)
	}
}

func TestRun_TemplatesAreUsable(t *testing.T) {
	projectDir := t.TempDir()
	base, err := Run(projectDir, "x")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	g, err := plan.Load(filepath.Join(base, "plan.yaml"))
	if err != nil {
		t.Fatalf("plan.Load: %v", err)
	}
	if g.Len() != 2 {
		t.Errorf("plan items = %d, want 2", g.Len())
	}

	rs, err := security.LoadRuleSet(filepath.Join(base, "rules.yaml"), nil)
	if err != nil {
		t.Fatalf("LoadRuleSet: %v", err)
	}
	if _, _, hit := rs.Match([]string{"internal/auth/login.go"}); !hit {
		t.Error("auth path should match the default rules")
	}
}

func TestRun_AlreadyExists(t *testing.T) {
	projectDir := t.TempDir()
	if _, err := Run(projectDir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := Run(projectDir, ""); err == nil {
		t.Fatal("expected error on second Run")
	}
}

package security

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/model"
)

func mustRules(t *testing.T, patterns ...string) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet(patterns)
	require.NoError(t, err)
	return rs
}

func TestClassify(t *testing.T) {
	infra := mustRules(t, "infra/**")

	tests := []struct {
		name     string
		declared bool
		paths    []string
		rules    *RuleSet
		want     model.RoutingDecision
	}{
		{"docs change auto-integrates", false, []string{"docs/readme.md"}, infra, model.RouteAutoIntegrate},
		{"infra change needs review", false, []string{"infra/deploy.yaml"}, infra, model.RouteReviewRequired},
		{"declared critical always reviews", true, []string{"docs/readme.md"}, infra, model.RouteReviewRequired},
		{"declared critical with no paths", true, nil, infra, model.RouteReviewRequired},
		{"empty change set", false, nil, infra, model.RouteAutoIntegrate},
		{"nil rule set", false, []string{"infra/deploy.yaml"}, nil, model.RouteAutoIntegrate},
		{"deep match", false, []string{"src/a.go", "infra/k8s/prod/app.yaml"}, infra, model.RouteReviewRequired},
		{"case sensitive", false, []string{"Infra/deploy.yaml"}, infra, model.RouteAutoIntegrate},
		{"dot slash prefix", false, []string{"./infra/deploy.yaml"}, infra, model.RouteReviewRequired},
		{"extension glob", false, []string{"certs/server.pem"}, mustRules(t, "**/*.pem"), model.RouteReviewRequired},
		{"prefix is not a match", false, []string{"infrastructure/x"}, infra, model.RouteAutoIntegrate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.declared, tt.paths, tt.rules)
			if got != tt.want {
				t.Errorf("Classify(%v, %v) = %q, want %q", tt.declared, tt.paths, got, tt.want)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	rules := mustRules(t, "infra/**", "**/secrets/*", ".github/workflows/*")
	paths := []string{"a.go", "pkg/secrets/key.txt", "infra/main.tf"}

	first := Classify(false, paths, rules)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := Classify(false, paths, rules); got != first {
				t.Errorf("non-deterministic result: %q vs %q", got, first)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"a.go", "pkg/secrets/key.txt", "infra/main.tf"}, paths, "input must not be mutated")
}

func TestRuleSet_Match(t *testing.T) {
	rules := mustRules(t, "infra/**", "**/*.pem")
	path, pattern, ok := rules.Match([]string{"README.md", "tls/ca.pem"})
	require.True(t, ok)
	assert.Equal(t, "tls/ca.pem", path)
	assert.Equal(t, "**/*.pem", pattern)
}

func TestNewRuleSet(t *testing.T) {
	rs, err := NewRuleSet([]string{"infra/**", " ", "infra/**", "db/*.sql"})
	require.NoError(t, err)
	assert.Equal(t, []string{"infra/**", "db/*.sql"}, rs.Patterns())

	_, err = NewRuleSet([]string{"bad/[pattern"})
	assert.Error(t, err)
}

func TestLoadRuleSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - \"infra/**\"\n  - \"**/*.key\"\n"), 0644))

	rs, err := LoadRuleSet(path, []string{"auth/**"})
	require.NoError(t, err)
	assert.Equal(t, []string{"auth/**", "infra/**", "**/*.key"}, rs.Patterns())

	_, err = LoadRuleSet(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules: [\n"), 0644))
	_, err = LoadRuleSet(path, nil)
	assert.Error(t, err)
}

func TestWatcher_ReloadKeepsOldSetOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [\"infra/**\"]\n"), 0644))

	w, err := NewWatcher(path, nil, zap.NewNop())
	require.NoError(t, err)
	before := w.Current()
	assert.Equal(t, model.RouteReviewRequired, Classify(false, []string{"infra/a"}, before))

	require.NoError(t, os.WriteFile(path, []byte("rules: [\"db/**\"]\n"), 0644))
	after, err := w.Reload()
	require.NoError(t, err)
	assert.Same(t, after, w.Current())
	assert.Equal(t, []string{"infra/**"}, before.Patterns(), "captured set must not change")
	assert.Equal(t, model.RouteAutoIntegrate, Classify(false, []string{"infra/a"}, w.Current()))

	require.NoError(t, os.WriteFile(path, []byte("rules: [\"bad/[x\"]\n"), 0644))
	_, err = w.Reload()
	assert.Error(t, err)
	assert.Same(t, after, w.Current())
}

func TestWatcher_RunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [\"infra/**\"]\n"), 0644))

	w, err := NewWatcher(path, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("rules: [\"db/**\"]\n"), 0644))

	assert.Eventually(t, func() bool {
		return Classify(false, []string{"db/m.sql"}, w.Current()) == model.RouteReviewRequired
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), int64(1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

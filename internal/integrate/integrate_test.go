package integrate

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/gitcmd"
	"github.com/msageha/foreman/internal/model"
)

type fakeIntegrator struct {
	mu   sync.Mutex
	reqs []Request
}

func (f *fakeIntegrator) Integrate(_ context.Context, req Request) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return Outcome{Merged: true}, nil
}

func TestRouter(t *testing.T) {
	auto, review := &fakeIntegrator{}, &fakeIntegrator{}
	r := &Router{Auto: auto, Review: review}
	ctx := context.Background()

	_, err := r.Integrate(ctx, Request{ItemID: "a", ChangeRef: "foreman/a/1", Routing: model.RouteAutoIntegrate})
	require.NoError(t, err)
	_, err = r.Integrate(ctx, Request{ItemID: "b", ChangeRef: "foreman/b/1", Routing: model.RouteReviewRequired})
	require.NoError(t, err)
	out, err := r.Integrate(ctx, Request{ItemID: "c", Routing: model.RouteAutoIntegrate})
	require.NoError(t, err)
	assert.Equal(t, Outcome{}, out)

	require.Len(t, auto.reqs, 1)
	assert.Equal(t, "a", auto.reqs[0].ItemID)
	require.Len(t, review.reqs, 1)
	assert.Equal(t, "b", review.reqs[0].ItemID)
}

func TestNone_KeepsReviewGate(t *testing.T) {
	review := &fakeIntegrator{}
	n := None{Review: review}
	ctx := context.Background()

	out, err := n.Integrate(ctx, Request{ItemID: "a", ChangeRef: "x", Routing: model.RouteAutoIntegrate})
	require.NoError(t, err)
	assert.False(t, out.Merged)
	_, err = n.Integrate(ctx, Request{ItemID: "b", ChangeRef: "y", Routing: model.RouteReviewRequired})
	require.NoError(t, err)
	assert.Len(t, review.reqs, 1)
}

func TestReviewQueue_AppendAndDedupe(t *testing.T) {
	dir := t.TempDir()
	q := NewReviewQueue(dir, filepath.Join(dir, "state", "review_queue.yaml"), zap.NewNop())
	ctx := context.Background()

	req := Request{RunID: "run_1", ItemID: "a", Title: "Deploy", ChangeRef: "foreman/a/1",
		ChangedPaths: []string{"infra/deploy.yaml"}, Routing: model.RouteReviewRequired, Reason: "infra/deploy.yaml matches infra/**"}
	out, err := q.Integrate(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.False(t, out.Merged)

	_, err = q.Integrate(ctx, req)
	require.NoError(t, err)
	_, err = q.Integrate(ctx, Request{ItemID: "b", ChangeRef: "foreman/b/1"})
	require.NoError(t, err)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "infra/deploy.yaml matches infra/**", pending[0].Reason)
	assert.Equal(t, []string{"infra/deploy.yaml"}, pending[0].ChangedPaths)

	data, err := os.ReadFile(q.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "file_type: review_queue")
}

func TestReviewQueue_RecoversCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review_queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte("requests: [oops"), 0644))

	q := NewReviewQueue(dir, path, nil)
	_, err := q.Integrate(context.Background(), Request{ItemID: "a", ChangeRef: "b"})
	require.NoError(t, err)
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func initRepo(t *testing.T) (string, func(args ...string) string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = gitcmd.Env()
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return string(out)
	}
	run("init", "-q")
	run("symbolic-ref", "HEAD", "refs/heads/main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("base\n"), 0644))
	run("add", "-A")
	run("commit", "-q", "-m", "base")
	return repo, run
}

func commitOnBranch(t *testing.T, repo string, run func(...string) string, branch, file, content string) {
	t.Helper()
	run("checkout", "-q", "-b", branch, "main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, file), []byte(content), 0644))
	run("add", "-A")
	run("commit", "-q", "-m", branch)
}

func TestGitMerger_InPlace(t *testing.T) {
	repo, run := initRepo(t)
	commitOnBranch(t, repo, run, "foreman/a/1", "a.txt", "a\n")
	run("checkout", "-q", "main")

	m := NewGitMerger(repo, "main", ScratchDir(t.TempDir()), zap.NewNop())
	out, err := m.Integrate(context.Background(), Request{ItemID: "a", Title: "A", ChangeRef: "foreman/a/1", Routing: model.RouteAutoIntegrate})
	require.NoError(t, err)
	assert.True(t, out.Merged)
	assert.NotEmpty(t, out.Commit)
	assert.FileExists(t, filepath.Join(repo, "a.txt"))
}

func TestGitMerger_BaseNotCheckedOut(t *testing.T) {
	repo, run := initRepo(t)
	commitOnBranch(t, repo, run, "foreman/a/1", "a.txt", "a\n")
	run("checkout", "-q", "-b", "elsewhere", "main")

	scratch := ScratchDir(t.TempDir())
	m := NewGitMerger(repo, "main", scratch, nil)
	out, err := m.Integrate(context.Background(), Request{ItemID: "a", ChangeRef: "foreman/a/1"})
	require.NoError(t, err)
	assert.True(t, out.Merged)

	tree := run("ls-tree", "--name-only", "main")
	assert.Contains(t, tree, "a.txt")
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGitMerger_Conflict(t *testing.T) {
	repo, run := initRepo(t)
	commitOnBranch(t, repo, run, "foreman/a/1", "README.md", "from a\n")
	run("checkout", "-q", "main")
	commitOnBranch(t, repo, run, "foreman/b/1", "README.md", "from b\n")
	run("checkout", "-q", "main")

	m := NewGitMerger(repo, "main", ScratchDir(t.TempDir()), nil)
	ctx := context.Background()
	_, err := m.Integrate(ctx, Request{ItemID: "a", ChangeRef: "foreman/a/1"})
	require.NoError(t, err)

	_, err = m.Integrate(ctx, Request{ItemID: "b", ChangeRef: "foreman/b/1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	status := run("status", "--porcelain")
	assert.Empty(t, status, "merge must be aborted")
}

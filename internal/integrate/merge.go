package integrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/gitcmd"
	"github.com/msageha/foreman/internal/lock"
)

// GitMerger merges attempt branches into the base branch. When the base branch is
// checked out in the repository the merge happens there; otherwise it is done in
// a scratch worktree and the branch ref is advanced with a compare-and-swap.
type GitMerger struct {
	repoPath   string
	baseBranch string
	scratchDir string
	logger     *zap.Logger
	locks      *lock.Keyed
}

func NewGitMerger(repoPath, baseBranch, scratchDir string, logger *zap.Logger) *GitMerger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitMerger{
		repoPath:   repoPath,
		baseBranch: baseBranch,
		scratchDir: scratchDir,
		logger:     logger,
		locks:      lock.NewKeyed(),
	}
}

func (g *GitMerger) Integrate(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	err := g.locks.Do(g.baseBranch, func() error {
		commit, err := g.merge(ctx, req)
		if err != nil {
			return err
		}
		out = Outcome{Merged: true, Commit: commit}
		return nil
	})
	if err != nil {
		g.logger.Warn("merge_failed", zap.String("item", req.ItemID), zap.String("branch", req.ChangeRef), zap.Error(err))
		return Outcome{}, err
	}
	g.logger.Info("merged", zap.String("item", req.ItemID), zap.String("branch", req.ChangeRef), zap.String("commit", out.Commit))
	return out, nil
}

func (g *GitMerger) merge(ctx context.Context, req Request) (string, error) {
	msg := fmt.Sprintf("foreman: merge %s (%s)", req.ItemID, req.Title)

	head, _ := g.git(ctx, g.repoPath, "symbolic-ref", "--quiet", "--short", "HEAD")
	if head == g.baseBranch {
		if _, err := g.git(ctx, g.repoPath, "merge", "--no-ff", "--no-edit", "-m", msg, req.ChangeRef); err != nil {
			_, _ = g.git(context.WithoutCancel(ctx), g.repoPath, "merge", "--abort")
			return "", fmt.Errorf("%w: %s into %s: %v", ErrConflict, req.ChangeRef, g.baseBranch, err)
		}
		return g.git(ctx, g.repoPath, "rev-parse", "HEAD")
	}

	old, err := g.git(ctx, g.repoPath, "rev-parse", "--verify", "refs/heads/"+g.baseBranch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.scratchDir, 0755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	scratch, err := os.MkdirTemp(g.scratchDir, "merge-")
	if err != nil {
		return "", fmt.Errorf("create scratch worktree dir: %w", err)
	}
	// worktree add wants to create the directory itself
	_ = os.Remove(scratch)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		_, _ = g.git(cleanup, g.repoPath, "worktree", "remove", "--force", scratch)
		_ = os.RemoveAll(scratch)
		_, _ = g.git(cleanup, g.repoPath, "worktree", "prune")
	}()

	if _, err := g.git(ctx, g.repoPath, "worktree", "add", "--detach", scratch, old); err != nil {
		return "", err
	}
	if _, err := g.git(ctx, scratch, "merge", "--no-ff", "--no-edit", "-m", msg, req.ChangeRef); err != nil {
		return "", fmt.Errorf("%w: %s into %s: %v", ErrConflict, req.ChangeRef, g.baseBranch, err)
	}
	merged, err := g.git(ctx, scratch, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := g.git(ctx, g.repoPath, "update-ref", "refs/heads/"+g.baseBranch, merged, old); err != nil {
		return "", fmt.Errorf("advance %s: %w", g.baseBranch, err)
	}
	return merged, nil
}

func (g *GitMerger) git(ctx context.Context, dir string, args ...string) (string, error) {
	return gitcmd.Run(ctx, dir, args...)
}


// ScratchDir is the default location for merge worktrees under a state directory.
func ScratchDir(stateDir string) string {
	return filepath.Join(stateDir, "merge")
}

package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/gitcmd"
)

// GitManager gives each attempt its own git worktree on a fresh branch cut from
// the base ref. Branches that received commits outlive the worktree so they can be
// integrated later.
type GitManager struct {
	repoPath     string
	root         string
	baseRef      string
	branchPrefix string
	logger       *zap.Logger

	// git serializes worktree bookkeeping in the shared repository
	mu sync.Mutex
}

func NewGitManager(repoPath, root, baseRef, branchPrefix string, logger *zap.Logger) *GitManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitManager{
		repoPath:     repoPath,
		root:         root,
		baseRef:      baseRef,
		branchPrefix: branchPrefix,
		logger:       logger,
	}
}

// BranchName returns the attempt branch for an item.
func (m *GitManager) BranchName(itemID, attemptID string) string {
	return m.branchPrefix + itemID + "/" + attemptID
}

func (m *GitManager) Acquire(ctx context.Context, itemID, attemptID string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	// drop stale entries left by a crashed run
	_, _ = m.git(ctx, m.repoPath, "worktree", "prune")

	base, err := m.git(ctx, m.repoPath, "rev-parse", "--verify", m.baseRef+"^{commit}")
	if err != nil {
		return nil, fmt.Errorf("resolve base ref %s: %w", m.baseRef, err)
	}

	ws := &Workspace{
		ItemID:     itemID,
		AttemptID:  attemptID,
		Path:       filepath.Join(m.root, attemptID),
		Branch:     m.BranchName(itemID, attemptID),
		BaseRef:    m.baseRef,
		BaseCommit: base,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := os.Stat(ws.Path); err == nil {
		return nil, fmt.Errorf("workspace %s already exists", attemptID)
	}

	if _, err := m.git(ctx, m.repoPath, "worktree", "add", "-b", ws.Branch, ws.Path, base); err != nil {
		return nil, err
	}
	if err := writeMarker(m.root, ws); err != nil {
		m.removeLocked(ctx, ws)
		return nil, fmt.Errorf("write workspace marker: %w", err)
	}

	m.logger.Debug("workspace_acquired",
		zap.String("item", itemID),
		zap.String("attempt", attemptID),
		zap.String("branch", ws.Branch))
	return ws, nil
}

// Snapshot commits anything the agent left uncommitted and lists paths changed
// relative to the base commit. The branch is kept only if it holds changes.
func (m *GitManager) Snapshot(ctx context.Context, ws *Workspace, message string) (ChangeSet, error) {
	status, err := m.git(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return ChangeSet{}, err
	}
	if status != "" {
		if _, err := m.git(ctx, ws.Path, "add", "-A"); err != nil {
			return ChangeSet{}, err
		}
		if _, err := m.git(ctx, ws.Path, "commit", "--no-verify", "-m", message); err != nil {
			return ChangeSet{}, err
		}
	}

	out, err := m.git(ctx, ws.Path, "diff", "--name-only", ws.BaseCommit+"..HEAD")
	if err != nil {
		return ChangeSet{}, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	if len(paths) == 0 {
		return ChangeSet{}, nil
	}

	ws.KeepBranch = true
	if err := writeMarker(m.root, ws); err != nil {
		m.logger.Warn("workspace_marker_update_failed", zap.String("attempt", ws.AttemptID), zap.Error(err))
	}
	return ChangeSet{Ref: ws.Branch, Paths: paths}, nil
}

// Release removes the worktree unconditionally. It deliberately ignores ctx
// cancellation so shutdown still cleans up.
func (m *GitManager) Release(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(context.WithoutCancel(ctx), ws)
}

func (m *GitManager) removeLocked(ctx context.Context, ws *Workspace) error {
	if _, err := m.git(ctx, m.repoPath, "worktree", "remove", "--force", ws.Path); err != nil {
		m.logger.Debug("git_worktree_remove_failed", zap.String("attempt", ws.AttemptID), zap.Error(err))
	}
	rmErr := os.RemoveAll(ws.Path)
	_, _ = m.git(ctx, m.repoPath, "worktree", "prune")

	if !ws.KeepBranch && ws.Branch != "" {
		_, _ = m.git(ctx, m.repoPath, "branch", "-D", ws.Branch)
	}
	removeMarker(m.root, ws.AttemptID)

	if rmErr != nil {
		return fmt.Errorf("release workspace %s: %w", ws.AttemptID, rmErr)
	}
	m.logger.Debug("workspace_released", zap.String("item", ws.ItemID), zap.String("attempt", ws.AttemptID))
	return nil
}

func (m *GitManager) List(_ context.Context) ([]*Workspace, error) {
	return listMarkers(m.root)
}

func (m *GitManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return gitcmd.Run(ctx, dir, args...)
}


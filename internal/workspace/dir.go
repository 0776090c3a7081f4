package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DirManager hands out empty directories. It is used when the project is not a git
// repository; the change set is every file the agent left behind.
type DirManager struct {
	root   string
	logger *zap.Logger
}

func NewDirManager(root string, logger *zap.Logger) *DirManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirManager{root: root, logger: logger}
}

func (m *DirManager) Acquire(ctx context.Context, itemID, attemptID string) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(m.root, attemptID)
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", attemptID, err)
	}

	ws := &Workspace{ItemID: itemID, AttemptID: attemptID, Path: path, CreatedAt: time.Now().UTC()}
	if err := writeMarker(m.root, ws); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("write workspace marker: %w", err)
	}
	m.logger.Debug("workspace_acquired", zap.String("item", itemID), zap.String("attempt", attemptID))
	return ws, nil
}

func (m *DirManager) Snapshot(_ context.Context, ws *Workspace, _ string) (ChangeSet, error) {
	var paths []string
	err := filepath.WalkDir(ws.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(ws.Path, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return ChangeSet{}, fmt.Errorf("scan workspace: %w", err)
	}
	sort.Strings(paths)
	return ChangeSet{Paths: paths}, nil
}

func (m *DirManager) Release(_ context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	err := os.RemoveAll(ws.Path)
	removeMarker(m.root, ws.AttemptID)
	if err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.AttemptID, err)
	}
	m.logger.Debug("workspace_released", zap.String("item", ws.ItemID), zap.String("attempt", ws.AttemptID))
	return nil
}

func (m *DirManager) List(_ context.Context) ([]*Workspace, error) {
	return listMarkers(m.root)
}

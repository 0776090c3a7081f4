// Package workspace allocates and destroys the isolated per-attempt directories that
// agents run in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlutil "github.com/msageha/foreman/internal/yaml"
)

var ErrNotFound = errors.New("workspace not found")

// Workspace is bound to exactly one attempt of one work item.
type Workspace struct {
	yamlutil.Header `yaml:",inline" json:"-"`

	ItemID     string    `yaml:"item_id" json:"item_id"`
	AttemptID  string    `yaml:"attempt_id" json:"attempt_id"`
	Path       string    `yaml:"path" json:"path"`
	Branch     string    `yaml:"branch,omitempty" json:"branch,omitempty"`
	BaseRef    string    `yaml:"base_ref,omitempty" json:"base_ref,omitempty"`
	BaseCommit string    `yaml:"base_commit,omitempty" json:"base_commit,omitempty"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	KeepBranch bool      `yaml:"keep_branch,omitempty" json:"keep_branch,omitempty"`
}

// ChangeSet describes what an attempt produced.
type ChangeSet struct {
	Ref   string
	Paths []string
}

// Manager creates and destroys workspaces. Implementations must be safe for
// concurrent use by multiple in-flight attempts.
type Manager interface {
	Acquire(ctx context.Context, itemID, attemptID string) (*Workspace, error)
	// Snapshot records the workspace's changes and returns them. It may be called
	// once per attempt, before Release.
	Snapshot(ctx context.Context, ws *Workspace, message string) (ChangeSet, error)
	Release(ctx context.Context, ws *Workspace) error
	// List returns every workspace still present on disk.
	List(ctx context.Context) ([]*Workspace, error)
}

// markerPath keeps attempt metadata beside, not inside, the workspace directory.
func markerPath(root, attemptID string) string {
	return filepath.Join(root, attemptID+".yaml")
}

func writeMarker(root string, ws *Workspace) error {
	ws.Header = yamlutil.NewHeader(yamlutil.KindWorkspace)
	return yamlutil.Write(markerPath(root, ws.AttemptID), ws)
}

func removeMarker(root, attemptID string) {
	p := markerPath(root, attemptID)
	_ = os.Remove(p)
	_ = os.Remove(p + yamlutil.BackupSuffix)
}

// listMarkers reads every marker under root. Directories without a marker are
// reported with only Path and AttemptID set.
func listMarkers(root string) ([]*Workspace, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	byAttempt := make(map[string]*Workspace)
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && !strings.HasPrefix(name, "."):
			if _, ok := byAttempt[name]; !ok {
				byAttempt[name] = &Workspace{AttemptID: name, Path: filepath.Join(root, name)}
			}
		case !e.IsDir() && strings.HasSuffix(name, ".yaml") && !strings.HasPrefix(name, "."):
			var ws Workspace
			if err := yamlutil.Read(filepath.Join(root, name), yamlutil.KindWorkspace, &ws); err != nil {
				continue
			}
			if ws.AttemptID == "" {
				ws.AttemptID = strings.TrimSuffix(name, ".yaml")
			}
			byAttempt[ws.AttemptID] = &ws
		}
	}

	out := make([]*Workspace, 0, len(byAttempt))
	for _, ws := range byAttempt {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptID < out[j].AttemptID })
	return out, nil
}

package security

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Watcher keeps the current RuleSet in sync with its file. A reload that fails to
// parse keeps the previous set.
type Watcher struct {
	path    string
	inline  []string
	logger  *zap.Logger
	current atomic.Pointer[RuleSet]
	group   singleflight.Group
	reloads atomic.Int64
}

// NewWatcher loads the initial rule set. It fails if the initial load fails.
func NewWatcher(path string, inline []string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rs, err := LoadRuleSet(path, inline)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, inline: inline, logger: logger}
	w.current.Store(rs)
	return w, nil
}

// Current returns the active rule set.
func (w *Watcher) Current() *RuleSet {
	return w.current.Load()
}

// Reloads reports how many reloads have been applied.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Reload re-reads the rules file. Concurrent callers share a single read.
func (w *Watcher) Reload() (*RuleSet, error) {
	v, err, _ := w.group.Do("reload", func() (any, error) {
		rs, err := LoadRuleSet(w.path, w.inline)
		if err != nil {
			return nil, err
		}
		w.current.Store(rs)
		w.reloads.Add(1)
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuleSet), nil
}

// Run watches the rules file's directory until ctx is done. Editors often replace
// files by rename, so events are filtered by name rather than watching the file.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			rs, err := w.Reload()
			if err != nil {
				w.logger.Warn("security_rules_reload_failed", zap.String("file", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("security_rules_reloaded", zap.String("file", w.path), zap.Int("rules", rs.Len()))
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify_error", zap.Error(err))
		}
	}
}

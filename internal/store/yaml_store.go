package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	yamlutil "github.com/msageha/foreman/internal/yaml"
)

// YAMLStore keeps the run state in one atomically rewritten file.
type YAMLStore struct {
	path     string
	stateDir string
	logger   *zap.Logger
	mu       sync.Mutex
}

func NewYAMLStore(stateDir string, logger *zap.Logger) *YAMLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YAMLStore{
		path:     filepath.Join(stateDir, "state", "run.yaml"),
		stateDir: stateDir,
		logger:   logger,
	}
}

func (s *YAMLStore) Path() string { return s.path }

func (s *YAMLStore) Save(_ context.Context, state *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.Header = yamlutil.NewHeader(yamlutil.KindRunState)
	if err := yamlutil.Write(s.path, state); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

// Load reads the saved state. A corrupt file is quarantined and the backup
// restored; when no backup exists Load reports ErrNoState.
func (s *YAMLStore) Load(_ context.Context) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err == nil {
		return state, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if !yamlutil.IsCorrupt(err) {
		return nil, err
	}

	s.logger.Warn("run_state_corrupt", zap.String("file", s.path), zap.Error(err))
	restored, rerr := yamlutil.Salvage(s.stateDir, s.path, yamlutil.KindRunState)
	if rerr != nil {
		return nil, fmt.Errorf("recover run state: %w", rerr)
	}
	if !restored {
		return nil, ErrNoState
	}
	s.logger.Info("run_state_restored_from_backup", zap.String("file", s.path))
	return s.read()
}

func (s *YAMLStore) read() (*RunState, error) {
	var state RunState
	if err := yamlutil.Read(s.path, yamlutil.KindRunState, &state); err != nil {
		return nil, err
	}
	if state.RunID == "" {
		return nil, ErrNoState
	}
	return &state, nil
}

func (s *YAMLStore) Close() error { return nil }

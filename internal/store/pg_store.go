package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS foreman_runs (
	slot       TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	completed  BOOLEAN NOT NULL DEFAULT FALSE,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGStore keeps the run state as one JSONB row per slot. A slot is the
// orchestrated repository, so one database can serve several projects.
type PGStore struct {
	db     *pgxpool.Pool
	slot   string
	logger *zap.Logger
}

// NewPGStore connects, pings and creates the table if needed.
func NewPGStore(ctx context.Context, dsn, slot string, logger *zap.Logger) (*PGStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create run table: %w", err)
	}
	logger.Info("postgres_store_ready", zap.String("slot", slot))
	return &PGStore{db: pool, slot: slot, logger: logger}, nil
}

func (s *PGStore) Save(ctx context.Context, state *RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO foreman_runs (slot, run_id, completed, state, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (slot)
		DO UPDATE SET run_id = EXCLUDED.run_id, completed = EXCLUDED.completed,
			state = EXCLUDED.state, updated_at = now()`,
		s.slot, state.RunID, state.Completed, data,
	)
	if err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) (*RunState, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT state FROM foreman_runs WHERE slot = $1`, s.slot).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &state, nil
}

func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

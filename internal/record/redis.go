package record

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "foreman:item:"
	childPrefix  = "foreman:children:"
	eventsStream = "foreman:events"
	// streamMaxLen caps the status event stream; XADD trims approximately.
	streamMaxLen = 10000
)

// Redis stores records as hashes and appends every status update to a stream so
// other tools can follow progress.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis connects to redisURL and pings it.
func NewRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, logger: logger}, nil
}

func (r *Redis) GetItem(ctx context.Context, id string) (*Item, error) {
	vals, err := r.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	item := &Item{
		ID:          id,
		ParentID:    vals["parent_id"],
		ExternalID:  vals["external_id"],
		Title:       vals["title"],
		Description: vals["description"],
		Status:      vals["status"],
		Routing:     vals["routing"],
		Diagnostics: vals["diagnostics"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		item.UpdatedAt = ts
	}
	return item, nil
}

func (r *Redis) UpdateStatus(ctx context.Context, id string, update StatusUpdate) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyPrefix+id,
			"status", update.Status,
			"routing", update.Routing,
			"diagnostics", update.Diagnostics,
			"updated_at", now,
		)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: eventsStream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]any{
				"id":      id,
				"status":  update.Status,
				"routing": update.Routing,
				"at":      now,
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	r.logger.Debug("record_status_updated", zap.String("record", id), zap.String("status", update.Status))
	return nil
}

func (r *Redis) CreateChildItems(ctx context.Context, parentID string, items []ChildSpec) ([]string, error) {
	ids := make([]string, len(items))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, spec := range items {
			ids[i] = "rec_" + uuid.NewString()[:8]
			pipe.HSet(ctx, keyPrefix+ids[i],
				"parent_id", parentID,
				"external_id", spec.ExternalID,
				"title", spec.Title,
				"description", spec.Description,
				"status", "pending",
				"updated_at", now,
			)
			pipe.RPush(ctx, childPrefix+parentID, ids[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create children of %s: %w", parentID, err)
	}
	return ids, nil
}

// Children lists the record ids created under parentID.
func (r *Redis) Children(ctx context.Context, parentID string) ([]string, error) {
	return r.rdb.LRange(ctx, childPrefix+parentID, 0, -1).Result()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

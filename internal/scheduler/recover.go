package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/workspace"
)

// RecoveryReport lists what Recover changed.
type RecoveryReport struct {
	// Reset are items that were running when the previous process died. Their
	// attempt is presumed lost and no longer counts.
	Reset []string
	// Requeued are failed items waiting for their retry; the retry will run in a
	// fresh workspace.
	Requeued          []string
	WorkspacesRemoved int
}

// Recover prepares a checkpoint left by a dead orchestrator. No workspace from
// the previous process is ever reused: all of them are destroyed, and every item
// that was bound to one goes back to pending.
func Recover(ctx context.Context, state *store.RunState, wm workspace.Manager, logger *zap.Logger) (RecoveryReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rep RecoveryReport

	for _, it := range state.Items {
		switch it.Status {
		case model.StatusRunning:
			if err := model.ValidateTransition(it.Status, model.StatusPending); err != nil {
				return rep, err
			}
			it.Status = model.StatusPending
			if it.AttemptCount > 0 {
				it.AttemptCount--
			}
			rep.Reset = append(rep.Reset, it.ID)
			logger.Info("recovered_lost_attempt", zap.String("item", it.ID), zap.Int("attempts", it.AttemptCount))
		case model.StatusReady:
			it.Status = model.StatusPending
		case model.StatusFailed:
			it.Status = model.StatusPending
			rep.Requeued = append(rep.Requeued, it.ID)
			logger.Info("recovered_pending_retry", zap.String("item", it.ID), zap.Int("attempts", it.AttemptCount))
		}
	}

	orphans, err := wm.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range orphans {
		if err := wm.Release(ctx, ws); err != nil {
			logger.Warn("orphan_workspace_release_failed", zap.String("path", ws.Path), zap.Error(err))
			continue
		}
		rep.WorkspacesRemoved++
		logger.Info("orphan_workspace_removed", zap.String("item", ws.ItemID), zap.String("attempt", ws.AttemptID), zap.String("path", ws.Path))
	}
	return rep, nil
}

package uds

import (
	"context"
	"encoding/json"

	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/scheduler"
)

// Commands understood by a running orchestrator.
const (
	CmdSnapshot = "snapshot"
	CmdItem     = "item"
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdStop     = "stop"
)

// Controller is the part of the scheduler exposed over the socket.
type Controller interface {
	Snapshot(withItems bool) scheduler.Snapshot
	Item(id string) (*model.WorkItem, bool)
	Pause()
	Resume()
	Stop()
}

type SnapshotParams struct {
	Items bool `json:"items"`
}

type ItemParams struct {
	ID string `json:"id"`
}

// State is returned by the pause, resume and stop commands.
type State struct {
	Paused   bool `json:"paused"`
	Stopping bool `json:"stopping,omitempty"`
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Errorf(CodeValidation, "invalid params: %v", err)
	}
	return nil
}

// Bind registers the control commands for ctl on s.
func Bind(s *Server, ctl Controller) {
	s.Handle(CmdSnapshot, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p SnapshotParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return ctl.Snapshot(p.Items), nil
	})
	s.Handle(CmdItem, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p ItemParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, Errorf(CodeValidation, "item id is required")
		}
		it, ok := ctl.Item(p.ID)
		if !ok {
			return nil, Errorf(CodeNotFound, "item %s not found", p.ID)
		}
		return it, nil
	})
	s.Handle(CmdPause, func(context.Context, json.RawMessage) (any, error) {
		ctl.Pause()
		return State{Paused: true}, nil
	})
	s.Handle(CmdResume, func(context.Context, json.RawMessage) (any, error) {
		ctl.Resume()
		return State{Paused: false}, nil
	})
	s.Handle(CmdStop, func(context.Context, json.RawMessage) (any, error) {
		snap := ctl.Snapshot(false)
		if !snap.Active {
			return nil, Errorf(CodeConflict, "no active run")
		}
		ctl.Stop()
		return State{Paused: snap.Paused, Stopping: true}, nil
	})
}

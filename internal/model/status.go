package model

import "fmt"

// Status is the lifecycle state of a work item within one run.
type Status string

const (
	StatusPending      Status = "pending"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

var terminalStatuses = map[Status]bool{
	StatusSucceeded:    true,
	StatusDeadLettered: true,
}

// Work item transitions: pending → ready → running → {succeeded | failed}
// failed → running (single retry) → {succeeded | dead_lettered}
// running/failed → pending only on shutdown cancellation or crash recovery.
var validWorkItemTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReady: true,
	},
	StatusReady: {
		StatusRunning: true,
		StatusPending: true,
	},
	StatusRunning: {
		StatusSucceeded:    true,
		StatusFailed:       true,
		StatusDeadLettered: true,
		StatusPending:      true,
	},
	StatusFailed: {
		StatusRunning:      true,
		StatusDeadLettered: true,
		StatusPending:      true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusSucceeded, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validWorkItemTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid work item transition: %q → %q", from, to)
	}
	return nil
}

// Package record is the external system of record that mirrors work item status.
package record

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Item is the system of record's view of a work item.
type Item struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Routing     string    `json:"routing,omitempty"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChildSpec describes one child to create under a parent record. ExternalID is the
// orchestrator's work item id.
type ChildSpec struct {
	ExternalID  string
	Title       string
	Description string
}

// StatusUpdate carries one reported transition.
type StatusUpdate struct {
	Status      string
	Routing     string
	Diagnostics string
}

// SystemOfRecord is consumed by the status reporter. Implementations may fail
// transiently; callers retry.
type SystemOfRecord interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	// CreateChildItems returns the new record ids in the order of items.
	CreateChildItems(ctx context.Context, parentID string, items []ChildSpec) ([]string, error)
}

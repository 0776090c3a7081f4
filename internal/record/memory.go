package record

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process SystemOfRecord. It keeps every update in order, which
// makes it the default when no external store is configured.
type Memory struct {
	mu      sync.Mutex
	items   map[string]*Item
	history map[string][]StatusUpdate
	seq     int
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]*Item), history: make(map[string][]StatusUpdate)}
}

func (m *Memory) GetItem(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := *item
	return &c, nil
}

// UpdateStatus creates the record on first use so runs without a parent still work.
func (m *Memory) UpdateStatus(_ context.Context, id string, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		item = &Item{ID: id}
		m.items[id] = item
	}
	item.Status = update.Status
	item.Routing = update.Routing
	item.Diagnostics = update.Diagnostics
	item.UpdatedAt = time.Now().UTC()
	m.history[id] = append(m.history[id], update)
	return nil
}

func (m *Memory) CreateChildItems(_ context.Context, parentID string, items []ChildSpec) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(items))
	for _, spec := range items {
		m.seq++
		id := fmt.Sprintf("%s-%d", parentID, m.seq)
		m.items[id] = &Item{
			ID:          id,
			ParentID:    parentID,
			ExternalID:  spec.ExternalID,
			Title:       spec.Title,
			Description: spec.Description,
			Status:      "pending",
			UpdatedAt:   time.Now().UTC(),
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// History returns the statuses recorded for id, oldest first.
func (m *Memory) History(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.history[id]))
	for _, u := range m.history[id] {
		out = append(out, u.Status)
	}
	return out
}

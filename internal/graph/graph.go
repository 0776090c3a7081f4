// Package graph tracks work items and derives their readiness from dependency completion.
package graph

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/msageha/foreman/internal/model"
)

var (
	ErrDuplicateID       = errors.New("duplicate work item id")
	ErrCycleDetected     = errors.New("circular dependency detected")
	ErrUnknownID         = errors.New("unknown work item id")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Graph owns the work items of one run. All reads hand out clones; mutation goes
// through Mark and Transition only.
type Graph struct {
	mu    sync.RWMutex
	items map[string]*model.WorkItem
	order []string
}

func New() *Graph {
	return &Graph{items: make(map[string]*model.WorkItem)}
}

// Add inserts item. Dependencies may reference ids that are added later, but an
// insertion that would close a cycle is rejected.
func (g *Graph) Add(item *model.WorkItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("add: work item id must not be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.items[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	if path := g.reachesLocked(item.Dependencies, item.ID); path != nil {
		return &CycleError{Path: append([]string{item.ID}, path...)}
	}

	stored := item.Clone()
	if stored.Status == "" {
		stored.Status = model.StatusPending
	}
	if !stored.Status.Valid() {
		return fmt.Errorf("add %s: invalid status %q", item.ID, stored.Status)
	}
	g.items[item.ID] = stored
	g.order = append(g.order, item.ID)
	return nil
}

// reachesLocked returns the dependency path from one of starts to target, or nil.
func (g *Graph) reachesLocked(starts []string, target string) []string {
	visited := make(map[string]bool)
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == target {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		node, ok := g.items[id]
		if !ok {
			return nil
		}
		for _, dep := range node.Dependencies {
			if p := walk(dep); p != nil {
				return append([]string{id}, p...)
			}
		}
		return nil
	}
	for _, s := range starts {
		if p := walk(s); p != nil {
			return p
		}
	}
	return nil
}

// Ready yields pending items whose dependencies have all succeeded. The sequence is
// evaluated lazily against current state, so it can be restarted after any Mark and
// the caller may mutate the graph between yields.
func (g *Graph) Ready() iter.Seq[*model.WorkItem] {
	return func(yield func(*model.WorkItem) bool) {
		g.mu.RLock()
		ids := slices.Clone(g.order)
		g.mu.RUnlock()

		for _, id := range ids {
			g.mu.RLock()
			var candidate *model.WorkItem
			if item := g.items[id]; item != nil && g.isReadyLocked(item) {
				candidate = item.Clone()
			}
			g.mu.RUnlock()

			if candidate != nil && !yield(candidate) {
				return
			}
		}
	}
}

func (g *Graph) isReadyLocked(item *model.WorkItem) bool {
	if item.Status != model.StatusPending {
		return false
	}
	for _, dep := range item.Dependencies {
		d, ok := g.items[dep]
		if !ok || d.Status != model.StatusSucceeded {
			return false
		}
	}
	return true
}

// IsReady reports the readiness invariant for a single item.
func (g *Graph) IsReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	item, ok := g.items[id]
	return ok && g.isReadyLocked(item)
}

// Mark moves one item to status, validating the transition.
func (g *Graph) Mark(id string, status model.Status) error {
	return g.Transition(id, status, nil)
}

// Transition validates and applies a status change and, under the same lock, lets
// mutate update the item's bookkeeping fields. mutate must not change Status or ID.
func (g *Graph) Transition(id string, status model.Status, mutate func(*model.WorkItem)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if err := model.ValidateTransition(item.Status, status); err != nil {
		return fmt.Errorf("%w: item %s: %v", ErrInvalidTransition, id, err)
	}
	if mutate != nil {
		mutate(item)
	}
	item.ID = id
	item.Status = status
	item.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return nil
}

// Get returns a copy of the item.
func (g *Graph) Get(id string) (*model.WorkItem, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	item, ok := g.items[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Items returns copies of all items in insertion order.
func (g *Graph) Items() []*model.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*model.WorkItem, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.items[id].Clone())
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Validate checks that every dependency names a known item and that the whole
// graph is acyclic. It returns a topological order on success.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var unknown []string
	edges := make(map[string][]string, len(g.items))
	for _, id := range g.order {
		item := g.items[id]
		for _, dep := range item.Dependencies {
			if _, ok := g.items[dep]; !ok {
				unknown = append(unknown, fmt.Sprintf("%s -> %s", id, dep))
			}
		}
		edges[id] = item.Dependencies
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, strings.Join(unknown, ", "))
	}
	return TopoSort(slices.Clone(g.order), edges)
}

// Blockers lists the dependencies of id that have not succeeded.
func (g *Graph) Blockers(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	item, ok := g.items[id]
	if !ok {
		return nil
	}
	var out []string
	for _, dep := range item.Dependencies {
		if d, ok := g.items[dep]; !ok || d.Status != model.StatusSucceeded {
			out = append(out, dep)
		}
	}
	return out
}

// Stalled returns pending items that can never become ready in this run because a
// dependency has been dead-lettered or is itself stalled.
func (g *Graph) Stalled() []*model.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[string]bool)
	var blocked func(id string) bool
	blocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false
		item, ok := g.items[id]
		if !ok {
			memo[id] = true
			return true
		}
		if item.Status == model.StatusDeadLettered {
			memo[id] = true
			return true
		}
		if item.Status != model.StatusPending {
			return false
		}
		for _, dep := range item.Dependencies {
			if blocked(dep) {
				memo[id] = true
				return true
			}
		}
		return false
	}

	var out []*model.WorkItem
	for _, id := range g.order {
		item := g.items[id]
		if item.Status == model.StatusPending && blocked(id) {
			out = append(out, item.Clone())
		}
	}
	return out
}

// Counts tallies items per status.
func (g *Graph) Counts() map[model.Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[model.Status]int)
	for _, item := range g.items {
		counts[item.Status]++
	}
	return counts
}

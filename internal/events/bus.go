// Package events carries orchestration events to in-process subscribers and to an
// append-only audit log.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	// EventItemTransition is published for every reported work item status change.
	EventItemTransition EventType = "item_transition"
	// EventAttemptStarted is published when an attempt is dispatched into a workspace.
	EventAttemptStarted EventType = "attempt_started"
	// EventAttemptFinished is published when an attempt's outcome has been applied.
	EventAttemptFinished EventType = "attempt_finished"
	// EventRunFinished is published once when the scheduler loop exits.
	EventRunFinished EventType = "run_finished"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

type subscription struct {
	types map[EventType]bool
	ch    chan Event
	done  chan struct{}
}

// wants reports whether the subscription takes t. No types means every type.
func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// stop closes the queue and waits until everything already queued was handled.
func (s *subscription) stop() {
	close(s.ch)
	<-s.done
}

// Bus fans events out to subscribers. Every subscriber owns a bounded queue
// drained by its own goroutine; a full queue drops the event for that
// subscriber only, so Publish never blocks the scheduler.
type Bus struct {
	mu      sync.Mutex
	subs    []*subscription
	queue   int
	closed  bool
	dropped atomic.Int64
}

func NewBus(queue int) *Bus {
	if queue <= 0 {
		queue = 100
	}
	return &Bus{queue: queue}
}

// Subscribe registers fn for eventTypes, or for every type when none are
// given. All matching events share one queue, so fn sees them in publish
// order across types. The returned function unsubscribes and blocks until fn
// has handled every event queued before the call. Subscribing to a closed bus
// is a no-op.
func (b *Bus) Subscribe(fn Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	s := &subscription{ch: make(chan Event, b.queue), done: make(chan struct{})}
	if len(eventTypes) > 0 {
		s.types = make(map[EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			s.types[t] = true
		}
	}
	b.subs = append(b.subs, s)
	go deliver(s, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.remove(s) {
				s.stop()
			}
		})
	}
}

func deliver(s *subscription, fn Subscriber) {
	defer close(s.done)
	for e := range s.ch {
		func() {
			defer func() { _ = recover() }()
			fn(e)
		}()
	}
}

// remove reports whether s was still registered.
func (b *Bus) remove(s *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.subs, s)
	if i < 0 {
		return false
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	return true
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	// The write lock keeps concurrent publishers from interleaving their
	// enqueues differently on different subscriptions.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	e := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	for _, s := range b.subs {
		if !s.wants(eventType) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops every subscriber after its queue drains. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

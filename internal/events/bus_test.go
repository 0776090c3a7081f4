package events

import (
	"sync"
	"testing"
	"time"
)

// collector records delivered events; unsubscribing drains the queue so reads
// after unsub need no sleeping.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventAttemptStarted)

	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(EventAttemptStarted, map[string]any{"item_id": id})
	}
	unsub()

	if c.len() != 3 {
		t.Fatalf("expected 3 events, got %d", c.len())
	}
	for i, want := range []string{"a", "b", "c"} {
		e := c.events[i]
		if e.Type != EventAttemptStarted {
			t.Errorf("event %d type = %s", i, e.Type)
		}
		if got, _ := e.Data["item_id"].(string); got != want {
			t.Errorf("event %d item_id = %q, want %q", i, got, want)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}
}

func TestBus_FanOutByType(t *testing.T) {
	bus := NewBus(10)

	var started1, started2, finished collector
	bus.Subscribe(started1.add, EventAttemptStarted)
	bus.Subscribe(started2.add, EventAttemptStarted)
	bus.Subscribe(finished.add, EventAttemptFinished)

	bus.Publish(EventAttemptStarted, nil)
	bus.Publish(EventAttemptFinished, nil)
	bus.Publish(EventAttemptStarted, nil)
	bus.Publish(EventRunFinished, nil)
	bus.Close()

	if started1.len() != 2 || started2.len() != 2 {
		t.Errorf("attempt_started deliveries = %d, %d; want 2 each", started1.len(), started2.len())
	}
	if finished.len() != 1 {
		t.Errorf("attempt_finished deliveries = %d, want 1", finished.len())
	}
}

func TestBus_MultiTypeSubscriptionKeepsPublishOrder(t *testing.T) {
	bus := NewBus(200)

	var c, all collector
	bus.Subscribe(c.add, EventAttemptStarted, EventAttemptFinished)
	bus.Subscribe(all.add)

	var want []EventType
	for i := 0; i < 50; i++ {
		et := EventAttemptStarted
		if i%2 == 1 {
			et = EventAttemptFinished
		}
		want = append(want, et)
		bus.Publish(et, nil)
	}
	bus.Publish(EventRunFinished, nil)
	bus.Close()

	if c.len() != len(want) {
		t.Fatalf("got %d events, want %d", c.len(), len(want))
	}
	for i, et := range want {
		if c.events[i].Type != et {
			t.Fatalf("event %d = %s, want %s", i, c.events[i].Type, et)
		}
	}
	if all.len() != len(want)+1 {
		t.Errorf("catch-all subscriber got %d events, want %d", all.len(), len(want)+1)
	}
}

func TestBus_PublishDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	unsub := bus.Subscribe(func(Event) { <-release }, EventItemTransition)
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventItemTransition, map[string]any{"n": i})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v", elapsed)
	}
	close(release)

	// one in flight, one queued, the rest dropped
	if got := bus.Dropped(); got < 8 {
		t.Errorf("dropped = %d, want at least 8", got)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventAttemptStarted)
	bus.Publish(EventAttemptStarted, nil)
	unsub()
	unsub()
	bus.Publish(EventAttemptStarted, nil)

	if c.len() != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", c.len())
	}
}

func TestBus_PanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(10)

	calls := 0
	bus.Subscribe(func(Event) {
		calls++
		panic("boom")
	}, EventAttemptStarted)
	var c collector
	bus.Subscribe(c.add, EventAttemptStarted)

	bus.Publish(EventAttemptStarted, nil)
	bus.Publish(EventAttemptStarted, nil)
	bus.Close()

	if calls != 2 {
		t.Errorf("panicking subscriber called %d times, want 2", calls)
	}
	if c.len() != 2 {
		t.Errorf("healthy subscriber got %d events, want 2", c.len())
	}
}

func TestBus_ClosedBusIgnoresTraffic(t *testing.T) {
	bus := NewBus(10)
	bus.Close()
	bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, EventRunFinished)
	bus.Publish(EventRunFinished, nil)
	unsub()

	if c.len() != 0 {
		t.Errorf("closed bus delivered %d events", c.len())
	}
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(func(Event) {}, EventAttemptStarted)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventAttemptStarted, map[string]any{"item_id": "item_123"})
	}
}

package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/record"
)

type recordingSink struct {
	mu       sync.Mutex
	got      map[string][]model.Status
	failures map[string]int // item -> remaining failures
	block    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(map[string][]model.Status), failures: make(map[string]int)}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, r Report) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[r.ItemID] > 0 {
		s.failures[r.ItemID]--
		return errors.New("transient")
	}
	s.got[r.ItemID] = append(s.got[r.ItemID], r.Status)
	return nil
}

func (s *recordingSink) statuses(id string) []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Status(nil), s.got[id]...)
}

func fastOpts(retries int) Options {
	return Options{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestReporter_PerItemOrderWithRetries(t *testing.T) {
	sink := newRecordingSink()
	sink.failures["a"] = 2
	rp := New([]Sink{sink}, fastOpts(5), zap.NewNop())

	seq := []model.Status{model.StatusRunning, model.StatusFailed, model.StatusRunning, model.StatusSucceeded}
	for _, st := range seq {
		rp.Report(Report{ItemID: "a", Status: st})
		rp.Report(Report{ItemID: "b", Status: st})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rp.Close(ctx))

	assert.Equal(t, seq, sink.statuses("a"))
	assert.Equal(t, seq, sink.statuses("b"))
	delivered, failed := rp.Stats()
	assert.Equal(t, int64(8), delivered)
	assert.Zero(t, failed)
}

func TestReporter_NeverBlocksCaller(t *testing.T) {
	sink := newRecordingSink()
	sink.block = make(chan struct{})
	rp := New([]Sink{sink}, fastOpts(0), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			rp.Report(Report{ItemID: fmt.Sprintf("item-%d", i%3), Status: model.StatusRunning})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked on a stuck sink")
	}

	close(sink.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rp.Close(ctx))
	assert.Len(t, sink.statuses("item-0"), 34)
}

func TestReporter_GivesUpAndCounts(t *testing.T) {
	sink := newRecordingSink()
	sink.failures["a"] = 100
	rp := New([]Sink{sink}, fastOpts(2), nil)

	rp.Report(Report{ItemID: "a", Status: model.StatusRunning})
	rp.Report(Report{ItemID: "a", Status: model.StatusSucceeded})
	require.NoError(t, rp.Flush(context.Background()))

	_, failed := rp.Stats()
	assert.Equal(t, int64(2), failed)
	assert.Empty(t, sink.statuses("a"))
}

type permanentSink struct{ calls int }

func (s *permanentSink) Name() string { return "permanent" }
func (s *permanentSink) Deliver(context.Context, Report) error {
	s.calls++
	return Permanent(errors.New("bad channel"))
}

func TestReporter_PermanentErrorNotRetried(t *testing.T) {
	sink := &permanentSink{}
	rp := New([]Sink{sink}, fastOpts(5), nil)
	rp.Report(Report{ItemID: "a", Status: model.StatusRunning})
	require.NoError(t, rp.Flush(context.Background()))
	assert.Equal(t, 1, sink.calls)
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
}

func TestReporter_CloseAbandonsStuckRetries(t *testing.T) {
	sink := newRecordingSink()
	sink.failures["a"] = 1000
	rp := New([]Sink{sink}, Options{MaxRetries: 1000, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, nil)
	rp.Report(Report{ItemID: "a", Status: model.StatusRunning})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := rp.Close(ctx)
	assert.Error(t, err)

	// reports after close are dropped, not queued
	rp.Report(Report{ItemID: "a", Status: model.StatusSucceeded})
	assert.Empty(t, sink.statuses("a"))
}

func TestRecordSink_RegisterAndDeliver(t *testing.T) {
	ctx := context.Background()
	mem := record.NewMemory()
	sink := NewRecordSink(mem)

	items := []*model.WorkItem{{ID: "item-a", Title: "A"}, {ID: "item-b", Title: "B"}}
	require.NoError(t, sink.Register(ctx, "epic-7", items))

	recA := sink.RecordID("item-a")
	assert.NotEqual(t, "item-a", recA)
	assert.Len(t, sink.Mapping(), 2)

	review := model.RouteReviewRequired
	require.NoError(t, sink.Deliver(ctx, Report{ItemID: "item-a", Status: model.StatusSucceeded, Routing: &review}))
	rec, err := mem.GetItem(ctx, recA)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", rec.Status)
	assert.Equal(t, "review_required", rec.Routing)

	require.NoError(t, sink.Deliver(ctx, Report{ItemID: "item-b", Status: model.StatusPending, Stalled: true, Blockers: []string{"item-a"}}))
	rec, err = mem.GetItem(ctx, sink.RecordID("item-b"))
	require.NoError(t, err)
	assert.Equal(t, "stalled", rec.Status)
	assert.Equal(t, "blocked by item-a", rec.Diagnostics)

	other := NewRecordSink(mem)
	other.Adopt(sink.Mapping())
	assert.Equal(t, recA, other.RecordID("item-a"))
	assert.Equal(t, "unmapped", other.RecordID("unmapped"))
}

type fakeSlack struct {
	mu    sync.Mutex
	posts int
	err   error
}

func (f *fakeSlack) PostMessageContext(_ context.Context, _ string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	return "", "", f.err
}

func TestSlackSink_OnlyOperatorEvents(t *testing.T) {
	ctx := context.Background()
	fs := &fakeSlack{}
	sink := NewSlackSink(fs, "#builds")

	auto := model.RouteAutoIntegrate
	review := model.RouteReviewRequired
	cases := []struct {
		r    Report
		post bool
	}{
		{Report{ItemID: "a", Status: model.StatusRunning}, false},
		{Report{ItemID: "a", Status: model.StatusSucceeded, Routing: &auto}, false},
		{Report{ItemID: "a", Status: model.StatusSucceeded, Routing: &review}, true},
		{Report{ItemID: "a", Status: model.StatusDeadLettered, Diagnostics: "x\ny"}, true},
		{Report{ItemID: "b", Status: model.StatusPending, Stalled: true, Blockers: []string{"a"}}, true},
	}
	want := 0
	for _, c := range cases {
		require.NoError(t, sink.Deliver(ctx, c.r))
		if c.post {
			want++
		}
		assert.Equal(t, want, fs.posts, "after %+v", c.r)
	}

	fs.err = slack.SlackErrorResponse{Err: "channel_not_found"}
	err := sink.Deliver(ctx, Report{ItemID: "a", Status: model.StatusDeadLettered})
	assert.True(t, IsPermanent(err), "got %v", err)
}

type fakeNotifier struct{ sent []string }

func (f *fakeNotifier) Send(_ context.Context, _, message string) error {
	f.sent = append(f.sent, message)
	return nil
}

func TestDesktopSink(t *testing.T) {
	n := &fakeNotifier{}
	sink := NewDesktopSink(n)
	review := model.RouteReviewRequired
	require.NoError(t, sink.Deliver(context.Background(), Report{ItemID: "a", Title: "Login", Status: model.StatusSucceeded, Routing: &review, ResultRef: "foreman/a/att"}))
	require.NoError(t, sink.Deliver(context.Background(), Report{ItemID: "a", Status: model.StatusRunning}))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "Review required: Login (a) on foreman/a/att")
}

func TestAuditAndBusSinks(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	al, err := events.NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer al.Close()

	bus := events.NewBus(10)
	defer bus.Close()
	got := make(chan events.Event, 1)
	unsub := bus.Subscribe(func(e events.Event) { got <- e }, events.EventItemTransition)
	defer unsub()

	rp := New([]Sink{NewAuditSink(al), NewBusSink(bus)}, fastOpts(0), nil)
	rp.Report(Report{RunID: "run-1", ItemID: "a", Status: model.StatusRunning, Attempt: 1})
	require.NoError(t, rp.Close(context.Background()))

	select {
	case e := <-got:
		assert.Equal(t, "a", e.Data["item_id"])
		assert.Equal(t, "running", e.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event")
	}

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"item_id":"a"`)
	assert.Contains(t, string(data), `"run_id":"run-1"`)
}

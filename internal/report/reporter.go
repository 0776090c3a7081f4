// Package report delivers work item transitions to external sinks without ever
// blocking the scheduler.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/model"
)

// Report is one status transition of one work item.
type Report struct {
	RunID       string
	ItemID      string
	Title       string
	Status      model.Status
	Routing     *model.RoutingDecision
	Diagnostics string
	Attempt     int
	ResultRef   string
	// Stalled marks a Pending item that cannot become ready in this run; Blockers
	// names the dependencies holding it.
	Stalled  bool
	Blockers []string
	At       time.Time
}

// Sink is a delivery target. Deliver must be safe to call again after a failure.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r Report) error
}

type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Reporter queues reports per item. Each item has its own lane drained by at most
// one goroutine, so reports for one item reach every sink in transition order while
// different items proceed independently.
type Reporter struct {
	sinks  []Sink
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
}

type lane struct {
	queue   []Report
	running bool
}

func New(sinks []Sink, opts Options, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		sinks:  sinks,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Report enqueues r and returns immediately. After Close it only logs.
func (rp *Reporter) Report(r Report) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.closed {
		rp.logger.Warn("report_after_close", zap.String("item", r.ItemID), zap.String("status", string(r.Status)))
		return
	}

	l, ok := rp.lanes[r.ItemID]
	if !ok {
		l = &lane{}
		rp.lanes[r.ItemID] = l
	}
	l.queue = append(l.queue, r)
	if !l.running {
		l.running = true
		rp.wg.Add(1)
		go rp.drain(r.ItemID, l)
	}
}

func (rp *Reporter) drain(itemID string, l *lane) {
	defer rp.wg.Done()
	for {
		rp.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(rp.lanes, itemID)
			rp.mu.Unlock()
			return
		}
		r := l.queue[0]
		l.queue = l.queue[1:]
		rp.mu.Unlock()

		for _, s := range rp.sinks {
			rp.deliver(s, r)
		}
	}
}

func (rp *Reporter) deliver(s Sink, r Report) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.opts.InitialBackoff
	b.MaxInterval = rp.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(rp.opts.MaxRetries)), rp.ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return s.Deliver(rp.ctx, r)
	}, policy)
	if err != nil {
		rp.failed.Add(1)
		rp.logger.Error("report_delivery_failed",
			zap.String("sink", s.Name()),
			zap.String("item", r.ItemID),
			zap.String("status", string(r.Status)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}
	rp.delivered.Add(1)
}

// Flush waits until every queued report has been delivered or given up on.
func (rp *Reporter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		rp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush reports: %w", ctx.Err())
	}
}

// Close stops accepting reports and waits for queued ones until ctx ends, after
// which pending retries are abandoned.
func (rp *Reporter) Close(ctx context.Context) error {
	rp.mu.Lock()
	rp.closed = true
	rp.mu.Unlock()

	err := rp.Flush(ctx)
	rp.cancel()
	if err != nil {
		rp.wg.Wait()
	}
	return err
}

// Stats returns delivered and failed sink deliveries so far.
func (rp *Reporter) Stats() (delivered, failed int64) {
	return rp.delivered.Load(), rp.failed.Load()
}

// Permanent wraps err so the reporter does not retry it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

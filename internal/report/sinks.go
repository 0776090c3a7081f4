package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/record"
)

// RecordSink mirrors transitions into the system of record.
type RecordSink struct {
	sor record.SystemOfRecord
	ids sync.Map // work item id -> record id
}

func NewRecordSink(sor record.SystemOfRecord) *RecordSink {
	return &RecordSink{sor: sor}
}

func (s *RecordSink) Name() string { return "record" }

// Register creates one child record per item under parentID and remembers the
// mapping. Without a parent, items are recorded under their own ids.
func (s *RecordSink) Register(ctx context.Context, parentID string, items []*model.WorkItem) error {
	if parentID == "" || len(items) == 0 {
		return nil
	}
	if _, err := s.sor.GetItem(ctx, parentID); err != nil && !errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("look up parent %s: %w", parentID, err)
	}
	specs := make([]record.ChildSpec, len(items))
	for i, it := range items {
		specs[i] = record.ChildSpec{ExternalID: it.ID, Title: it.Title, Description: it.Description}
	}
	ids, err := s.sor.CreateChildItems(ctx, parentID, specs)
	if err != nil {
		return fmt.Errorf("create child items: %w", err)
	}
	if len(ids) != len(items) {
		return fmt.Errorf("create child items: got %d ids for %d items", len(ids), len(items))
	}
	for i, it := range items {
		s.ids.Store(it.ID, ids[i])
	}
	return nil
}

// Adopt restores a mapping recorded by an earlier run.
func (s *RecordSink) Adopt(mapping map[string]string) {
	for itemID, recID := range mapping {
		s.ids.Store(itemID, recID)
	}
}

// Mapping returns the current item id to record id mapping.
func (s *RecordSink) Mapping() map[string]string {
	out := make(map[string]string)
	s.ids.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

func (s *RecordSink) RecordID(itemID string) string {
	if v, ok := s.ids.Load(itemID); ok {
		return v.(string)
	}
	return itemID
}

func (s *RecordSink) Deliver(ctx context.Context, r Report) error {
	return s.sor.UpdateStatus(ctx, s.RecordID(r.ItemID), record.StatusUpdate{
		Status:      statusLabel(r),
		Routing:     routingLabel(r),
		Diagnostics: diagnosticsText(r),
	})
}

// AuditSink appends every report to the JSONL audit log.
type AuditSink struct {
	log *events.AuditLogger
}

func NewAuditSink(log *events.AuditLogger) *AuditSink { return &AuditSink{log: log} }

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Deliver(_ context.Context, r Report) error {
	return s.log.Log(string(events.EventItemTransition), reportData(r))
}

// BusSink republishes reports on the in-process event bus.
type BusSink struct {
	bus *events.Bus
}

func NewBusSink(bus *events.Bus) *BusSink { return &BusSink{bus: bus} }

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Deliver(_ context.Context, r Report) error {
	s.bus.Publish(events.EventItemTransition, reportData(r))
	return nil
}

// SlackPoster is the subset of *slack.Client used by SlackSink.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink posts only the transitions an operator has to act on: review-required
// successes, dead letters and stalled items.
type SlackSink struct {
	client  SlackPoster
	channel string
}

func NewSlackSink(client SlackPoster, channel string) *SlackSink {
	return &SlackSink{client: client, channel: channel}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Deliver(ctx context.Context, r Report) error {
	text, ok := operatorMessage(r)
	if !ok {
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return err
		}
		var se slack.SlackErrorResponse
		if errors.As(err, &se) {
			// channel_not_found, invalid_auth and the like will not improve on retry
			return Permanent(fmt.Errorf("slack post: %w", err))
		}
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// Notifier shows a desktop notification.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// DesktopSink raises a local notification for operator-relevant transitions.
type DesktopSink struct {
	notifier Notifier
}

func NewDesktopSink(n Notifier) *DesktopSink { return &DesktopSink{notifier: n} }

func (s *DesktopSink) Name() string { return "desktop" }

func (s *DesktopSink) Deliver(ctx context.Context, r Report) error {
	text, ok := operatorMessage(r)
	if !ok {
		return nil
	}
	if err := s.notifier.Send(ctx, "foreman", text); err != nil {
		return Permanent(err)
	}
	return nil
}

func operatorMessage(r Report) (string, bool) {
	name := r.ItemID
	if r.Title != "" {
		name = fmt.Sprintf("%s (%s)", r.Title, r.ItemID)
	}
	switch {
	case r.Stalled:
		return fmt.Sprintf("Stalled: %s is blocked by %s", name, strings.Join(r.Blockers, ", ")), true
	case r.Status == model.StatusDeadLettered:
		msg := fmt.Sprintf("Dead-lettered: %s after %d attempt(s)", name, r.Attempt)
		if r.Diagnostics != "" {
			msg += "\n" + firstLine(r.Diagnostics)
		}
		return msg, true
	case r.Status == model.StatusSucceeded && r.Routing != nil && *r.Routing == model.RouteReviewRequired:
		return fmt.Sprintf("Review required: %s on %s", name, r.ResultRef), true
	}
	return "", false
}

func statusLabel(r Report) string {
	if r.Stalled {
		return "stalled"
	}
	return string(r.Status)
}

func routingLabel(r Report) string {
	if r.Routing == nil {
		return ""
	}
	return string(*r.Routing)
}

func diagnosticsText(r Report) string {
	if r.Stalled && len(r.Blockers) > 0 {
		return "blocked by " + strings.Join(r.Blockers, ", ")
	}
	return r.Diagnostics
}

func reportData(r Report) map[string]any {
	data := map[string]any{
		"run_id":  r.RunID,
		"item_id": r.ItemID,
		"status":  statusLabel(r),
		"attempt": r.Attempt,
		"at":      r.At,
	}
	if r.Routing != nil {
		data["routing"] = string(*r.Routing)
	}
	if r.Diagnostics != "" {
		data["diagnostics"] = r.Diagnostics
	}
	if r.ResultRef != "" {
		data["result_ref"] = r.ResultRef
	}
	if len(r.Blockers) > 0 {
		data["blockers"] = r.Blockers
	}
	return data
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

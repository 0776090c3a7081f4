// Package integrate hands completed change sets to the integration backend:
// auto-integrated branches are merged into the base ref, review-required ones
// are queued for a human and never merged here.
package integrate

import (
	"context"
	"errors"

	"github.com/msageha/foreman/internal/model"
)

// ErrConflict is returned when a branch does not merge cleanly into the base ref.
var ErrConflict = errors.New("merge conflict")

// Request describes one completed, non-dead-lettered attempt.
type Request struct {
	RunID        string
	ItemID       string
	Title        string
	ChangeRef    string
	ChangedPaths []string
	Routing      model.RoutingDecision
	// Reason explains a ReviewRequired decision.
	Reason string
}

// Outcome is what the backend did with a request.
type Outcome struct {
	Merged bool
	Queued bool
	Commit string
}

type Integrator interface {
	Integrate(ctx context.Context, req Request) (Outcome, error)
}

// Router sends auto-integrate requests to one backend and review-required ones
// to another.
type Router struct {
	Auto   Integrator
	Review Integrator
}

func (r *Router) Integrate(ctx context.Context, req Request) (Outcome, error) {
	if req.ChangeRef == "" {
		return Outcome{}, nil
	}
	if req.Routing == model.RouteAutoIntegrate {
		return r.Auto.Integrate(ctx, req)
	}
	return r.Review.Integrate(ctx, req)
}

// None leaves branches where they are. Review-required requests still go through
// Review when set, so the human gate is never skipped.
type None struct {
	Review Integrator
}

func (n None) Integrate(ctx context.Context, req Request) (Outcome, error) {
	if req.Routing == model.RouteReviewRequired && n.Review != nil && req.ChangeRef != "" {
		return n.Review.Integrate(ctx, req)
	}
	return Outcome{}, nil
}

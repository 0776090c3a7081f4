// Package executor runs one agent attempt for one work item and turns whatever the
// agent reports into a validated ExecutionResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/workspace"
)

var (
	// ErrCancelled means the caller's context ended before the agent finished. The
	// attempt has no outcome and must not be counted.
	ErrCancelled       = errors.New("execution cancelled")
	ErrMalformedResult = errors.New("malformed agent result")
)

// maxDiagnostics bounds how much agent output is carried into reports and retries.
const maxDiagnostics = 8 << 10

// Payload is the task handed to the agent.
type Payload struct {
	ItemID            string     `json:"item_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Kind              model.Kind `json:"kind"`
	Attempt           int        `json:"attempt"`
	ProjectContext    string     `json:"project_context,omitempty"`
	CorrectiveContext string     `json:"corrective_context,omitempty"`
}

// Response is the agent's structured report, before validation.
type Response struct {
	Outcome      string   `json:"outcome"`
	ChangeRef    string   `json:"change_ref,omitempty"`
	ResumeToken  string   `json:"resume_token,omitempty"`
	Diagnostics  string   `json:"diagnostics,omitempty"`
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

// Backend invokes the external agent. Limits are hard ceilings the agent enforces
// itself; a breach comes back as a timeout or budget_exceeded outcome.
type Backend interface {
	Invoke(ctx context.Context, payload Payload, workspacePath string, limits model.Limits, resumeToken string) (Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, payload Payload, workspacePath string, limits model.Limits, resumeToken string) (Response, error)

func (f BackendFunc) Invoke(ctx context.Context, payload Payload, workspacePath string, limits model.Limits, resumeToken string) (Response, error) {
	return f(ctx, payload, workspacePath, limits, resumeToken)
}

type Options struct {
	Limits         model.Limits
	WallClock      time.Duration
	ProjectContext string
}

// Client holds no per-call state and is safe for concurrent use.
type Client struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
}

func New(backend Backend, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{backend: backend, opts: opts, logger: logger}
}

// Execute runs one attempt. A non-nil error is returned only for ErrCancelled;
// every other problem, including malformed output, is a Failure result.
func (c *Client) Execute(ctx context.Context, item *model.WorkItem, ws *workspace.Workspace, resumeToken string) (model.ExecutionResult, error) {
	payload := BuildPayload(item, c.opts.ProjectContext, resumeToken)

	runCtx := ctx
	if c.opts.WallClock > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.opts.WallClock)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.backend.Invoke(runCtx, payload, ws.Path, c.opts.Limits, resumeToken)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		c.logger.Info("execution_cancelled", zap.String("item", item.ID), zap.Duration("elapsed", elapsed))
		return model.ExecutionResult{}, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("execution_wall_clock_exceeded", zap.String("item", item.ID), zap.Duration("limit", c.opts.WallClock))
		return model.ExecutionResult{
			Outcome:     model.OutcomeTimeout,
			ChangeRef:   resp.ChangeRef,
			ResumeToken: firstNonEmpty(resp.ResumeToken, resumeToken),
			Diagnostics: truncate(fmt.Sprintf("wall-clock limit %s exceeded", c.opts.WallClock)),
		}, nil
	}

	if err != nil {
		c.logger.Warn("execution_backend_error", zap.String("item", item.ID), zap.Error(err))
		return model.ExecutionResult{
			Outcome:     model.OutcomeFailure,
			ChangeRef:   resp.ChangeRef,
			ResumeToken: firstNonEmpty(resp.ResumeToken, resumeToken),
			Diagnostics: truncate(err.Error()),
		}, nil
	}

	result, verr := validate(resp)
	if verr != nil {
		c.logger.Warn("execution_result_invalid", zap.String("item", item.ID), zap.Error(verr))
		return model.ExecutionResult{
			Outcome:     model.OutcomeFailure,
			ResumeToken: firstNonEmpty(resp.ResumeToken, resumeToken),
			Diagnostics: truncate(verr.Error()),
		}, nil
	}

	c.logger.Debug("execution_finished",
		zap.String("item", item.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// BuildPayload assembles the agent task. item.AttemptCount already includes the
// attempt being started. A retry carries the previous attempt's diagnostics as
// corrective context.
func BuildPayload(item *model.WorkItem, projectContext, resumeToken string) Payload {
	p := Payload{
		ItemID:         item.ID,
		Title:          item.Title,
		Description:    item.Description,
		Kind:           item.Kind,
		Attempt:        max(item.AttemptCount, 1),
		ProjectContext: projectContext,
	}
	if resumeToken != "" || item.LastDiagnostics != "" {
		var sb strings.Builder
		sb.WriteString("A previous attempt at this work item failed.")
		if item.LastDiagnostics != "" {
			sb.WriteString(" Diagnostics from that attempt:\n")
			sb.WriteString(item.LastDiagnostics)
		}
		p.CorrectiveContext = sb.String()
	}
	return p
}

func validate(resp Response) (model.ExecutionResult, error) {
	outcome := model.Outcome(strings.ToLower(strings.TrimSpace(resp.Outcome)))
	if outcome == "" {
		return model.ExecutionResult{}, fmt.Errorf("%w: missing outcome", ErrMalformedResult)
	}
	if !outcome.Valid() {
		return model.ExecutionResult{}, fmt.Errorf("%w: unknown outcome %q", ErrMalformedResult, resp.Outcome)
	}
	for _, p := range resp.ChangedPaths {
		if strings.TrimSpace(p) == "" {
			return model.ExecutionResult{}, fmt.Errorf("%w: empty changed path", ErrMalformedResult)
		}
	}
	return model.ExecutionResult{
		Outcome:      outcome,
		ChangeRef:    resp.ChangeRef,
		ResumeToken:  resp.ResumeToken,
		Diagnostics:  truncate(resp.Diagnostics),
		ChangedPaths: resp.ChangedPaths,
	}, nil
}

func truncate(s string) string {
	if len(s) <= maxDiagnostics {
		return s
	}
	cut := maxDiagnostics
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n...(truncated)"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

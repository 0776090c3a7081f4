package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/foreman/internal/model"
)

// ProcessBackend runs the agent as a child process in the workspace directory. The
// request is written to stdin as JSON and the agent must print a Response as JSON
// on stdout, either as the whole output or as its last line.
type ProcessBackend struct {
	Command string
	Args    []string
	Env     []string
	// WaitDelay bounds how long to wait for output pipes after the process is
	// signalled on cancellation.
	WaitDelay time.Duration
}

type processRequest struct {
	Payload     Payload      `json:"payload"`
	Limits      model.Limits `json:"limits"`
	ResumeToken string       `json:"resume_token,omitempty"`
}

func (b *ProcessBackend) Invoke(ctx context.Context, payload Payload, workspacePath string, limits model.Limits, resumeToken string) (Response, error) {
	if b.Command == "" {
		return Response{}, fmt.Errorf("agent command not configured")
	}
	input, err := json.Marshal(processRequest{Payload: payload, Limits: limits, ResumeToken: resumeToken})
	if err != nil {
		return Response{}, fmt.Errorf("marshal agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Dir = workspacePath
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(append(os.Environ(), b.Env...),
		"FOREMAN_ITEM_ID="+payload.ItemID,
		"FOREMAN_ATTEMPT="+strconv.Itoa(payload.Attempt),
		"FOREMAN_WORKSPACE="+workspacePath,
		"FOREMAN_MAX_TURNS="+strconv.Itoa(limits.MaxTurns),
		"FOREMAN_MAX_BUDGET_USD="+strconv.FormatFloat(limits.MaxBudgetUSD, 'f', -1, 64),
		"FOREMAN_RESUME_TOKEN="+resumeToken,
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = b.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	resp, parseErr := parseResponse(stdout.Bytes())

	if runErr != nil {
		// an agent may exit non-zero after printing a well-formed failure report
		if parseErr == nil {
			return resp, nil
		}
		return Response{}, fmt.Errorf("agent exited: %w: %s", runErr, tail(stderr.String(), 2000))
	}
	if parseErr != nil {
		return Response{}, parseErr
	}
	return resp, nil
}

func parseResponse(out []byte) (Response, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return Response{}, fmt.Errorf("%w: empty output", ErrMalformedResult)
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err == nil {
		return resp, nil
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if err := json.Unmarshal(last, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v: %s", ErrMalformedResult, err, tail(string(last), 200))
	}
	return resp, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

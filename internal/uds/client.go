package uds

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client holds one connection to a running orchestrator. Calls are serialized.
type Client struct {
	mu      sync.Mutex
	nc      net.Conn
	c       *conn
	timeout time.Duration
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to orchestrator at %s: %w\nIs a run active? Start one with: foreman run", path, err)
	}
	return &Client{nc: nc, c: newConn(nc), timeout: 30 * time.Second}, nil
}

// SetTimeout bounds calls whose context has no deadline.
func (cl *Client) SetTimeout(d time.Duration) { cl.timeout = d }

// Call sends command and decodes the response data into out, which may be nil.
// A failed command returns *Error.
func (cl *Client) Call(ctx context.Context, command string, params, out any) error {
	req := Request{Version: ProtocolVersion, ID: uuid.NewString(), Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", command, err)
		}
		req.Params = raw
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(cl.timeout)
	}
	_ = cl.nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = cl.nc.SetDeadline(time.Now()) })
	defer stop()

	if err := cl.c.write(req); err != nil {
		return cl.wrap(ctx, command, err)
	}
	var resp Response
	if err := cl.c.read(&resp); err != nil {
		return cl.wrap(ctx, command, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%s: response for request %q, want %q", command, resp.ID, req.ID)
	}
	if !resp.OK {
		if resp.Error == nil {
			return Errorf(CodeInternal, "%s failed", command)
		}
		return resp.Error
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}

func (cl *Client) wrap(ctx context.Context, command string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", command, ctx.Err())
	}
	return fmt.Errorf("%s: %w", command, err)
}

func (cl *Client) Close() error { return cl.nc.Close() }

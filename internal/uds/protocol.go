// Package uds is the local control channel of a running orchestrator: a Unix
// domain socket carrying one JSON message per line. A connection may carry any
// number of request/response pairs.
package uds

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const ProtocolVersion = 1

// SocketName is the socket filename inside the state directory.
const SocketName = "control.sock"

// maxMessage bounds one line; a snapshot with every item stays far below it.
const maxMessage = 8 << 20

type Request struct {
	Version int             `json:"v"`
	ID      string          `json:"id"`
	Command string          `json:"cmd"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the orchestrator. Handlers return it to pick
// the code; any other error is reported as CodeInternal.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

const (
	CodeProtocol   = "PROTOCOL_MISMATCH"
	CodeUnknown    = "UNKNOWN_COMMAND"
	CodeInternal   = "INTERNAL_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
)

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is an *Error carrying code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// conn reads and writes line-delimited JSON messages.
type conn struct {
	in  *bufio.Scanner
	out io.Writer
}

func newConn(rw io.ReadWriter) *conn {
	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 0, 64<<10), maxMessage)
	return &conn{in: sc, out: rw}
}

// read decodes the next message into v. It returns io.EOF when the peer closed
// the connection between messages.
func (c *conn) read(v any) error {
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	if err := json.Unmarshal(c.in.Bytes(), v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func (c *conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(data) >= maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", len(data))
	}
	_, err = c.out.Write(append(data, '\n'))
	return err
}

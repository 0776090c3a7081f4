package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc serves one command. The returned value is sent as the response
// data; an *Error keeps its code.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type Server struct {
	path   string
	logger *zap.Logger
	idle   time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    map[net.Conn]struct{}

	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(path string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:     path,
		logger:   logger,
		idle:     time.Minute,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) SocketPath() string { return s.path }

// SetIdleTimeout bounds how long a connection may sit between requests.
func (s *Server) SetIdleTimeout(d time.Duration) { s.idle = d }

func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Start listens on the socket, replacing a stale socket file. The caller must
// hold the state directory lock.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.accept()
	s.logger.Info("control_socket_listening", zap.String("path", s.path))
	return nil
}

// Serve starts the server and stops it when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and every open connection, then waits for handlers.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control_accept_failed", zap.Error(err))
			continue
		}
		if !s.track(c) {
			_ = c.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(c)
	}
}

// track registers c unless the server is stopping.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) serveConn(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	mc := newConn(c)
	for {
		_ = c.SetReadDeadline(time.Now().Add(s.idle))
		var req Request
		if err := mc.read(&req); err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("control_read_failed", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(&req)
		if err := mc.write(resp); err != nil {
			s.logger.Debug("control_write_failed", zap.String("command", req.Command), zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	resp = &Response{ID: req.ID}
	fail := func(e *Error) *Response {
		resp.OK, resp.Data, resp.Error = false, nil, e
		return resp
	}

	if req.Version != ProtocolVersion {
		return fail(Errorf(CodeProtocol, "protocol version %d, server speaks %d", req.Version, ProtocolVersion))
	}
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return fail(Errorf(CodeUnknown, "unknown command %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control_handler_panic", zap.String("command", req.Command),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			fail(Errorf(CodeInternal, "handler panicked"))
		}
	}()

	out, err := h(s.ctx, req.Params)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = Errorf(CodeInternal, "%v", err)
		}
		return fail(e)
	}
	if out != nil {
		data, err := json.Marshal(out)
		if err != nil {
			return fail(Errorf(CodeInternal, "encode response: %v", err))
		}
		resp.Data = data
	}
	resp.OK = true
	return resp
}

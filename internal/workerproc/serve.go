// Package workerproc is the worker side of the toolbridge protocol. A worker
// binary registers one handler per capability on a Mux and calls Serve; the
// package takes care of the socket, the readiness handshake, ping frames and
// deadlines.
package workerproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/toolbridge/internal/protocol"
)

// HandlerFunc serves one capability.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Mux dispatches call frames to handlers by capability.
type Mux struct {
	handlers map[string]HandlerFunc
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for capability, replacing any previous handler.
func (m *Mux) Handle(capability string, fn HandlerFunc) {
	m.handlers[capability] = fn
}

// Capabilities lists the registered capability names, sorted.
func (m *Mux) Capabilities() []string {
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as permanent: the router will not retry the call.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// Config describes where and as whom a worker serves.
type Config struct {
	WorkerID   string
	SocketPath string
	Stdout     io.Writer // handshake destination, defaults to os.Stdout
	Logger     *slog.Logger
}

// ConfigFromEnv reads the worker id and socket path the router passes in.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		WorkerID:   os.Getenv(protocol.EnvWorkerID),
		SocketPath: os.Getenv(protocol.EnvSocket),
	}
	if cfg.SocketPath == "" {
		return cfg, fmt.Errorf("%s is not set", protocol.EnvSocket)
	}
	return cfg, nil
}

// Serve listens on cfg.SocketPath, announces readiness on stdout and serves
// until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, mux *Mux) error {
	_ = os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		out := cfg.Stdout
		if out == nil {
			out = os.Stdout
		}
		_ = protocol.WriteHandshake(out, protocol.Handshake{Protocol: protocol.Version, Error: err.Error()})
		return fmt.Errorf("listen %s: %w", cfg.SocketPath, err)
	}
	defer os.Remove(cfg.SocketPath)
	return ServeListener(ctx, ln, cfg, mux)
}

// ServeListener serves connections accepted from ln. The handshake is written
// before the first Accept.
func ServeListener(ctx context.Context, ln net.Listener, cfg Config, mux *Mux) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}

	if err := protocol.WriteHandshake(out, protocol.Handshake{
		Ready:        true,
		Protocol:     protocol.Version,
		WorkerID:     cfg.WorkerID,
		Capabilities: mux.Capabilities(),
	}); err != nil {
		ln.Close()
		return err
	}

	s := &server{mux: mux, logger: logger, conns: make(map[net.Conn]struct{})}

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

type server struct {
	mux    *Mux
	logger *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

func (s *server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
}

func (s *server) serveConn(ctx context.Context, conn net.Conn) {
	dec := protocol.NewDecoder(conn)
	for {
		req, err := dec.Request()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("connection closed", "error", err)
			}
			return
		}
		resp := s.dispatch(ctx, req)
		if err := protocol.EncodeResponse(conn, resp); err != nil {
			s.logger.Debug("write response failed", "request_id", req.ID, "error", err)
			return
		}
	}
}

func (s *server) dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	if req.Type == protocol.TypePing {
		return protocol.OK(req.ID, nil)
	}

	fn, ok := s.mux.handlers[req.Capability]
	if !ok {
		return protocol.Fail(req.ID, fmt.Sprintf("unknown capability: %s", req.Capability), false)
	}

	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "capability", req.Capability, "panic", r)
			resp = protocol.Fail(req.ID, fmt.Sprintf("handler panic: %v", r), true)
		}
	}()

	start := time.Now()
	out, err := fn(ctx, req.Payload)
	s.logger.Debug("handled call", "capability", req.Capability, "duration", time.Since(start), "error", err)
	if err != nil {
		var nr *noRetryError
		return protocol.Fail(req.ID, err.Error(), !errors.As(err, &nr))
	}
	return protocol.OK(req.ID, out)
}

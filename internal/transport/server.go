package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mrzor/activity-monitor/internal/capture"
	"github.com/mrzor/activity-monitor/internal/event"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"
)

// ErrListen is returned when the socket cannot be created.
var ErrListen = errors.New("transport listen failed")

// maxWait caps the timeout a consumer may request for OpWait.
const maxWait = 30 * time.Second

// Queue is the part of capture.Queue the server drains.
type Queue interface {
	Drain() []event.Record
	Pop() (event.Record, bool)
	Ready() <-chan struct{}
	Stats() capture.Stats
}

// Config configures a Server.
type Config struct {
	// Path of the Unix socket.
	Path string
	// MaxConnections bounds concurrent consumers. Defaults to 1; further
	// connections wait in the accept backlog.
	MaxConnections int
	// StatusFunc fills the tracking fields of status responses.
	StatusFunc func() Status
	// Tracer records a span per request. Defaults to the global tracer.
	Tracer trace.Tracer
}

// Server serves drain requests for a capture queue.
type Server struct {
	cfg      Config
	queue    Queue
	tracer   trace.Tracer
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

// Listen creates the socket and returns a server ready to Serve.
func Listen(cfg Config, queue Queue) (*Server, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/mrzor/activity-monitor/internal/transport")
	}

	// A stale socket from a previous run would make bind fail.
	if err := os.Remove(cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: removing stale socket %s: %w", ErrListen, cfg.Path, err)
	}

	l, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	if err := os.Chmod(cfg.Path, 0600); err != nil {
		_ = l.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("%w: restricting socket permissions: %w", ErrListen, err)
	}

	return &Server{
		cfg:      cfg,
		queue:    queue,
		tracer:   tracer,
		listener: netutil.LimitListener(l, cfg.MaxConnections),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the socket address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts consumers until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("accepting consumer: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close() //nolint:errcheck // Server is shutting down
			return nil
		}

		go s.handle(conn)
	}
}

// Close stops accepting, disconnects consumers and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	err := s.listener.Close()
	for conn := range s.conns {
		_ = conn.Close() //nolint:errcheck // Forced disconnect during shutdown
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing listener: %w", err)
	}
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		_ = conn.Close() //nolint:errcheck // Connection is done either way
	}()

	slog.Debug("consumer connected")

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp.Error = fmt.Sprintf("invalid request: %v", err)
		} else {
			resp = s.serve(req)
		}

		if err := enc.Encode(resp); err != nil {
			slog.Debug("writing response", "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.done:
		default:
			slog.Debug("reading request", "error", err)
		}
	}
	slog.Debug("consumer disconnected")
}

func (s *Server) serve(req Request) Response {
	_, span := s.tracer.Start(context.Background(), "capture."+req.Op,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var resp Response
	switch req.Op {
	case OpDrain:
		resp.Records = s.drain(req.Max)
	case OpPop:
		if rec, ok := s.queue.Pop(); ok {
			resp.Records = []event.Record{rec}
		}
	case OpWait:
		resp.Records = s.wait(req)
	case OpStatus:
		st := s.status()
		resp.Status = &st
	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
		span.SetStatus(codes.Error, resp.Error)
		return resp
	}

	span.SetAttributes(attribute.Int("capture.records", len(resp.Records)))
	span.SetStatus(codes.Ok, "")
	return resp
}

func (s *Server) drain(max int) []event.Record {
	if max <= 0 {
		return s.queue.Drain()
	}

	records := make([]event.Record, 0, max)
	for len(records) < max {
		rec, ok := s.queue.Pop()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	return records
}

func (s *Server) wait(req Request) []event.Record {
	// A token left by appends an earlier drain already consumed would end
	// the wait at once. Appends after this point leave a fresh one.
	select {
	case <-s.queue.Ready():
	default:
	}

	if records := s.drain(req.Max); len(records) > 0 {
		return records
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > maxWait {
		timeout = maxWait
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.queue.Ready():
			if records := s.drain(req.Max); len(records) > 0 {
				return records
			}
		case <-timer.C:
			return s.drain(req.Max)
		case <-s.done:
			return nil
		}
	}
}

func (s *Server) status() Status {
	var st Status
	if s.cfg.StatusFunc != nil {
		st = s.cfg.StatusFunc()
	}
	st.Queue = s.queue.Stats()
	return st
}

// Package daemon serves the doppio protocol on a unix socket. Every
// connection carries one request and one response and is handled on its own
// goroutine; the lock registry is the only state shared between them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/logging"
	"github.com/scienceol/doppio/internal/metrics"
	"github.com/scienceol/doppio/internal/registry"
)

// Server accepts client connections and runs them against a registry.
type Server struct {
	registry     *registry.Registry
	metrics      *metrics.Metrics
	logger       pslog.Logger
	acceptLogger pslog.Logger
	connLogger   pslog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records request outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a server dispatching to reg.
func New(reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Ensure(s.logger)
	s.acceptLogger = logging.WithSubsystem(s.logger, "daemon.accept")
	s.connLogger = logging.WithSubsystem(s.logger, "daemon.conn")
	return s
}

// Listen binds a unix socket at path. A leftover socket file from an
// earlier daemon is removed first; callers must hold the singleton lock so
// the file cannot belong to a live daemon.
func Listen(path string) (*net.UnixListener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("listen on %s: file exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// A failed accept is logged and retried; it never ends the loop. Before
// returning, Serve unblocks connections still waiting for a request and
// waits for every handler to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	// Requests run to completion even while shutting down.
	reqCtx := context.WithoutCancel(ctx)

	var backoff acceptBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.drain()
				return nil
			}
			delay := backoff.next()
			s.acceptLogger.Warn("daemon.accept.failed", "error", err, "retry_in", delay.String())
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
			continue
		}
		backoff.reset()

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(reqCtx, conn)
		}()
	}
}

// Run listens on socketPath and serves until ctx is cancelled, then
// releases every inhibitor the registry still holds.
func (s *Server) Run(ctx context.Context, socketPath string) error {
	ln, err := Listen(socketPath)
	if err != nil {
		return err
	}
	s.logger.Info("daemon.listen.ready", "socket", socketPath)

	serveErr := s.Serve(ctx, ln)
	_ = ln.Close()
	closeErr := s.registry.Close()
	s.logger.Info("daemon.shutdown.complete")
	return errors.Join(serveErr, closeErr)
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// drain expires the read deadline of open connections so handlers stuck
// waiting on silent clients return, then waits for all handlers.
func (s *Server) drain() {
	s.mu.Lock()
	n := len(s.conns)
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	if n > 0 {
		s.acceptLogger.Info("daemon.shutdown.draining", "connections", n)
	}
	s.wg.Wait()
}

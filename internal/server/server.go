// Package server owns the proxy listener and the HTTP server serving it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"waf-proxy-go/internal/metrics"
	"waf-proxy-go/internal/tlsterm"
)

// Server accepts client connections, optionally terminates TLS, and serves
// each connection on its own goroutine.
type Server struct {
	addr     string
	acceptor *tlsterm.Acceptor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	http     *http.Server

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server for addr. A nil acceptor serves plain HTTP. A zero
// readTimeout leaves request bodies without a read deadline. The metrics
// parameter is optional.
func New(addr string, handler http.Handler, readTimeout time.Duration, acceptor *tlsterm.Acceptor, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		addr:     addr,
		acceptor: acceptor,
		logger:   logger.With("component", "server"),
		metrics:  m,
	}
	s.http = &http.Server{
		Handler: handler,
		// Headers are always bounded against slow clients.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		// WriteTimeout is disabled (0) so long responses are not cut off.
		// Hijacked WebSocket connections drop these deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		ConnState:    s.trackConn,
	}
	return s
}

// Start binds the listening socket and begins serving in the background.
// A bind failure is returned and nothing is served.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}

	mode := "without TLS"
	if s.acceptor != nil {
		ln = s.acceptor.Listener(ln)
		mode = "with TLS"
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	addr := ln.Addr().String()
	s.logger.Info(fmt.Sprintf("WAF proxy started successfully %s on %s", mode, addr),
		"addr", addr,
		"tls", s.acceptor != nil,
	)

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and waits for active requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	if s.metrics == nil {
		return
	}
	switch state {
	case http.StateNew:
		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.ConnectionsActive.Inc()
	case http.StateHijacked, http.StateClosed:
		s.metrics.ConnectionsActive.Dec()
	}
}

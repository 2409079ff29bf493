// Package tunnel relays WebSocket sessions between clients and the backend origin.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"waf-proxy-go/internal/config"
	"waf-proxy-go/internal/metrics"
	"waf-proxy-go/internal/model"
)

const (
	chunkSize = 4096
	writeWait = 10 * time.Second
	closeWait = time.Second
)

// Validation failures. They are answered with 200 and an informational body,
// and no tunnel is opened.
var (
	ErrNoUpgrade   = errors.New("expected Upgrade header")
	ErrEmptyTarget = errors.New("websocket target URL is empty")
	ErrBadScheme   = errors.New("websocket target URL must start with http:// or https://")
)

var rejectBodies = map[error]string{
	ErrNoUpgrade:   "Expected Upgrade header",
	ErrEmptyTarget: "WebSocket target URL is empty",
	ErrBadScheme:   "WebSocket target URL must start with http:// or https://",
}

// dialHeaders are copied from the client handshake onto the backend handshake.
var dialHeaders = []string{"Origin", "Cookie", "Authorization", "User-Agent"}

// Handler upgrades client connections and runs one tunnel per upgrade.
type Handler struct {
	origin   string
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewHandler creates a Handler for the configured backend origin. m may be nil.
func NewHandler(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		origin: cfg.WebappURL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  chunkSize,
			WriteBufferSize: chunkSize,
			// Origin policy belongs to the backend, which sees the client's Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.WebSocket.HandshakeTimeoutSeconds) * time.Second,
			ReadBufferSize:   chunkSize,
			WriteBufferSize:  chunkSize,
		},
		logger:  logger.With("component", "tunnel"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// TargetURL joins origin and the request path-and-query and translates the
// scheme prefix to ws:// or wss://. Only the leading scheme is rewritten.
func TargetURL(origin, pathAndQuery string) (string, error) {
	target := origin + pathAndQuery
	switch {
	case target == "":
		return "", ErrEmptyTarget
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://"), nil
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://"), nil
	}
	return "", ErrBadScheme
}

// Serve validates an upgrade request, answers it with 101 Switching Protocols
// and starts the tunnel in the background. It returns once the 101 has been
// written; the tunnel outlives the call.
func (h *Handler) Serve(c echo.Context, meta model.RequestContext, pathAndQuery string) error {
	req := c.Request()

	target, err := h.validate(req, pathAndQuery)
	if err != nil {
		h.countTunnel("rejected")
		h.logger.Debug("websocket upgrade rejected", "request_id", meta.ID, "reason", err)
		return c.String(http.StatusOK, rejectBodies[err])
	}

	respHeader := http.Header{echo.HeaderXRequestID: {meta.ID}}
	clientConn, err := h.upgrader.Upgrade(c.Response(), req, respHeader)
	if err != nil {
		// The upgrader has already answered the client.
		h.countTunnel("upgrade_failed")
		h.logger.Warn("websocket upgrade failed", "request_id", meta.ID, "error", err)
		return nil
	}
	// The connection is hijacked; record what was sent for logging and metrics.
	c.Response().Status = http.StatusSwitchingProtocols
	c.Response().Committed = true

	header := backendHeader(req.Header, meta)
	logger := h.logger.With("request_id", meta.ID, "target", target)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(clientConn, target, header, logger.With("tls", meta.TLS))
	}()
	return nil
}

func (h *Handler) validate(req *http.Request, pathAndQuery string) (string, error) {
	if len(req.Header.Values(echo.HeaderUpgrade)) == 0 {
		return "", ErrNoUpgrade
	}
	return TargetURL(h.origin, pathAndQuery)
}

// backendHeader builds the backend handshake headers from the client's.
func backendHeader(src http.Header, meta model.RequestContext) http.Header {
	dst := make(http.Header)
	for _, name := range dialHeaders {
		if vv := src.Values(name); len(vv) > 0 {
			dst[name] = append([]string(nil), vv...)
		}
	}
	if meta.ClientIP != "" {
		dst.Set("X-Forwarded-For", meta.ClientIP)
	}
	dst.Set(echo.HeaderXRequestID, meta.ID)
	return dst
}

func (h *Handler) run(client *websocket.Conn, target string, header http.Header, logger *slog.Logger) {
	backend, resp, err := h.dialer.DialContext(h.ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		h.countTunnel("dial_failed")
		logger.Warn("websocket backend dial failed", "error", err)
		_ = client.Close()
		return
	}

	h.countTunnel("established")
	h.active.Add(1)
	if h.metrics != nil {
		h.metrics.TunnelsActive.Inc()
	}
	defer func() {
		h.active.Add(-1)
		if h.metrics != nil {
			h.metrics.TunnelsActive.Dec()
		}
	}()

	logger.Info("websocket tunnel established")
	start := time.Now()

	s := newSession(client, backend, h.metrics)
	err = s.relay(h.ctx)

	logger.Info("websocket tunnel closed",
		"duration_ms", time.Since(start).Milliseconds(),
		"bytes_in", s.bytesIn.Load(),
		"bytes_out", s.bytesOut.Load(),
		"reason", err,
	)
}

func (h *Handler) countTunnel(result string) {
	if h.metrics != nil {
		h.metrics.TunnelsTotal.WithLabelValues(result).Inc()
	}
}

// Active returns the number of tunnels currently relaying.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Close tears down every live tunnel and waits for them to finish or for ctx
// to expire.
func (h *Handler) Close(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for tunnels: %w", ctx.Err())
	}
}

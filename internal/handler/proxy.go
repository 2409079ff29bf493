package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"waf-proxy-go/internal/metrics"
	"waf-proxy-go/internal/middleware"
	"waf-proxy-go/internal/model"
	"waf-proxy-go/internal/service"
	"waf-proxy-go/internal/tlsterm"
	"waf-proxy-go/internal/tunnel"
)

// ProxyHandler dispatches every inbound request either to the WebSocket
// tunnel or to the HTTP forwarding pipeline.
type ProxyHandler struct {
	service *service.ProxyService
	tunnel  *tunnel.Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, tun *tunnel.Handler, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		tunnel:  tun,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the backend. Upgrade requests for
// "websocket" are handed to the tunnel, which answers 101 and relays in the
// background. Everything else is forwarded and the response streamed back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	meta := h.requestContext(c)
	target := pathAndQuery(req)

	if strings.EqualFold(req.Header.Get(echo.HeaderUpgrade), "websocket") {
		return h.tunnel.Serve(c, meta, target)
	}

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Meta:       meta,
		Method:     req.Method,
		RequestURI: target,
		Host:       req.Host,
		Header:     req.Header,
		Body:       req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, meta.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy can only truncate the body.
	if err := copyFlushing(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"request_id", meta.ID,
			"path", req.URL.Path,
		)
	}

	return nil
}

// copyFlushing copies body to w and flushes after every write so streamed
// responses such as server-sent events reach the client as they arrive.
func copyFlushing(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// requestContext collects the per-request identity used by both paths.
func (h *ProxyHandler) requestContext(c echo.Context) model.RequestContext {
	id := middleware.GetRequestID(c)
	if id == "" {
		id = uuid.NewString()
	}

	info := tlsterm.Session(c.Request().TLS)
	if info != nil && h.metrics != nil {
		version := "unknown"
		if info.Version != nil {
			version = *info.Version
		}
		h.metrics.TLSRequests.WithLabelValues(version).Inc()
	}

	return model.RequestContext{
		ID:       id,
		ClientIP: c.RealIP(),
		TLS:      info,
	}
}

// pathAndQuery returns the request target as the client sent it. Absolute-form
// targets are reduced to their path and query.
func pathAndQuery(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// mapError answers a failed forward with an empty 504 when the backend timed
// out and an empty 502 otherwise.
func (h *ProxyHandler) mapError(c echo.Context, requestID string, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"request_id", requestID,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.NoContent(http.StatusGatewayTimeout)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.NoContent(http.StatusGatewayTimeout)
	}

	return c.NoContent(http.StatusBadGateway)
}

// Package service implements the HTTP forwarding pipeline.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"waf-proxy-go/internal/client"
	"waf-proxy-go/internal/config"
	"waf-proxy-go/internal/metrics"
	"waf-proxy-go/internal/model"
)

// ErrURIBuild is returned when the backend origin joined with the request
// target is not a valid absolute URI.
var ErrURIBuild = errors.New("invalid upstream URI")

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const (
	htmlContentType = "text/html"
	bodyCloseTag    = "</body>"
)

// ProxyService forwards requests to the backend origin and rewrites HTML responses.
type ProxyService struct {
	client  *client.BackendClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	origin  string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		origin:  cfg.WebappURL,
	}
}

// Forward sends a ProxyRequest to the backend and returns the response.
// The caller is responsible for closing the response body.
//
// The request body is read fully before anything is sent. HTML responses are
// read fully as well so the request id script can be injected.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var body []byte
	if pr.Body != nil {
		b, err := io.ReadAll(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	target, err := s.buildUpstreamURL(pr.RequestURI)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrURIBuild, err)
	}
	req.Header = outboundHeader(pr.Header)
	InjectForwardingHeaders(req.Header, target, pr.Meta)
	if s.cfg.Upstream.PreserveHost && pr.Host != "" {
		req.Host = pr.Host
	}

	s.logger.Debug("forwarding request",
		"request_id", pr.Meta.ID,
		"method", pr.Method,
		"target", target.String(),
		"client_ip", pr.Meta.ClientIP,
		"tls", pr.Meta.TLS,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	removeHopByHop(resp.Header)

	if shouldRewrite(pr.Method, resp) {
		if err := s.rewriteHTML(resp, pr.Meta.ID); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// buildUpstreamURL joins the backend origin with the original request target.
func (s *ProxyService) buildUpstreamURL(requestURI string) (*url.URL, error) {
	raw := s.origin + requestURI
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrURIBuild, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w %q: not absolute", ErrURIBuild, raw)
	}
	return u, nil
}

// InjectForwardingHeaders sets the X-Forwarded-* and X-Request-Id headers for
// an outbound request to target. Existing values are replaced. X-Forwarded-Port
// is only present when target names a port explicitly.
func InjectForwardingHeaders(h http.Header, target *url.URL, meta model.RequestContext) {
	h.Set("X-Forwarded-For", meta.ClientIP)

	proto := "http"
	if target.Scheme == "https" {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", target.Hostname())

	if port := target.Port(); port != "" {
		h.Set("X-Forwarded-Port", port)
	} else {
		h.Del("X-Forwarded-Port")
	}

	h.Set("X-Request-Id", meta.ID)
}

// outboundHeader copies src without hop-by-hop headers.
func outboundHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	// An absent User-Agent must stay absent rather than become Go's default.
	if _, ok := dst["User-Agent"]; !ok {
		dst.Set("User-Agent", "")
	}
	return dst
}

// removeHopByHop deletes the standard hop-by-hop headers and any header
// named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// shouldRewrite reports whether resp is an HTML response that carries a body.
func shouldRewrite(method string, resp *model.ProxyResponse) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return strings.Contains(resp.Header.Get("Content-Type"), htmlContentType)
}

// rewriteHTML buffers the response body, injects the request id script and
// fixes Content-Length to the new byte length.
func (s *ProxyService) rewriteHTML(resp *model.ProxyResponse, requestID string) error {
	orig, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream html body: %w", err)
	}

	out, injected := InjectScript(orig, requestID)
	if s.metrics != nil {
		s.metrics.HTMLRewrites.WithLabelValues(strconv.FormatBool(injected)).Inc()
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

// InjectScript inserts an inline script logging requestID immediately before
// the first "</body>" in body. Later occurrences are left alone. When there is
// no "</body>", body is returned unchanged and injected is false.
func InjectScript(body []byte, requestID string) (out []byte, injected bool) {
	i := bytes.Index(body, []byte(bodyCloseTag))
	if i < 0 {
		return body, false
	}
	script := "<script>console.log('Request ID: " + requestID + "');</script>"

	out = make([]byte, 0, len(body)+len(script))
	out = append(out, body[:i]...)
	out = append(out, script...)
	out = append(out, body[i:]...)
	return out, true
}

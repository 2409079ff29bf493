package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"waf-proxy-go/internal/client"
	"waf-proxy-go/internal/config"
	"waf-proxy-go/internal/metrics"
	"waf-proxy-go/internal/model"
)

func newTestService(t *testing.T, origin string) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		WebappURL: origin,
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	return NewProxyService(client.NewBackendClient(cfg, logger, m), cfg, logger, m)
}

func newProxyRequest(method, uri string, body io.Reader) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:        context.Background(),
		Meta:       model.RequestContext{ID: "rid-123", ClientIP: "203.0.113.7"},
		Method:     method,
		RequestURI: uri,
		Header:     http.Header{},
		Body:       body,
	}
}

func TestInjectScript(t *testing.T) {
	const script = "<script>console.log('Request ID: abc');</script>"

	tests := []struct {
		name     string
		body     string
		want     string
		injected bool
	}{
		{
			name:     "single body tag",
			body:     "<html><body>hi</body></html>",
			want:     "<html><body>hi" + script + "</body></html>",
			injected: true,
		},
		{
			name:     "only first occurrence",
			body:     "<body>a</body><!-- </body> -->",
			want:     "<body>a" + script + "</body><!-- </body> -->",
			injected: true,
		},
		{
			name:     "no closing tag",
			body:     "<html><p>fragment</p>",
			want:     "<html><p>fragment</p>",
			injected: false,
		},
		{
			name:     "uppercase tag is not matched",
			body:     "<BODY>x</BODY>",
			want:     "<BODY>x</BODY>",
			injected: false,
		},
		{
			name:     "empty body",
			body:     "",
			want:     "",
			injected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, injected := InjectScript([]byte(tt.body), "abc")
			if string(got) != tt.want {
				t.Errorf("InjectScript() = %q, want %q", got, tt.want)
			}
			if injected != tt.injected {
				t.Errorf("injected = %v, want %v", injected, tt.injected)
			}
		})
	}
}

func TestInjectForwardingHeaders(t *testing.T) {
	meta := model.RequestContext{ID: "rid-1", ClientIP: "198.51.100.4"}

	tests := []struct {
		name      string
		target    string
		wantProto string
		wantHost  string
		wantPort  string
		hasPort   bool
	}{
		{"http default port", "http://localhost/page", "http", "localhost", "", false},
		{"http explicit port", "http://localhost:3000/page", "http", "localhost", "3000", true},
		{"https default port", "https://app.example.com/", "https", "app.example.com", "", false},
		{"https explicit 443", "https://app.example.com:443/", "https", "app.example.com", "443", true},
		{"ipv6 with port", "http://[::1]:8081/", "http", "::1", "8081", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.target)
			if err != nil {
				t.Fatal(err)
			}
			h := http.Header{}
			h.Set("X-Forwarded-Port", "9999")
			h.Add("X-Forwarded-For", "10.0.0.1")
			h.Add("X-Request-Id", "spoofed")

			InjectForwardingHeaders(h, u, meta)

			if got := h.Values("X-Forwarded-For"); len(got) != 1 || got[0] != "198.51.100.4" {
				t.Errorf("X-Forwarded-For = %v, want [198.51.100.4]", got)
			}
			if got := h.Get("X-Forwarded-Proto"); got != tt.wantProto {
				t.Errorf("X-Forwarded-Proto = %q, want %q", got, tt.wantProto)
			}
			if got := h.Get("X-Forwarded-Host"); got != tt.wantHost {
				t.Errorf("X-Forwarded-Host = %q, want %q", got, tt.wantHost)
			}
			_, present := h["X-Forwarded-Port"]
			if present != tt.hasPort {
				t.Errorf("X-Forwarded-Port present = %v, want %v", present, tt.hasPort)
			}
			if got := h.Get("X-Forwarded-Port"); got != tt.wantPort {
				t.Errorf("X-Forwarded-Port = %q, want %q", got, tt.wantPort)
			}
			if got := h.Values("X-Request-Id"); len(got) != 1 || got[0] != "rid-1" {
				t.Errorf("X-Request-Id = %v, want [rid-1]", got)
			}
		})
	}
}

func TestOutboundHeader_StripsHopByHop(t *testing.T) {
	src := http.Header{
		"Accept":              {"text/html"},
		"Cookie":              {"session=abc"},
		"Connection":          {"keep-alive, X-Drop-Me"},
		"X-Drop-Me":           {"1"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"trailers"},
		"Upgrade":             {"h2c"},
	}

	dst := outboundHeader(src)

	for _, kept := range []string{"Accept", "Cookie"} {
		if dst.Get(kept) == "" {
			t.Errorf("%s should be forwarded", kept)
		}
	}
	for _, dropped := range []string{"Connection", "X-Drop-Me", "Keep-Alive", "Proxy-Authorization", "Te", "Upgrade"} {
		if _, ok := dst[dropped]; ok {
			t.Errorf("%s should be stripped", dropped)
		}
	}
	if src.Get("Connection") == "" {
		t.Error("outboundHeader must not modify its input")
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	s := &ProxyService{origin: "http://localhost:3000"}

	u, err := s.buildUpstreamURL("/page?x=1&y=%20")
	if err != nil {
		t.Fatalf("buildUpstreamURL() error = %v", err)
	}
	if got, want := u.String(), "http://localhost:3000/page?x=1&y=%20"; got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}

	if _, err := s.buildUpstreamURL("/%zz"); !errors.Is(err, ErrURIBuild) {
		t.Errorf("error = %v, want ErrURIBuild", err)
	}

	bad := &ProxyService{origin: "localhost:3000"}
	if _, err := bad.buildUpstreamURL("/page"); !errors.Is(err, ErrURIBuild) {
		t.Errorf("error = %v, want ErrURIBuild for relative origin", err)
	}
}

func TestForward_HeadersAndBody(t *testing.T) {
	type seen struct {
		header http.Header
		body   string
		uri    string
		method string
	}
	got := make(chan seen, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{header: r.Header.Clone(), body: string(b), uri: r.RequestURI, method: r.Method}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL)
	pr := newProxyRequest(http.MethodPost, "/api/items?limit=5", strings.NewReader("payload"))
	pr.Header.Set("X-Request-Id", "client-chosen")
	pr.Header.Set("Content-Type", "text/plain")

	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	req := <-got
	if req.method != http.MethodPost {
		t.Errorf("method = %q, want POST", req.method)
	}
	if req.uri != "/api/items?limit=5" {
		t.Errorf("uri = %q, want %q", req.uri, "/api/items?limit=5")
	}
	if req.body != "payload" {
		t.Errorf("body = %q, want %q", req.body, "payload")
	}
	if v := req.header.Get("X-Request-Id"); v != "rid-123" {
		t.Errorf("X-Request-Id = %q, want %q", v, "rid-123")
	}
	if v := req.header.Get("X-Forwarded-For"); v != "203.0.113.7" {
		t.Errorf("X-Forwarded-For = %q, want %q", v, "203.0.113.7")
	}
	if v := req.header.Get("X-Forwarded-Proto"); v != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", v)
	}
	if v := req.header.Get("X-Forwarded-Host"); v != "127.0.0.1" {
		t.Errorf("X-Forwarded-Host = %q, want 127.0.0.1", v)
	}
	// httptest URLs always carry an explicit port.
	if v := req.header.Get("X-Forwarded-Port"); v == "" {
		t.Error("X-Forwarded-Port missing for origin with explicit port")
	}
	if v := req.header.Get("User-Agent"); v != "" {
		t.Errorf("User-Agent = %q, want none", v)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("response body = %q", body)
	}
}

func TestForward_NonHTMLBodyUntouched(t *testing.T) {
	payload := bytes.Repeat([]byte("</body>\x00\xff"), 1000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL)
	resp, err := s.Forward(newProxyRequest(http.MethodGet, "/blob", http.NoBody))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, payload) {
		t.Error("non-HTML body was modified")
	}
}

func TestForward_HTMLRewrite(t *testing.T) {
	const page = "<html><body><p>héllo wörld</p></body></html>"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL)
	resp, err := s.Forward(newProxyRequest(http.MethodGet, "/page", http.NoBody))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	want := "<html><body><p>héllo wörld</p><script>console.log('Request ID: rid-123');</script></body></html>"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(want))
	}
}

func TestForward_HTMLWithoutBodyTag(t *testing.T) {
	const page = "<p>partial</p>"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL)
	resp, err := s.Forward(newProxyRequest(http.MethodGet, "/", http.NoBody))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != page {
		t.Errorf("body = %q, want %q", body, page)
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(page)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(page))
	}
}

func TestForward_HeadNotRewritten(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "120")
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL)
	resp, err := s.Forward(newProxyRequest(http.MethodHead, "/", http.NoBody))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if cl := resp.Header.Get("Content-Length"); cl != "120" {
		t.Errorf("Content-Length = %q, want %q", cl, "120")
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	s := newTestService(t, "http://127.0.0.1:1")

	_, err := s.Forward(newProxyRequest(http.MethodGet, "/", http.NoBody))
	if err == nil {
		t.Fatal("Forward() expected error for unreachable backend, got nil")
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Errorf("error = %v, want wrapped *url.Error", err)
	}
}

func TestForward_InvalidURI(t *testing.T) {
	s := newTestService(t, "http://localhost:3000")

	_, err := s.Forward(newProxyRequest(http.MethodGet, "/%zz", http.NoBody))
	if !errors.Is(err, ErrURIBuild) {
		t.Fatalf("Forward() error = %v, want ErrURIBuild", err)
	}
}

func TestForward_PreserveHost(t *testing.T) {
	gotHost := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost <- r.Host
	}))
	defer upstream.Close()

	s := newTestService(t, upstream.URL)
	s.cfg.Upstream.PreserveHost = true
	pr := newProxyRequest(http.MethodGet, "/", http.NoBody)
	pr.Host = "public.example.com"

	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if h := <-gotHost; h != "public.example.com" {
		t.Errorf("Host = %q, want %q", h, "public.example.com")
	}
}

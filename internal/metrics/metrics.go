// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Tunnel relay directions used as label values.
const (
	DirectionClientToBackend = "client_to_backend"
	DirectionBackendToClient = "backend_to_client"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	TLSRequests      *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    prometheus.Counter
	HTMLRewrites      *prometheus.CounterVec

	TunnelsActive  prometheus.Gauge
	TunnelsTotal   *prometheus.CounterVec
	TunnelMessages *prometheus.CounterVec
	TunnelBytes    *prometheus.CounterVec
	TunnelPongs    prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waf_proxy_connections_active",
			Help: "Number of open client connections.",
		}),

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_proxy_connections_accepted_total",
			Help: "Total client connections accepted.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "kind"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waf_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "kind"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waf_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		TLSRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_tls_requests_total",
			Help: "Requests received over TLS by negotiated protocol version.",
		}, []string{"version"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waf_proxy_upstream_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_upstream_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_proxy_upstream_errors_total",
			Help: "Backend calls that failed before a response was received.",
		}),

		HTMLRewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_html_rewrites_total",
			Help: "HTML responses buffered for script injection, by outcome.",
		}, []string{"injected"}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waf_proxy_websocket_tunnels_active",
			Help: "Number of WebSocket tunnels currently relaying.",
		}),

		TunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_websocket_tunnels_total",
			Help: "WebSocket tunnel attempts by result.",
		}, []string{"result"}),

		TunnelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_websocket_messages_total",
			Help: "WebSocket data messages relayed, by direction.",
		}, []string{"direction"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_proxy_websocket_bytes_total",
			Help: "WebSocket payload bytes relayed, by direction.",
		}, []string{"direction"}),

		TunnelPongs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waf_proxy_websocket_pongs_total",
			Help: "Pong replies sent to the backend in answer to its pings.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsAccepted,
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.TLSRequests,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.HTMLRewrites,
		m.TunnelsActive,
		m.TunnelsTotal,
		m.TunnelMessages,
		m.TunnelBytes,
		m.TunnelPongs,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Request kinds used as the "kind" label.
const (
	KindHTTP      = "http"
	KindWebSocket = "websocket"
)

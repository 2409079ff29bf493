// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"

	"waf-proxy-go/internal/tlsterm"
)

// RequestContext describes one inbound request. It is created when the
// request arrives and is not kept after the request completes.
type RequestContext struct {
	ID       string
	ClientIP string
	TLS      *tlsterm.SessionInfo // nil when the connection is not TLS
}

// ProxyRequest represents a client request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx        context.Context
	Meta       RequestContext
	Method     string
	RequestURI string // original path and query, as received
	Host       string // inbound Host header
	Header     http.Header
	Body       io.Reader
}

// ProxyResponse represents the backend response to be returned to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

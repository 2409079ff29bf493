package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"waf-proxy-go/internal/config"
	"waf-proxy-go/internal/tunnel"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	tunnel  *tunnel.Handler
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, tun *tunnel.Handler) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, tunnel: tun}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           string(h.version),
		"webapp_url":        h.cfg.WebappURL,
		"tls_enabled":       h.cfg.TLS.Enabled,
		"websocket_tunnels": h.tunnel.Active(),
	})
}

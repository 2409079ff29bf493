package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes sends every method and path on the proxy listener to the
// proxy handler.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metrics http.Handler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET(metricsPath, echo.WrapHandler(metrics))
}

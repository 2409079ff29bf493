package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const kubeProbePrefix = "kube-probe/"

// KubeProbe returns an Echo middleware that answers Kubernetes liveness and
// readiness probes with 200 OK instead of forwarding them. Probes are
// recognized by their User-Agent.
func KubeProbe() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().UserAgent(), kubeProbePrefix) {
				return c.String(http.StatusOK, "OK")
			}
			return next(c)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"waf-proxy-go/internal/client"
	"waf-proxy-go/internal/config"
	"waf-proxy-go/internal/handler"
	"waf-proxy-go/internal/metrics"
	"waf-proxy-go/internal/middleware"
	"waf-proxy-go/internal/server"
	"waf-proxy-go/internal/service"
	"waf-proxy-go/internal/tlsterm"
	"waf-proxy-go/internal/tunnel"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// levelTrace sits below debug for per-message relay logging.
const levelTrace = slog.LevelDebug - 4

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("waf-proxy"),
		kong.Description("TLS-terminating reverse proxy that tags every request with an id."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newAcceptor,
			newEcho,
			newServer,
			client.NewBackendClient,
			service.NewProxyService,
			tunnel.NewHandler,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			setWorkers,
			handler.RegisterRoutes,
			warnConfigPermissions,
			logStartup,
			startServer,
			startAdmin,
		),
	).Run()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return levelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	var out io.Writer = os.Stdout
	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		lc.Append(fx.StopHook(f.Close))
		out = f
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.LogLevel)}

	var h slog.Handler
	switch cfg.Logging.LogFormat {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		h = slog.NewTextHandler(out, opts)
	}

	return slog.New(h), nil
}

// newAcceptor loads the certificate pair when TLS is enabled. A nil acceptor
// means the proxy serves plain HTTP.
func newAcceptor(cfg *config.Config) (*tlsterm.Acceptor, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	return tlsterm.NewAcceptor(cfg.TLS.CertPath, cfg.TLS.KeyPath, cfg.TLS.MinVersion)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if cfg.Server.TrustForwardedFor {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))

	if cfg.Server.AnswerKubeProbes {
		e.Use(middleware.KubeProbe())
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newServer(cfg *config.Config, e *echo.Echo, acceptor *tlsterm.Acceptor, logger *slog.Logger, m *metrics.Metrics) *server.Server {
	readTimeout := time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	return server.New(cfg.Addr(), e, readTimeout, acceptor, logger, m)
}

func setWorkers(cfg *config.Config, logger *slog.Logger) {
	if cfg.Threading.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Threading.Workers)
		logger.Debug("worker count set", "workers", cfg.Threading.Workers)
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logStartup(cfg *config.Config, logger *slog.Logger) {
	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	logFile := cfg.Logging.LogFile
	if logFile == "" {
		logFile = "stdout"
	}
	logger.Info("configuration loaded",
		"config", cfg.FilePath(),
		"webapp_url", cfg.WebappURL,
		"listen_url", scheme+"://"+cfg.Addr(),
		"tls", cfg.TLS.Enabled,
		"log_file", logFile,
		"log_level", cfg.Logging.LogLevel,
		"workers", runtime.GOMAXPROCS(0),
	)
}

func startServer(lc fx.Lifecycle, s *server.Server, tun *tunnel.Handler) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return errors.Join(s.Shutdown(ctx), tun.Close(ctx))
		},
	})
}

// startAdmin serves health, status and metrics on their own listener so that
// every path on the proxy port reaches the backend.
func startAdmin(lc fx.Lifecycle, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Use(echomw.Recover())
	handler.RegisterAdminRoutes(e, health, cfg.Metrics.Path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", cfg.Metrics.Addr, err)
			}
			logger.Info("admin server started", "addr", ln.Addr().String(), "metrics_path", cfg.Metrics.Path)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

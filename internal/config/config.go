// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPath is the config file used when no positional argument is given.
const DefaultPath = "waf.toml"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string           `kong:"arg,optional,default='waf.toml',help='Path to TOML config file.'"`
	ListenPort int              `kong:"help='Listen port (overrides config).',env='APP_LISTEN_PORT'"`
	WebappURL  string           `kong:"name='webapp-url',help='Backend origin URL (overrides config).',env='APP_WEBAPP_URL'"`
	LogLevel   string           `kong:"help='Log level: trace|debug|info|warn|error (overrides config).',env='APP_LOG_LEVEL'"`
	Version    kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	ListenHost string `toml:"listen_host"`
	ListenPort int    `toml:"listen_port"`
	WebappURL  string `toml:"webapp_url"`

	Logging   LoggingConfig   `toml:"logging"`
	Threading ThreadingConfig `toml:"threading"`
	TLS       TLSConfig       `toml:"tls"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Server    ServerConfig    `toml:"server"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	LogFile   string `toml:"log_file"` // empty means stdout
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// ThreadingConfig holds the worker-count hint. Zero means auto-detect.
type ThreadingConfig struct {
	Workers int `toml:"workers"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `toml:"tls_enabled"`
	CertPath   string `toml:"tls_cert_path"`
	KeyPath    string `toml:"tls_key_path"`
	MinVersion string `toml:"tls_min_version"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int  `toml:"timeout_seconds"`
	IdleConnections int  `toml:"idle_connections"`
	PreserveHost    bool `toml:"preserve_host"`
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	TrustForwardedFor bool  `toml:"trust_forwarded_for"`
	AnswerKubeProbes  bool  `toml:"answer_kube_probes"`
	BodyMaxBytes      int64 `toml:"body_max_bytes"` // 0 means unlimited
	// ReadTimeoutSeconds bounds reading a whole request, body included.
	// 0 means no deadline beyond the header read timeout.
	ReadTimeoutSeconds int             `toml:"read_timeout_seconds"`
	RateLimit          RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// WebSocketConfig holds tunnel settings.
type WebSocketConfig struct {
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
}

// MetricsConfig holds settings for the admin listener (health, status, Prometheus).
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// ValidationError reports the first config field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Load reads the TOML config file and applies CLI overrides.
// An empty path falls back to DefaultPath in the working directory.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.ListenPort != 0 {
		c.ListenPort = cli.ListenPort
	}
	if cli.WebappURL != "" {
		c.WebappURL = cli.WebappURL
	}
	if cli.LogLevel != "" {
		c.Logging.LogLevel = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.ListenPort == 0 {
		return invalid("listen_port", "must be specified")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return invalid("listen_port", "must be 1-65535; got %d", c.ListenPort)
	}

	if c.WebappURL == "" {
		return invalid("webapp_url", "must be specified")
	}
	u, err := url.Parse(c.WebappURL)
	if err != nil {
		return invalid("webapp_url", "not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("webapp_url", "must use http or https; got %q", c.WebappURL)
	}
	if u.Host == "" {
		return invalid("webapp_url", "must include a host; got %q", c.WebappURL)
	}

	switch strings.ToLower(c.Logging.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "":
		// valid
	default:
		return invalid("logging.log_level", "must be one of: trace, debug, info, warn, error; got %q", c.Logging.LogLevel)
	}
	switch strings.ToLower(c.Logging.LogFormat) {
	case "json", "text", "":
		// valid
	default:
		return invalid("logging.log_format", "must be one of: json, text; got %q", c.Logging.LogFormat)
	}

	if c.Threading.Workers < 0 {
		return invalid("threading.workers", "must be non-negative; got %d", c.Threading.Workers)
	}
	if n := runtime.NumCPU(); c.Threading.Workers > n {
		return invalid("threading.workers", "cannot exceed CPU cores: %d", n)
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return invalid("tls", "TLS is enabled but certificate or key path is not set")
		}
		if _, err := os.Stat(c.TLS.CertPath); err != nil {
			return invalid("tls.tls_cert_path", "does not exist: %s", c.TLS.CertPath)
		}
		if _, err := os.Stat(c.TLS.KeyPath); err != nil {
			return invalid("tls.tls_key_path", "does not exist: %s", c.TLS.KeyPath)
		}
	}
	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
		// valid
	default:
		return invalid("tls.tls_min_version", "must be 1.2 or 1.3; got %q", c.TLS.MinVersion)
	}

	if c.Upstream.TimeoutSeconds < 0 {
		return invalid("upstream.timeout_seconds", "must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return invalid("upstream.idle_connections", "must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.BodyMaxBytes < 0 {
		return invalid("server.body_max_bytes", "must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ReadTimeoutSeconds < 0 {
		return invalid("server.read_timeout_seconds", "must be non-negative; got %d", c.Server.ReadTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return invalid("server.rate_limit.requests_per_second", "must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.WebSocket.HandshakeTimeoutSeconds < 0 {
		return invalid("websocket.handshake_timeout_seconds", "must be non-negative; got %d", c.WebSocket.HandshakeTimeoutSeconds)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		return invalid("metrics.path", "must start with '/'; got %q", c.Metrics.Path)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	c.WebappURL = strings.TrimRight(c.WebappURL, "/")
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	c.Logging.LogLevel = strings.ToLower(c.Logging.LogLevel)
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = "info"
	}
	c.Logging.LogFormat = strings.ToLower(c.Logging.LogFormat)
	if c.Logging.LogFormat == "" {
		c.Logging.LogFormat = "text"
	}
	if c.TLS.MinVersion == "" {
		c.TLS.MinVersion = "1.2"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.WebSocket.HandshakeTimeoutSeconds == 0 {
		c.WebSocket.HandshakeTimeoutSeconds = 45
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Addr returns the proxy listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// FilePath returns the path the config was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// Package tlsterm terminates inbound TLS and reports what each session negotiated.
package tlsterm

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
)

// ConfigError reports certificate or key material that could not be loaded.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tls: load %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Acceptor holds the server TLS configuration built once at startup.
type Acceptor struct {
	config *tls.Config
}

// NewAcceptor loads a PEM certificate chain and private key and builds a server
// TLS configuration. Client certificates are not requested.
func NewAcceptor(certPath, keyPath, minVersion string) (*Acceptor, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, &ConfigError{Path: certPath + ", " + keyPath, Err: err}
	}
	if len(cert.Certificate) == 0 {
		return nil, &ConfigError{Path: certPath, Err: fmt.Errorf("no certificates found")}
	}

	return &Acceptor{
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   parseMinVersion(minVersion),
			NextProtos:   []string{"http/1.1"},
			ClientAuth:   tls.NoClientCert,
		},
	}, nil
}

// parseMinVersion maps "1.3" to TLS 1.3; anything else yields TLS 1.2.
func parseMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Config returns a copy of the server TLS configuration.
func (a *Acceptor) Config() *tls.Config {
	return a.config.Clone()
}

// Listener wraps inner so that every accepted connection is a server-side TLS
// connection. The handshake runs on first read, in the goroutine serving that
// connection; a failed handshake only affects that connection.
func (a *Acceptor) Listener(inner net.Listener) net.Listener {
	return tls.NewListener(inner, a.Config())
}

// SessionInfo is what a TLS handshake negotiated. Fields are nil when the
// value could not be determined.
type SessionInfo struct {
	Version     *string
	CipherSuite *string
}

// Session extracts session details from a connection state. It returns nil
// when state is nil, which means the connection is not using TLS.
func Session(state *tls.ConnectionState) *SessionInfo {
	if state == nil {
		return nil
	}
	info := &SessionInfo{}
	if !state.HandshakeComplete {
		return info
	}
	if state.Version != 0 {
		v := tls.VersionName(state.Version)
		info.Version = &v
	}
	if state.CipherSuite != 0 {
		c := tls.CipherSuiteName(state.CipherSuite)
		info.CipherSuite = &c
	}
	return info
}

// LogValue implements slog.LogValuer. Missing values render as "unknown".
func (s *SessionInfo) LogValue() slog.Value {
	if s == nil {
		return slog.StringValue("disabled")
	}
	return slog.GroupValue(
		slog.String("version", orUnknown(s.Version)),
		slog.String("cipher", orUnknown(s.CipherSuite)),
	)
}

func orUnknown(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlstunnel holds the environment configuration of a tunnel
// deployment.
package tlstunnel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/absmach/tlstunnel/pkg/breaker"
	"github.com/absmach/tlstunnel/pkg/ratelimit"
	"github.com/absmach/tlstunnel/pkg/tunnel"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the default prefix of every configuration variable.
const EnvPrefix = "TLSTUNNEL_"

var (
	errInvalidMode  = errors.New("invalid tunnel mode")
	errNoBackend    = errors.New("either a backend or a routes file is required")
	errNoServerCert = errors.New("tls mode requires a certificate or a routes file")
	errCertKeyPair  = errors.New("cert and key files must be set together")
	errClientCAMode = errors.New("client CA requires tls mode")
)

// Config describes one tunnel listener and its operational endpoints.
type Config struct {
	Address string      `env:"ADDRESS" envDefault:":8443"`
	Mode    tunnel.Mode `env:"MODE"    envDefault:"tls"`

	// Backend is the static backend used when no routes file is set.
	Backend     string `env:"BACKEND"`
	RoutesFile  string `env:"ROUTES_FILE"`
	WatchRoutes bool   `env:"WATCH_ROUTES" envDefault:"true"`

	// Certificate served in tls mode when no routes file is set. With
	// ClientCAFile clients must present a certificate signed by that CA,
	// whichever certificate the tunnel serves them.
	CertFile     string `env:"CERT_FILE"`
	KeyFile      string `env:"KEY_FILE"`
	ClientCAFile string `env:"CLIENT_CA_FILE"`

	HandshakeTimeout      time.Duration `env:"HANDSHAKE_TIMEOUT"       envDefault:"1s"`
	DisableTimeoutLogging bool          `env:"DISABLE_TIMEOUT_LOGGING" envDefault:"false"`
	DialTimeout           time.Duration `env:"DIAL_TIMEOUT"            envDefault:"10s"`
	BufferSize            int           `env:"BUFFER_SIZE"             envDefault:"10000"`

	// AllowedServerNames restricts the SNI hostnames clients may request.
	AllowedServerNames []string `env:"ALLOWED_SERVER_NAMES" envSeparator:","`

	Breaker          breaker.Config   `envPrefix:"BREAKER_"`
	RateLimitEnabled bool             `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimit        ratelimit.Config `envPrefix:"RATE_LIMIT_"`

	// OpsAddress serves /metrics, /health, /ready and /live; empty disables it.
	OpsAddress      string        `env:"OPS_ADDRESS"      envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// NewConfig parses the configuration from the environment and validates it.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that the settings describe a runnable tunnel.
func (c Config) Validate() error {
	switch c.Mode {
	case tunnel.ModePlain, tunnel.ModeTLS, tunnel.ModePassthrough:
	default:
		return fmt.Errorf("%w: %q", errInvalidMode, c.Mode)
	}
	if c.Backend == "" && c.RoutesFile == "" {
		return errNoBackend
	}
	if c.Backend != "" {
		if _, _, err := net.SplitHostPort(c.Backend); err != nil {
			return fmt.Errorf("invalid backend %q: %w", c.Backend, err)
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errCertKeyPair
	}
	if c.Mode == tunnel.ModeTLS && c.CertFile == "" && c.RoutesFile == "" {
		return errNoServerCert
	}
	if c.ClientCAFile != "" && c.Mode != tunnel.ModeTLS {
		return errClientCAMode
	}
	return nil
}

// TLSConfig loads the fixed server certificate. It returns nil when no
// certificate is configured.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg, err := c.ServerPolicy()
	if err != nil {
		return nil, err
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// ServerPolicy returns the settings shared by every certificate the tunnel
// serves: TLS 1.2 or newer and, with a client CA, verified client
// certificates.
func (c Config) ServerPolicy() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.ClientCAFile != "" {
		pool, err := loadCertPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

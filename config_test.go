// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlstunnel

import (
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/tlstunnel/internal/testcert"
	"github.com/absmach/tlstunnel/pkg/tunnel"
	"github.com/caarlos0/env/v11"
)

func parse(t *testing.T, vars map[string]string) (Config, error) {
	t.Helper()
	environ := make(map[string]string, len(vars))
	for k, v := range vars {
		environ[EnvPrefix+k] = v
	}
	return NewConfig(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := parse(t, map[string]string{"MODE": "plain", "BACKEND": "127.0.0.1:80"})
	if err != nil {
		t.Fatalf("NewConfig() error: %v", err)
	}
	if cfg.Address != ":8443" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.HandshakeTimeout != time.Second {
		t.Errorf("HandshakeTimeout = %v, want 1s", cfg.HandshakeTimeout)
	}
	if cfg.BufferSize != 10000 {
		t.Errorf("BufferSize = %d, want 10000", cfg.BufferSize)
	}
	if cfg.Breaker.MaxFailures != 5 || cfg.Breaker.ResetTimeout != 30*time.Second {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.RateLimitEnabled || cfg.RateLimit.Burst != 20 {
		t.Errorf("RateLimit = %v %+v", cfg.RateLimitEnabled, cfg.RateLimit)
	}
	if !cfg.WatchRoutes || cfg.OpsAddress != ":9090" {
		t.Errorf("WatchRoutes = %v, OpsAddress = %q", cfg.WatchRoutes, cfg.OpsAddress)
	}
}

func TestNewConfig_Overrides(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"MODE":                 "passthrough",
		"ROUTES_FILE":          "/etc/tlstunnel/routes.yaml",
		"HANDSHAKE_TIMEOUT":    "250ms",
		"ALLOWED_SERVER_NAMES": "a.example,b.example",
		"BREAKER_MAX_FAILURES": "2",
		"RATE_LIMIT_ENABLED":   "true",
		"RATE_LIMIT_RATE":      "1.5",
		"OPS_ADDRESS":          "",
	})
	if err != nil {
		t.Fatalf("NewConfig() error: %v", err)
	}
	if cfg.Mode != tunnel.ModePassthrough {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.HandshakeTimeout != 250*time.Millisecond {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
	if len(cfg.AllowedServerNames) != 2 || cfg.AllowedServerNames[1] != "b.example" {
		t.Errorf("AllowedServerNames = %v", cfg.AllowedServerNames)
	}
	if cfg.Breaker.MaxFailures != 2 || !cfg.RateLimitEnabled || cfg.RateLimit.Rate != 1.5 {
		t.Errorf("Breaker = %+v, RateLimit = %+v", cfg.Breaker, cfg.RateLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"plain static", Config{Mode: tunnel.ModePlain, Backend: "h:1"}, nil},
		{"tls with routes", Config{Mode: tunnel.ModeTLS, RoutesFile: "r.yaml"}, nil},
		{"tls with cert", Config{Mode: tunnel.ModeTLS, Backend: "h:1", CertFile: "c", KeyFile: "k"}, nil},
		{"bad mode", Config{Mode: "udp", Backend: "h:1"}, errInvalidMode},
		{"no backend", Config{Mode: tunnel.ModePlain}, errNoBackend},
		{"tls without cert", Config{Mode: tunnel.ModeTLS, Backend: "h:1"}, errNoServerCert},
		{"cert without key", Config{Mode: tunnel.ModeTLS, Backend: "h:1", CertFile: "c"}, errCertKeyPair},
		{"client ca with routes", Config{Mode: tunnel.ModeTLS, RoutesFile: "r.yaml", ClientCAFile: "ca"}, nil},
		{"client ca in passthrough", Config{Mode: tunnel.ModePassthrough, Backend: "h:1", ClientCAFile: "ca"}, errClientCAMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := (Config{Mode: tunnel.ModePlain, Backend: "nowhere"}).Validate(); err == nil {
		t.Error("Validate() should reject a backend without a port")
	}
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := testcert.WriteFiles(t, dir, "server", "tunnel.example")
	caFile, _ := testcert.WriteFiles(t, dir, "ca", "ca.example")

	cfg, err := Config{}.TLSConfig()
	if err != nil || cfg != nil {
		t.Errorf("TLSConfig() without cert = %v, %v", cfg, err)
	}

	cfg, err = Config{CertFile: certFile, KeyFile: keyFile}.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig() error: %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("unexpected config: %d certs, client auth %v", len(cfg.Certificates), cfg.ClientAuth)
	}

	cfg, err = Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: caFile}.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig() with client CA error: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Errorf("client CA not applied: %v", cfg.ClientAuth)
	}

	if _, err := (Config{CertFile: certFile, KeyFile: certFile}).TLSConfig(); err == nil {
		t.Error("TLSConfig() should fail on a mismatched key")
	}
}

func TestServerPolicy(t *testing.T) {
	caFile, _ := testcert.WriteFiles(t, t.TempDir(), "ca", "ca.example")

	cfg, err := Config{}.ServerPolicy()
	if err != nil {
		t.Fatalf("ServerPolicy() error: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("default policy: min version %#x, client auth %v", cfg.MinVersion, cfg.ClientAuth)
	}

	// No fixed certificate: the policy still carries the client CA for
	// certificates served from the route table.
	cfg, err = Config{RoutesFile: "r.yaml", ClientCAFile: caFile}.ServerPolicy()
	if err != nil {
		t.Fatalf("ServerPolicy() with client CA error: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Errorf("client CA not applied: %v", cfg.ClientAuth)
	}

	if _, err := (Config{ClientCAFile: filepath.Join(t.TempDir(), "missing.pem")}).ServerPolicy(); err == nil {
		t.Error("ServerPolicy() should fail on a missing client CA")
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tterrors "github.com/absmach/tlstunnel/pkg/errors"
)

// ConfigProvider returns the TLS configuration for a requested server name,
// or nil when it has none. ok is false when the client sent no SNI.
type ConfigProvider interface {
	ConfigFor(serverName string, ok bool) *tls.Config
}

// ConfigProviderFunc adapts a function to ConfigProvider.
type ConfigProviderFunc func(serverName string, ok bool) *tls.Config

// ConfigFor calls f.
func (f ConfigProviderFunc) ConfigFor(serverName string, ok bool) *tls.Config {
	return f(serverName, ok)
}

// ProviderID identifies a registered ConfigProvider.
type ProviderID uint64

type provider struct {
	id ProviderID
	p  ConfigProvider
}

// TLSOptions configures the TLS handshake adapter.
type TLSOptions struct {
	// HandshakeTimeout bounds TLS negotiation. Zero disables the deadline.
	HandshakeTimeout time.Duration

	// DisableTimeoutLogging silences the handshake timeout error log.
	DisableTimeoutLogging bool

	// OnSession is called once when the session is established.
	OnSession func(tls.ConnectionState)

	// Logger for handshake events
	Logger *slog.Logger
}

// TLS terminates TLS on an accepted connection. The handshake is driven
// transparently by the first Read or Write.
type TLS struct {
	raw  net.Conn
	conn *tls.Conn
	opts TLSOptions

	providersMu sync.RWMutex
	providers   []provider
	nextID      ProviderID
	fixed       bool

	nameMu     sync.RWMutex
	serverName string
	hasName    bool

	session    *Session
	armOnce    sync.Once
	timerMu    sync.Mutex
	timer      *time.Timer
	armedAt    time.Time
	readCount  atomic.Uint64
	writeCount atomic.Uint64
	closeOnce  sync.Once
	closeErr   error
}

// NewTLS wraps conn with a TLS server whose configuration is chosen per
// connection from providers, queried in order; the first non-nil config wins.
func NewTLS(conn net.Conn, opts TLSOptions, providers ...ConfigProvider) *TLS {
	t := newTLS(conn, opts)
	for _, p := range providers {
		t.AddProvider(p)
	}
	t.conn = tls.Server(conn, &tls.Config{GetConfigForClient: t.configForClient})
	return t
}

// NewTLSFixed wraps conn with a TLS server using a single configuration.
// Provider registration is disabled in this mode.
func NewTLSFixed(conn net.Conn, cfg *tls.Config, opts TLSOptions) *TLS {
	t := newTLS(conn, opts)
	t.fixed = true
	if cfg == nil {
		cfg = &tls.Config{}
	}
	fixed := cfg.Clone()
	fixed.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		t.setServerName(hello.ServerName)
		return nil, nil
	}
	t.conn = tls.Server(conn, fixed)
	return t
}

func newTLS(conn net.Conn, opts TLSOptions) *TLS {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TLS{
		raw:     conn,
		opts:    opts,
		session: newSession(),
	}
}

// AddProvider appends p to the provider chain. It reports false when p is
// nil or the channel uses a fixed configuration.
func (t *TLS) AddProvider(p ConfigProvider) (ProviderID, bool) {
	if p == nil || t.fixed {
		return 0, false
	}
	t.providersMu.Lock()
	defer t.providersMu.Unlock()
	t.nextID++
	t.providers = append(t.providers, provider{id: t.nextID, p: p})
	return t.nextID, true
}

// RemoveProvider removes the provider with the given id.
func (t *TLS) RemoveProvider(id ProviderID) bool {
	t.providersMu.Lock()
	defer t.providersMu.Unlock()
	for i, e := range t.providers {
		if e.id == id {
			t.providers = append(t.providers[:i:i], t.providers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *TLS) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	name, ok := t.setServerName(hello.ServerName)

	t.providersMu.RLock()
	defer t.providersMu.RUnlock()
	for _, e := range t.providers {
		if cfg := e.p.ConfigFor(name, ok); cfg != nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", tterrors.ErrNoTLSConfig, name)
}

func (t *TLS) setServerName(name string) (string, bool) {
	t.nameMu.Lock()
	defer t.nameMu.Unlock()
	t.serverName, t.hasName = name, name != ""
	return t.serverName, t.hasName
}

// ServerName returns the SNI hostname once the ClientHello has been processed,
// even when the handshake later fails.
func (t *TLS) ServerName() (string, bool) {
	t.nameMu.RLock()
	defer t.nameMu.RUnlock()
	return t.serverName, t.hasName
}

// Session returns the future resolving when the session is established or failed.
func (t *TLS) Session() *Session {
	return t.session
}

// ReadCount returns the plaintext bytes read so far.
func (t *TLS) ReadCount() uint64 {
	return t.readCount.Load()
}

// WriteCount returns the plaintext bytes written so far.
func (t *TLS) WriteCount() uint64 {
	return t.writeCount.Load()
}

// Read reads plaintext, completing the handshake first if needed.
func (t *TLS) Read(p []byte) (int, error) {
	if err := t.handshake(); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	if n > 0 {
		t.readCount.Add(uint64(n))
	}
	return n, err
}

// Write writes plaintext, completing the handshake first if needed.
func (t *TLS) Write(p []byte) (int, error) {
	if err := t.handshake(); err != nil {
		return 0, err
	}
	n, err := t.conn.Write(p)
	if n > 0 {
		t.writeCount.Add(uint64(n))
	}
	return n, err
}

func (t *TLS) handshake() error {
	select {
	case <-t.session.Done():
		return t.session.Err()
	default:
	}

	// The goroutine is about to park waiting for handshake input.
	t.armDeadline()
	t.session.begin()

	err := t.conn.Handshake()
	if err != nil {
		t.session.fail(err, false)
		t.stopDeadline()
		// A timeout already failed the session; report that instead of
		// the close it caused.
		return t.session.Err()
	}
	if t.session.complete(t.conn.ConnectionState()) {
		t.stopDeadline()
		if t.opts.OnSession != nil {
			t.opts.OnSession(t.conn.ConnectionState())
		}
	}
	return t.session.Err()
}

func (t *TLS) armDeadline() {
	if t.opts.HandshakeTimeout <= 0 {
		return
	}
	t.armOnce.Do(func() {
		t.timerMu.Lock()
		defer t.timerMu.Unlock()
		if t.session.State() == StateEstablished {
			return
		}
		t.armedAt = time.Now()
		t.timer = time.AfterFunc(t.opts.HandshakeTimeout, t.closeIfNotReady)
	})
}

func (t *TLS) stopDeadline() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *TLS) closeIfNotReady() {
	t.timerMu.Lock()
	armedAt := t.armedAt
	t.timerMu.Unlock()

	elapsed := time.Since(armedAt)
	kv := append(Attrs(t),
		"elapsedMillis", strconv.FormatInt(elapsed.Milliseconds(), 10),
		"timeoutMillis", strconv.FormatInt(t.opts.HandshakeTimeout.Milliseconds(), 10))
	err := fmt.Errorf("%w: %s", tterrors.ErrHandshakeTimeout, tterrors.Summary("", kv...))
	if !t.session.fail(err, true) {
		return
	}
	t.Close()
	if !t.opts.DisableTimeoutLogging {
		t.opts.Logger.Error("tls handshake timeout", slog.String("error", err.Error()))
	}
}

// Close closes the underlying connection once.
func (t *TLS) Close() error {
	t.closeOnce.Do(func() {
		t.stopDeadline()
		t.closeErr = t.raw.Close()
	})
	return t.closeErr
}

// LocalAddr returns the listener side address.
func (t *TLS) LocalAddr() net.Addr {
	return t.raw.LocalAddr()
}

// RemoteAddr returns the client address.
func (t *TLS) RemoteAddr() net.Addr {
	return t.raw.RemoteAddr()
}

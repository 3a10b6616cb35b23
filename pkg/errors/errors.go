// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for tlstunnel.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Common error types
var (
	// ErrBackendDiscovery indicates the resolver returned no backend address.
	ErrBackendDiscovery = errors.New("backend server discovery failed")

	// ErrHandshakeTimeout indicates the TLS session was not established in time.
	ErrHandshakeTimeout = errors.New("tls handshake timeout")

	// ErrNoTLSConfig indicates no provider returned a TLS configuration for the client's server name.
	ErrNoTLSConfig = errors.New("no tls config for server name")

	// ErrNotClientHello indicates the first bytes of a passthrough connection are not a TLS ClientHello.
	ErrNotClientHello = errors.New("not a tls client hello")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBackendUnavailable indicates the backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// TunnelError wraps a per-connection error with a diagnostic summary.
type TunnelError struct {
	Op         string // Operation that failed
	ConnID     string // Connection identifier
	LocalAddr  string // Listener side address
	RemoteAddr string // Client address
	ServerName string // SNI value, when known
	Backend    string // Resolved backend address, when known
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	return Summary(e.Op, e.Fields()...) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Fields returns the non-empty summary fields as alternating key/value pairs.
func (e *TunnelError) Fields() []string {
	return []string{
		"conn", e.ConnID,
		"serverName", e.ServerName,
		"remoteAddress", e.RemoteAddr,
		"localAddress", e.LocalAddr,
		"backend", e.Backend,
	}
}

// Summary formats a message followed by key:value pairs, skipping blank values.
func Summary(msg string, kv ...string) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		if strings.TrimSpace(kv[i+1]) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[i])
		b.WriteByte(':')
		b.WriteString(kv[i+1])
	}
	return b.String()
}

// IsBenign reports whether err is an expected termination condition that must
// not be logged as a failure: end of stream, cooperative channel closure, or a
// peer rejecting our certificate.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, ErrConnectionClosed):
		return true
	}
	return IsCertificateUnknown(err)
}

// IsCertificateUnknown reports whether err carries a certificate_unknown alert
// received from the peer. Clients probing without trusting the served
// certificate send this alert and simply go away.
func IsCertificateUnknown(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "remote error" || opErr.Err == nil {
		return false
	}
	return strings.Contains(opErr.Err.Error(), "unknown certificate")
}

// IsTemporary reports whether an accept error is transient and worth retrying.
func IsTemporary(err error) bool {
	var ne interface{ Temporary() bool }
	if errors.As(err, &ne) && ne.Temporary() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

// New creates a new TunnelError.
func New(op string, err error) *TunnelError {
	if err == nil {
		return nil
	}
	return &TunnelError{Op: op, Err: err}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

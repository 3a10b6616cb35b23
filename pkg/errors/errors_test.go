// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
)

// alertErr mimics the unexported alert type crypto/tls stores in remote errors.
type alertErr string

func (a alertErr) Error() string { return string(a) }

func TestIsBenign(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "wrapped eof", err: fmt.Errorf("read: %w", io.EOF), want: true},
		{name: "closed", err: &net.OpError{Op: "read", Err: net.ErrClosed}, want: true},
		{name: "certificate unknown", err: &net.OpError{Op: "remote error", Err: alertErr("tls: unknown certificate")}, want: true},
		{name: "other alert", err: &net.OpError{Op: "remote error", Err: alertErr("tls: handshake failure")}, want: false},
		{name: "discovery", err: ErrBackendDiscovery, want: false},
		{name: "reset", err: syscall.ECONNRESET, want: false},
		{name: "timeout", err: ErrHandshakeTimeout, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBenign(tt.err); got != tt.want {
				t.Errorf("IsBenign(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTunnelError(t *testing.T) {
	err := &TunnelError{
		Op:         "backend connect",
		ConnID:     "abc",
		RemoteAddr: "127.0.0.1:5000",
		ServerName: "host-a.example",
		Err:        ErrBackendDiscovery,
	}

	if !errors.Is(err, ErrBackendDiscovery) {
		t.Error("expected TunnelError to unwrap to ErrBackendDiscovery")
	}

	msg := err.Error()
	for _, want := range []string{"backend connect", "conn:abc", "serverName:host-a.example", "remoteAddress:127.0.0.1:5000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if strings.Contains(msg, "backend:") {
		t.Errorf("Error() = %q, blank backend should be skipped", msg)
	}
}

func TestSummary(t *testing.T) {
	got := Summary("tls handshake timeout.", "elapsedMillis", "1000", "serverName", " ", "timeoutMillis", "1000")
	want := "tls handshake timeout. elapsedMillis:1000 timeoutMillis:1000"
	if got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}

func TestNewAndWrap(t *testing.T) {
	if New("op", nil) != nil {
		t.Error("New with nil error should return nil")
	}
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap with nil error should return nil")
	}
	if err := Wrap(io.EOF, "read"); !errors.Is(err, io.EOF) {
		t.Errorf("Wrap lost the wrapped error: %v", err)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/tlstunnel/internal/testcert"
	"github.com/absmach/tlstunnel/internal/testlog"
	"github.com/absmach/tlstunnel/internal/testnet"
	tterrors "github.com/absmach/tlstunnel/pkg/errors"
)

func TestTLS_ProviderChain(t *testing.T) {
	server, client := testnet.Pair(t)
	cert := testcert.Generate(t, "host-a.example")

	var asked []string
	skip := ConfigProviderFunc(func(name string, ok bool) *tls.Config {
		asked = append(asked, "skip:"+name)
		return nil
	})
	match := ConfigProviderFunc(func(name string, ok bool) *tls.Config {
		asked = append(asked, "match:"+name)
		if name == "host-a.example" {
			return testcert.ServerConfig(cert)
		}
		return nil
	})
	never := ConfigProviderFunc(func(name string, ok bool) *tls.Config {
		asked = append(asked, "never:"+name)
		return testcert.ServerConfig(cert)
	})

	var sessions int
	ch := NewTLS(server, TLSOptions{
		HandshakeTimeout: 2 * time.Second,
		OnSession:        func(tls.ConnectionState) { sessions++ },
	}, skip, match, never)

	go func() {
		c := tls.Client(client, testcert.ClientConfig("host-a.example"))
		c.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Read() = %q, want ping", buf)
	}

	want := []string{"skip:host-a.example", "match:host-a.example"}
	if len(asked) != len(want) {
		t.Fatalf("providers asked %v, want %v", asked, want)
	}
	for i := range want {
		if asked[i] != want[i] {
			t.Errorf("provider call %d = %s, want %s", i, asked[i], want[i])
		}
	}

	if name, ok := ch.ServerName(); !ok || name != "host-a.example" {
		t.Errorf("ServerName() = %q, %v", name, ok)
	}
	if ch.Session().State() != StateEstablished {
		t.Errorf("State() = %s, want established", ch.Session().State())
	}
	if sessions != 1 {
		t.Errorf("OnSession called %d times, want 1", sessions)
	}
	if ch.ReadCount() != 4 {
		t.Errorf("ReadCount() = %d, want 4", ch.ReadCount())
	}

	if _, err := ch.Write([]byte("pong!")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if ch.WriteCount() != 5 {
		t.Errorf("WriteCount() = %d, want 5", ch.WriteCount())
	}
}

func TestTLS_NoMatchingProvider(t *testing.T) {
	server, client := testnet.Pair(t)
	none := ConfigProviderFunc(func(string, bool) *tls.Config { return nil })
	ch := NewTLS(server, TLSOptions{}, none)

	go tls.Client(client, testcert.ClientConfig("unknown.example")).Handshake()

	_, err := ch.Read(make([]byte, 8))
	if !errors.Is(err, tterrors.ErrNoTLSConfig) {
		t.Fatalf("Read() error = %v, want ErrNoTLSConfig", err)
	}
	if name, ok := ch.ServerName(); !ok || name != "unknown.example" {
		t.Errorf("ServerName() = %q, %v; the name must survive a failed handshake", name, ok)
	}
	if ch.Session().State() != StateFailed {
		t.Errorf("State() = %s, want failed", ch.Session().State())
	}
	if _, err := ch.Write([]byte("x")); !errors.Is(err, tterrors.ErrNoTLSConfig) {
		t.Errorf("Write() after failure = %v, want the handshake error", err)
	}
}

func TestTLS_AddRemoveProvider(t *testing.T) {
	server, _ := testnet.Pair(t)
	ch := NewTLS(server, TLSOptions{})

	if _, ok := ch.AddProvider(nil); ok {
		t.Error("nil provider should be refused")
	}
	id, ok := ch.AddProvider(ConfigProviderFunc(func(string, bool) *tls.Config { return nil }))
	if !ok {
		t.Fatal("expected provider to be added")
	}
	if !ch.RemoveProvider(id) {
		t.Error("expected provider to be removed")
	}
	if ch.RemoveProvider(id) {
		t.Error("second removal should report no change")
	}
}

func TestTLS_Fixed(t *testing.T) {
	server, client := testnet.Pair(t)
	cert := testcert.Generate(t, "fixed.example")
	ch := NewTLSFixed(server, testcert.ServerConfig(cert), TLSOptions{})

	if _, ok := ch.AddProvider(ConfigProviderFunc(func(string, bool) *tls.Config { return nil })); ok {
		t.Error("fixed channel should refuse providers")
	}

	go func() {
		c := tls.Client(client, testcert.ClientConfig("anything.example"))
		c.Write([]byte("ok"))
	}()

	buf := make([]byte, 2)
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if name, _ := ch.ServerName(); name != "anything.example" {
		t.Errorf("ServerName() = %q, want anything.example", name)
	}
}

func TestTLS_HandshakeTimeout(t *testing.T) {
	server, _ := testnet.Pair(t)
	logger, rec := testlog.New()
	cert := testcert.Generate(t, "host-a.example")
	ch := NewTLSFixed(server, testcert.ServerConfig(cert), TLSOptions{
		HandshakeTimeout: 100 * time.Millisecond,
		Logger:           logger,
	})

	start := time.Now()
	_, err := ch.Read(make([]byte, 8))
	if !errors.Is(err, tterrors.ErrHandshakeTimeout) {
		t.Fatalf("Read() error = %v, want ErrHandshakeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if ch.Session().State() != StateTimedOut {
		t.Errorf("State() = %s, want timed_out", ch.Session().State())
	}

	// Further operations keep reporting the same terminal failure without re-logging.
	if _, err := ch.Write([]byte("x")); !errors.Is(err, tterrors.ErrHandshakeTimeout) {
		t.Errorf("Write() error = %v, want ErrHandshakeTimeout", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.Count(slog.LevelError, "tls handshake timeout"); n != 1 {
		t.Errorf("logged %d timeouts, want exactly 1", n)
	}
}

func TestTLS_HandshakeTimeoutSilenced(t *testing.T) {
	server, _ := testnet.Pair(t)
	logger, rec := testlog.New()
	ch := NewTLS(server, TLSOptions{
		HandshakeTimeout:      50 * time.Millisecond,
		DisableTimeoutLogging: true,
		Logger:                logger,
	})

	if _, err := ch.Read(make([]byte, 8)); !errors.Is(err, tterrors.ErrHandshakeTimeout) {
		t.Fatalf("Read() error = %v, want ErrHandshakeTimeout", err)
	}
	if n := rec.Count(slog.LevelDebug, ""); n != 0 {
		t.Errorf("logged %d records, want none", n)
	}
}

func TestTLS_EstablishedBeforeDeadline(t *testing.T) {
	server, client := testnet.Pair(t)
	logger, rec := testlog.New()
	cert := testcert.Generate(t, "host-a.example")
	timeout := 300 * time.Millisecond
	ch := NewTLSFixed(server, testcert.ServerConfig(cert), TLSOptions{HandshakeTimeout: timeout, Logger: logger})

	tc := tls.Client(client, testcert.ClientConfig("host-a.example"))
	go tc.Write([]byte("a"))

	buf := make([]byte, 1)
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}

	// Outlive the deadline; the connection must stay usable.
	time.Sleep(timeout + 200*time.Millisecond)

	go tc.Write([]byte("b"))
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatalf("Read() after deadline error: %v", err)
	}
	if string(buf) != "b" {
		t.Errorf("Read() = %q, want b", buf)
	}
	if ch.Session().State() != StateEstablished {
		t.Errorf("State() = %s, want established", ch.Session().State())
	}
	if n := rec.Count(slog.LevelError, ""); n != 0 {
		t.Errorf("logged %d errors, want none", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := ch.Session().Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if state.ServerName != "host-a.example" {
		t.Errorf("session ServerName = %q", state.ServerName)
	}
}

func TestTLS_CertificateUnknownAlert(t *testing.T) {
	server, client := testnet.Pair(t)
	ch := NewTLS(server, TLSOptions{})

	go client.Write(testcert.CertificateUnknownAlert)

	_, err := ch.Read(make([]byte, 8))
	if err == nil {
		t.Fatal("expected Read() to fail")
	}
	if !tterrors.IsCertificateUnknown(err) {
		t.Errorf("IsCertificateUnknown(%v) = false, want true", err)
	}
	if !tterrors.IsBenign(err) {
		t.Errorf("IsBenign(%v) = false, want true", err)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/tlstunnel/internal/testcert"
	"github.com/absmach/tlstunnel/internal/testlog"
	"github.com/absmach/tlstunnel/internal/testnet"
	"github.com/absmach/tlstunnel/pkg/channel"
	"github.com/absmach/tlstunnel/pkg/metrics"
	"github.com/absmach/tlstunnel/pkg/ratelimit"
	"github.com/absmach/tlstunnel/pkg/relay"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
)

const settle = 2 * time.Second

func start(t *testing.T, cfg Config) *Tunnel {
	t.Helper()
	tn := New(cfg).Start(context.Background(), "127.0.0.1:0")
	t.Cleanup(tn.Cancel)

	select {
	case <-tn.Ready():
	case <-time.After(settle):
		t.Fatal("tunnel did not bind")
	}
	if tn.Addr() == nil {
		t.Fatalf("tunnel failed to bind: %v", tn.Err())
	}
	return tn
}

func TestPlainTunnel(t *testing.T) {
	backend := testnet.Echo(t)
	logger, _ := testlog.New()
	tn := start(t, Config{
		Mode:   ModePlain,
		Relay:  relay.Config{Resolver: relay.Static(backend.Addr())},
		Logger: logger,
	})

	conn, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	msg := []byte("GET /\r\n\r\n")
	conn.Write(msg)
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error: %v", err)
	}
	conn.Close()

	ok := testnet.Eventually(settle, func() bool {
		return tn.ReadCounter().Total() == 9 && tn.WriteCounter().Total() == 9 && tn.ActiveConnections() == 0
	})
	if !ok {
		t.Errorf("counters = %d/%d active %d, want 9/9 and 0",
			tn.ReadCounter().Total(), tn.WriteCounter().Total(), tn.ActiveConnections())
	}
}

func TestTLSTunnelSNIRouting(t *testing.T) {
	x := testnet.Echo(t)
	y := testnet.Echo(t)
	cert := testcert.Generate(t, "host-a.example", "host-b.example")

	routes := map[string]string{"host-a.example": x.Addr(), "host-b.example": y.Addr()}
	tn := start(t, Config{
		Mode: ModeTLS,
		Providers: []channel.ConfigProvider{channel.ConfigProviderFunc(func(name string, ok bool) *tls.Config {
			if _, found := routes[name]; found {
				return testcert.ServerConfig(cert)
			}
			return nil
		})},
		Relay: relay.Config{Resolver: relay.SNIResolverFunc(func(_ context.Context, name string, _ bool) (string, error) {
			return routes[name], nil
		})},
	})

	for _, name := range []string{"host-a.example", "host-b.example"} {
		conn, err := tls.Dial("tcp", tn.Addr().String(), testcert.ClientConfig(name))
		if err != nil {
			t.Fatalf("tls.Dial(%s) error: %v", name, err)
		}
		conn.Write([]byte(name))
		buf := make([]byte, len(name))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatalf("ReadFull() error: %v", err)
		}
		conn.Close()
	}

	if got := string(x.WaitReceived(14, settle)); got != "host-a.example" {
		t.Errorf("backend X received %q", got)
	}
	if got := string(y.WaitReceived(14, settle)); got != "host-b.example" {
		t.Errorf("backend Y received %q", got)
	}
}

func TestPassthroughTunnel(t *testing.T) {
	cert := testcert.Generate(t, "host-a.example")
	backendLn, err := tls.Listen("tcp", "127.0.0.1:0", testcert.ServerConfig(cert))
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer backendLn.Close()
	go func() {
		for {
			c, err := backendLn.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c)
		}
	}()

	tn := start(t, Config{
		Mode: ModePassthrough,
		Relay: relay.Config{Resolver: relay.SNIResolverFunc(func(_ context.Context, name string, _ bool) (string, error) {
			if name == "host-a.example" {
				return backendLn.Addr().String(), nil
			}
			return "", nil
		})},
	})

	conn, err := tls.Dial("tcp", tn.Addr().String(), testcert.ClientConfig("host-a.example"))
	if err != nil {
		t.Fatalf("tls.Dial() error: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("end-to-end"))
	buf := make([]byte, 10)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "end-to-end" {
		t.Errorf("echo = %q, %v", buf, err)
	}
}

func TestBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer occupied.Close()

	logger, rec := testlog.New()
	tn := New(Config{Mode: ModePlain, Logger: logger}).Start(context.Background(), occupied.Addr().String())

	err = tn.WaitTimeout(settle)
	if err == nil || errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("WaitTimeout() error = %v, want bind failure", err)
	}
	if !tn.IsDone() || tn.Addr() != nil {
		t.Error("tunnel should be done without an address")
	}
	if n := rec.Count(slog.LevelError, "tunnel unexpectedly quit"); n != 1 {
		t.Errorf("logged %d failures, want 1", n)
	}
}

func TestCancelIsClean(t *testing.T) {
	backend := testnet.Echo(t)
	logger, rec := testlog.New()
	tn := start(t, Config{
		Mode:   ModePlain,
		Relay:  relay.Config{Resolver: relay.Static(backend.Addr())},
		Logger: logger,
	})

	conn, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("a"))
	io.ReadFull(conn, make([]byte, 1))

	if tn.IsDone() {
		t.Fatal("tunnel should be running")
	}
	tn.Cancel()
	if err := tn.WaitTimeout(settle); err != nil {
		t.Fatalf("WaitTimeout() error = %v, want clean exit", err)
	}
	if n := rec.Count(slog.LevelError, ""); n != 0 {
		t.Errorf("logged %d errors, want none", n)
	}

	// Cancellation is not connection-draining.
	conn.Write([]byte("b"))
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(settle))
	if _, err := io.ReadFull(conn, buf); err != nil || buf[0] != 'b' {
		t.Errorf("in-flight connection should keep relaying, got %q, %v", buf, err)
	}

	if _, err := net.DialTimeout("tcp", tn.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("listener should be closed after cancel")
	}
}

func TestWait(t *testing.T) {
	tn := start(t, Config{Mode: ModePlain})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tn.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if err := tn.WaitTimeout(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("WaitTimeout() error = %v, want ErrWaitTimeout", err)
	}
	if tn.Err() != nil {
		t.Error("running tunnel should report no error")
	}

	tn.Cancel()
	if err := tn.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after cancel = %v", err)
	}
}

func TestErrgroupExecutor(t *testing.T) {
	g, ctx := errgroup.WithContext(context.Background())
	tn := New(Config{Mode: ModePlain, Executor: g}).Start(ctx, "127.0.0.1:0")
	<-tn.Ready()

	tn.Cancel()
	if err := g.Wait(); err != nil {
		t.Errorf("g.Wait() error = %v", err)
	}
	if !tn.IsDone() {
		t.Error("tunnel should be done once the group returns")
	}
}

func TestRateLimit(t *testing.T) {
	backend := testnet.Echo(t)
	m := metrics.New("test")
	tn := start(t, Config{
		Mode:    ModePlain,
		Relay:   relay.Config{Resolver: relay.Static(backend.Addr())},
		Limiter: ratelimit.NewLimiter(ratelimit.Config{Burst: 1, Rate: 0.001}),
		Metrics: m,
	})

	first, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer first.Close()
	first.Write([]byte("a"))
	if _, err := io.ReadFull(first, make([]byte, 1)); err != nil {
		t.Fatalf("first connection should be relayed: %v", err)
	}

	second, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(settle))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("rate limited connection should be closed")
	}
	if got := testutil.ToFloat64(m.RateLimitedConnections.WithLabelValues("plain")); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestHandshakeTimeoutMetrics(t *testing.T) {
	m := metrics.New("test")
	logger, rec := testlog.New()
	cert := testcert.Generate(t, "host-a.example")
	tn := start(t, Config{
		Mode:             ModeTLS,
		TLSConfig:        testcert.ServerConfig(cert),
		HandshakeTimeout: 50 * time.Millisecond,
		Relay:            relay.Config{Resolver: relay.Static(testnet.ClosedAddr(t))},
		Metrics:          m,
		Logger:           logger,
	})

	conn, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	ok := testnet.Eventually(settle, func() bool {
		return testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("handshake_timeout")) == 1
	})
	if !ok {
		t.Error("handshake timeout not recorded")
	}
	if n := rec.Count(slog.LevelError, "tls handshake timeout"); n != 1 {
		t.Errorf("logged %d handshake timeouts, want 1", n)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/tlstunnel/pkg/breaker"
	"github.com/absmach/tlstunnel/pkg/channel"
	"github.com/absmach/tlstunnel/pkg/counter"
	tterrors "github.com/absmach/tlstunnel/pkg/errors"
	"github.com/absmach/tlstunnel/pkg/handler"
	"github.com/absmach/tlstunnel/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
)

const (
	// DefaultBufferSize is the per-pipeline read buffer size.
	DefaultBufferSize = 10000
	// DefaultDialTimeout bounds backend dials of the default dialer.
	DefaultDialTimeout = 10 * time.Second
)

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the relay configuration.
type Config struct {
	// Resolver picks the backend for each connection
	Resolver Resolver

	// Dialer opens backend connections, defaults to a net.Dialer with
	// DefaultDialTimeout
	Dialer Dialer

	// BufferSize is the read buffer size of each pipeline
	BufferSize int

	// Breakers guards backend dials per backend address, optional
	Breakers *breaker.Set

	// Handler receives connection lifecycle callbacks
	Handler handler.Handler

	// Metrics records backend dials, optional
	Metrics *metrics.Metrics

	// Logger for relay events
	Logger *slog.Logger
}

// Relay wires front-end channels to lazily dialed backend connections.
type Relay struct {
	config Config
}

// New creates a new Relay with the given configuration.
func New(cfg Config) *Relay {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: DefaultDialTimeout}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{config: cfg}
}

type state int

const (
	awaitingBackend state = iota
	relaying
	closed
)

type conn struct {
	relay  *Relay
	id     string
	front  channel.Channel
	read   *counter.Counter
	write  *counter.Counter
	cancel context.CancelFunc
	hctx   *handler.Context

	mu       sync.Mutex
	state    state
	back     net.Conn
	backend  string
	dialDone func()

	readBytes  atomic.Uint64
	writeBytes atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	err       error
}

// Serve relays front until either side closes or fails. Bytes from front
// are counted on read once the backend accepted them, bytes from the backend
// on write once front accepted them; either counter may be nil. The backend
// is resolved and dialed on the first successful front read, before that
// chunk is relayed, so a connection whose backend cannot be reached counts
// nothing.
//
// Serve returns once both pipelines have stopped and both channels are
// closed. The returned error is nil for benign terminations such as end of
// stream, and otherwise carries a diagnostic summary of the connection.
func (r *Relay) Serve(ctx context.Context, front channel.Channel, read, write *counter.Counter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		relay:  r,
		id:     uuid.NewString(),
		front:  front,
		read:   read,
		write:  write,
		cancel: cancel,
	}
	c.hctx = &handler.Context{
		ConnID:     c.id,
		RemoteAddr: addrString(front.RemoteAddr()),
		LocalAddr:  addrString(front.LocalAddr()),
	}

	c.frontToBack(ctx)
	c.wg.Wait()
	c.finish(context.WithoutCancel(ctx))
	return c.err
}

func (c *conn) frontToBack(ctx context.Context) {
	buf := make([]byte, c.relay.config.BufferSize)
	for {
		n, err := c.front.Read(buf)
		if n > 0 {
			c.readBytes.Add(uint64(n))

			back, berr := c.ensureBackend(ctx)
			if berr != nil {
				c.teardown(berr)
				return
			}
			w, werr := back.Write(buf[:n])
			count(c.read, w)
			if werr != nil {
				c.teardown(werr)
				return
			}
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

func (c *conn) backToFront(back net.Conn) {
	defer c.wg.Done()

	buf := make([]byte, c.relay.config.BufferSize)
	for {
		n, err := back.Read(buf)
		if n > 0 {
			c.writeBytes.Add(uint64(n))

			w, werr := c.front.Write(buf[:n])
			count(c.write, w)
			if werr != nil {
				c.teardown(werr)
				return
			}
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

// ensureBackend returns the backend connection, resolving and dialing it on
// the first call. Only the front-to-back pipeline calls it, and the
// back-to-front pipeline starts once it succeeds.
func (c *conn) ensureBackend(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case relaying:
		return c.back, nil
	case closed:
		return nil, tterrors.ErrConnectionClosed
	}

	cfg := c.relay.config
	c.hctx.ServerName, _ = c.front.ServerName()
	c.hctx.Cert = peerCertificate(c.front)
	if err := cfg.Handler.AuthConnect(ctx, c.hctx); err != nil {
		return nil, fmt.Errorf("connection rejected: %w", err)
	}

	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	c.backend = addr
	c.hctx.Backend = addr

	var back net.Conn
	start := time.Now()
	err = cfg.Breakers.Call(addr, func() error {
		var derr error
		back, derr = cfg.Dialer.DialContext(ctx, "tcp", addr)
		return derr
	})
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		c.dialDone = cfg.Metrics.ObserveDial(addr, time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tterrors.ErrBackendUnavailable, err)
	}

	c.back = back
	c.state = relaying
	if err := cfg.Handler.OnConnect(ctx, c.hctx); err != nil {
		cfg.Logger.Warn("connect handler failed",
			slog.String("conn", c.id),
			slog.String("error", err.Error()))
	}

	c.wg.Add(1)
	go c.backToFront(back)
	return back, nil
}

func (c *conn) resolve(ctx context.Context) (string, error) {
	if c.relay.config.Resolver == nil {
		return "", tterrors.ErrBackendDiscovery
	}
	addr, err := c.relay.config.Resolver.Resolve(ctx, c.front)
	switch {
	case err != nil:
		return "", fmt.Errorf("%w: %w", tterrors.ErrBackendDiscovery, err)
	case addr == "":
		return "", tterrors.ErrBackendDiscovery
	}
	return addr, nil
}

// teardown closes both channels once. The first error decides the outcome.
func (c *conn) teardown(err error) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.front.Close()

		c.mu.Lock()
		c.state = closed
		back, backend := c.back, c.backend
		c.mu.Unlock()

		if back != nil {
			back.Close()
		}
		if tterrors.IsBenign(err) {
			return
		}

		name, _ := c.front.ServerName()
		c.err = &tterrors.TunnelError{
			Op:         "relay",
			ConnID:     c.id,
			LocalAddr:  c.hctx.LocalAddr,
			RemoteAddr: c.hctx.RemoteAddr,
			ServerName: name,
			Backend:    backend,
			Err:        err,
		}
	})
}

func (c *conn) finish(ctx context.Context) {
	cfg := c.relay.config
	if c.dialDone != nil {
		c.dialDone()
	}

	// The channel reports its own handshake timeouts.
	if c.err != nil && !errors.Is(c.err, tterrors.ErrHandshakeTimeout) {
		cfg.Logger.Error("connection failed", slog.String("error", c.err.Error()))
	}

	sent, received := c.readBytes.Load(), c.writeBytes.Load()
	cfg.Logger.Debug("connection closed",
		slog.String("conn", c.id),
		slog.String("sent", sizestr.ToString(int64(sent))),
		slog.String("received", sizestr.ToString(int64(received))))

	c.hctx.BytesRead, c.hctx.BytesWritten = sent, received
	if err := cfg.Handler.OnDisconnect(ctx, c.hctx); err != nil {
		cfg.Logger.Warn("disconnect handler failed",
			slog.String("conn", c.id),
			slog.String("error", err.Error()))
	}
}

func count(c *counter.Counter, n int) {
	if c != nil {
		c.Count(int64(n))
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// peerCertificate returns the client certificate of an established TLS channel.
func peerCertificate(ch channel.Channel) *x509.Certificate {
	t, ok := ch.(*channel.TLS)
	if !ok {
		return nil
	}
	select {
	case <-t.Session().Done():
	default:
		return nil
	}
	cs, err := t.Session().Wait(context.Background())
	if err != nil || len(cs.PeerCertificates) == 0 {
		return nil
	}
	return cs.PeerCertificates[0]
}

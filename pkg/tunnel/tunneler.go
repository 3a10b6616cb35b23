// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/tlstunnel/pkg/channel"
	tterrors "github.com/absmach/tlstunnel/pkg/errors"
	"github.com/absmach/tlstunnel/pkg/metrics"
	"github.com/absmach/tlstunnel/pkg/ratelimit"
	"github.com/absmach/tlstunnel/pkg/relay"
	"github.com/jpillora/backoff"
)

// Mode selects how accepted connections are wrapped.
type Mode string

const (
	// ModePlain relays connections unchanged.
	ModePlain Mode = "plain"
	// ModeTLS terminates TLS and relays plaintext.
	ModeTLS Mode = "tls"
	// ModePassthrough relays TLS unchanged, routing on the peeked SNI hostname.
	ModePassthrough Mode = "passthrough"
)

// DefaultHandshakeTimeout bounds TLS negotiation when no timeout is configured.
const DefaultHandshakeTimeout = time.Second

// Executor runs accept loops. *errgroup.Group satisfies it.
type Executor interface {
	Go(f func() error)
}

type goExecutor struct{}

func (goExecutor) Go(f func() error) {
	go f()
}

// Config holds the tunneler configuration.
type Config struct {
	// Mode selects plain, TLS terminating or TLS passthrough front-ends
	Mode Mode

	// Providers pick the TLS configuration by SNI hostname in ModeTLS
	Providers []channel.ConfigProvider

	// TLSConfig is used as a fixed configuration in ModeTLS when no
	// providers are set
	TLSConfig *tls.Config

	// HandshakeTimeout bounds TLS negotiation, or the ClientHello in
	// passthrough mode. Zero selects DefaultHandshakeTimeout, a negative
	// value disables the deadline.
	HandshakeTimeout time.Duration

	// DisableTimeoutLogging silences handshake timeout logs
	DisableTimeoutLogging bool

	// Relay configures backend resolution and relaying
	Relay relay.Config

	// Executor runs accept loops; its lifecycle is owned by the caller
	Executor Executor

	// Limiter rejects clients opening connections too fast, optional
	Limiter *ratelimit.Limiter

	// Metrics instruments connections, optional
	Metrics *metrics.Metrics

	// Logger for tunnel events
	Logger *slog.Logger
}

// Tunneler accepts connections and hands them to the relay.
type Tunneler struct {
	config Config
	relay  *relay.Relay
}

// New creates a new Tunneler with the given configuration.
func New(cfg Config) *Tunneler {
	if cfg.Mode == "" {
		cfg.Mode = ModeTLS
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Executor == nil {
		cfg.Executor = goExecutor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Relay.Logger == nil {
		cfg.Relay.Logger = cfg.Logger
	}
	if cfg.Relay.Metrics == nil {
		cfg.Relay.Metrics = cfg.Metrics
	}

	return &Tunneler{
		config: cfg,
		relay:  relay.New(cfg.Relay),
	}
}

// Start submits an accept loop listening on address to the executor and
// returns its handle immediately. Binding happens inside the task; a bind
// failure becomes the tunnel's terminal error.
func (t *Tunneler) Start(ctx context.Context, address string) *Tunnel {
	ctx, cancel := context.WithCancel(ctx)
	tn := newTunnel(address, cancel)
	if t.config.Metrics != nil {
		tn.read.AddListener(t.config.Metrics.Listener(metrics.DirectionRead))
		tn.write.AddListener(t.config.Metrics.Listener(metrics.DirectionWrite))
	}

	t.config.Executor.Go(func() error {
		defer cancel()
		err := t.serve(ctx, tn)
		tn.finish(err)
		return err
	})
	return tn
}

func (t *Tunneler) serve(ctx context.Context, tn *Tunnel) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", tn.address)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		err = fmt.Errorf("failed to listen on %s: %w", tn.address, err)
		t.config.Logger.Error("tunnel unexpectedly quit",
			slog.String("address", tn.address),
			slog.String("error", err.Error()))
		return err
	}
	defer l.Close()
	tn.bound(l.Addr())

	// Closing the listener unblocks Accept.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	t.config.Logger.Info("listening for connections",
		slog.String("address", l.Addr().String()),
		slog.String("mode", string(t.config.Mode)))

	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if tterrors.IsTemporary(err) {
				d := b.Duration()
				t.config.Logger.Warn("accept failed, retrying",
					slog.String("address", tn.address),
					slog.Duration("delay", d),
					slog.String("error", err.Error()))
				select {
				case <-time.After(d):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			t.config.Logger.Error("tunnel unexpectedly quit",
				slog.String("address", tn.address),
				slog.String("error", err.Error()))
			return err
		}
		b.Reset()

		if !t.config.Limiter.AllowAddr(conn.RemoteAddr()) {
			t.config.Metrics.RateLimited(string(t.config.Mode))
			t.config.Logger.Debug("connection rejected",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", tterrors.ErrRateLimited.Error()))
			conn.Close()
			continue
		}

		// Connections outlive the accept loop's context.
		go t.handle(context.WithoutCancel(ctx), tn, conn)
	}
}

func (t *Tunneler) handle(ctx context.Context, tn *Tunnel, conn net.Conn) {
	tn.active.Add(1)
	defer tn.active.Add(-1)

	accepted := time.Now()
	front := t.wrap(conn, accepted)
	t.config.Metrics.ObserveConnection(string(t.config.Mode), func() error {
		return t.relay.Serve(ctx, front, tn.read, tn.write)
	})

	if tc, ok := front.(*channel.TLS); ok && tc.Session().State() != channel.StateEstablished {
		if err := tc.Session().Err(); err != nil {
			t.config.Metrics.ObserveHandshake(0, err)
		}
	}
}

func (t *Tunneler) wrap(conn net.Conn, accepted time.Time) channel.Channel {
	switch t.config.Mode {
	case ModeTLS:
		opts := channel.TLSOptions{
			HandshakeTimeout:      t.config.HandshakeTimeout,
			DisableTimeoutLogging: t.config.DisableTimeoutLogging,
			Logger:                t.config.Logger,
			OnSession: func(tls.ConnectionState) {
				t.config.Metrics.ObserveHandshake(time.Since(accepted), nil)
			},
		}
		if len(t.config.Providers) == 0 && t.config.TLSConfig != nil {
			return channel.NewTLSFixed(conn, t.config.TLSConfig, opts)
		}
		return channel.NewTLS(conn, opts, t.config.Providers...)
	case ModePassthrough:
		return channel.NewPassthrough(conn, channel.PassthroughOptions{
			HandshakeTimeout:      t.config.HandshakeTimeout,
			DisableTimeoutLogging: t.config.DisableTimeoutLogging,
			Logger:                t.config.Logger,
		})
	default:
		return channel.NewPlain(conn)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/tlstunnel"
	"github.com/absmach/tlstunnel/examples/simple"
	"github.com/absmach/tlstunnel/pkg/breaker"
	"github.com/absmach/tlstunnel/pkg/channel"
	"github.com/absmach/tlstunnel/pkg/health"
	"github.com/absmach/tlstunnel/pkg/metrics"
	"github.com/absmach/tlstunnel/pkg/ratelimit"
	"github.com/absmach/tlstunnel/pkg/relay"
	"github.com/absmach/tlstunnel/pkg/route"
	"github.com/absmach/tlstunnel/pkg/tunnel"
	"github.com/caarlos0/env/v11"
	"github.com/jpillora/requestlog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel configured by TLSTUNNEL_* environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(); err != nil {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			cfg, err := tlstunnel.NewConfig(env.Options{Prefix: tlstunnel.EnvPrefix})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, setupLogger(cfg.LogLevel, cfg.LogFormat))
		},
	}
}

// serve runs the tunnel, the route watcher and the ops server until ctx is
// done or one of them fails.
func serve(ctx context.Context, cfg tlstunnel.Config, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("tlstunnel")
	breakers := breaker.NewSet(cfg.Breaker)
	breakers.OnStateChange(func(backend string, from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("backend", backend),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerStateChange(backend, from, to)
	})

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return err
	}
	policy, err := cfg.ServerPolicy()
	if err != nil {
		return err
	}

	var table *route.Table
	if cfg.RoutesFile != "" {
		if table, err = route.Load(cfg.RoutesFile); err != nil {
			return fmt.Errorf("failed to load routes: %w", err)
		}
		if cfg.WatchRoutes {
			g.Go(func() error {
				return table.Watch(ctx, cfg.RoutesFile, logger, m.RouteReload)
			})
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit)
	}

	tr := tunnel.New(tunnel.Config{
		Mode:                  cfg.Mode,
		Providers:             providers(table, tlsCfg, policy),
		TLSConfig:             tlsCfg,
		HandshakeTimeout:      cfg.HandshakeTimeout,
		DisableTimeoutLogging: cfg.DisableTimeoutLogging,
		Relay: relay.Config{
			Resolver:   resolver(table, cfg.Backend),
			Dialer:     &net.Dialer{Timeout: cfg.DialTimeout},
			BufferSize: cfg.BufferSize,
			Breakers:   breakers,
			Handler:    simple.New(logger, cfg.AllowedServerNames...),
		},
		Executor: g,
		Limiter:  limiter,
		Metrics:  m,
		Logger:   logger,
	})
	tn := tr.Start(ctx, cfg.Address)

	if cfg.OpsAddress != "" {
		checker := health.NewChecker(0)
		checker.Register("listener", health.ListenerCheck(tn))
		checker.Register("breakers", health.BreakerCheck(breakers))
		if table != nil {
			checker.Register("routes", health.RoutesCheck(table))
		}
		debug := cfg.LogLevel == "debug"
		g.Go(func() error {
			return serveOps(ctx, cfg.OpsAddress, opsHandler(m, checker, debug), cfg.ShutdownTimeout, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("tlstunnel terminated with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("tlstunnel stopped")
	return nil
}

// providers chains the route table before the fixed certificate. Without a
// route table the tunneler uses the fixed certificate directly. Route
// certificates are served under policy, like the fixed one.
func providers(table *route.Table, fixed, policy *tls.Config) []channel.ConfigProvider {
	if table == nil {
		return nil
	}
	ps := []channel.ConfigProvider{withPolicy(table, policy)}
	if fixed != nil {
		ps = append(ps, channel.ConfigProviderFunc(func(string, bool) *tls.Config { return fixed }))
	}
	return ps
}

// withPolicy serves clones of p's configurations carrying the version floor
// and client authentication of policy.
func withPolicy(p channel.ConfigProvider, policy *tls.Config) channel.ConfigProvider {
	if policy == nil {
		return p
	}
	return channel.ConfigProviderFunc(func(serverName string, ok bool) *tls.Config {
		cfg := p.ConfigFor(serverName, ok)
		if cfg == nil {
			return nil
		}
		cfg = cfg.Clone()
		cfg.MinVersion = policy.MinVersion
		cfg.ClientAuth = policy.ClientAuth
		cfg.ClientCAs = policy.ClientCAs
		return cfg
	})
}

// resolver routes through the table, falling back to the static backend.
func resolver(table *route.Table, backend string) relay.Resolver {
	if table == nil {
		return relay.Static(backend)
	}
	return relay.ResolverFunc(func(ctx context.Context, front channel.Channel) (string, error) {
		addr, err := table.Resolve(ctx, front)
		if addr == "" && err == nil {
			addr = backend
		}
		return addr, err
	})
}

func opsHandler(m *metrics.Metrics, checker *health.Checker, debug bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	h := http.Handler(mux)
	if debug {
		o := requestlog.DefaultOptions
		o.TrustProxy = true
		h = requestlog.WrapWith(h, o)
	}
	return h
}

func serveOps(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting ops server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

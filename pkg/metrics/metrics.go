// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for tlstunnel.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/absmach/tlstunnel/pkg/breaker"
	"github.com/absmach/tlstunnel/pkg/counter"
	tterrors "github.com/absmach/tlstunnel/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Byte flow directions.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Metrics holds all Prometheus metrics for tlstunnel. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Byte metrics, fed by counter listeners
	Bytes *prometheus.CounterVec

	// TLS metrics
	HandshakeFailures *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Backend metrics
	BackendDials             *prometheus.CounterVec
	BackendDialDuration      *prometheus.HistogramVec
	BackendActiveConnections *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedConnections *prometheus.CounterVec

	// Route table metrics
	RouteReloads *prometheus.CounterVec
}

// New creates a new Metrics instance registered on its own registry, along
// with the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tlstunnel"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"mode"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"mode", "status"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"mode", "error_type"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"mode"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of relayed bytes",
			},
			[]string{"direction"},
		),
		HandshakeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshake_failures_total",
				Help:      "Total number of failed TLS handshakes",
			},
			[]string{"reason"},
		),
		HandshakeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tls_handshake_duration_seconds",
				Help:      "Time from accept to an established TLS session",
				Buckets:   prometheus.DefBuckets,
			},
		),
		BackendDials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dials_total",
				Help:      "Total number of backend dial attempts",
			},
			[]string{"backend", "status"},
		),
		BackendDialDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_dial_duration_seconds",
				Help:      "Backend dial duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		BackendActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_active_connections",
				Help:      "Number of active backend connections",
			},
			[]string{"backend"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections rejected by the rate limiter",
			},
			[]string{"mode"},
		),
		RouteReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_reloads_total",
				Help:      "Total number of route table reloads",
			},
			[]string{"status"},
		),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(mode string, f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveConnections.WithLabelValues(mode).Inc()
	defer m.ActiveConnections.WithLabelValues(mode).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
		m.ConnectionErrors.WithLabelValues(mode, ErrorType(err)).Inc()
	}
	m.TotalConnections.WithLabelValues(mode, status).Inc()

	return err
}

// ErrorType maps a connection error onto a low-cardinality label value.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, tterrors.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, tterrors.ErrNoTLSConfig):
		return "no_tls_config"
	case errors.Is(err, tterrors.ErrNotClientHello):
		return "not_client_hello"
	case errors.Is(err, tterrors.ErrBackendDiscovery):
		return "backend_discovery"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, tterrors.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "io"
	}
}

// Listener returns a counter listener adding relayed bytes for direction.
func (m *Metrics) Listener(direction string) counter.Listener {
	return func(ev counter.Event) {
		if m == nil {
			return
		}
		m.Bytes.WithLabelValues(direction).Add(float64(ev.Added))
	}
}

// ObserveHandshake records the outcome of a TLS handshake.
func (m *Metrics) ObserveHandshake(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HandshakeFailures.WithLabelValues(ErrorType(err)).Inc()
		return
	}
	m.HandshakeDuration.Observe(d.Seconds())
}

// ObserveDial records a backend dial attempt. The returned function must be
// called when a successfully dialed backend connection is closed.
func (m *Metrics) ObserveDial(backend string, d time.Duration, err error) (done func()) {
	if m == nil {
		return func() {}
	}
	m.BackendDialDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		m.BackendDials.WithLabelValues(backend, "error").Inc()
		return func() {}
	}
	m.BackendDials.WithLabelValues(backend, "success").Inc()
	m.BackendActiveConnections.WithLabelValues(backend).Inc()
	return func() { m.BackendActiveConnections.WithLabelValues(backend).Dec() }
}

// BreakerStateChange records a circuit breaker transition.
func (m *Metrics) BreakerStateChange(backend string, _, to breaker.State) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// RateLimited records a connection rejected by the rate limiter.
func (m *Metrics) RateLimited(mode string) {
	if m == nil {
		return
	}
	m.RateLimitedConnections.WithLabelValues(mode).Inc()
}

// RouteReload records a route table reload.
func (m *Metrics) RouteReload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RouteReloads.WithLabelValues(status).Inc()
}

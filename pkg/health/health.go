// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and health endpoints for a
// running tunnel.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultTTL   = 5 * time.Second
	checkTimeout = 5 * time.Second
)

// ErrDegraded marks a check failure that leaves the tunnel serving.
// Wrap it to report a degraded rather than unhealthy status.
var ErrDegraded = errors.New("degraded")

// Check is the outcome of a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMs  int64     `json:"duration_ms"`
}

// CheckFunc performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks and caches their results.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	results *cache.Cache
}

// NewChecker creates a checker caching results for cacheTTL. A zero TTL
// selects five seconds.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL <= 0 {
		cacheTTL = defaultTTL
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		results: cache.New(cacheTTL, 2*cacheTTL),
	}
}

// Register adds a health check, replacing any check with the same name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	c.results.Delete(name)
}

// Health runs every check, or serves its cached result, and returns the
// worst status with the checks sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.RLock()
	funcs := make(map[string]CheckFunc, len(c.checks))
	names := make([]string, 0, len(c.checks))
	for name, f := range c.checks {
		funcs[name] = f
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := StatusHealthy
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		check := c.run(ctx, name, funcs[name])
		checks = append(checks, check)
		overall = worst(overall, check.Status)
	}
	return overall, checks
}

func (c *Checker) run(ctx context.Context, name string, f CheckFunc) Check {
	if cached, ok := c.results.Get(name); ok {
		return cached.(Check)
	}

	start := time.Now()
	err := f(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		DurationMs:  time.Since(start).Milliseconds(),
	}
	switch {
	case errors.Is(err, ErrDegraded):
		check.Status = StatusDegraded
		check.Message = err.Error()
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	c.results.Set(name, check, cache.DefaultExpiration)
	return check
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HTTPHandler reports every check. Degraded still answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.health(r)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": checks})
	}
}

// ReadinessHandler answers 200 only when every check is healthy.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.health(r)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": checks})
	}
}

// LivenessHandler reports that the process is alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func (c *Checker) health(r *http.Request) (Status, []Check) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	return c.Health(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

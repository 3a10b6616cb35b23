// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast each client may open connections, using
// a token bucket per client address.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether one more connection is allowed.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int(tb.tokens)
}

// Config configures a Limiter.
type Config struct {
	// Burst is the number of connections a client may open at once.
	Burst float64 `env:"BURST" envDefault:"20"`
	// Rate is the sustained number of connections per second per client.
	Rate float64 `env:"RATE" envDefault:"10"`
	// MaxClients bounds the number of tracked clients; new clients are
	// rejected once it is reached.
	MaxClients int `env:"MAX_CLIENTS" envDefault:"10000"`
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL time.Duration `env:"IDLE_TTL" envDefault:"5m"`
}

// Limiter manages per-client token buckets. Idle buckets expire from the
// cache after IdleTTL, which is longer than a bucket needs to refill.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets *cache.Cache
	now     func() time.Time
}

// NewLimiter creates a new rate limiter with per-client tracking.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Limiter{
		cfg:     cfg,
		buckets: cache.New(cfg.IdleTTL, cfg.IdleTTL),
		now:     time.Now,
	}
}

// Allow reports whether a connection from clientID should be accepted.
func (l *Limiter) Allow(clientID string) bool {
	if v, ok := l.buckets.Get(clientID); ok {
		l.buckets.SetDefault(clientID, v)
		return v.(*TokenBucket).Allow()
	}

	l.mu.Lock()
	// Double-check after acquiring the lock
	v, ok := l.buckets.Get(clientID)
	if !ok {
		if l.buckets.ItemCount() >= l.cfg.MaxClients {
			l.mu.Unlock()
			return false
		}
		v = newTokenBucket(l.cfg.Burst, l.cfg.Rate, l.now)
	}
	l.buckets.SetDefault(clientID, v)
	l.mu.Unlock()

	return v.(*TokenBucket).Allow()
}

// AllowAddr rate limits by the host part of a client address.
func (l *Limiter) AllowAddr(addr net.Addr) bool {
	if l == nil || addr == nil {
		return true
	}
	return l.Allow(ClientID(addr))
}

// ClientID returns the host part of addr, or the whole address when it has no port.
func ClientID(addr net.Addr) string {
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientID string) {
	l.buckets.Delete(clientID)
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	return l.buckets.ItemCount()
}

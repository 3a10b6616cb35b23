// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides per-backend circuit breakers guarding backend dials.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive dial failures before opening the circuit.
	MaxFailures int `env:"MAX_FAILURES" envDefault:"5"`
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration `env:"RESET_TIMEOUT" envDefault:"30s"`
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int `env:"SUCCESS_THRESHOLD" envDefault:"1"`
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern for one backend.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	now             func() time.Time
	onStateChange   func(from, to State)
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Call executes fn if the circuit breaker allows it and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	if err := cb.allow(); err != nil {
		cb.mu.Unlock()
		return err
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// A single failed trial call reopens the circuit.
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// Set holds one circuit breaker per backend address, created on first use.
type Set struct {
	mu            sync.RWMutex
	config        Config
	breakers      map[string]*CircuitBreaker
	onStateChange func(backend string, from, to State)
}

// NewSet creates an empty set whose breakers share config.
func NewSet(config Config) *Set {
	return &Set{
		config:   config.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange registers a callback invoked for every breaker in the set,
// including breakers created later.
func (s *Set) OnStateChange(fn func(backend string, from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
	for backend, cb := range s.breakers {
		cb.OnStateChange(s.notifier(backend))
	}
}

func (s *Set) notifier(backend string) func(from, to State) {
	fn := s.onStateChange
	if fn == nil {
		return nil
	}
	return func(from, to State) { fn(backend, from, to) }
}

// Get returns the breaker for backend, creating it if needed.
func (s *Set) Get(backend string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[backend]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if cb, ok = s.breakers[backend]; ok {
		return cb
	}
	cb = New(s.config)
	cb.onStateChange = s.notifier(backend)
	s.breakers[backend] = cb
	return cb
}

// Call runs fn through the breaker for backend. A nil set calls fn directly.
func (s *Set) Call(backend string, fn func() error) error {
	if s == nil {
		return fn()
	}
	return s.Get(backend).Call(fn)
}

// Open returns the backends whose circuit is currently open.
func (s *Set) Open() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []string
	for backend, cb := range s.breakers {
		if cb.State() == StateOpen {
			open = append(open, backend)
		}
	}
	return open
}

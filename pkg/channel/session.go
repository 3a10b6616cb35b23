// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"crypto/tls"
	"sync"
)

// State is the TLS session state of a front-end channel.
type State int

const (
	StateNotStarted State = iota
	StateHandshaking
	StateEstablished
	StateFailed
	StateTimedOut
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Session resolves once the TLS session is established or has failed.
// Transitions are monotonic: once terminal, the state never changes.
type Session struct {
	mu    sync.RWMutex
	state State
	conn  tls.ConnectionState
	err   error
	done  chan struct{}
}

func newSession() *Session {
	return &Session{done: make(chan struct{})}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context) (tls.ConnectionState, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return tls.ConnectionState{}, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn, s.err
}

func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNotStarted {
		s.state = StateHandshaking
	}
}

func (s *Session) terminal() bool {
	return s.state == StateEstablished || s.state == StateFailed || s.state == StateTimedOut
}

// complete reports whether this call established the session.
func (s *Session) complete(cs tls.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return false
	}
	s.state = StateEstablished
	s.conn = cs
	close(s.done)
	return true
}

// fail reports whether this call failed the session.
func (s *Session) fail(err error, timedOut bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return false
	}
	s.state = StateFailed
	if timedOut {
		s.state = StateTimedOut
	}
	s.err = err
	close(s.done)
	return true
}

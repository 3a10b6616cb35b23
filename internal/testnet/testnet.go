// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testnet provides loopback connections and scripted backends for tests.
package testnet

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Pair returns the accepted and dialed ends of a loopback TCP connection.
// Both are closed when the test ends.
func Pair(t testing.TB) (server, client net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("Failed to accept")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// Backend is a loopback TCP server recording what it receives.
type Backend struct {
	l       net.Listener
	accepts atomic.Int64

	mu       sync.Mutex
	received []byte
}

// NewBackend starts a backend running handle for each accepted connection.
func NewBackend(t testing.TB, handle func(b *Backend, conn net.Conn)) *Backend {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	b := &Backend{l: l}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			b.accepts.Add(1)
			go func() {
				defer conn.Close()
				handle(b, conn)
			}()
		}
	}()
	return b
}

// Echo starts a backend writing back everything it reads.
func Echo(t testing.TB) *Backend {
	return NewBackend(t, func(b *Backend, conn net.Conn) {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				b.record(buf[:n])
				if _, err := conn.Write(buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
}

// Sink starts a backend reading and recording without answering.
func Sink(t testing.TB) *Backend {
	return NewBackend(t, func(b *Backend, conn net.Conn) {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			b.record(buf[:n])
			if err != nil {
				return
			}
		}
	})
}

// Hangup starts a backend closing each connection after its first read.
func Hangup(t testing.TB) *Backend {
	return NewBackend(t, func(b *Backend, conn net.Conn) {
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		b.record(buf[:n])
	})
}

func (b *Backend) record(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, p...)
}

// Addr returns the backend address.
func (b *Backend) Addr() string {
	return b.l.Addr().String()
}

// Accepts returns the number of accepted connections.
func (b *Backend) Accepts() int {
	return int(b.accepts.Load())
}

// Received returns a copy of every byte received so far.
func (b *Backend) Received() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.received...)
}

// WaitReceived polls until at least n bytes were received or timeout elapses.
func (b *Backend) WaitReceived(n int, timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	for {
		got := b.Received()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ClosedAddr returns a loopback address nothing listens on.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/tlstunnel/pkg/counter"
)

// ErrWaitTimeout is returned by WaitTimeout when the tunnel is still running.
var ErrWaitTimeout = errors.New("timed out waiting for tunnel")

// Tunnel is the handle of a running accept loop.
type Tunnel struct {
	address string
	cancel  context.CancelFunc
	read    *counter.Counter
	write   *counter.Counter
	active  atomic.Int64

	bindOnce sync.Once
	ready    chan struct{}
	addr     net.Addr

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func newTunnel(address string, cancel context.CancelFunc) *Tunnel {
	return &Tunnel{
		address: address,
		cancel:  cancel,
		read:    counter.New(),
		write:   counter.New(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *Tunnel) bound(addr net.Addr) {
	t.bindOnce.Do(func() {
		t.addr = addr
		close(t.ready)
	})
}

func (t *Tunnel) finish(err error) {
	t.bound(nil)
	t.doneOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Address returns the address the tunnel was asked to listen on.
func (t *Tunnel) Address() string {
	return t.address
}

// Ready is closed once the listener is bound or binding failed.
func (t *Tunnel) Ready() <-chan struct{} {
	return t.ready
}

// Addr returns the bound listener address, or nil before binding or when
// binding failed.
func (t *Tunnel) Addr() net.Addr {
	select {
	case <-t.ready:
		return t.addr
	default:
		return nil
	}
}

// ReadCounter counts bytes read from clients across all connections.
func (t *Tunnel) ReadCounter() *counter.Counter {
	return t.read
}

// WriteCounter counts bytes written to clients across all connections.
func (t *Tunnel) WriteCounter() *counter.Counter {
	return t.write
}

// ActiveConnections returns the number of connections being relayed.
func (t *Tunnel) ActiveConnections() int64 {
	return t.active.Load()
}

// Cancel stops the accept loop. Connections already accepted keep running
// until either side closes them.
func (t *Tunnel) Cancel() {
	t.cancel()
}

// Done is closed when the accept loop has exited.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// IsDone reports whether the accept loop has exited.
func (t *Tunnel) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the terminal error, nil while running or after a clean exit.
func (t *Tunnel) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the accept loop exits or ctx is done.
func (t *Tunnel) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the accept loop exits or d elapses.
func (t *Tunnel) WaitTimeout(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		return ErrWaitTimeout
	}
}

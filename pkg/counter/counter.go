// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package counter provides a thread-safe byte counter with synchronous listeners.
package counter

import (
	"sync"
	"sync/atomic"
)

// Event is delivered to listeners on every positive increment.
type Event struct {
	// Added is the number of bytes added by this increment.
	Added uint64
	// Total is the counter value after the increment.
	Total uint64
}

// Listener observes counter increments.
type Listener func(Event)

// ListenerID identifies a registered listener so it can be removed later.
type ListenerID uint64

type entry struct {
	id ListenerID
	fn Listener
}

// Counter is a monotonically increasing byte counter. It may be shared by many
// connections (aggregate mode) or owned by a single connection.
type Counter struct {
	total atomic.Uint64

	mu        sync.RWMutex
	listeners []entry
	nextID    ListenerID

	// notify serializes listener calls so a listener never runs concurrently
	// with itself for the same counter.
	notify sync.Mutex
}

// New returns an empty counter.
func New() *Counter {
	return &Counter{}
}

// Total returns the current byte total.
func (c *Counter) Total() uint64 {
	return c.total.Load()
}

// Count adds delta to the total and notifies listeners in registration order.
// Deltas of zero or less are ignored. It returns the resulting total.
func (c *Counter) Count(delta int64) uint64 {
	if delta <= 0 {
		return c.total.Load()
	}

	c.notify.Lock()
	defer c.notify.Unlock()

	total := c.total.Add(uint64(delta))

	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()

	ev := Event{Added: uint64(delta), Total: total}
	for _, l := range listeners {
		l.fn(ev)
	}
	return total
}

// AddListener registers fn. It reports false when fn is nil.
func (c *Counter) AddListener(fn Listener) (ListenerID, bool) {
	if fn == nil {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	// Copy on write so Count can iterate a snapshot without holding the lock.
	listeners := make([]entry, len(c.listeners), len(c.listeners)+1)
	copy(listeners, c.listeners)
	c.listeners = append(listeners, entry{id: id, fn: fn})
	return id, true
}

// RemoveListener unregisters the listener with the given id. It reports
// whether a listener was removed.
func (c *Counter) RemoveListener(id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.listeners {
		if e.id != id {
			continue
		}
		listeners := make([]entry, 0, len(c.listeners)-1)
		listeners = append(listeners, c.listeners[:i]...)
		c.listeners = append(listeners, c.listeners[i+1:]...)
		return true
	}
	return false
}

// Len returns the number of registered listeners.
func (c *Counter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

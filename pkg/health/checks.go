// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/absmach/tlstunnel/pkg/route"
)

// Listener is the part of a running tunnel the listener check inspects.
type Listener interface {
	Addr() net.Addr
	IsDone() bool
	Err() error
}

// ListenerCheck fails once the tunnel stopped accepting or before it bound.
func ListenerCheck(l Listener) CheckFunc {
	return func(context.Context) error {
		if l.IsDone() {
			if err := l.Err(); err != nil {
				return fmt.Errorf("tunnel stopped: %w", err)
			}
			return errors.New("tunnel stopped")
		}
		if l.Addr() == nil {
			return errors.New("tunnel not bound")
		}
		return nil
	}
}

// Breakers lists backends whose circuit is open.
type Breakers interface {
	Open() []string
}

// BreakerCheck reports a degraded status while any backend circuit is open.
func BreakerCheck(b Breakers) CheckFunc {
	return func(context.Context) error {
		if open := b.Open(); len(open) > 0 {
			sort.Strings(open)
			return fmt.Errorf("%w: circuit open for %s", ErrDegraded, strings.Join(open, ", "))
		}
		return nil
	}
}

// RoutesCheck fails when the route table holds neither routes nor a default.
func RoutesCheck(t *route.Table) CheckFunc {
	return func(context.Context) error {
		if _, ok := t.Default(); ok || len(t.Routes()) > 0 {
			return nil
		}
		return errors.New("no routes loaded")
	}
}

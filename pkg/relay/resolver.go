// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"

	"github.com/absmach/tlstunnel/pkg/channel"
)

// Resolver returns the backend address for a front-end channel. It is called
// exactly once per connection, after the first bytes have been read, so the
// SNI hostname of TLS channels is already known. An empty address is a
// discovery failure.
type Resolver interface {
	Resolve(ctx context.Context, front channel.Channel) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, front channel.Channel) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, front channel.Channel) (string, error) {
	return f(ctx, front)
}

// SNIResolverFunc resolves by SNI hostname. ok is false when the client sent
// no server name or the channel is not TLS.
type SNIResolverFunc func(ctx context.Context, serverName string, ok bool) (string, error)

// Resolve looks up the channel's server name.
func (f SNIResolverFunc) Resolve(ctx context.Context, front channel.Channel) (string, error) {
	name, ok := front.ServerName()
	return f(ctx, name, ok)
}

// Static returns a Resolver always answering addr.
func Static(addr string) Resolver {
	return ResolverFunc(func(context.Context, channel.Channel) (string, error) {
		return addr, nil
	})
}

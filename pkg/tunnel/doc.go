// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel runs accept loops that hand connections to the relay.
//
// A Tunneler is configured once and may start any number of tunnels. Each
// accept loop is submitted to an Executor owned by the caller, typically an
// errgroup.Group:
//
//	g, ctx := errgroup.WithContext(ctx)
//	t := tunnel.New(tunnel.Config{
//		Mode:      tunnel.ModeTLS,
//		Providers: []channel.ConfigProvider{routes},
//		Relay:     relay.Config{Resolver: routes},
//		Executor:  g,
//	})
//	tn := t.Start(ctx, ":8443")
//
// The accept loop does not wait for a connection to finish before accepting
// the next one. Temporary accept errors are retried with exponential backoff.
//
// # Cancellation
//
// Cancelling the context or calling Tunnel.Cancel closes the listener and
// ends the accept loop cleanly. Cancellation is not connection-draining:
// connections already accepted are not closed and keep relaying until either
// side ends them.
package tunnel

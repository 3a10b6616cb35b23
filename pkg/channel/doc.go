// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package channel provides the front-end channel variants relayed by tlstunnel.
//
// # Variants
//
//   - Plain: an accepted TCP connection, relayed unchanged.
//   - TLS: terminates TLS. The handshake is deferred until the first Read or
//     Write, and the server configuration is picked per connection from an
//     ordered chain of ConfigProviders keyed by the client's SNI hostname.
//   - Passthrough: leaves TLS intact. The ClientHello is peeked to learn the
//     SNI hostname and then replayed to the backend byte for byte.
//
// # Handshake Deadline
//
// When TLSOptions.HandshakeTimeout is set, a one-shot timer is armed the first
// time a Read or Write has to wait for the session. If the timer fires before
// the session is established the connection is closed, the Session future
// fails with ErrHandshakeTimeout and a single error is logged. If the session
// completes first the timer is stopped.
//
//	ch := channel.NewTLS(conn, channel.TLSOptions{
//		HandshakeTimeout: time.Second,
//		Logger:           logger,
//	}, routes)
//
//	go func() {
//		if _, err := ch.Session().Wait(ctx); err != nil {
//			// handshake failed or timed out
//		}
//	}()
//
// # Server Name
//
// ServerName becomes available as soon as the ClientHello has been processed,
// which is before the handshake completes. It stays available when the
// handshake later fails so failures can be reported with the requested name.
package channel

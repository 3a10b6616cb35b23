// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
)

// Context contains connection metadata gathered by the relay.
// It is passed to Handler methods and filled in as the connection progresses.
type Context struct {
	// ConnID is a unique identifier for this connection
	ConnID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// LocalAddr is the listener side address
	LocalAddr string

	// ServerName is the SNI hostname requested by the client, if any
	ServerName string

	// Backend is the resolved backend address, empty before resolution
	Backend string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate

	// BytesRead is the number of bytes relayed from the client to the backend
	BytesRead uint64

	// BytesWritten is the number of bytes relayed from the backend to the client
	BytesWritten uint64
}

// Handler defines authorization and notification callbacks for the
// connection lifecycle.
//
// AuthConnect is called BEFORE the backend is resolved and dialed. Returning
// an error rejects the connection and closes it.
//
// Notification methods (OnConnect, OnDisconnect) are called for audit
// logging, metrics, or post-processing. Errors from these methods are logged
// but don't affect the connection.
type Handler interface {
	// AuthConnect authorizes a client connection once its first bytes have
	// been read, so the SNI hostname is known for TLS channels.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called after the backend connection is established.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called once both channels are closed, with the byte
	// totals filled in.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all connections.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

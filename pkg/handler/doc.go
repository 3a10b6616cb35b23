// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link the relay to application logic.
//
// # Data Flow
//
//	Client → Channel (TLS/SNI) → Handler.AuthConnect → Resolver → Backend
//	Backend dialed → Handler.OnConnect
//	Either side closes → Handler.OnDisconnect
//
// # Handler Methods
//
// Authorization is called before the backend is dialed:
//   - AuthConnect: accepts or rejects the client, typically by ServerName,
//     RemoteAddr or client certificate
//
// Notifications are called afterwards:
//   - OnConnect: the backend connection is established
//   - OnDisconnect: both channels are closed, byte totals are final
//
// # Context
//
// The Context struct carries connection metadata across all handler calls:
//   - ConnID: Unique identifier for this connection
//   - RemoteAddr, LocalAddr: Client and listener addresses
//   - ServerName: SNI hostname, when the front-end is TLS
//   - Backend: Resolved backend address
//   - Cert: Client certificate for mutual TLS
//   - BytesRead, BytesWritten: Relayed byte totals
//
// # Example
//
//	type AllowList struct {
//		names map[string]bool
//	}
//
//	func (h *AllowList) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if !h.names[hctx.ServerName] {
//			return errors.New("server name not allowed")
//		}
//		return nil
//	}
package handler

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"io"
	"net"
	"sync"
)

// Channel is a front-end byte channel handed to the relay.
type Channel interface {
	io.ReadWriteCloser

	// LocalAddr returns the listener side address.
	LocalAddr() net.Addr

	// RemoteAddr returns the client address.
	RemoteAddr() net.Addr

	// ServerName returns the SNI hostname requested by the client. ok is
	// false until the name is known, and always false for plain channels.
	ServerName() (name string, ok bool)
}

var (
	_ Channel = (*Plain)(nil)
	_ Channel = (*TLS)(nil)
	_ Channel = (*Passthrough)(nil)
)

// Plain is an accepted socket relayed as-is.
type Plain struct {
	net.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewPlain wraps an accepted connection.
func NewPlain(conn net.Conn) *Plain {
	return &Plain{Conn: conn}
}

// ServerName always reports no server name.
func (p *Plain) ServerName() (string, bool) {
	return "", false
}

// Close closes the connection once; later calls return the first result.
func (p *Plain) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Conn.Close()
	})
	return p.closeErr
}

// Attrs returns the diagnostic summary of ch as alternating key/value pairs.
func Attrs(ch Channel) []string {
	if ch == nil {
		return nil
	}
	var kv []string
	if name, ok := ch.ServerName(); ok {
		kv = append(kv, "serverName", name)
	}
	if a := ch.RemoteAddr(); a != nil {
		kv = append(kv, "remoteAddress", a.String())
	}
	if a := ch.LocalAddr(); a != nil {
		kv = append(kv, "localAddress", a.String())
	}
	return kv
}

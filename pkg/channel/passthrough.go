// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	tterrors "github.com/absmach/tlstunnel/pkg/errors"
	"github.com/absmach/tlstunnel/pkg/sni"
)

// PassthroughOptions configures a Passthrough channel.
type PassthroughOptions struct {
	// HandshakeTimeout bounds how long the ClientHello may take to arrive.
	HandshakeTimeout time.Duration

	// DisableTimeoutLogging silences the timeout error log.
	DisableTimeoutLogging bool

	// Logger for handshake events
	Logger *slog.Logger
}

// Passthrough relays TLS without terminating it. The first Read peeks the
// ClientHello to learn the server name, then replays the peeked bytes.
type Passthrough struct {
	net.Conn
	opts PassthroughOptions

	peekOnce sync.Once
	reader   io.Reader
	hello    *sni.ClientHello
	peekErr  error

	nameMu sync.RWMutex
	name   string

	closeOnce sync.Once
	closeErr  error
}

// NewPassthrough wraps an accepted connection.
func NewPassthrough(conn net.Conn, opts PassthroughOptions) *Passthrough {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Passthrough{Conn: conn, opts: opts}
}

// Read returns the ClientHello bytes first, then the rest of the stream.
func (p *Passthrough) Read(b []byte) (int, error) {
	p.peekOnce.Do(p.peek)
	if p.peekErr != nil {
		return 0, p.peekErr
	}
	return p.reader.Read(b)
}

func (p *Passthrough) peek() {
	if p.opts.HandshakeTimeout > 0 {
		p.Conn.SetReadDeadline(time.Now().Add(p.opts.HandshakeTimeout))
		defer p.Conn.SetReadDeadline(time.Time{})
	}

	hello, raw, err := sni.Peek(p.Conn)
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		p.peekErr = fmt.Errorf("%w: %s", tterrors.ErrHandshakeTimeout, tterrors.Summary("", Attrs(p)...))
		if !p.opts.DisableTimeoutLogging {
			p.opts.Logger.Error("tls client hello timeout", slog.String("error", p.peekErr.Error()))
		}
		p.Close()
		return
	case err != nil:
		p.peekErr = err
		return
	}

	p.nameMu.Lock()
	p.hello = hello
	p.name = hello.ServerName
	p.nameMu.Unlock()
	p.reader = io.MultiReader(bytes.NewReader(raw), p.Conn)
}

// ServerName returns the SNI hostname from the peeked ClientHello.
func (p *Passthrough) ServerName() (string, bool) {
	p.nameMu.RLock()
	defer p.nameMu.RUnlock()
	return p.name, p.name != ""
}

// Hello returns the peeked ClientHello, or nil before the first Read.
func (p *Passthrough) Hello() *sni.ClientHello {
	p.nameMu.RLock()
	defer p.nameMu.RUnlock()
	return p.hello
}

// Close closes the connection once.
func (p *Passthrough) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Conn.Close()
	})
	return p.closeErr
}

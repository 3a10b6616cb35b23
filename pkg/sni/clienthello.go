// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sni extracts the server name from a TLS ClientHello without
// terminating the TLS session.
package sni

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	tterrors "github.com/absmach/tlstunnel/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen    = 5
	handshakeHeaderLen = 4
	// maxRecordLen is the largest TLSPlaintext fragment (2^14) plus slack
	// allowed by some clients for the ClientHello record.
	maxRecordLen = 16384 + 2048
	// maxHelloLen caps a ClientHello reassembled from several records.
	maxHelloLen = 1 << 16

	contentTypeHandshake   uint8  = 22
	handshakeClientHello   uint8  = 1
	extServerName          uint16 = 0
	extALPN                uint16 = 16
	serverNameTypeHostName uint8  = 0
)

// ClientHello holds the fields tlstunnel cares about.
type ClientHello struct {
	ServerName string
	ALPN       []string
	// ECH is set when an encrypted ClientHello extension is present.
	ECH bool
}

// Peek reads handshake records from r until they hold a complete
// ClientHello and parses it. A hello may span several records. It returns
// the parsed hello along with every byte consumed from r, so the caller can
// replay them to the backend unchanged.
func Peek(r io.Reader) (*ClientHello, []byte, error) {
	var buf bytes.Buffer
	tee := io.TeeReader(r, &buf)

	var msg []byte
	need := -1
	for need < 0 || len(msg) < need {
		frag, err := readRecord(tee)
		if err != nil {
			return nil, buf.Bytes(), err
		}
		msg = append(msg, frag...)
		if need < 0 && len(msg) >= handshakeHeaderLen {
			if msg[0] != handshakeClientHello {
				return nil, buf.Bytes(), fmt.Errorf("%w: handshake type %d", tterrors.ErrNotClientHello, msg[0])
			}
			need = handshakeHeaderLen + (int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3]))
			if need > maxHelloLen {
				return nil, buf.Bytes(), fmt.Errorf("%w: client hello length %d", tterrors.ErrNotClientHello, need)
			}
		}
	}

	hello, err := parseHandshake(msg[:need])
	return hello, buf.Bytes(), err
}

// Parse parses a ClientHello from its raw TLS records.
func Parse(b []byte) (*ClientHello, error) {
	hello, _, err := Peek(bytes.NewReader(b))
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: record truncated", tterrors.ErrNotClientHello)
	}
	return hello, err
}

// readRecord reads one handshake record and returns its fragment.
func readRecord(r io.Reader) ([]byte, error) {
	hdr := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	s := cryptobyte.String(hdr)
	var typ uint8
	var n uint16
	if !s.ReadUint8(&typ) || typ != contentTypeHandshake {
		return nil, tterrors.ErrNotClientHello
	}
	if !s.Skip(2) || !s.ReadUint16(&n) || n == 0 || int(n) > maxRecordLen {
		return nil, fmt.Errorf("%w: record length %d", tterrors.ErrNotClientHello, n)
	}

	frag := make([]byte, n)
	if _, err := io.ReadFull(r, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

func parseHandshake(msg []byte) (*ClientHello, error) {
	s := cryptobyte.String(msg)
	var typ uint8
	var body cryptobyte.String
	if !s.ReadUint8(&typ) || typ != handshakeClientHello {
		return nil, tterrors.ErrNotClientHello
	}
	if !s.ReadUint24LengthPrefixed(&body) {
		return nil, fmt.Errorf("%w: client hello truncated", tterrors.ErrNotClientHello)
	}
	return parseBody(body)
}

func parseBody(body cryptobyte.String) (*ClientHello, error) {
	var sessionID, suites, compression cryptobyte.String
	// legacy_version and random
	if !body.Skip(2+32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, fmt.Errorf("%w: malformed client hello", tterrors.ErrNotClientHello)
	}

	hello := &ClientHello{}
	if body.Empty() {
		return hello, nil
	}
	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) {
		return nil, fmt.Errorf("%w: malformed extensions", tterrors.ErrNotClientHello)
	}

	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			break
		}
		switch typ {
		case extServerName:
			hello.ServerName = serverName(data)
		case extALPN:
			hello.ALPN = alpn(data)
		case 0xfe0d, 0xfe0e, 0xfe0f: // encrypted_client_hello drafts
			hello.ECH = true
		}
	}
	return hello, nil
}

func serverName(data cryptobyte.String) string {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return ""
	}
	for !list.Empty() {
		var typ uint8
		var name cryptobyte.String
		if !list.ReadUint8(&typ) || !list.ReadUint16LengthPrefixed(&name) {
			return ""
		}
		if typ == serverNameTypeHostName && len(name) > 0 {
			return string(name)
		}
	}
	return ""
}

func alpn(data cryptobyte.String) []string {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return nil
	}
	var protos []string
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
			return protos
		}
		protos = append(protos, string(proto))
	}
	return protos
}

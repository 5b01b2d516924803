// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/mlink/pkg/errors"
)

// RFC 8323 length encoding: a Length nibble of 13, 14 or 15 selects an
// extended length field of 1, 2 or 4 bytes, offset so every length has
// exactly one encoding.
const (
	lenExt8  = 13
	lenExt16 = 14
	lenExt32 = 15

	lenOffset8  = 13
	lenOffset16 = 269
	lenOffset32 = 65805
)

const readChunk = 4096

func extLengthSize(lenNibble byte) int {
	switch lenNibble {
	case lenExt8:
		return 1
	case lenExt16:
		return 2
	case lenExt32:
		return 4
	default:
		return 0
	}
}

// streamConn adapts a byte stream (TCP, optionally TLS) to the Conn
// interface by extracting RFC 8323 length-prefixed frames. Extraction is
// incremental: a read error with a partial frame buffered does not lose
// stream position, so a resumed read continues where it stopped.
type streamConn struct {
	conn    net.Conn
	maxSize int

	rmu     sync.Mutex
	pending []byte

	wmu sync.Mutex
}

func newStreamConn(conn net.Conn, maxSize int) *streamConn {
	return &streamConn{
		conn:    conn,
		maxSize: maxSize,
	}
}

func dialTCP(ctx context.Context, cfg Config) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", cfg.Address, err)
	}

	if cfg.TLS != nil {
		tcfg := cfg.TLS.Clone()
		if tcfg.ServerName == "" && !tcfg.InsecureSkipVerify {
			host, _, err := net.SplitHostPort(cfg.Address)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("transport: split %s: %w", cfg.Address, err)
			}
			tcfg.ServerName = host
		}
		tlsConn := tls.Client(conn, tcfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake with %s: %w", cfg.Address, err)
		}
		conn = tlsConn
	}

	return newStreamConn(conn, cfg.MaxMessageSize), nil
}

// fill reads from the connection until at least n bytes are buffered.
// Bytes read before an error are kept so extraction can resume.
func (c *streamConn) fill(n int) error {
	for len(c.pending) < n {
		if cap(c.pending) < n {
			grown := make([]byte, len(c.pending), n+readChunk)
			copy(grown, c.pending)
			c.pending = grown
		}
		m, err := c.conn.Read(c.pending[len(c.pending):cap(c.pending)])
		c.pending = c.pending[:len(c.pending)+m]
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage extracts the next complete frame, header included, in the
// form the TCP message codec expects.
func (c *streamConn) ReadMessage() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if err := c.fill(1); err != nil {
		return nil, err
	}
	lenNibble := c.pending[0] >> 4
	tkl := int(c.pending[0] & 0x0f)
	ext := extLengthSize(lenNibble)

	if err := c.fill(1 + ext); err != nil {
		return nil, err
	}
	var body uint64
	switch lenNibble {
	case lenExt8:
		body = uint64(c.pending[1]) + lenOffset8
	case lenExt16:
		body = uint64(binary.BigEndian.Uint16(c.pending[1:3])) + lenOffset16
	case lenExt32:
		body = uint64(binary.BigEndian.Uint32(c.pending[1:5])) + lenOffset32
	default:
		body = uint64(lenNibble)
	}

	// Initial byte, extended length, code, token, then body bytes.
	total := uint64(1+ext+1+tkl) + body
	if total > uint64(c.maxSize) {
		return nil, fmt.Errorf("transport: %d byte frame exceeds %d limit: %w", total, c.maxSize, errors.ErrMessageTooLarge)
	}

	if err := c.fill(int(total)); err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, c.pending[:total])

	rest := len(c.pending) - int(total)
	copy(c.pending, c.pending[total:])
	c.pending = c.pending[:rest]

	return frame, nil
}

func (c *streamConn) WriteMessage(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_, err := c.conn.Write(p)
	return err
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *streamConn) Reliable() bool {
	return true
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

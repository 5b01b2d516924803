// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// packetConn adapts a datagram-oriented net.Conn (connected UDP socket or
// DTLS session) to the Conn interface. One Read on the underlying
// connection yields one datagram, hence one CoAP message.
type packetConn struct {
	conn net.Conn
	bufs *sync.Pool
}

func newPacketConn(conn net.Conn, maxSize int) *packetConn {
	return &packetConn{
		conn: conn,
		bufs: &sync.Pool{
			New: func() any {
				b := make([]byte, maxSize)
				return &b
			},
		},
	}
}

func dialUDP(ctx context.Context, cfg Config) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: udp dial %s: %w", cfg.Address, err)
	}
	return newPacketConn(conn, cfg.MaxMessageSize), nil
}

// ReadMessage reads one datagram. The datagram is copied out of the
// pooled read buffer so the returned slice stays valid after the next
// read.
func (c *packetConn) ReadMessage() ([]byte, error) {
	buf := c.bufs.Get().(*[]byte)
	defer c.bufs.Put(buf)

	n, err := c.conn.Read(*buf)
	if err != nil {
		return nil, err
	}

	data := make([]byte, n)
	copy(data, (*buf)[:n])
	return data, nil
}

func (c *packetConn) WriteMessage(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *packetConn) Close() error {
	return c.conn.Close()
}

func (c *packetConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *packetConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *packetConn) Reliable() bool {
	return false
}

func (c *packetConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

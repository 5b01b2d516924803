// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries CoAP messages as websocket binary messages. On the wire
// the Length nibble is zero and the message boundary comes from the
// websocket frame (RFC 8323 section 3.3); frames are rebuilt to and from
// the explicit-length stream form the codec works with.
type wsConn struct {
	ws      *websocket.Conn
	maxSize int

	wmu sync.Mutex
}

func dialWS(ctx context.Context, cfg Config) (Conn, error) {
	path := cfg.WSPath
	if path == "" {
		path = DefaultWSPath
	}
	u := url.URL{Scheme: "ws", Host: cfg.Address, Path: path}

	d := websocket.Dialer{
		Subprotocols: []string{"coap"},
	}
	if cfg.Scheme == SchemeWSS {
		u.Scheme = "wss"
		d.TLSClientConfig = cfg.TLS
	}

	ws, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", u.String(), err)
	}
	ws.SetReadLimit(int64(cfg.MaxMessageSize))

	return &wsConn{ws: ws, maxSize: cfg.MaxMessageSize}, nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Control frames are handled by the websocket library; anything
		// that is not a non-empty binary message is not CoAP.
		if mt != websocket.BinaryMessage || len(p) == 0 {
			continue
		}
		return addLength(p)
	}
}

func (c *wsConn) WriteMessage(p []byte) error {
	wire, err := stripLength(p)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, wire)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) Reliable() bool {
	return true
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// addLength rebuilds a websocket wire frame (zero Length nibble) in the
// explicit-length stream form.
func addLength(p []byte) ([]byte, error) {
	tkl := int(p[0] & 0x0f)
	body := len(p) - 2 - tkl
	if body < 0 {
		return nil, fmt.Errorf("transport: truncated websocket frame")
	}

	var hdr [5]byte
	var n int
	switch {
	case body < lenOffset8:
		hdr[0] = byte(body)<<4 | byte(tkl)
		n = 1
	case body < lenOffset16:
		hdr[0] = lenExt8<<4 | byte(tkl)
		hdr[1] = byte(body - lenOffset8)
		n = 2
	case body < lenOffset32:
		hdr[0] = lenExt16<<4 | byte(tkl)
		binary.BigEndian.PutUint16(hdr[1:3], uint16(body-lenOffset16))
		n = 3
	default:
		hdr[0] = lenExt32<<4 | byte(tkl)
		binary.BigEndian.PutUint32(hdr[1:5], uint32(body-lenOffset32))
		n = 5
	}

	out := make([]byte, 0, n+len(p)-1)
	out = append(out, hdr[:n]...)
	out = append(out, p[1:]...)
	return out, nil
}

// stripLength converts an explicit-length stream frame to the websocket
// wire form.
func stripLength(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("transport: empty frame")
	}
	lenNibble := frame[0] >> 4
	tkl := frame[0] & 0x0f
	ext := extLengthSize(lenNibble)
	if len(frame) < 1+ext {
		return nil, fmt.Errorf("transport: truncated frame header")
	}

	out := make([]byte, 0, len(frame)-ext)
	out = append(out, tkl)
	out = append(out, frame[1+ext:]...)
	return out, nil
}

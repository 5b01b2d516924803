// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

// Transport schemes accepted by Dial.
const (
	SchemeUDP  = "udp"
	SchemeDTLS = "dtls"
	SchemeTCP  = "tcp"
	SchemeWS   = "ws"
	SchemeWSS  = "wss"
)

// DefaultMaxMessageSize bounds the size of a single received message.
// It covers the largest UDP datagram; stream transports reject longer
// frames instead of buffering them.
const DefaultMaxMessageSize = 65536

// DefaultWSPath is the well-known CoAP endpoint path used for the
// WebSocket handshake (RFC 8323 section 4).
const DefaultWSPath = "/.well-known/coap"

// Conn is a message-oriented connection to a CoAP server. One call to
// ReadMessage yields one serialized CoAP message. Implementations are
// safe for one concurrent reader and any number of writers.
type Conn interface {
	// ReadMessage reads the next message. It blocks until a message
	// arrives, the connection is closed, or a read deadline expires.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one serialized message.
	WriteMessage(p []byte) error

	// Close closes the connection and unblocks a pending ReadMessage.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Reliable reports whether the transport handles delivery itself.
	// The CoAP message layer (retransmission, duplicate detection) is
	// only active when this is false.
	Reliable() bool

	// SetReadDeadline bounds subsequent reads. On the websocket
	// transport an expired deadline is fatal to the connection, so
	// deadlines are only appropriate during connection setup.
	SetReadDeadline(t time.Time) error
}

// DTLSConfig carries the credentials for the dtls scheme. Either PSK or
// Certificates must be set.
type DTLSConfig struct {
	// PSK is the pre-shared key. When set, the PSK ciphersuite
	// TLS_PSK_WITH_AES_128_CCM_8 is offered.
	PSK []byte

	// PSKIdentity is the identity hint sent with the PSK.
	PSKIdentity string

	// Certificates holds client certificates for certificate mode.
	Certificates []tls.Certificate

	// RootCAs verifies the server certificate. Nil uses the host roots.
	RootCAs *x509.CertPool

	// ServerName overrides the name verified against the server
	// certificate. Defaults to the dialed host.
	ServerName string

	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool
}

// Config configures Dial.
type Config struct {
	// Scheme selects the transport: udp, dtls, tcp, ws or wss.
	// Empty means udp.
	Scheme string

	// Address is the server address as host:port.
	Address string

	// DialTimeout bounds connection establishment including any
	// TLS/DTLS handshake. Zero means no timeout beyond the context.
	DialTimeout time.Duration

	// MaxMessageSize caps the size of a received message. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize int

	// TLS configures TLS for the tcp and wss schemes. For tcp a nil
	// value means plaintext.
	TLS *tls.Config

	// DTLS configures the dtls scheme. Required for dtls.
	DTLS *DTLSConfig

	// WSPath is the HTTP request path for the websocket handshake.
	// Empty means DefaultWSPath.
	WSPath string
}

// Dial establishes a connection to cfg.Address over the transport
// selected by cfg.Scheme.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("transport: address is required")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	switch cfg.Scheme {
	case "", SchemeUDP:
		return dialUDP(ctx, cfg)
	case SchemeDTLS:
		return dialDTLS(ctx, cfg)
	case SchemeTCP:
		return dialTCP(ctx, cfg)
	case SchemeWS, SchemeWSS:
		return dialWS(ctx, cfg)
	default:
		return nil, fmt.Errorf("transport: unknown scheme %q", cfg.Scheme)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"
)

// Info carries connection and request metadata passed to Listener methods.
// For connection-level events the Method and Path fields are empty.
type Info struct {
	// ClientID is a unique identifier for the client connection
	ClientID string

	// RemoteAddr is the server's network address
	RemoteAddr string

	// Scheme is the transport scheme (udp, dtls, tcp, ws, wss)
	Scheme string

	// Method is the request method (GET, POST, PUT, DELETE)
	Method string

	// Path is the request URI path
	Path string
}

// Listener receives client lifecycle events.
//
// AuthorizeRequest is called BEFORE a request is transmitted and can veto it
// by returning an error; wrappers use this as the insertion point for rate
// limiting and circuit breaking. The On* methods are notifications fired
// after the fact for audit logging or metrics; they cannot influence the
// operation.
type Listener interface {
	// AuthorizeRequest authorizes an outgoing request.
	// Return an error to abort the request before transmission.
	AuthorizeRequest(ctx context.Context, info *Info) error

	// OnConnect is called after the transport connection is established.
	OnConnect(ctx context.Context, info *Info)

	// OnDisconnect is called when the connection is closed.
	// err is nil for a clean local close.
	OnDisconnect(ctx context.Context, info *Info, err error)

	// OnResponse is called when a request completes with a response.
	// code is the response code in dotted notation (e.g. "2.05").
	OnResponse(ctx context.Context, info *Info, code string, duration time.Duration)

	// OnRetransmit is called each time a confirmable message is retransmitted.
	OnRetransmit(ctx context.Context, info *Info, attempt int)

	// OnTimeout is called when a request runs out of retransmission
	// attempts or exceeds its deadline.
	OnTimeout(ctx context.Context, info *Info)

	// OnNotification is called for each observe notification delivered to
	// the application. seq is the Observe sequence number.
	OnNotification(ctx context.Context, info *Info, seq uint32)
}

// NoopListener is a Listener implementation that allows all requests and
// ignores all notifications. Useful for testing or when no instrumentation
// is needed.
type NoopListener struct{}

var _ Listener = (*NoopListener)(nil)

func (l *NoopListener) AuthorizeRequest(ctx context.Context, info *Info) error {
	return nil
}

func (l *NoopListener) OnConnect(ctx context.Context, info *Info) {}

func (l *NoopListener) OnDisconnect(ctx context.Context, info *Info, err error) {}

func (l *NoopListener) OnResponse(ctx context.Context, info *Info, code string, duration time.Duration) {
}

func (l *NoopListener) OnRetransmit(ctx context.Context, info *Info, attempt int) {}

func (l *NoopListener) OnTimeout(ctx context.Context, info *Info) {}

func (l *NoopListener) OnNotification(ctx context.Context, info *Info, seq uint32) {}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the listener interface that links protocol clients
// to application-level instrumentation.
//
// # Overview
//
// The clients in this module (CoAP, Syslog) stay free of metrics, rate
// limiting, and policy code. Instead they report lifecycle events through a
// Listener supplied in their configuration. Applications compose listeners
// the same way HTTP middlewares compose: a wrapper implements Listener,
// does its work, and delegates to the inner listener.
//
// # Veto point
//
// AuthorizeRequest runs before a request leaves the client. Returning an
// error aborts the request and surfaces the error to the caller. This is
// where request pacing and circuit breaking plug in:
//
//	type RateLimitedListener struct {
//		events.Listener
//		limiter *ratelimit.TokenBucket
//	}
//
//	func (l *RateLimitedListener) AuthorizeRequest(ctx context.Context, info *events.Info) error {
//		if !l.limiter.Allow() {
//			return ratelimit.ErrRateLimitExceeded
//		}
//		return l.Listener.AuthorizeRequest(ctx, info)
//	}
//
// # Notifications
//
// The On* methods fire after the corresponding event and cannot influence
// it. They are called synchronously from client goroutines, so
// implementations must be fast and must not block.
//
// # Events
//
//   - OnConnect / OnDisconnect: transport lifecycle
//   - OnResponse: request completed, with response code and round-trip time
//   - OnRetransmit: confirmable message retransmitted (attempt 1..MaxRetransmit)
//   - OnTimeout: request gave up (retransmissions exhausted or deadline hit)
//   - OnNotification: observe notification delivered to the application
//
// NoopListener is the default when no listener is configured.
package events

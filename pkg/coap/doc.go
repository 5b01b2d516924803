// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements a CoAP client (RFC 7252) for device agents.
//
// A Client holds one logical connection to one CoAP server over UDP, DTLS,
// TCP or WebSocket and provides:
//
//   - Request/response exchanges with Get, Post, Put, Delete and Do
//   - Confirmable message retransmission with exponential backoff and
//     response matching by message ID and token
//   - Duplicate detection and Reset rejection of unmatched messages
//   - Separate (deferred) responses
//   - Resource observation (RFC 7641) with ordered notification delivery
//   - Block-wise transfers (RFC 7959) for large payloads
//   - CoAP ping for liveness probing
//
// On datagram transports the full message layer is active. On stream
// transports (RFC 8323) message IDs, retransmission and deduplication
// disappear, requests match by token alone, and capability and ping
// signaling is handled transparently.
//
// Basic usage:
//
//	client, err := coap.New(coap.Config{
//		Address: "coap.example.com:5683",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "/sensors/temperature")
//
// Observation:
//
//	obs, err := client.Observe(ctx, "/sensors/temperature",
//		func(ctx context.Context, n *coap.Notification) {
//			log.Printf("seq %d: %s", n.Seq, n.Payload)
//		})
//	...
//	obs.Cancel(ctx)
//
// All methods are safe for concurrent use. Lifecycle hooks and a
// pre-transmission veto point are available through events.Listener.
package coap

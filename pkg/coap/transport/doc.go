// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the message-oriented connections the CoAP
// client runs on. A Conn delivers exactly one serialized CoAP message per
// ReadMessage call regardless of the underlying transport:
//
//   - udp:  plain datagrams, one datagram per message
//   - dtls: pion/dtls records over UDP, one record per message
//   - tcp:  RFC 8323 length-prefixed frames extracted from the stream,
//     optionally wrapped in TLS
//   - ws/wss: gorilla/websocket binary messages carrying RFC 8323
//     frames with a zero Length nibble, re-framed for the codec
//
// Datagram transports report Reliable() == false and keep the CoAP
// message layer (retransmission, deduplication) in play; stream
// transports report true and carry signaling messages instead.
//
// Close unblocks a pending ReadMessage. Callers that need bounded reads
// during connection setup use SetReadDeadline; steady-state receive loops
// rely on Close instead, because an expired read deadline is fatal on the
// websocket transport.
package transport

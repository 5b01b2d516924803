// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package syslog implements a syslog client speaking the RFC 3164 BSD
// format and the RFC 5424 format, over UDP datagrams or TCP with
// octet-counting framing (RFC 6587).
//
// UDP sends are fire and forget: failures are counted and logged but do
// not reach the caller. TCP sends go through a connection pool so
// concurrent senders do not serialize, and a connection is discarded
// after a write error. Messages can be rate limited per severity, with
// dropped messages summarized by a periodic notice sent through the
// client itself.
package syslog

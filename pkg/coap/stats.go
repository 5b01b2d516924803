// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"sync/atomic"

	"github.com/plgd-dev/go-coap/v3/message"
)

// MessageCounts breaks a message counter down by CoAP message type.
// Messages on stream transports carry no datagram type and land in
// Signaling.
type MessageCounts struct {
	Confirmable     uint64
	NonConfirmable  uint64
	Acknowledgement uint64
	Reset           uint64
	Signaling       uint64
}

// Stats is a point-in-time snapshot of client counters. Counters
// accumulate across reconnects of the same client.
type Stats struct {
	Sent     MessageCounts
	Received MessageCounts

	Retransmissions        uint64
	DuplicatesSuppressed   uint64
	RejectsSent            uint64
	Timeouts               uint64
	NotificationsDelivered uint64
	NotificationsStale     uint64
	NotificationsDropped   uint64
	DecodeErrors           uint64
	BlockUploads           uint64
	BlockDownloads         uint64
}

type messageCounters struct {
	con atomic.Uint64
	non atomic.Uint64
	ack atomic.Uint64
	rst atomic.Uint64
	sig atomic.Uint64
}

func (m *messageCounters) count(typ message.Type) {
	switch typ {
	case message.Confirmable:
		m.con.Add(1)
	case message.NonConfirmable:
		m.non.Add(1)
	case message.Acknowledgement:
		m.ack.Add(1)
	case message.Reset:
		m.rst.Add(1)
	default:
		m.sig.Add(1)
	}
}

func (m *messageCounters) snapshot() MessageCounts {
	return MessageCounts{
		Confirmable:     m.con.Load(),
		NonConfirmable:  m.non.Load(),
		Acknowledgement: m.ack.Load(),
		Reset:           m.rst.Load(),
		Signaling:       m.sig.Load(),
	}
}

type clientStats struct {
	sent     messageCounters
	received messageCounters

	retransmissions        atomic.Uint64
	duplicates             atomic.Uint64
	rejects                atomic.Uint64
	timeouts               atomic.Uint64
	notificationsDelivered atomic.Uint64
	notificationsStale     atomic.Uint64
	notificationsDropped   atomic.Uint64
	decodeErrors           atomic.Uint64
	blockUploads           atomic.Uint64
	blockDownloads         atomic.Uint64
}

func (s *clientStats) snapshot() Stats {
	return Stats{
		Sent:                   s.sent.snapshot(),
		Received:               s.received.snapshot(),
		Retransmissions:        s.retransmissions.Load(),
		DuplicatesSuppressed:   s.duplicates.Load(),
		RejectsSent:            s.rejects.Load(),
		Timeouts:               s.timeouts.Load(),
		NotificationsDelivered: s.notificationsDelivered.Load(),
		NotificationsStale:     s.notificationsStale.Load(),
		NotificationsDropped:   s.notificationsDropped.Load(),
		DecodeErrors:           s.decodeErrors.Load(),
		BlockUploads:           s.blockUploads.Load(),
		BlockDownloads:         s.blockDownloads.Load(),
	}
}

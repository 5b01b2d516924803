// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"sync"
	"time"
)

// dedupReply records what was sent back for a message so a duplicate
// gets the same answer.
type dedupReply uint8

const (
	replyNone dedupReply = iota
	replyAck
	replyReset
)

type dedupEntry struct {
	expiry time.Time
	reply  dedupReply
}

// dedupCache remembers the message IDs of recently received confirmable
// and non-confirmable messages so retransmitted duplicates are answered
// again but not delivered twice. One cache serves one client, which
// talks to exactly one server, so the remote endpoint is not part of the
// key.
type dedupCache struct {
	mu       sync.Mutex
	seen     map[uint16]dedupEntry
	lifetime time.Duration
}

func newDedupCache(lifetime time.Duration) *dedupCache {
	return &dedupCache{
		seen:     make(map[uint16]dedupEntry),
		lifetime: lifetime,
	}
}

// lookup reports whether the message ID was seen within the exchange
// lifetime window, and the reply that was sent for it. Expired entries
// are evicted lazily here.
func (d *dedupCache) lookup(mid uint16) (dedupReply, bool) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.seen[mid]
	if !ok {
		return replyNone, false
	}
	if now.After(e.expiry) {
		delete(d.seen, mid)
		return replyNone, false
	}
	return e.reply, true
}

// record remembers the message ID together with the reply sent for it.
func (d *dedupCache) record(mid uint16, reply dedupReply) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen[mid] = dedupEntry{
		expiry: time.Now().Add(d.lifetime),
		reply:  reply,
	}
}

// sweep drops expired entries. lookup evicts lazily on hit; the client's
// sweeper goroutine calls this to bound the map between hits.
func (d *dedupCache) sweep() {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for mid, e := range d.seen {
		if now.After(e.expiry) {
			delete(d.seen, mid)
		}
	}
}

func (d *dedupCache) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

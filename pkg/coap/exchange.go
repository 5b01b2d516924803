// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"sync"
)

// exchangeResult carries the terminal outcome of an exchange.
type exchangeResult struct {
	resp *Response
	err  error
}

// exchange tracks one in-flight request until its response, failure or
// cancellation. On datagram transports acknowledgements and resets match
// by message ID and responses by token; on stream transports only the
// token is in play.
type exchange struct {
	token string // empty for ping, which carries no token
	mid   int32  // -1 on stream transports

	confirmable bool
	ping        bool
	obs         *Observation // set while the exchange registers an observation

	ackOnce sync.Once
	acked   chan struct{}       // closed on an empty ACK, separate response pending
	result  chan exchangeResult // buffered, first outcome wins
}

func newExchange(token string, mid int32, confirmable bool) *exchange {
	return &exchange{
		token:       token,
		mid:         mid,
		confirmable: confirmable,
		acked:       make(chan struct{}),
		result:      make(chan exchangeResult, 1),
	}
}

// markAcked records the empty ACK for this exchange's message ID and
// stops the retransmission schedule.
func (ex *exchange) markAcked() {
	ex.ackOnce.Do(func() { close(ex.acked) })
}

// complete delivers the response. Outcomes after the first are dropped.
func (ex *exchange) complete(resp *Response) {
	select {
	case ex.result <- exchangeResult{resp: resp}:
	default:
	}
}

// fail delivers an error outcome. Outcomes after the first are dropped.
func (ex *exchange) fail(err error) {
	select {
	case ex.result <- exchangeResult{err: err}:
	default:
	}
}

// exchangeTable indexes in-flight exchanges by token and, on datagram
// transports, by message ID.
type exchangeTable struct {
	mu      sync.Mutex
	byToken map[string]*exchange
	byMID   map[uint16]*exchange
}

func newExchangeTable() *exchangeTable {
	return &exchangeTable{
		byToken: make(map[string]*exchange),
		byMID:   make(map[uint16]*exchange),
	}
}

// register indexes the exchange under its keys. It reports false when the
// token is already in flight so the caller can pick a fresh one. A message
// ID collision overwrites: the ID space wraps and the older exchange has
// normally consumed its acknowledgement long before.
func (t *exchangeTable) register(ex *exchange) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ex.token != "" {
		if _, ok := t.byToken[ex.token]; ok {
			return false
		}
		t.byToken[ex.token] = ex
	}
	if ex.mid >= 0 {
		t.byMID[uint16(ex.mid)] = ex
	}
	return true
}

func (t *exchangeTable) remove(ex *exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ex.token != "" {
		if cur, ok := t.byToken[ex.token]; ok && cur == ex {
			delete(t.byToken, ex.token)
		}
	}
	if ex.mid >= 0 {
		if cur, ok := t.byMID[uint16(ex.mid)]; ok && cur == ex {
			delete(t.byMID, uint16(ex.mid))
		}
	}
}

func (t *exchangeTable) matchToken(token string) *exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byToken[token]
}

func (t *exchangeTable) matchMID(mid uint16) *exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byMID[mid]
}

// failAll fails every in-flight exchange. Used on teardown so no waiter
// hangs on a dead connection.
func (t *exchangeTable) failAll(err error) {
	t.mu.Lock()
	pending := make(map[*exchange]struct{}, len(t.byToken)+len(t.byMID))
	for _, ex := range t.byToken {
		pending[ex] = struct{}{}
	}
	for _, ex := range t.byMID {
		pending[ex] = struct{}{}
	}
	t.byToken = make(map[string]*exchange)
	t.byMID = make(map[uint16]*exchange)
	t.mu.Unlock()

	for ex := range pending {
		ex.fail(err)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/absmach/mlink/pkg/errors"
	"github.com/absmach/mlink/pkg/events"
)

// Reordering window and freshness bound from RFC 7641 section 3.4.
const (
	observeWindow    = 1 << 23
	observeFreshness = 128 * time.Second
)

const (
	observeRegister   uint32 = 0
	observeDeregister uint32 = 1
)

// Notification is one state update of an observed resource.
type Notification struct {
	// Seq is the Observe option value, the server's sequence number
	// for this notification.
	Seq uint32

	// Code is the notification's response code.
	Code codes.Code

	// Payload is the resource representation.
	Payload []byte

	// Options holds the notification options.
	Options message.Options

	// Final marks the last notification of the relation: the server
	// ended it, refused it, or the resource went away.
	Final bool
}

// NotifyFunc receives the notifications of one observation, in order, on
// a goroutine dedicated to that observation. The context is the
// connection's context and ends when the connection does.
type NotifyFunc func(ctx context.Context, n *Notification)

// Observation is a registered observe relation. It holds its token until
// it is canceled, dropped with the connection, or ended by the server.
type Observation struct {
	client *Client
	path   string
	fn     NotifyFunc
	info   *events.Info

	notifyCh chan *Notification
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	token    string
	active   bool
	canceled bool
	seen     bool
	lastSeq  uint32
	lastTime time.Time
}

func newObservation(c *Client, path string, fn NotifyFunc) *Observation {
	return &Observation{
		client:   c,
		path:     path,
		fn:       fn,
		info:     c.info("GET", path),
		notifyCh: make(chan *Notification, c.cfg.NotifyBuffer),
		done:     make(chan struct{}),
	}
}

// Path returns the observed resource path.
func (o *Observation) Path() string { return o.path }

// Done is closed when the observation is over, whether canceled, ended
// by the server or dropped with the connection.
func (o *Observation) Done() <-chan struct{} { return o.done }

// Active reports whether the relation is established and still running.
func (o *Observation) Active() bool {
	select {
	case <-o.done:
		return false
	default:
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active && !o.canceled
}

func (o *Observation) finish() {
	o.doneOnce.Do(func() { close(o.done) })
}

// drop forgets the relation locally without telling the server. The next
// confirmable notification, should one arrive, draws a Reset, which
// cancels the relation server-side as well (RFC 7641 section 3.6).
func (o *Observation) drop() {
	o.mu.Lock()
	o.canceled = true
	active := o.active
	o.mu.Unlock()

	if active {
		o.client.observations.remove(o)
	}
	o.finish()
}

// Cancel deregisters the observation. The relation is forgotten locally
// first, then a deregister request with the observation's token tells
// the server, bounded by ctx and the configured request timeout. The
// local state is gone even when the deregister exchange fails.
func (o *Observation) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.canceled || !o.active {
		o.mu.Unlock()
		return nil
	}
	o.canceled = true
	token := o.token
	o.mu.Unlock()

	o.client.observations.remove(o)
	o.finish()

	return o.client.deregister(ctx, o.path, token, o.info)
}

// loop delivers queued notifications to the callback until the
// observation finishes.
func (o *Observation) loop(ctx context.Context) {
	for {
		select {
		case <-o.done:
			return
		case n := <-o.notifyCh:
			o.mu.Lock()
			dead := o.canceled
			o.mu.Unlock()
			if dead {
				return
			}
			o.client.stats.notificationsDelivered.Add(1)
			o.client.listener.OnNotification(ctx, o.info, n.Seq)
			o.fn(ctx, n)
			if n.Final {
				o.finish()
				return
			}
		}
	}
}

// Observe registers an observation of path. The first 2.xx response
// carrying an Observe option establishes the relation, and its payload
// reaches fn as notification zero, possibly before Observe returns.
// Later state updates follow in sequence order. When the server answers
// 2.xx without an Observe option it declined the relation: the single
// representation reaches fn as a final notification and the returned
// observation is already done.
func (c *Client) Observe(ctx context.Context, path string, fn NotifyFunc, queries ...string) (*Observation, error) {
	if fn == nil {
		return nil, errors.New("observe", c.cfg.Scheme, c.cfg.Address, fmt.Errorf("nil notify func"))
	}

	info := c.info("GET", path)
	if err := c.listener.AuthorizeRequest(ctx, info); err != nil {
		return nil, errors.New("observe", c.cfg.Scheme, c.cfg.Address, err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	obs := newObservation(c, path, fn)

	reg := observeRegister
	req := &Request{Code: codes.GET, Path: path, Queries: queries}
	req.observe = &reg

	resp, err := c.exchangeRequest(ctx, req, obs, info)
	if err != nil {
		// The relation may have been established on the receive loop
		// right as the wait gave up. Marking it canceled first closes
		// that window: a not-yet-run activation aborts, an already-run
		// one is undone here.
		obs.drop()
		if errors.Is(err, errors.ErrTimeout) {
			c.stats.timeouts.Add(1)
			c.listener.OnTimeout(ctx, info)
		}
		return nil, errors.New("observe", c.cfg.Scheme, c.cfg.Address, err)
	}

	if !resp.IsSuccess() {
		return nil, errors.New("observe", c.cfg.Scheme, c.cfg.Address,
			fmt.Errorf("server answered %s: %w", CodeString(resp.Code), errors.ErrUnexpectedResponse))
	}

	c.listener.OnResponse(ctx, info, CodeString(resp.Code), time.Since(start))

	if obs.Active() {
		return obs, nil
	}

	// 2.xx without an Observe option: the server sent a plain response
	// instead of establishing the relation.
	obs.mu.Lock()
	obs.canceled = true
	obs.mu.Unlock()
	obs.finish()

	n := &Notification{Code: resp.Code, Payload: resp.Payload, Options: resp.Options, Final: true}
	c.stats.notificationsDelivered.Add(1)
	c.listener.OnNotification(ctx, obs.info, n.Seq)
	fn(ctx, n)

	return obs, nil
}

// deregister sends the RFC 7641 section 3.6 deregister request: a GET
// with Observe=1 reusing the observation's token. Any response settles
// it; the relation is already gone locally.
func (c *Client) deregister(ctx context.Context, path, token string, info *events.Info) error {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	dereg := observeDeregister
	req := &Request{Code: codes.GET, Path: path}
	req.observe = &dereg
	req.token = message.Token(token)

	if _, err := c.exchangeRequest(ctx, req, nil, info); err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			c.stats.timeouts.Add(1)
			c.listener.OnTimeout(ctx, info)
		}
		return errors.New("cancel", c.cfg.Scheme, c.cfg.Address, err)
	}
	return nil
}

// activateObservation runs on the receive loop when the first successful
// response of a register exchange carries an Observe option. It runs
// before the exchange completes, so no notification can arrive between
// the first response and the table entry.
func (c *Client) activateObservation(ctx context.Context, obs *Observation, resp *Response, seq uint32) {
	obs.mu.Lock()
	if obs.canceled {
		obs.mu.Unlock()
		return
	}
	obs.token = string(resp.Token)
	obs.active = true
	obs.seen = true
	obs.lastSeq = seq
	obs.lastTime = time.Now()
	obs.mu.Unlock()

	c.observations.add(obs)
	go obs.loop(ctx)

	obs.notifyCh <- &Notification{Seq: seq, Code: resp.Code, Payload: resp.Payload, Options: resp.Options}
}

// deliverNotification queues a notification for the callback goroutine.
// Stale notifications are dropped after being acknowledged, and a full
// queue drops the newest rather than blocking the receive loop. A
// response without an Observe option, or with an error code, ends the
// relation and is delivered as final.
func (c *Client) deliverNotification(ctx context.Context, obs *Observation, msg *pool.Message) {
	resp, err := responseFromMessage(msg)
	if err != nil {
		c.stats.decodeErrors.Add(1)
		return
	}

	seq, hasObserve := optionUint32(resp.Options, message.Observe)
	final := !hasObserve || !resp.IsSuccess()

	if final {
		c.observations.remove(obs)
	} else {
		now := time.Now()
		obs.mu.Lock()
		if obs.canceled {
			obs.mu.Unlock()
			return
		}
		if obs.seen && !fresher(obs.lastSeq, seq, obs.lastTime, now) {
			obs.mu.Unlock()
			c.stats.notificationsStale.Add(1)
			c.logger.Debug("dropping stale notification",
				slog.String("client_id", c.id),
				slog.String("path", obs.path),
				slog.Uint64("seq", uint64(seq)),
			)
			return
		}
		obs.seen = true
		obs.lastSeq = seq
		obs.lastTime = now
		obs.mu.Unlock()
	}

	n := &Notification{Seq: seq, Code: resp.Code, Payload: resp.Payload, Options: resp.Options, Final: final}
	select {
	case obs.notifyCh <- n:
	default:
		c.stats.notificationsDropped.Add(1)
		c.logger.Warn("notification queue full, dropping",
			slog.String("client_id", c.id),
			slog.String("path", obs.path),
			slog.Uint64("seq", uint64(seq)),
		)
		if final {
			obs.finish()
		}
	}
}

// fresher reports whether an incoming notification (v2 arriving at t2)
// is newer than the stored one (v1 at t1) per RFC 7641 section 3.4.
func fresher(v1, v2 uint32, t1, t2 time.Time) bool {
	switch {
	case v1 < v2 && v2-v1 < observeWindow:
		return true
	case v1 > v2 && v1-v2 > observeWindow:
		return true
	default:
		return t2.After(t1.Add(observeFreshness))
	}
}

// observeTable indexes active observations by token.
type observeTable struct {
	mu      sync.Mutex
	byToken map[string]*Observation
}

func newObserveTable() *observeTable {
	return &observeTable{byToken: make(map[string]*Observation)}
}

func (t *observeTable) add(o *Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken[o.token] = o
}

func (t *observeTable) remove(o *Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byToken[o.token]; ok && cur == o {
		delete(t.byToken, o.token)
	}
}

func (t *observeTable) match(token string) *Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byToken[token]
}

func (t *observeTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}

// dropAll forgets every observation, used on teardown and close.
func (t *observeTable) dropAll() {
	t.mu.Lock()
	dropped := make([]*Observation, 0, len(t.byToken))
	for _, o := range t.byToken {
		dropped = append(dropped, o)
	}
	t.byToken = make(map[string]*Observation)
	t.mu.Unlock()

	for _, o := range dropped {
		o.mu.Lock()
		o.canceled = true
		o.mu.Unlock()
		o.finish()
	}
}

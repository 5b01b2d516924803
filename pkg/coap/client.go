// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	tcpcoder "github.com/plgd-dev/go-coap/v3/tcp/coder"
	udpcoder "github.com/plgd-dev/go-coap/v3/udp/coder"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/mlink/pkg/coap/transport"
	"github.com/absmach/mlink/pkg/errors"
	"github.com/absmach/mlink/pkg/events"
)

// Protocol defaults per RFC 7252 section 4.8.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultAckTimeout       = 2 * time.Second
	DefaultAckRandomFactor  = 1.5
	DefaultMaxRetransmit    = 4
	DefaultNStart           = 1
	DefaultExchangeLifetime = 247 * time.Second
	DefaultMaxMessageSize   = 1152
	DefaultBlockSize        = 1024
	DefaultMaxBodySize      = 1 << 20
	DefaultNotifyBuffer     = 16
)

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config holds the client configuration.
type Config struct {
	// Address is the server address as host:port. Required.
	Address string

	// Scheme selects the transport: udp, dtls, tcp, ws or wss.
	// Default: udp.
	Scheme string

	// DialTimeout bounds connection establishment including the
	// TLS/DTLS handshake. Default: 10s.
	DialTimeout time.Duration

	// RequestTimeout bounds one request end to end, retransmissions
	// and block-wise continuations included. Negative disables the
	// client-side bound, leaving only the caller's context.
	// Default: 30s.
	RequestTimeout time.Duration

	// AckTimeout is the base retransmission timeout (ACK_TIMEOUT).
	// Default: 2s.
	AckTimeout time.Duration

	// AckRandomFactor spreads the initial retransmission timeout
	// (ACK_RANDOM_FACTOR). Must be at least 1. Default: 1.5.
	AckRandomFactor float64

	// MaxRetransmit is the number of retransmissions after the initial
	// transmission of a confirmable message (MAX_RETRANSMIT).
	// Default: 4.
	MaxRetransmit int

	// NStart bounds simultaneous outstanding confirmable exchanges
	// towards the server (NSTART). Default: 1.
	NStart int

	// ExchangeLifetime is the duplicate detection window
	// (EXCHANGE_LIFETIME). Default: 247s.
	ExchangeLifetime time.Duration

	// MaxMessageSize caps the size of an outgoing serialized datagram
	// message. Larger payloads go block-wise. Default: 1152.
	MaxMessageSize int

	// BlockSize is the preferred block size for block-wise transfers,
	// a power of two between 16 and 1024. Default: 1024.
	BlockSize int

	// MaxBodySize caps a reassembled block-wise body. Default: 1 MiB.
	MaxBodySize int

	// NotifyBuffer is the per-observation notification queue length.
	// Notifications beyond it are dropped, not blocked on.
	// Default: 16.
	NotifyBuffer int

	// TLS configures the tcp and wss schemes.
	TLS *tls.Config

	// DTLS configures the dtls scheme.
	DTLS *transport.DTLSConfig

	// WSPath overrides the websocket handshake path.
	// Default: /.well-known/coap.
	WSPath string

	// Logger receives structured client logs. Default: slog.Default().
	Logger *slog.Logger

	// Listener receives lifecycle events and can veto requests.
	// Default: events.NoopListener.
	Listener events.Listener
}

func (cfg *Config) normalize() error {
	if cfg.Address == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "address is required")
	}
	switch cfg.Scheme {
	case "":
		cfg.Scheme = transport.SchemeUDP
	case transport.SchemeUDP, transport.SchemeDTLS, transport.SchemeTCP, transport.SchemeWS, transport.SchemeWSS:
	default:
		return errors.Wrap(errors.ErrInvalidConfig, fmt.Sprintf("unknown scheme %q", cfg.Scheme))
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.AckRandomFactor == 0 {
		cfg.AckRandomFactor = DefaultAckRandomFactor
	}
	if cfg.AckRandomFactor < 1 {
		return errors.Wrap(errors.ErrInvalidConfig, "ack random factor below 1")
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}
	if cfg.NStart == 0 {
		cfg.NStart = DefaultNStart
	}
	if cfg.ExchangeLifetime == 0 {
		cfg.ExchangeLifetime = DefaultExchangeLifetime
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if _, err := szxFromSize(cfg.BlockSize); err != nil {
		return errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.NotifyBuffer == 0 {
		cfg.NotifyBuffer = DefaultNotifyBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Listener == nil {
		cfg.Listener = &events.NoopListener{}
	}
	return nil
}

// Client is a CoAP client holding one logical connection to one server.
// All methods are safe for concurrent use. A closed client can connect
// again; counters accumulate across connections.
type Client struct {
	cfg      Config
	id       string
	logger   *slog.Logger
	listener events.Listener

	mu     sync.RWMutex
	state  State
	conn   transport.Conn
	runCtx context.Context
	stop   context.CancelFunc
	group  *errgroup.Group
	dedup  *dedupCache

	midCounter atomic.Uint32

	exchanges    *exchangeTable
	observations *observeTable

	nstart chan struct{}

	stats clientStats
}

// New creates a client for the given configuration. The client starts
// disconnected; call Connect before issuing requests.
func New(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errors.New("configure", cfg.Scheme, cfg.Address, err)
	}

	c := &Client{
		cfg:          cfg,
		id:           uuid.NewString(),
		logger:       cfg.Logger,
		listener:     cfg.Listener,
		exchanges:    newExchangeTable(),
		observations: newObserveTable(),
		nstart:       make(chan struct{}, cfg.NStart),
	}
	c.midCounter.Store(rand.Uint32())
	return c, nil
}

// Connect dials the transport and starts the receive machinery. On
// stream transports the initial capability message is sent before any
// request can go out.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return errors.New("connect", c.cfg.Scheme, c.cfg.Address, fmt.Errorf("client is %s", state))
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := transport.Dial(ctx, transport.Config{
		Scheme:      c.cfg.Scheme,
		Address:     c.cfg.Address,
		DialTimeout: c.cfg.DialTimeout,
		TLS:         c.cfg.TLS,
		DTLS:        c.cfg.DTLS,
		WSPath:      c.cfg.WSPath,
	})
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return errors.New("connect", c.cfg.Scheme, c.cfg.Address, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		stop()
		conn.Close()
		return errors.New("connect", c.cfg.Scheme, c.cfg.Address, errors.ErrConnectionClosed)
	}
	c.conn = conn
	c.runCtx = runCtx
	c.stop = stop
	c.group = g
	c.dedup = nil
	if !conn.Reliable() {
		c.dedup = newDedupCache(c.cfg.ExchangeLifetime)
	}
	dedup := c.dedup
	c.state = StateConnected
	c.mu.Unlock()

	if conn.Reliable() {
		if err := c.sendCSM(conn); err != nil {
			stop()
			conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.group = nil
			c.state = StateDisconnected
			c.mu.Unlock()
			return errors.New("connect", c.cfg.Scheme, c.cfg.Address, err)
		}
	}

	g.Go(func() error { return c.receiveLoop(gctx, conn) })
	if dedup != nil {
		g.Go(func() error { return c.sweepLoop(gctx, dedup) })
	}

	c.logger.Info("connected",
		slog.String("client_id", c.id),
		slog.String("scheme", c.cfg.Scheme),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	c.listener.OnConnect(ctx, c.info("", ""))
	return nil
}

// Close shuts the connection down. In-flight requests fail with a
// connection closed error and observations are forgotten locally. Close
// is idempotent, and a closed client may Connect again.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	stop := c.stop
	g := c.group
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
	c.exchanges.failAll(errors.ErrConnectionClosed)
	c.observations.dropAll()
	if g != nil {
		// Loops exit once the transport read unblocks.
		_ = g.Wait()
	}

	c.mu.Lock()
	c.conn = nil
	c.group = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("connection closed", slog.String("client_id", c.id))
	c.listener.OnDisconnect(context.Background(), c.info("", ""), nil)
	return nil
}

// teardown handles an unexpected connection loss: waiters fail,
// observations drop, the transport closes and the client returns to the
// disconnected state, from which Connect works again.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	conn := c.conn
	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
	c.exchanges.failAll(errors.ErrConnectionClosed)
	c.observations.dropAll()

	c.mu.Lock()
	c.conn = nil
	c.group = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.listener.OnDisconnect(context.Background(), c.info("", ""), cause)
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// ActiveObservations returns the number of active observe relations.
func (c *Client) ActiveObservations() int {
	return c.observations.len()
}

// ID returns the client's connection identifier, stable for the
// client's lifetime.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the transport remote address when connected and
// the configured address otherwise.
func (c *Client) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return c.cfg.Address
}

// transport returns the live connection and its run context, or nil
// when not connected.
func (c *Client) transport() (transport.Conn, context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return nil, nil
	}
	return c.conn, c.runCtx
}

func (c *Client) closing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateClosing || c.state == StateDisconnected
}

// acquireNStart takes a slot in the confirmable exchange window.
func (c *Client) acquireNStart(ctx, runCtx context.Context) (func(), error) {
	select {
	case c.nstart <- struct{}{}:
		return func() { <-c.nstart }, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	case <-runCtx.Done():
		return nil, errors.ErrConnectionClosed
	}
}

// Ping probes the server for liveness. On datagram transports this is
// an empty confirmable message whose answer is the matching Reset
// (RFC 7252 section 4.3); on stream transports 7.02 Ping / 7.03 Pong
// signaling is used instead.
func (c *Client) Ping(ctx context.Context) error {
	conn, runCtx := c.transport()
	if conn == nil {
		return errors.New("ping", c.cfg.Scheme, c.cfg.Address, errors.ErrNotConnected)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	info := c.info("PING", "")
	var err error
	if conn.Reliable() {
		err = c.pingStream(ctx, runCtx, conn, info)
	} else {
		err = c.pingDatagram(ctx, runCtx, conn, info)
	}
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			c.stats.timeouts.Add(1)
			c.listener.OnTimeout(ctx, info)
		}
		return errors.New("ping", c.cfg.Scheme, c.cfg.Address, err)
	}
	return nil
}

func (c *Client) pingDatagram(ctx, runCtx context.Context, conn transport.Conn, info *events.Info) error {
	release, err := c.acquireNStart(ctx, runCtx)
	if err != nil {
		return err
	}
	defer release()

	mid := int32(c.nextMID())
	msg := pool.NewMessage(ctx)
	msg.SetCode(codes.Empty)
	msg.SetType(message.Confirmable)
	msg.SetMessageID(mid)

	data, err := c.encode(msg, false)
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	ex := newExchange("", mid, true)
	ex.ping = true
	c.exchanges.register(ex)
	defer c.exchanges.remove(ex)

	_, err = c.transmit(ctx, runCtx, conn, ex, data, info)
	return err
}

func (c *Client) pingStream(ctx, runCtx context.Context, conn transport.Conn, info *events.Info) error {
	token, err := message.GetToken()
	if err != nil {
		return errors.Wrap(err, "token")
	}

	msg := pool.NewMessage(ctx)
	msg.SetCode(codes.Ping)
	msg.SetToken(token)

	data, err := c.encode(msg, true)
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	ex := newExchange(string(token), -1, false)
	ex.ping = true
	c.exchanges.register(ex)
	defer c.exchanges.remove(ex)

	_, err = c.transmit(ctx, runCtx, conn, ex, data, info)
	return err
}

// receiveLoop reads and dispatches messages until the connection goes
// away. Shutdown is signaled by closing the transport, which unblocks
// the read.
func (c *Client) receiveLoop(ctx context.Context, conn transport.Conn) error {
	reliable := conn.Reliable()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if c.closing() || ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("connection lost",
				slog.String("client_id", c.id),
				slog.String("error", err.Error()),
			)
			c.teardown(err)
			return err
		}
		c.handleMessage(ctx, conn, data, reliable)
	}
}

// sweepLoop periodically evicts expired duplicate detection entries.
func (c *Client) sweepLoop(ctx context.Context, dedup *dedupCache) error {
	ticker := time.NewTicker(c.cfg.ExchangeLifetime / 8)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dedup.sweep()
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, conn transport.Conn, data []byte, reliable bool) {
	msg, err := c.decode(ctx, data, reliable)
	if err != nil {
		c.stats.decodeErrors.Add(1)
		c.logger.Debug("dropping undecodable message",
			slog.String("client_id", c.id),
			slog.String("error", err.Error()),
		)
		return
	}
	c.stats.received.count(msg.Type())

	if reliable {
		c.handleStreamMessage(ctx, conn, msg)
		return
	}
	c.handleDatagramMessage(ctx, conn, msg)
}

// handleDatagramMessage implements the datagram matching rules:
// acknowledgements and resets match a pending exchange by message ID,
// confirmable and non-confirmable messages match an observation or a
// pending exchange by token, duplicates are answered again but not
// re-delivered, and an unmatched confirmable is rejected with Reset.
func (c *Client) handleDatagramMessage(ctx context.Context, conn transport.Conn, msg *pool.Message) {
	mid := uint16(msg.MessageID())

	switch msg.Type() {
	case message.Acknowledgement:
		ex := c.exchanges.matchMID(mid)
		if ex == nil {
			c.logger.Debug("ignoring unmatched acknowledgement",
				slog.String("client_id", c.id),
				slog.Int("mid", int(mid)),
			)
			return
		}
		if msg.Code() == codes.Empty {
			ex.markAcked()
			return
		}
		resp, err := responseFromMessage(msg)
		if err != nil {
			c.stats.decodeErrors.Add(1)
			return
		}
		if ex.token != "" && string(resp.Token) != ex.token {
			ex.fail(errors.Wrap(errors.ErrUnexpectedResponse, "token mismatch in piggybacked response"))
			return
		}
		c.finishExchange(ctx, ex, resp)

	case message.Reset:
		ex := c.exchanges.matchMID(mid)
		if ex == nil {
			c.logger.Debug("ignoring unmatched reset",
				slog.String("client_id", c.id),
				slog.Int("mid", int(mid)),
			)
			return
		}
		if ex.ping {
			// The reset is the answer to an empty confirmable.
			ex.complete(&Response{Code: codes.Empty, Type: message.Reset})
			return
		}
		ex.fail(errors.ErrReset)

	case message.Confirmable, message.NonConfirmable:
		confirmable := msg.Type() == message.Confirmable

		if reply, dup := c.dedupLookup(mid); dup {
			c.stats.duplicates.Add(1)
			switch reply {
			case replyAck:
				c.acknowledge(conn, msg.MessageID())
			case replyReset:
				c.reject(conn, msg.MessageID())
			}
			return
		}

		token := string(msg.Token())
		if obs := c.observations.match(token); obs != nil {
			if confirmable {
				c.acknowledge(conn, msg.MessageID())
				c.dedupRecord(mid, replyAck)
			} else {
				c.dedupRecord(mid, replyNone)
			}
			c.deliverNotification(ctx, obs, msg)
			return
		}
		if ex := c.exchanges.matchToken(token); ex != nil {
			if confirmable {
				c.acknowledge(conn, msg.MessageID())
				c.dedupRecord(mid, replyAck)
			} else {
				c.dedupRecord(mid, replyNone)
			}
			resp, err := responseFromMessage(msg)
			if err != nil {
				c.stats.decodeErrors.Add(1)
				return
			}
			c.finishExchange(ctx, ex, resp)
			return
		}

		// Unmatched. This also answers a peer's empty confirmable ping.
		if confirmable {
			c.reject(conn, msg.MessageID())
			c.dedupRecord(mid, replyReset)
			c.stats.rejects.Add(1)
		} else {
			c.dedupRecord(mid, replyNone)
			c.logger.Debug("dropping unmatched non-confirmable",
				slog.String("client_id", c.id),
				slog.Int("mid", int(mid)),
			)
		}

	default:
		c.logger.Debug("dropping message with invalid type", slog.String("client_id", c.id))
	}
}

// handleStreamMessage implements the RFC 8323 rules: no message layer,
// token-only matching, with signaling codes handled in place.
func (c *Client) handleStreamMessage(ctx context.Context, conn transport.Conn, msg *pool.Message) {
	switch msg.Code() {
	case codes.CSM:
		c.logger.Debug("capability settings received", slog.String("client_id", c.id))
		return
	case codes.Ping:
		c.sendPong(conn, msg.Token())
		return
	case codes.Pong:
		if ex := c.exchanges.matchToken(string(msg.Token())); ex != nil && ex.ping {
			ex.complete(&Response{Code: codes.Pong})
		}
		return
	case codes.Release:
		c.logger.Info("server released the connection", slog.String("client_id", c.id))
		c.teardown(errors.Wrap(errors.ErrConnectionClosed, "release by server"))
		return
	case codes.Abort:
		c.logger.Warn("server aborted the connection", slog.String("client_id", c.id))
		c.teardown(errors.Wrap(errors.ErrConnectionClosed, "abort by server"))
		return
	}

	token := string(msg.Token())
	if obs := c.observations.match(token); obs != nil {
		c.deliverNotification(ctx, obs, msg)
		return
	}
	if ex := c.exchanges.matchToken(token); ex != nil {
		resp, err := responseFromMessage(msg)
		if err != nil {
			c.stats.decodeErrors.Add(1)
			return
		}
		c.finishExchange(ctx, ex, resp)
		return
	}
	c.logger.Debug("dropping unmatched message", slog.String("client_id", c.id))
}

// finishExchange completes an exchange. An observation attached to the
// exchange is activated before the waiter wakes so no notification can
// arrive between the first response and the registration.
func (c *Client) finishExchange(ctx context.Context, ex *exchange, resp *Response) {
	if ex.obs != nil && resp.IsSuccess() {
		if seq, ok := optionUint32(resp.Options, message.Observe); ok {
			c.activateObservation(ctx, ex.obs, resp, seq)
		}
	}
	ex.complete(resp)
}

func (c *Client) dedupLookup(mid uint16) (dedupReply, bool) {
	c.mu.RLock()
	dedup := c.dedup
	c.mu.RUnlock()
	if dedup == nil {
		return replyNone, false
	}
	return dedup.lookup(mid)
}

func (c *Client) dedupRecord(mid uint16, reply dedupReply) {
	c.mu.RLock()
	dedup := c.dedup
	c.mu.RUnlock()
	if dedup != nil {
		dedup.record(mid, reply)
	}
}

// sendCSM sends the capability and settings message required first on
// stream transports (RFC 8323 section 5.3). An empty CSM keeps the
// protocol defaults.
func (c *Client) sendCSM(conn transport.Conn) error {
	msg := pool.NewMessage(context.Background())
	msg.SetCode(codes.CSM)

	data, err := c.encode(msg, true)
	if err != nil {
		return err
	}
	return c.send(conn, data, message.Unset)
}

func (c *Client) sendPong(conn transport.Conn, token message.Token) {
	msg := pool.NewMessage(context.Background())
	msg.SetCode(codes.Pong)
	msg.SetToken(token)

	data, err := c.encode(msg, true)
	if err != nil {
		c.logger.Error("encoding pong", slog.String("error", err.Error()))
		return
	}
	if err := c.send(conn, data, message.Unset); err != nil {
		c.logger.Debug("sending pong", slog.String("error", err.Error()))
	}
}

// acknowledge sends an empty ACK echoing the message ID.
func (c *Client) acknowledge(conn transport.Conn, mid int32) {
	c.sendEmpty(conn, message.Acknowledgement, mid)
}

// reject sends a Reset echoing the message ID.
func (c *Client) reject(conn transport.Conn, mid int32) {
	c.sendEmpty(conn, message.Reset, mid)
}

func (c *Client) sendEmpty(conn transport.Conn, typ message.Type, mid int32) {
	msg := pool.NewMessage(context.Background())
	msg.SetCode(codes.Empty)
	msg.SetType(typ)
	msg.SetMessageID(mid)

	data, err := c.encode(msg, false)
	if err != nil {
		c.logger.Error("encoding empty message", slog.String("error", err.Error()))
		return
	}
	if err := c.send(conn, data, typ); err != nil {
		c.logger.Debug("sending empty message", slog.String("error", err.Error()))
	}
}

// send writes one serialized message and counts it.
func (c *Client) send(conn transport.Conn, data []byte, typ message.Type) error {
	if err := conn.WriteMessage(data); err != nil {
		return errors.Wrap(err, "write")
	}
	c.stats.sent.count(typ)
	return nil
}

func (c *Client) encode(msg *pool.Message, reliable bool) ([]byte, error) {
	if reliable {
		return msg.MarshalWithEncoder(tcpcoder.DefaultCoder)
	}
	data, err := msg.MarshalWithEncoder(udpcoder.DefaultCoder)
	if err != nil {
		return nil, err
	}
	if len(data) > c.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%d byte message exceeds %d: %w", len(data), c.cfg.MaxMessageSize, errors.ErrMessageTooLarge)
	}
	return data, nil
}

func (c *Client) decode(ctx context.Context, data []byte, reliable bool) (*pool.Message, error) {
	msg := pool.NewMessage(ctx)
	var err error
	if reliable {
		_, err = msg.UnmarshalWithDecoder(tcpcoder.DefaultCoder, data)
	} else {
		_, err = msg.UnmarshalWithDecoder(udpcoder.DefaultCoder, data)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// responseFromMessage copies the decoded message into a Response that
// stays valid independently of the decode buffers.
func responseFromMessage(msg *pool.Message) (*Response, error) {
	token := make(message.Token, len(msg.Token()))
	copy(token, msg.Token())

	payload, err := msg.ReadBody()
	if err != nil {
		return nil, err
	}

	src := msg.Options()
	opts := make(message.Options, 0, len(src))
	for _, o := range src {
		v := make([]byte, len(o.Value))
		copy(v, o.Value)
		opts = append(opts, message.Option{ID: o.ID, Value: v})
	}

	return &Response{
		Code:    msg.Code(),
		Type:    msg.Type(),
		Token:   token,
		Payload: payload,
		Options: opts,
	}, nil
}

func (c *Client) nextMID() uint16 {
	return uint16(c.midCounter.Add(1))
}

func (c *Client) info(method, path string) *events.Info {
	return &events.Info{
		ClientID:   c.id,
		RemoteAddr: c.cfg.Address,
		Scheme:     c.cfg.Scheme,
		Method:     method,
		Path:       path,
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package syslog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mlink/pkg/errors"
	"github.com/absmach/mlink/pkg/pool"
	"github.com/absmach/mlink/pkg/ratelimit"
)

const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultSuppressionNotice = 10 * time.Second
)

// Config holds the syslog client configuration.
type Config struct {
	// Address is the collector address as host:port. Required.
	Address string

	// Network selects the transport, udp or tcp. Default: udp.
	Network string

	// Format selects the wire format. Default: RFC3164.
	Format Format

	// Facility is the facility of every message. Default: User.
	Facility Facility

	// Hostname fills the HOSTNAME field. Default: os.Hostname().
	Hostname string

	// Tag is the RFC 3164 tag and the RFC 5424 app-name.
	// Default: the program name.
	Tag string

	// RateLimit caps messages per second per severity. 0 disables
	// rate limiting.
	RateLimit int64

	// RateBurst is the per-severity burst. Default: RateLimit.
	RateBurst int64

	// SuppressionNotice is how often a notice summarizing rate limited
	// messages is emitted. Default: 10s.
	SuppressionNotice time.Duration

	// DialTimeout bounds connection establishment. Default: 10s.
	DialTimeout time.Duration

	// WriteTimeout bounds one message write. Default: 5s.
	WriteTimeout time.Duration

	// Pool configures the TCP connection pool.
	Pool pool.Config

	// Logger receives structured client logs. Default: slog.Default().
	Logger *slog.Logger
}

func (cfg *Config) normalize() error {
	if cfg.Address == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "address is required")
	}
	switch cfg.Network {
	case "":
		cfg.Network = "udp"
	case "udp", "tcp":
	default:
		return errors.Wrap(errors.ErrInvalidConfig, fmt.Sprintf("unknown network %q", cfg.Network))
	}
	switch cfg.Format {
	case RFC3164, RFC5424:
	default:
		return errors.Wrap(errors.ErrInvalidConfig, fmt.Sprintf("unknown format %d", cfg.Format))
	}
	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cfg.Hostname = host
	}
	if cfg.Tag == "" {
		cfg.Tag = filepath.Base(os.Args[0])
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = cfg.RateLimit
	}
	if cfg.SuppressionNotice == 0 {
		cfg.SuppressionNotice = DefaultSuppressionNotice
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Stats is a snapshot of the client's send accounting.
type Stats struct {
	Sent       uint64
	Dropped    uint64
	SendErrors uint64
}

// Client sends syslog messages to one collector. It is safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	pid    int

	udpConn net.Conn   // set for udp
	tcpPool *pool.Pool // set for tcp

	limiter *ratelimit.Limiter

	suppressMu sync.Mutex
	suppressed map[Severity]uint64

	sent       atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a syslog client. The UDP transport connects immediately;
// TCP connections are pooled and dialed on first use.
func New(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errors.New("configure", cfg.Network, cfg.Address, err)
	}

	c := &Client{
		cfg:        cfg,
		logger:     cfg.Logger,
		pid:        os.Getpid(),
		suppressed: make(map[Severity]uint64),
		stop:       make(chan struct{}),
	}

	switch cfg.Network {
	case "udp":
		conn, err := net.DialTimeout("udp", cfg.Address, cfg.DialTimeout)
		if err != nil {
			return nil, errors.New("dial", cfg.Network, cfg.Address, err)
		}
		c.udpConn = conn
	case "tcp":
		c.tcpPool = pool.New(func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout}
			return d.DialContext(ctx, "tcp", cfg.Address)
		}, cfg.Pool)
	}

	if cfg.RateLimit > 0 {
		c.limiter = ratelimit.NewLimiter(cfg.RateBurst, cfg.RateLimit, 16)
		c.wg.Add(1)
		go c.noticeLoop()
	}
	return c, nil
}

// Close flushes the pending suppression notices and releases the
// transport. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		// The notice loop sends its final summary before the
		// transport goes away.
		c.wg.Wait()

		if c.udpConn != nil {
			c.closeErr = c.udpConn.Close()
		}
		if c.tcpPool != nil {
			if err := c.tcpPool.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		if c.limiter != nil {
			c.limiter.Close()
		}
	})
	return c.closeErr
}

// Stats returns a snapshot of the send counters.
func (c *Client) Stats() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		SendErrors: c.sendErrors.Load(),
	}
}

// Send formats and sends one message at the given severity. Over-limit
// messages are dropped and counted, not errored. On UDP, send failures
// are counted and logged but never reach the caller; on TCP they do,
// after the broken connection is discarded.
func (c *Client) Send(ctx context.Context, severity Severity, msg string) error {
	if severity < Emergency || severity > Debug {
		return errors.New("send", c.cfg.Network, c.cfg.Address, fmt.Errorf("invalid severity %d", severity))
	}
	if c.closed.Load() {
		return errors.New("send", c.cfg.Network, c.cfg.Address, errors.ErrConnectionClosed)
	}

	if c.limiter != nil && !c.limiter.Allow(severity.String()) {
		c.dropped.Add(1)
		c.suppressMu.Lock()
		c.suppressed[severity]++
		c.suppressMu.Unlock()
		return nil
	}
	return c.send(ctx, severity, msg)
}

// Sendf formats the message like fmt.Sprintf and sends it.
func (c *Client) Sendf(ctx context.Context, severity Severity, format string, args ...any) error {
	return c.Send(ctx, severity, fmt.Sprintf(format, args...))
}

// Per-severity shorthands for Send.

func (c *Client) Emergency(ctx context.Context, msg string) error { return c.Send(ctx, Emergency, msg) }
func (c *Client) Alert(ctx context.Context, msg string) error     { return c.Send(ctx, Alert, msg) }
func (c *Client) Critical(ctx context.Context, msg string) error  { return c.Send(ctx, Critical, msg) }
func (c *Client) Error(ctx context.Context, msg string) error     { return c.Send(ctx, Error, msg) }
func (c *Client) Warning(ctx context.Context, msg string) error   { return c.Send(ctx, Warning, msg) }
func (c *Client) Notice(ctx context.Context, msg string) error    { return c.Send(ctx, Notice, msg) }
func (c *Client) Info(ctx context.Context, msg string) error      { return c.Send(ctx, Info, msg) }
func (c *Client) Debug(ctx context.Context, msg string) error     { return c.Send(ctx, Debug, msg) }

// send formats and writes the message, bypassing the rate limiter. The
// suppression notice goes through here so it cannot be suppressed
// itself.
func (c *Client) send(ctx context.Context, severity Severity, msg string) error {
	line := c.format(severity, time.Now(), escapeNewlines(msg))

	if c.udpConn != nil {
		return c.sendUDP(line, severity)
	}
	return c.sendTCP(ctx, line)
}

func (c *Client) format(severity Severity, ts time.Time, msg string) string {
	pri := NewPriority(c.cfg.Facility, severity)
	if c.cfg.Format == RFC5424 {
		return formatRFC5424(pri, ts, c.cfg.Hostname, c.cfg.Tag, c.pid, msg)
	}
	return formatRFC3164(pri, ts, c.cfg.Hostname, c.cfg.Tag, c.pid, msg)
}

// sendUDP writes one datagram per message, fire and forget.
func (c *Client) sendUDP(line string, severity Severity) error {
	if err := c.udpConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.sendErrors.Add(1)
		return nil
	}
	if _, err := c.udpConn.Write([]byte(line)); err != nil {
		c.sendErrors.Add(1)
		c.logger.Debug("syslog send failed",
			slog.String("severity", severity.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	c.sent.Add(1)
	return nil
}

// sendTCP writes the message with RFC 6587 octet-counting framing over a
// pooled connection. A connection that failed a write is discarded, not
// returned to the pool.
func (c *Client) sendTCP(ctx context.Context, line string) error {
	conn, err := c.tcpPool.Get(ctx)
	if err != nil {
		c.sendErrors.Add(1)
		return errors.New("send", c.cfg.Network, c.cfg.Address, err)
	}

	frame := strconv.Itoa(len(line)) + " " + line
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		conn.Discard()
		c.sendErrors.Add(1)
		return errors.New("send", c.cfg.Network, c.cfg.Address, err)
	}
	if _, err := conn.Write([]byte(frame)); err != nil {
		conn.Discard()
		c.sendErrors.Add(1)
		return errors.New("send", c.cfg.Network, c.cfg.Address, err)
	}

	conn.Close()
	c.sent.Add(1)
	return nil
}

// noticeLoop periodically summarizes rate limited messages, one notice
// per affected severity, and flushes a final summary on close.
func (c *Client) noticeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SuppressionNotice)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.flushNotices()
			return
		case <-ticker.C:
			c.flushNotices()
		}
	}
}

func (c *Client) flushNotices() {
	c.suppressMu.Lock()
	pending := c.suppressed
	c.suppressed = make(map[Severity]uint64)
	c.suppressMu.Unlock()

	for severity, n := range pending {
		if n == 0 {
			continue
		}
		if err := c.send(context.Background(), severity, fmt.Sprintf("suppressed %d messages", n)); err != nil {
			c.logger.Debug("suppression notice failed",
				slog.String("severity", severity.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

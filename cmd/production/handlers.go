// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/absmach/mlink/pkg/coap"
	"github.com/absmach/mlink/pkg/events"
	"github.com/absmach/mlink/pkg/metrics"
	"github.com/absmach/mlink/pkg/ratelimit"
	"github.com/absmach/mlink/pkg/syslog"
)

// RateLimitedListener wraps a listener with rate limiting.
type RateLimitedListener struct {
	next           events.Listener
	perPathLimiter *ratelimit.Limiter
	globalLimiter  *ratelimit.TokenBucket
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// AuthorizeRequest implements events.Listener with rate limiting.
func (l *RateLimitedListener) AuthorizeRequest(ctx context.Context, info *events.Info) error {
	// Check global rate limit
	if !l.globalLimiter.Allow() {
		l.metrics.RateLimitedRequests.WithLabelValues("global").Inc()
		l.logger.Warn("global rate limit exceeded",
			slog.String("method", info.Method),
			slog.String("path", info.Path))
		return ratelimit.ErrRateLimitExceeded
	}

	// Check per-path rate limit
	key := info.Path
	if key == "" {
		key = info.RemoteAddr
	}

	if !l.perPathLimiter.Allow(key) {
		l.metrics.RateLimitedRequests.WithLabelValues("per_path").Inc()
		l.logger.Warn("per-path rate limit exceeded",
			slog.String("path", key))
		return ratelimit.ErrRateLimitExceeded
	}

	return l.next.AuthorizeRequest(ctx, info)
}

// OnConnect implements events.Listener.
func (l *RateLimitedListener) OnConnect(ctx context.Context, info *events.Info) {
	l.next.OnConnect(ctx, info)
}

// OnDisconnect implements events.Listener.
func (l *RateLimitedListener) OnDisconnect(ctx context.Context, info *events.Info, err error) {
	l.next.OnDisconnect(ctx, info, err)
}

// OnResponse implements events.Listener.
func (l *RateLimitedListener) OnResponse(ctx context.Context, info *events.Info, code string, duration time.Duration) {
	l.next.OnResponse(ctx, info, code, duration)
}

// OnRetransmit implements events.Listener.
func (l *RateLimitedListener) OnRetransmit(ctx context.Context, info *events.Info, attempt int) {
	l.next.OnRetransmit(ctx, info, attempt)
}

// OnTimeout implements events.Listener.
func (l *RateLimitedListener) OnTimeout(ctx context.Context, info *events.Info) {
	l.next.OnTimeout(ctx, info)
}

// OnNotification implements events.Listener.
func (l *RateLimitedListener) OnNotification(ctx context.Context, info *events.Info, seq uint32) {
	l.next.OnNotification(ctx, info, seq)
}

// InstrumentedListener wraps a listener with metrics instrumentation.
type InstrumentedListener struct {
	next    events.Listener
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu          sync.Mutex
	connectedAt time.Time
}

// AuthorizeRequest implements events.Listener.
func (l *InstrumentedListener) AuthorizeRequest(ctx context.Context, info *events.Info) error {
	return l.next.AuthorizeRequest(ctx, info)
}

// OnConnect implements events.Listener with metrics.
func (l *InstrumentedListener) OnConnect(ctx context.Context, info *events.Info) {
	l.metrics.ConnectionState.WithLabelValues(info.Scheme, info.RemoteAddr).Set(2)
	l.metrics.ConnectsTotal.WithLabelValues(info.Scheme, "success").Inc()

	l.mu.Lock()
	l.connectedAt = time.Now()
	l.mu.Unlock()

	l.next.OnConnect(ctx, info)
}

// OnDisconnect implements events.Listener with metrics.
func (l *InstrumentedListener) OnDisconnect(ctx context.Context, info *events.Info, err error) {
	l.metrics.ConnectionState.WithLabelValues(info.Scheme, info.RemoteAddr).Set(0)

	l.mu.Lock()
	if !l.connectedAt.IsZero() {
		l.metrics.ConnectionDuration.WithLabelValues(info.Scheme).Observe(time.Since(l.connectedAt).Seconds())
		l.connectedAt = time.Time{}
	}
	l.mu.Unlock()

	l.next.OnDisconnect(ctx, info, err)
}

// OnResponse implements events.Listener with metrics.
func (l *InstrumentedListener) OnResponse(ctx context.Context, info *events.Info, code string, duration time.Duration) {
	l.metrics.RequestsTotal.WithLabelValues(info.Method, code).Inc()
	l.metrics.RequestDuration.WithLabelValues(info.Method).Observe(duration.Seconds())

	l.next.OnResponse(ctx, info, code, duration)
}

// OnRetransmit implements events.Listener with metrics.
func (l *InstrumentedListener) OnRetransmit(ctx context.Context, info *events.Info, attempt int) {
	l.metrics.Retransmissions.WithLabelValues(info.Method).Inc()

	l.next.OnRetransmit(ctx, info, attempt)
}

// OnTimeout implements events.Listener with metrics.
func (l *InstrumentedListener) OnTimeout(ctx context.Context, info *events.Info) {
	l.metrics.RequestTimeouts.WithLabelValues(info.Method).Inc()

	l.next.OnTimeout(ctx, info)
}

// OnNotification implements events.Listener with metrics.
func (l *InstrumentedListener) OnNotification(ctx context.Context, info *events.Info, seq uint32) {
	l.metrics.ObserveNotifications.WithLabelValues("delivered").Inc()

	l.next.OnNotification(ctx, info, seq)
}

// statsExporter periodically publishes the message-layer client counters
// the listeners cannot see. Counter deltas keep Prometheus counters and
// client snapshots in step across scrapes.
type statsExporter struct {
	client          *coap.Client
	syslogClient    *syslog.Client
	syslogTransport string
	metrics         *metrics.Metrics

	lastCoAP   coap.Stats
	lastSyslog syslog.Stats
}

func (e *statsExporter) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.export()
			return nil
		case <-ticker.C:
			e.export()
		}
	}
}

func (e *statsExporter) export() {
	st := e.client.Stats()
	remote := e.client.RemoteAddr()

	exportMessageCounts(e.metrics.MessagesSent, st.Sent, e.lastCoAP.Sent)
	exportMessageCounts(e.metrics.MessagesReceived, st.Received, e.lastCoAP.Received)
	addDelta(e.metrics.DuplicatesSuppressed.WithLabelValues(remote), st.DuplicatesSuppressed, e.lastCoAP.DuplicatesSuppressed)
	addDelta(e.metrics.RejectsSent.WithLabelValues(remote), st.RejectsSent, e.lastCoAP.RejectsSent)
	addDelta(e.metrics.ObserveNotifications.WithLabelValues("stale"), st.NotificationsStale, e.lastCoAP.NotificationsStale)
	addDelta(e.metrics.ObserveNotifications.WithLabelValues("dropped"), st.NotificationsDropped, e.lastCoAP.NotificationsDropped)
	addDelta(e.metrics.BlockTransfers.WithLabelValues("up"), st.BlockUploads, e.lastCoAP.BlockUploads)
	addDelta(e.metrics.BlockTransfers.WithLabelValues("down"), st.BlockDownloads, e.lastCoAP.BlockDownloads)
	e.metrics.ActiveObservations.WithLabelValues(remote).Set(float64(e.client.ActiveObservations()))
	e.lastCoAP = st

	ss := e.syslogClient.Stats()
	addDelta(e.metrics.SyslogMessages.WithLabelValues(e.syslogTransport), ss.Sent, e.lastSyslog.Sent)
	addDelta(e.metrics.SyslogDropped.WithLabelValues(e.syslogTransport), ss.Dropped, e.lastSyslog.Dropped)
	addDelta(e.metrics.SyslogSendErrors.WithLabelValues(e.syslogTransport), ss.SendErrors, e.lastSyslog.SendErrors)
	e.lastSyslog = ss
}

func exportMessageCounts(vec *prometheus.CounterVec, cur, prev coap.MessageCounts) {
	addDelta(vec.WithLabelValues("confirmable"), cur.Confirmable, prev.Confirmable)
	addDelta(vec.WithLabelValues("non_confirmable"), cur.NonConfirmable, prev.NonConfirmable)
	addDelta(vec.WithLabelValues("acknowledgement"), cur.Acknowledgement, prev.Acknowledgement)
	addDelta(vec.WithLabelValues("reset"), cur.Reset, prev.Reset)
	addDelta(vec.WithLabelValues("signaling"), cur.Signaling, prev.Signaling)
}

func addDelta(c prometheus.Counter, cur, prev uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

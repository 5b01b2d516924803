// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mLink.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mLink.
type Metrics struct {
	// Connection metrics
	ConnectionState    *prometheus.GaugeVec
	ConnectsTotal      *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// CoAP message-layer metrics
	MessagesSent         *prometheus.CounterVec
	MessagesReceived     *prometheus.CounterVec
	Retransmissions      *prometheus.CounterVec
	DuplicatesSuppressed *prometheus.CounterVec
	RejectsSent          *prometheus.CounterVec

	// CoAP request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestTimeouts *prometheus.CounterVec

	// Observe metrics
	ObserveNotifications *prometheus.CounterVec
	ActiveObservations   *prometheus.GaugeVec

	// Block-wise metrics
	BlockTransfers *prometheus.CounterVec

	// Syslog metrics
	SyslogMessages   *prometheus.CounterVec
	SyslogDropped    *prometheus.CounterVec
	SyslogSendErrors *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mlink"
	}

	m := &Metrics{
		ConnectionState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=closing)",
			},
			[]string{"scheme", "remote"},
		),
		ConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"scheme", "status"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   []float64{.1, 1, 10, 60, 300, 600, 1800, 3600, 14400},
			},
			[]string{"scheme"},
		),
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_messages_sent_total",
				Help:      "Total number of CoAP messages sent",
			},
			[]string{"type"},
		),
		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_messages_received_total",
				Help:      "Total number of CoAP messages received",
			},
			[]string{"type"},
		),
		Retransmissions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_retransmissions_total",
				Help:      "Total number of confirmable message retransmissions",
			},
			[]string{"method"},
		),
		DuplicatesSuppressed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_duplicates_suppressed_total",
				Help:      "Total number of duplicate messages suppressed by message ID",
			},
			[]string{"remote"},
		),
		RejectsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_rejects_sent_total",
				Help:      "Total number of Reset messages sent for unmatched messages",
			},
			[]string{"remote"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_requests_total",
				Help:      "Total number of CoAP requests completed",
			},
			[]string{"method", "code"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "coap_request_duration_seconds",
				Help:      "CoAP request round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_request_timeouts_total",
				Help:      "Total number of CoAP requests that timed out",
			},
			[]string{"method"},
		),
		ObserveNotifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_observe_notifications_total",
				Help:      "Total number of observe notifications by outcome",
			},
			[]string{"outcome"},
		),
		ActiveObservations: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "coap_active_observations",
				Help:      "Number of active observe relations",
			},
			[]string{"remote"},
		),
		BlockTransfers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_block_transfers_total",
				Help:      "Total number of block-wise transfers completed",
			},
			[]string{"direction"},
		),
		SyslogMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syslog_messages_total",
				Help:      "Total number of syslog messages sent",
			},
			[]string{"transport"},
		),
		SyslogDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syslog_dropped_total",
				Help:      "Total number of syslog messages dropped by rate limiting",
			},
			[]string{"transport"},
		),
		SyslogSendErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syslog_send_errors_total",
				Help:      "Total number of syslog send errors",
			},
			[]string{"transport"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"target"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"target"},
		),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"limiter_type"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}

	return m
}

// ObserveRequest tracks a request lifecycle. The wrapped function returns
// the response code label (e.g. "2.05") used on the requests counter.
func (m *Metrics) ObserveRequest(method string, f func() (string, error)) error {
	start := time.Now()

	code, err := f()
	duration := time.Since(start).Seconds()

	m.RequestsTotal.WithLabelValues(method, code).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration)

	return err
}

// ObserveConnection tracks a connection lifecycle: the gauge while f runs,
// the duration histogram and attempt counter when it returns.
func (m *Metrics) ObserveConnection(scheme, remote string, f func() error) error {
	m.ConnectionState.WithLabelValues(scheme, remote).Set(2)
	defer m.ConnectionState.WithLabelValues(scheme, remote).Set(0)

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(scheme).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ConnectsTotal.WithLabelValues(scheme, status).Inc()

	return err
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready mLink agent deployment example
// with metrics, health checks, circuit breakers, rate limiting, and connection pooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/mlink/examples/simple"
	"github.com/absmach/mlink/pkg/breaker"
	"github.com/absmach/mlink/pkg/coap"
	"github.com/absmach/mlink/pkg/health"
	"github.com/absmach/mlink/pkg/metrics"
	"github.com/absmach/mlink/pkg/pool"
	"github.com/absmach/mlink/pkg/ratelimit"
	"github.com/absmach/mlink/pkg/syslog"
)

// Config holds the application configuration.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// CoAP endpoint
	CoAPAddress    string        `env:"COAP_ADDRESS"    envDefault:"localhost:5683"`
	CoAPScheme     string        `env:"COAP_SCHEME"     envDefault:"udp"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Telemetry
	TelemetryPath     string        `env:"TELEMETRY_PATH"      envDefault:"telemetry"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL"  envDefault:"30s"`
	StatsInterval     time.Duration `env:"STATS_INTERVAL"      envDefault:"15s"`

	// Syslog
	SyslogAddress   string `env:"SYSLOG_ADDRESS"    envDefault:"localhost:514"`
	SyslogRateLimit int64  `env:"SYSLOG_RATE_LIMIT" envDefault:"100"`

	// Connection Pooling
	PoolMaxIdle     int           `env:"POOL_MAX_IDLE"     envDefault:"2"`
	PoolMaxActive   int           `env:"POOL_MAX_ACTIVE"   envDefault:"8"`
	PoolIdleTimeout time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"5m"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerCallTimeout  time.Duration `env:"BREAKER_CALL_TIMEOUT"  envDefault:"30s"`

	// Rate Limiting
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"100"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"1000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"100"`

	// Resource Limits
	MaxGoroutines int `env:"MAX_GOROUTINES" envDefault:"10000"`

	// Timeouts
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	// Load configuration
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mLink agent in production mode",
		slog.String("coap", cfg.CoAPAddress),
		slog.String("syslog", cfg.SyslogAddress))

	// Create metrics
	m := metrics.New("mlink")

	// Start metrics server
	go startMetricsServer(cfg.MetricsPort, logger)

	// Create syslog client over pooled TCP
	sys, err := syslog.New(syslog.Config{
		Address:   cfg.SyslogAddress,
		Network:   "tcp",
		Format:    syslog.RFC5424,
		Tag:       "mlink-agent",
		RateLimit: cfg.SyslogRateLimit,
		Pool: pool.Config{
			MaxIdle:     cfg.PoolMaxIdle,
			MaxActive:   cfg.PoolMaxActive,
			IdleTimeout: cfg.PoolIdleTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create syslog client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Create rate limiters
	perPathLimiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 1024)
	globalLimiter := ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill)

	// Create listener chain: logging -> rate limiting -> instrumentation
	baseListener := simple.New(logger)
	rateLimitedListener := &RateLimitedListener{
		next:           baseListener,
		perPathLimiter: perPathLimiter,
		globalLimiter:  globalLimiter,
		metrics:        m,
		logger:         logger,
	}
	instrumentedListener := &InstrumentedListener{
		next:    rateLimitedListener,
		metrics: m,
		logger:  logger,
	}

	// Create CoAP client
	client, err := coap.New(coap.Config{
		Address:        cfg.CoAPAddress,
		Scheme:         cfg.CoAPScheme,
		RequestTimeout: cfg.RequestTimeout,
		Listener:       instrumentedListener,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create coap client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Create circuit breaker around the telemetry target
	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 2,
		CallTimeout:      cfg.BreakerCallTimeout,
	})

	// Monitor circuit breaker state changes
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(cfg.CoAPAddress).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(cfg.CoAPAddress).Inc()
			if err := sys.Warning(context.Background(), "telemetry circuit breaker opened"); err != nil {
				logger.Debug("syslog notice failed", slog.String("error", err.Error()))
			}
		}
	})

	// Create health checker
	healthChecker := health.NewChecker(10*time.Second, 5*time.Second)

	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.WithLabelValues("all").Set(float64(count))
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})

	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})

	healthChecker.Register("coap", func(ctx context.Context) error {
		if client.State() != coap.StateConnected {
			return fmt.Errorf("not connected")
		}
		return client.Ping(ctx)
	})

	var lastSendErrors atomic.Uint64
	healthChecker.Register("syslog", func(ctx context.Context) error {
		st := sys.Stats()
		prev := lastSendErrors.Swap(st.SendErrors)
		if st.SendErrors > prev {
			return fmt.Errorf("%d send errors since last check", st.SendErrors-prev)
		}
		return nil
	})

	// Start health server
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Export client counters to Prometheus
	exporter := &statsExporter{
		client:          client,
		syslogClient:    sys,
		syslogTransport: "tcp",
		metrics:         m,
	}
	g.Go(func() error {
		return exporter.run(ctx, cfg.StatsInterval)
	})

	// Push telemetry through the circuit breaker
	g.Go(func() error {
		return runTelemetry(ctx, client, cb, sys, cfg, logger)
	})

	if err := sys.Notice(context.Background(), "mlink agent started"); err != nil {
		logger.Warn("syslog startup notice failed", slog.String("error", err.Error()))
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	// Cancel context to stop all loops
	cancel()

	// Wait for all goroutines with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}

	if err := sys.Notice(context.Background(), "mlink agent stopped"); err != nil {
		logger.Debug("syslog shutdown notice failed", slog.String("error", err.Error()))
	}

	if err := client.Close(); err != nil {
		logger.Warn("coap close failed", slog.String("error", err.Error()))
	}
	if err := sys.Close(); err != nil {
		logger.Warn("syslog close failed", slog.String("error", err.Error()))
	}
	perPathLimiter.Close()

	logger.Info("graceful shutdown completed")
}

// runTelemetry pushes a runtime snapshot to the collector every interval.
// The client reconnects lazily and the circuit breaker keeps a dead
// collector from being hammered.
func runTelemetry(ctx context.Context, client *coap.Client, cb *breaker.CircuitBreaker, sys *syslog.Client, cfg Config, logger *slog.Logger) error {
	start := time.Now()

	push := func() {
		if client.State() != coap.StateConnected {
			if err := client.Connect(ctx); err != nil {
				logger.Warn("coap connect failed", slog.String("error", err.Error()))
				return
			}
		}

		payload, err := json.Marshal(telemetrySnapshot(start))
		if err != nil {
			logger.Error("telemetry marshal failed", slog.String("error", err.Error()))
			return
		}

		err = cb.Do(ctx, func(ctx context.Context) error {
			resp, err := client.Post(ctx, cfg.TelemetryPath, message.AppJSON, payload)
			if err != nil {
				return err
			}
			if !resp.IsSuccess() {
				return fmt.Errorf("collector answered %s", coap.CodeString(resp.Code))
			}
			return nil
		})
		if err != nil {
			logger.Warn("telemetry push failed", slog.String("error", err.Error()))
			if serr := sys.Warning(ctx, "telemetry push failed: "+err.Error()); serr != nil {
				logger.Debug("syslog notice failed", slog.String("error", serr.Error()))
			}
		}
	}

	push()

	ticker := time.NewTicker(cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			push()
		}
	}
}

func telemetrySnapshot(start time.Time) map[string]any {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	return map[string]any{
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(start).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     stats.HeapAlloc,
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}

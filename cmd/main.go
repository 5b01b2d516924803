// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/mlink/examples/simple"
	"github.com/absmach/mlink/pkg/coap"
	"github.com/absmach/mlink/pkg/syslog"
)

const envPrefix = "MLINK_"

type config struct {
	CoAPAddress    string        `env:"COAP_ADDRESS"    envDefault:"localhost:5683"`
	CoAPScheme     string        `env:"COAP_SCHEME"     envDefault:"udp"`
	ObservePath    string        `env:"OBSERVE_PATH"    envDefault:"sensors/temperature"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	SyslogAddress  string        `env:"SYSLOG_ADDRESS"  envDefault:"localhost:514"`
	SyslogNetwork  string        `env:"SYSLOG_NETWORK"  envDefault:"udp"`
	SyslogFormat   string        `env:"SYSLOG_FORMAT"   envDefault:"rfc3164"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		logger.Error("failed to parse configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	format := syslog.RFC3164
	if cfg.SyslogFormat == "rfc5424" {
		format = syslog.RFC5424
	}

	sys, err := syslog.New(syslog.Config{
		Address: cfg.SyslogAddress,
		Network: cfg.SyslogNetwork,
		Format:  format,
		Tag:     "mlink-demo",
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create syslog client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sys.Close()

	client, err := coap.New(coap.Config{
		Address:        cfg.CoAPAddress,
		Scheme:         cfg.CoAPScheme,
		RequestTimeout: cfg.RequestTimeout,
		Listener:       simple.New(logger),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create coap client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := client.Connect(ctx); err != nil {
		logger.Error("coap connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	// Read the resource once before observing it.
	resp, err := client.Get(ctx, cfg.ObservePath)
	if err != nil {
		logger.Warn("initial read failed", slog.String("error", err.Error()))
	} else {
		logger.Info("initial read",
			slog.String("code", coap.CodeString(resp.Code)),
			slog.Int("bytes", len(resp.Payload)))
	}

	// Forward every notification to the syslog collector.
	obs, err := client.Observe(ctx, cfg.ObservePath, func(ctx context.Context, n *coap.Notification) {
		logger.Info("notification",
			slog.Uint64("seq", uint64(n.Seq)),
			slog.Int("bytes", len(n.Payload)))
		if err := sys.Info(ctx, string(n.Payload)); err != nil {
			logger.Warn("syslog forward failed", slog.String("error", err.Error()))
		}
		if n.Final {
			logger.Info("observation ended")
			cancel()
		}
	})
	if err != nil {
		logger.Error("observe failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("observing", slog.String("path", obs.Path()))

	if err := sys.Notice(ctx, "mlink demo agent started"); err != nil {
		logger.Warn("syslog startup notice failed", slog.String("error", err.Error()))
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mLink agent terminated with error: %s", err))
	} else {
		logger.Info("mLink agent stopped")
	}

	// Deregister before the connection goes away.
	cancelCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	if err := obs.Cancel(cancelCtx); err != nil {
		logger.Warn("observe cancel failed", slog.String("error", err.Error()))
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

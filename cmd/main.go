// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/pubsubx/broker"
	"github.com/absmach/pubsubx/broker/middleware"
	"github.com/absmach/pubsubx/broker/webhook"
	"github.com/absmach/pubsubx/config"
	"github.com/absmach/pubsubx/ratelimit"
	"github.com/absmach/pubsubx/server/health"
	"github.com/absmach/pubsubx/server/otel"
	"github.com/absmach/pubsubx/server/tcp"
	"github.com/absmach/pubsubx/server/websocket"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

// run carries the exit code out past the deferred cleanups.
func run() int {
	configFile := flag.String("config", "", "Path to configuration file")
	port := flag.Int("port", 0, "Listen port, overrides the configuration file")
	retention := flag.Duration("retention", 0, "Retention window for lost clients, overrides the configuration file")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error), overrides the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	// A bare positional argument is accepted as the port too.
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			slog.Error("Invalid port argument", "arg", flag.Arg(0))
			return 1
		}
		cfg.Server.Port = p
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *retention != 0 {
		cfg.Broker.RetentionWindow = *retention
	}
	if *logLevelFlag != "" {
		cfg.Log.Level = *logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 1
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	brokerID := uuid.NewString()

	slog.Info("Starting pubsubx broker", "version", version, "broker_id", brokerID)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.Addr(),
		"ws_enabled", cfg.WebSocket.Enabled,
		"health_enabled", cfg.Health.Enabled,
		"retention_window", cfg.Broker.RetentionWindow,
		"log_level", cfg.Log.Level)

	var webhooks webhook.Notifier
	if cfg.Webhook.Enabled {
		sender := webhook.NewHTTPSender()
		wh, err := webhook.NewNotifier(cfg.Webhook, brokerID, sender, logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			return 1
		}
		webhooks = wh
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Otel.Enabled {
		shutdown, err := otel.InitProvider(cfg.Otel, brokerID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			return 1
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)

		m, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			return 1
		}
		metrics = m

		if cfg.Otel.TracesEnabled {
			tracer = oteltrace.Tracer("pubsubx-broker")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Otel.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	stats := broker.NewStats()
	b := broker.New(logger, stats, webhooks, metrics, tracer, cfg.Broker)
	defer b.Close()

	var rateLimitManager *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rateLimitManager = ratelimit.NewManager(ratelimit.Config{
			Enabled:            true,
			ConnectionsPerIP:   cfg.RateLimit.ConnectionsPerIP,
			PublishPerClient:   cfg.RateLimit.PublishPerClient,
			SubscribePerClient: cfg.RateLimit.SubscribePerClient,
		})
		defer rateLimitManager.Stop()
		b.SetClientRateLimiter(rateLimitManager)
		slog.Info("Rate limiting enabled",
			slog.Int("connections_per_ip", cfg.RateLimit.ConnectionsPerIP),
			slog.Int("publish_per_client", cfg.RateLimit.PublishPerClient),
			slog.Int("subscribe_per_client", cfg.RateLimit.SubscribePerClient))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var svc broker.Service = b
	if logLevel == slog.LevelDebug {
		svc = middleware.NewLogging(svc, logger)
	}

	connHandler := broker.NewHandler(svc, cfg.Broker, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	tcpCfg := tcp.Config{
		Address:         cfg.Server.Addr(),
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
	}
	if rateLimitManager != nil {
		tcpCfg.IPRateLimiter = rateLimitManager
	}
	tcpServer := tcp.New(tcpCfg, connHandler)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.WebSocket.Enabled {
		wsCfg := websocket.Config{
			Address:         cfg.WebSocket.Address,
			Path:            cfg.WebSocket.Path,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		if rateLimitManager != nil {
			wsCfg.IPRateLimiter = rateLimitManager
		}
		wsServer := websocket.New(wsCfg, connHandler, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("pubsubx broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := b.Shutdown(shutdownCtx, cfg.Server.ShutdownTimeout); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	cancel()
	wg.Wait()
	slog.Info("pubsubx broker stopped")
	return exitCode
}

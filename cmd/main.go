// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the UDP demultiplexing proxy with metrics and
// health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zegevlier/udpdemux"
	"github.com/zegevlier/udpdemux/examples/simple"
	"github.com/zegevlier/udpdemux/pkg/health"
	"github.com/zegevlier/udpdemux/pkg/metrics"
	"github.com/zegevlier/udpdemux/pkg/proxy"
)

const envPrefix = "UDPDEMUX_"

func main() {
	// Load .env file if present. Missing files are fine.
	_ = godotenv.Load()

	cfg, err := udpdemux.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting demux proxy",
		slog.String("listen", cfg.ListenAddress),
		slog.String("wireguard_target", cfg.WireGuardTarget),
		slog.String("quic_target", cfg.QUICTarget),
		slog.Duration("session_timeout", cfg.SessionTimeout))

	m := metrics.New("udpdemux")
	go startMetricsServer(cfg.MetricsPort, logger)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
		return nil
	})
	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	handler := NewInstrumentedHandler(simple.New(logger), m, logger)

	server := proxy.New(proxy.Config{
		ListenAddress:     cfg.ListenAddress,
		WireGuardTarget:   cfg.WireGuardTarget,
		QUICTarget:        cfg.QUICTarget,
		SessionTimeout:    cfg.SessionTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		BufferSize:        cfg.BufferSize,
		QueueSize:         cfg.QueueSize,
		MaxSessions:       cfg.MaxSessions,
		RateLimitCapacity: cfg.RateLimitCapacity,
		RateLimitRefill:   cfg.RateLimitRefill,
		Metrics:           m,
		Logger:            logger,
	}, handler)

	healthChecker.Register("sessions", func(ctx context.Context) error {
		if cfg.MaxSessions > 0 && server.Registry().Count() >= cfg.MaxSessions {
			return fmt.Errorf("session limit reached: %d", cfg.MaxSessions)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Listen(ctx)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("demux proxy terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("demux proxy stopped")
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

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/room4-2/live-relay/config"
	"github.com/room4-2/live-relay/gemini"
	"github.com/room4-2/live-relay/metrics"
	"github.com/room4-2/live-relay/server"
	"github.com/room4-2/live-relay/session"
)

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	connector, err := gemini.NewConnector(ctx, cfg.GeminiAPIKey, logger)
	if err != nil {
		log.Fatalf("❌ Failed to create Gemini client: %v", err)
	}

	sessionManager := session.NewManager(cfg, connector,
		session.WithRedis(session.ConnectRedis(ctx, cfg, logger)),
		session.WithLogger(logger),
		session.WithMetrics(m),
	)

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx, time.Minute)

	srv := server.NewServerWebsocket(cfg, sessionManager, registry, logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		logger.Info("Received shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", slog.Any("error", err))
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
	<-shutdownDone

	logger.Info("Server stopped")
}

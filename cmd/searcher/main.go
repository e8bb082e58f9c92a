// Command searcher serves passage retrieval.
//
// Retrieval events are buffered and published to the retrieval-events
// topic. Cache invalidations published by ingestion are consumed from the
// cache-invalidate topic so every replica drops stale results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/retriever"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/telemetry"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/middleware"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting retrieval service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracker retriever.Tracker
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RetrievalEvents)
		defer producer.Close()
		collector := telemetry.NewCollector(producer, telemetry.DefaultBatchSize, telemetry.DefaultFlushInterval)
		collector.Start(ctx)
		defer func() {
			stop()
			collector.Close()
		}()
		tracker = collector
		slog.Info("telemetry collector started", "topic", cfg.Kafka.Topics.RetrievalEvents)
	}

	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{Tracker: tracker})
	if err != nil {
		slog.Error("failed to start components", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if cfg.Kafka.Enabled {
		// Every replica holds its own cache, so each needs its own group.
		host, _ := os.Hostname()
		group := fmt.Sprintf("%s-searcher-%s-%d", cfg.Kafka.ConsumerGroup, host, os.Getpid())
		invalidations := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate, group, cache.HandleInvalidation(app.Cache))
		go func() {
			if err := invalidations.Start(ctx); err != nil {
				slog.Error("invalidation consumer error", "error", err)
			}
		}()
		slog.Info("consuming cache invalidations", "topic", cfg.Kafka.Topics.CacheInvalidate, "group", group)
	}

	h := handler.New(app.Retriever, cfg.Retrieval.MaxTopK)
	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health/live", app.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", app.Health.ReadyHandler())

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: middleware.Chain(mux,
			middleware.RequestID,
			middleware.Metrics(app.Metrics),
			middleware.Timeout(cfg.Server.WriteTimeout),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if shutdownMetrics != nil {
			_ = shutdownMetrics(shutdownCtx)
		}
	}()

	slog.Info("retrieval service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("retrieval service stopped")
}

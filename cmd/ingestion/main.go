// Command ingestion serves the document registration API.
//
// Documents arrive via POST /api/v1/documents as a source reference or a
// multipart upload. With Kafka enabled the ingestion job is queued on the
// document-ingest topic for cmd/worker; otherwise it runs inline before the
// response is written.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
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
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
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
	slog.Info("starting ingestion service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{PublishInvalidations: true})
	if err != nil {
		slog.Error("failed to start components", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	var queue publisher.Queue
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest)
		defer producer.Close()
		queue = pipeline.NewJobPublisher(producer)
		slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.DocumentIngest)
	} else {
		slog.Info("kafka disabled, ingesting inline")
	}

	pub := publisher.New(app.Controller, queue, app.Files)
	h := handler.New(pub, app.Controller, app.Store, cfg.Storage.MaxDocumentBytes)
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

	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}

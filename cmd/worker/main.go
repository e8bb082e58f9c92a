// Command worker consumes ingestion jobs from the document-ingest topic and
// runs them through the extraction, chunking, embedding and indexing
// pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
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
	if !cfg.Kafka.Enabled {
		slog.Error("worker requires kafka; set kafka.enabled or PR_KAFKA_ENABLED")
		os.Exit(1)
	}
	slog.Info("starting ingestion worker", "workers", cfg.Pipeline.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{PublishInvalidations: true})
	if err != nil {
		slog.Error("failed to start components", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer shutdown(context.Background())
	}

	handle := pipeline.HandleJob(app.Controller)
	slog.Info("worker ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
		"consumers", cfg.Pipeline.Workers,
	)
	err = kafka.RunGroup(ctx, cfg.Pipeline.Workers, func(member int) kafka.Runner {
		slog.Debug("starting consumer", "member", member)
		return kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, cfg.Kafka.ConsumerGroup, handle)
	})
	if err != nil {
		slog.Error("consumer error", "error", err)
	}
	slog.Info("ingestion worker stopped")
}

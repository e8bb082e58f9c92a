// Package bootstrap wires the components shared by every binary from a
// loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/chunker"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/retriever"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/vectorindex"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/sqldb"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/tracing"
)

// Options adjusts what Build wires for a particular binary.
type Options struct {
	// Registerer receives the metric collectors. Nil uses the default
	// registry.
	Registerer prometheus.Registerer
	// Tracker receives retrieval telemetry; may be nil.
	Tracker retriever.Tracker
	// PublishInvalidations sends cache invalidation events to Kafka when
	// ingestion or deletion changes the corpus.
	PublishInvalidations bool
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	DB         *sqldb.Client
	Store      *store.Store
	Redis      *pkgredis.Client
	Cache      *cache.Cache
	Files      *extract.FileSource
	Index      vectorindex.Index
	Embedder   *embedding.Embedder
	Guarded    *embedding.Guarded
	Controller *pipeline.Controller
	Retriever  *retriever.Retriever
	Metrics    *metrics.Metrics
	Tracer     *tracing.Tracer
	Health     *health.Checker

	closers []func() error
	logger  *slog.Logger
}

// Build connects to the configured backends and assembles the pipeline
// controller and retriever. Background loops stop with ctx.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	app := &App{
		Config: cfg,
		Health: health.NewChecker(),
		Tracer: tracing.NewTracer(cfg.Tracing.Enabled, cfg.Tracing.SampleRate),
		logger: slog.Default().With("component", "bootstrap"),
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	app.Metrics = metrics.New(reg)

	app.Store, app.DB, err = store.Open(ctx, cfg.Database, cfg.Timeouts.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	app.closers = append(app.closers, app.DB.Close)
	app.Health.Register("database", health.PingCheck(app.DB.Ping, health.StatusDown))
	app.logger.Info("store ready", "driver", cfg.Database.Driver)

	if err := app.buildCache(ctx); err != nil {
		return nil, err
	}

	model, err := embedding.NewModel(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("creating embedding model: %w", err)
	}
	app.Guarded = embedding.NewGuarded(model, cfg.Embedding, cfg.Timeouts.Embed, app.Metrics)
	app.Embedder = embedding.New(app.Guarded, app.Cache, embedding.Options{
		CacheTTL:    cfg.Embedding.CacheTTL,
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
	})
	app.Health.Register("embedding", health.BreakerCheck(app.Guarded.Breaker(), app.Embedder.ModelName()))

	app.Index, err = vectorindex.Open(ctx, cfg.VectorIndex, app.DB, app.Embedder.Dimensions(), app.Metrics)
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	if c, ok := app.Index.(io.Closer); ok {
		app.closers = append(app.closers, c.Close)
	}
	app.Health.Register("vector_index", func(ctx context.Context) health.ComponentHealth {
		n, err := app.Index.Len(ctx)
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d vectors", n)}
	})

	source, err := app.buildSource(ctx)
	if err != nil {
		return nil, err
	}

	var events kafka.Publisher
	if opts.PublishInvalidations && cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
		app.closers = append(app.closers, producer.Close)
		events = producer
	}

	app.Controller = pipeline.New(pipeline.Deps{
		Store:     app.Store,
		Source:    source,
		Extractor: extract.NewDefaultRegistry(cfg.Extraction, cfg.Timeouts.Extract),
		Chunker:   chunker.New(chunker.Bounds{MinSize: cfg.Chunking.MinSize, MaxSize: cfg.Chunking.MaxSize}),
		Embedder:  app.Embedder,
		Index:     app.Index,
		Cache:     app.Cache,
		Events:    events,
		Tracer:    app.Tracer,
		Metrics:   app.Metrics,
	}, pipeline.Options{
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
		ChunksTTL:    cfg.Cache.ChunksTTL,
		IndexTimeout: cfg.Timeouts.Index,
		Workers:      cfg.Pipeline.Workers,
	})

	app.Retriever = retriever.New(retriever.Deps{
		Embedder: app.Embedder,
		Index:    app.Index,
		Store:    app.Store,
		Cache:    app.Cache,
		Events:   opts.Tracker,
		Tracer:   app.Tracer,
		Metrics:  app.Metrics,
	}, retriever.Options{
		DefaultTopK:      cfg.Retrieval.DefaultTopK,
		MaxTopK:          cfg.Retrieval.MaxTopK,
		MaxCandidates:    cfg.Retrieval.MaxCandidates,
		CacheTTL:         cfg.Retrieval.CacheTTL,
		BatchConcurrency: cfg.Retrieval.BatchConcurrency,
		IndexTimeout:     cfg.Timeouts.Index,
		QueryTimeout:     cfg.Timeouts.Embed + cfg.Timeouts.Index + cfg.Timeouts.Store,
		Weights:          retriever.WeightsFromConfig(cfg.Retrieval.Rerank),
	})
	return app, nil
}

func (a *App) buildCache(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Cache.Backend {
	case "redis":
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			a.logger.Warn("redis unavailable, falling back to in-memory cache", "error", err)
			break
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		a.Cache = cache.New(cache.NewRedis(client), cfg.Timeouts.Cache, a.Metrics)
		a.Health.Register("redis", health.PingCheck(client.Ping, health.StatusDegraded))
		a.logger.Info("cache enabled", "backend", "redis", "addr", cfg.Redis.Addr)
		return nil
	case "", "memory":
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	mem := cache.NewMemory()
	go mem.Run(ctx, cfg.Cache.CleanupInterval)
	a.Cache = cache.New(mem, cfg.Timeouts.Cache, a.Metrics)
	a.Health.Register("cache", health.StaticCheck(health.StatusUp, "in-memory"))
	a.logger.Info("cache enabled", "backend", "memory")
	return nil
}

func (a *App) buildSource(ctx context.Context) (extract.Source, error) {
	cfg := a.Config.Storage
	files, err := extract.NewFileSource(cfg.DataDir, cfg.MaxDocumentBytes)
	if err != nil {
		return nil, err
	}
	a.Files = files
	if !cfg.GCSEnabled() {
		return extract.NewMux(files, nil), nil
	}
	gcs, err := extract.NewGCSSource(ctx, cfg.GCS.CredentialsFile, cfg.MaxDocumentBytes)
	if err != nil {
		return nil, fmt.Errorf("creating cloud storage source: %w", err)
	}
	a.closers = append(a.closers, gcs.Close)
	a.logger.Info("cloud storage source enabled", "default_credentials", cfg.GCS.CredentialsFile == "")
	return extract.NewMux(files, gcs), nil
}

// Close releases every opened resource, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

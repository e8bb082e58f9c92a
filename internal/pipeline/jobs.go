package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
)

// IngestResult is the outcome of one document in IngestMany.
type IngestResult struct {
	DocumentID string         `json:"document_id"`
	State      document.State `json:"state"`
	Err        error          `json:"-"`
}

// IngestMany ingests documents concurrently, at most Options.Workers at a
// time. Each document runs sequentially and one document's failure does not
// stop the others.
func (c *Controller) IngestMany(ctx context.Context, documentIDs []string, opts IngestOptions) []IngestResult {
	results := make([]IngestResult, len(documentIDs))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, id := range documentIDs {
		g.Go(func() error {
			state, err := c.Ingest(ctx, id, opts)
			results[i] = IngestResult{DocumentID: id, State: state, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IngestJob asks a worker to ingest one document.
type IngestJob struct {
	DocumentID         string    `json:"document_id"`
	ChunkSize          *int      `json:"chunk_size,omitempty"`
	ChunkOverlap       *int      `json:"chunk_overlap,omitempty"`
	GenerateEmbeddings *bool     `json:"generate_embeddings,omitempty"`
	RequestedAt        time.Time `json:"requested_at"`
}

// Options converts the job into IngestOptions; embeddings default to on.
func (j IngestJob) Options() IngestOptions {
	opts := DefaultIngestOptions()
	opts.ChunkSize = j.ChunkSize
	opts.ChunkOverlap = j.ChunkOverlap
	if j.GenerateEmbeddings != nil {
		opts.GenerateEmbeddings = *j.GenerateEmbeddings
	}
	return opts
}

// JobPublisher enqueues ingest jobs, keyed by document id so jobs for one
// document land on one partition in order.
type JobPublisher struct {
	pub    kafka.Publisher
	logger *slog.Logger
}

func NewJobPublisher(pub kafka.Publisher) *JobPublisher {
	return &JobPublisher{
		pub:    pub,
		logger: slog.Default().With("component", "job-publisher"),
	}
}

func (p *JobPublisher) Enqueue(ctx context.Context, job IngestJob) error {
	if job.DocumentID == "" {
		return invalid("ingest job without document id")
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	if err := p.pub.Publish(ctx, kafka.Event{Key: job.DocumentID, Value: job}); err != nil {
		return fmt.Errorf("enqueueing ingest job for %s: %w", job.DocumentID, err)
	}
	p.logger.Debug("ingest job enqueued", "doc_id", job.DocumentID)
	return nil
}

// HandleJob returns a MessageHandler that runs the controller for each
// ingest job. Undecodable jobs and unknown documents are poison; store
// failures are returned so the job is redelivered.
func HandleJob(c *Controller) kafka.MessageHandler {
	logger := slog.Default().With("component", "ingest-worker")
	return func(ctx context.Context, key []byte, value []byte) error {
		job, err := kafka.DecodeJSON[IngestJob](value)
		if err != nil {
			logger.Error("failed to decode ingest job", "error", err, "key", string(key))
			return err
		}
		if job.DocumentID == "" {
			return fmt.Errorf("%w: ingest job without document id", kafka.ErrPoison)
		}
		state, err := c.Ingest(ctx, job.DocumentID, job.Options())
		if errors.Is(err, apperrors.ErrDocumentNotFound) {
			return fmt.Errorf("%w: %v", kafka.ErrPoison, err)
		}
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", job.DocumentID, err)
		}
		logger.Info("ingest job processed",
			"doc_id", job.DocumentID,
			"state", state,
			"queued_for_ms", time.Since(job.RequestedAt).Milliseconds(),
		)
		return nil
	}
}

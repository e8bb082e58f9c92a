// Package publisher registers documents and hands them to the ingest
// pipeline, either by queueing a job for the workers or by running the
// pipeline in-process when no queue is configured.
package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

// Pipeline is the part of the pipeline controller the publisher drives.
type Pipeline interface {
	Register(ctx context.Context, req pipeline.RegisterRequest) (document.Document, error)
	Ingest(ctx context.Context, documentID string, opts pipeline.IngestOptions) (document.State, error)
	GetDocument(ctx context.Context, documentID string) (document.Document, error)
}

// Queue accepts ingest jobs. *pipeline.JobPublisher implements it.
type Queue interface {
	Enqueue(ctx context.Context, job pipeline.IngestJob) error
}

// Uploads stores uploaded bytes. *extract.FileSource implements it.
type Uploads interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Remove(ctx context.Context, ref string) error
}

// Upload is a document body sent with the request.
type Upload struct {
	Filename string
	Data     []byte
}

type Publisher struct {
	pipeline Pipeline
	queue    Queue
	uploads  Uploads
	logger   *slog.Logger
}

// New returns a Publisher. A nil queue runs ingestion in-process; nil
// uploads rejects uploaded bodies.
func New(p Pipeline, queue Queue, uploads Uploads) *Publisher {
	return &Publisher{
		pipeline: p,
		queue:    queue,
		uploads:  uploads,
		logger:   slog.Default().With("component", "publisher"),
	}
}

// Submit registers the document, storing upload first when present, and
// dispatches it for ingestion.
func (p *Publisher) Submit(ctx context.Context, req *ingestion.CreateRequest, upload *Upload) (*ingestion.DocumentResponse, error) {
	reg := pipeline.RegisterRequest{
		Name:      req.Name,
		SourceRef: req.SourceRef,
		Format:    req.Format,
	}
	if upload != nil {
		if p.uploads == nil {
			return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "uploads are not accepted by this service")
		}
		sum := sha256.Sum256(upload.Data)
		contentHash := hex.EncodeToString(sum[:])
		base := filepath.Base(upload.Filename)
		ref, err := p.uploads.Put(ctx, contentHash[:16]+"-"+base, upload.Data)
		if err != nil {
			return nil, err
		}
		reg.SourceRef = ref
		reg.Size = int64(len(upload.Data))
		reg.ContentHash = contentHash
		if reg.Name == "" {
			reg.Name = base
		}
	}

	doc, err := p.pipeline.Register(ctx, reg)
	if err != nil {
		if upload != nil {
			if rmErr := p.uploads.Remove(context.WithoutCancel(ctx), reg.SourceRef); rmErr != nil {
				p.logger.Warn("failed to remove orphaned upload", "ref", reg.SourceRef, "error", rmErr)
			}
		}
		return nil, err
	}
	return p.Dispatch(ctx, doc, &ingestion.IngestRequest{
		ChunkSize:          req.ChunkSize,
		ChunkOverlap:       req.ChunkOverlap,
		GenerateEmbeddings: req.GenerateEmbeddings,
	})
}

// Reingest looks the document up and dispatches it again.
func (p *Publisher) Reingest(ctx context.Context, documentID string, req *ingestion.IngestRequest) (*ingestion.DocumentResponse, error) {
	doc, err := p.pipeline.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return p.Dispatch(ctx, doc, req)
}

// Dispatch queues an ingest job, or runs the pipeline when there is no
// queue. A failed enqueue leaves the document pending and is logged rather
// than returned, so the caller can retry through the ingest endpoint.
func (p *Publisher) Dispatch(ctx context.Context, doc document.Document, req *ingestion.IngestRequest) (*ingestion.DocumentResponse, error) {
	resp := &ingestion.DocumentResponse{
		DocumentID: doc.ID,
		Name:       doc.Name,
		State:      doc.State,
		AcceptedAt: time.Now().UTC(),
	}
	job := pipeline.IngestJob{
		DocumentID:         doc.ID,
		ChunkSize:          req.ChunkSize,
		ChunkOverlap:       req.ChunkOverlap,
		GenerateEmbeddings: req.GenerateEmbeddings,
		RequestedAt:        resp.AcceptedAt,
	}

	if p.queue != nil {
		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.logger.Error("failed to enqueue ingest job, document stays pending",
				"doc_id", doc.ID,
				"error", err,
			)
			return resp, nil
		}
		resp.Queued = true
		return resp, nil
	}

	state, err := p.pipeline.Ingest(ctx, doc.ID, job.Options())
	if err != nil {
		return nil, err
	}
	resp.State = state
	if state == document.StateFailed {
		if latest, err := p.pipeline.GetDocument(ctx, doc.ID); err == nil {
			resp.Error = latest.Error
		}
	}
	return resp, nil
}

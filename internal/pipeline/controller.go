// Package pipeline drives documents through extraction, normalization,
// chunking, embedding and indexing, and keeps each document's processing
// state in the store.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/chunker"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/normalize"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/vectorindex"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/tracing"
)

// Store is the relational persistence the controller needs.
type Store interface {
	CreateDocument(ctx context.Context, d *document.Document) error
	GetDocument(ctx context.Context, id string) (document.Document, error)
	SetState(ctx context.Context, id string, state document.State, errMsg string) error
	SetContent(ctx context.Context, id string, size int64, contentHash string) error
	DeleteDocument(ctx context.Context, id string) error
	ReplacePassages(ctx context.Context, documentID string, passages []document.Passage) ([]string, error)
	DeletePassages(ctx context.Context, documentID string) ([]string, error)
	PassageIDs(ctx context.Context, documentID string) ([]string, error)
	GetPassages(ctx context.Context, documentID string) ([]document.Passage, error)
	SetEmbeddings(ctx context.Context, embeddings map[string][]float32) error
	SetPassageTags(ctx context.Context, id string, tags []string) (document.Passage, error)
}

// Source loads raw document bytes by reference.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Extractor turns raw bytes into text.
type Extractor interface {
	Extract(ctx context.Context, doc document.Document, data []byte) (string, error)
}

// Embedder computes passage vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps are the collaborators of a Controller. Cache and Events may be nil.
type Deps struct {
	Store     Store
	Source    Source
	Extractor Extractor
	Chunker   *chunker.Chunker
	Embedder  Embedder
	Index     vectorindex.Index
	Cache     *cache.Cache
	Events    kafka.Publisher
	Tracer    *tracing.Tracer
	Metrics   *metrics.Metrics
}

// Options holds chunking defaults, cache lifetimes and limits.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	ChunksTTL    time.Duration
	IndexTimeout time.Duration
	Workers      int
}

const (
	DefaultChunkSize = 1000
	DefaultChunksTTL = 24 * time.Hour
	DefaultWorkers   = 4
)

// passageNamespace seeds deterministic passage ids.
var passageNamespace = uuid.MustParse("4f0b8c4e-4c1e-4d9a-9a55-3f1d0c6e2b71")

type Controller struct {
	store     Store
	source    Source
	extractor Extractor
	chunker   *chunker.Chunker
	embedder  Embedder
	index     vectorindex.Index
	cache     *cache.Cache
	events    kafka.Publisher
	tracer    *tracing.Tracer
	metrics   *metrics.Metrics
	opts      Options
	logger    *slog.Logger
}

func New(deps Deps, opts Options) *Controller {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.ChunksTTL <= 0 {
		opts.ChunksTTL = DefaultChunksTTL
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	ch := deps.Chunker
	if ch == nil {
		ch = chunker.New(chunker.Bounds{})
	}
	return &Controller{
		store:     deps.Store,
		source:    deps.Source,
		extractor: deps.Extractor,
		chunker:   ch,
		embedder:  deps.Embedder,
		index:     deps.Index,
		cache:     deps.Cache,
		events:    deps.Events,
		tracer:    deps.Tracer,
		metrics:   metrics.OrNop(deps.Metrics),
		opts:      opts,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// RegisterRequest describes a document to create. Format is inferred from
// Name, then SourceRef, when empty.
type RegisterRequest struct {
	Name        string          `json:"name"`
	SourceRef   string          `json:"source_ref"`
	Format      document.Format `json:"format,omitempty"`
	Size        int64           `json:"size,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
}

// Register creates a pending document.
func (c *Controller) Register(ctx context.Context, req RegisterRequest) (document.Document, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if req.SourceRef == "" {
		return document.Document{}, invalid("source_ref is required")
	}
	if req.Name == "" {
		req.Name = req.SourceRef[strings.LastIndexAny(req.SourceRef, "/\\")+1:]
	}
	format := req.Format
	if format == "" {
		var ok bool
		if format, ok = document.FormatFromName(req.Name); !ok {
			format, ok = document.FormatFromName(req.SourceRef)
			if !ok {
				return document.Document{}, invalid("cannot infer format of %q", req.Name)
			}
		}
	}
	if !format.Valid() {
		return document.Document{}, invalid("unsupported format %q", format)
	}

	doc := document.Document{
		ID:          uuid.NewString(),
		Name:        req.Name,
		SourceRef:   req.SourceRef,
		Format:      format,
		State:       document.StatePending,
		Size:        req.Size,
		ContentHash: req.ContentHash,
	}
	if err := c.store.CreateDocument(ctx, &doc); err != nil {
		return document.Document{}, err
	}
	c.logger.Info("document registered", "doc_id", doc.ID, "name", doc.Name, "format", doc.Format)
	return doc, nil
}

// IngestOptions overrides chunking for one run. Nil sizes take the
// controller defaults.
type IngestOptions struct {
	ChunkSize          *int `json:"chunk_size,omitempty"`
	ChunkOverlap       *int `json:"chunk_overlap,omitempty"`
	GenerateEmbeddings bool `json:"generate_embeddings"`
}

// DefaultIngestOptions embeds with the controller's chunk defaults.
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{GenerateEmbeddings: true}
}

// Ingest processes the document and returns its final state. Pipeline
// failures are recorded on the document and are not returned; the error is
// only set when the document is unknown or its state could not be written.
func (c *Controller) Ingest(ctx context.Context, documentID string, opts IngestOptions) (document.State, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.ingest")
	defer span.End()
	span.SetAttr("doc_id", documentID)

	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	logger := c.logger.With("doc_id", doc.ID)

	if doc.State != document.StatePending {
		logger.Info("re-ingesting document", "previous_state", doc.State)
		if err := c.store.SetState(ctx, doc.ID, document.StatePending, ""); err != nil {
			return "", err
		}
	}
	if err := c.clearPassages(ctx, doc.ID); err != nil {
		return c.fail(ctx, doc, err, logger)
	}
	if err := c.store.SetState(ctx, doc.ID, document.StateProcessing, ""); err != nil {
		return "", err
	}

	start := time.Now()
	n, err := c.run(ctx, doc, opts)
	c.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return c.fail(ctx, doc, err, logger)
	}

	if err := c.store.SetState(ctx, doc.ID, document.StateCompleted, ""); err != nil {
		return "", err
	}
	c.metrics.IngestionsTotal.WithLabelValues(string(document.StateCompleted)).Inc()
	c.metrics.PassagesCreated.Add(float64(n))
	c.invalidateSearch(ctx, doc.ID, "ingested")
	span.SetAttr("passages", n)
	logger.Info("document ingested",
		"passages", n,
		"embedded", opts.GenerateEmbeddings,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return document.StateCompleted, nil
}

func (c *Controller) fail(ctx context.Context, doc document.Document, cause error, logger *slog.Logger) (document.State, error) {
	msg := apperrors.Kind(cause) + ": " + cause.Error()
	logger.Warn("document ingestion failed", "error_kind", apperrors.Kind(cause), "error", cause)
	c.metrics.IngestionsTotal.WithLabelValues(string(document.StateFailed)).Inc()
	ctx = context.WithoutCancel(ctx)
	c.discardPassages(ctx, doc.ID, logger)
	if err := c.store.SetState(ctx, doc.ID, document.StateFailed, msg); err != nil {
		return "", fmt.Errorf("recording failure of %s: %w", doc.ID, err)
	}
	return document.StateFailed, nil
}

// discardPassages drops whatever a failed run wrote. Vector deletion is
// best effort; the rows go regardless so a failed document has no passages.
func (c *Controller) discardPassages(ctx context.Context, documentID string, logger *slog.Logger) {
	ids, err := c.store.PassageIDs(ctx, documentID)
	if err != nil {
		logger.Error("listing passages of failed document", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := c.deleteVectors(ctx, ids); err != nil {
		logger.Warn("removing vectors of failed document", "error", err)
	}
	if _, err := c.store.DeletePassages(ctx, documentID); err != nil {
		logger.Error("removing passages of failed document", "error", err)
	}
}

// clearPassages removes the document's passages from the index first and
// then from the store, so a failure never leaves vectors without rows.
func (c *Controller) clearPassages(ctx context.Context, documentID string) error {
	ids, err := c.store.PassageIDs(ctx, documentID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.deleteVectors(ctx, ids); err != nil {
		return err
	}
	_, err = c.store.DeletePassages(ctx, documentID)
	return err
}

func (c *Controller) run(ctx context.Context, doc document.Document, opts IngestOptions) (int, error) {
	size, overlap := c.opts.ChunkSize, c.opts.ChunkOverlap
	if opts.ChunkSize != nil {
		size = *opts.ChunkSize
	}
	if opts.ChunkOverlap != nil {
		overlap = *opts.ChunkOverlap
	}
	if err := c.chunker.Validate(size, overlap); err != nil {
		return 0, err
	}

	stageCtx, span := tracing.StartChildSpan(ctx, "fetch")
	data, err := c.source.Fetch(stageCtx, doc.SourceRef)
	span.End()
	if err != nil {
		return 0, asExtraction(err, "reading source "+doc.SourceRef)
	}
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])
	if err := c.store.SetContent(ctx, doc.ID, int64(len(data)), contentHash); err != nil {
		return 0, err
	}

	stageCtx, span = tracing.StartChildSpan(ctx, "extract")
	text, err := c.extractor.Extract(stageCtx, doc, data)
	span.End()
	if err != nil {
		return 0, err
	}
	text = normalize.Normalize(text)
	if text == "" {
		return 0, apperrors.New(apperrors.ErrExtraction, http.StatusUnprocessableEntity, "document has no text after normalization")
	}

	_, span = tracing.StartChildSpan(ctx, "chunk")
	chunks, err := c.chunk(ctx, contentHash, text, size, overlap)
	span.SetAttr("chunks", len(chunks))
	span.End()
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, apperrors.New(apperrors.ErrChunking, http.StatusUnprocessableEntity, "no passages produced")
	}

	passages := make([]document.Passage, len(chunks))
	for i, ch := range chunks {
		passages[i] = document.Passage{
			ID:            PassageID(doc.ID, i),
			DocumentID:    doc.ID,
			SequenceIndex: i,
			Text:          ch.Text,
			Tags:          []string{},
			StartOffset:   ch.Start,
			EndOffset:     ch.End,
		}
	}

	if opts.GenerateEmbeddings {
		stageCtx, span = tracing.StartChildSpan(ctx, "embed")
		vecs, err := c.embedder.EmbedBatch(stageCtx, chunker.Texts(chunks))
		span.End()
		if err != nil {
			return 0, err
		}
		for i := range passages {
			passages[i].Embedding = vecs[i]
		}
	}

	if _, err := c.store.ReplacePassages(ctx, doc.ID, passages); err != nil {
		return 0, err
	}

	if opts.GenerateEmbeddings {
		entries := make([]vectorindex.Entry, len(passages))
		for i, p := range passages {
			entries[i] = entryFor(p)
		}
		stageCtx, span = tracing.StartChildSpan(ctx, "index")
		err := resilience.WithTimeout(stageCtx, c.opts.IndexTimeout, "index add", func(ctx context.Context) error {
			return c.index.Add(ctx, entries)
		})
		span.End()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrIndex, err, "adding passages to the vector index")
		}
	}
	return len(passages), nil
}

// chunk splits text, reusing a cached split of the same content and
// parameters.
func (c *Controller) chunk(ctx context.Context, contentHash, text string, size, overlap int) ([]chunker.Chunk, error) {
	b := c.chunker.Bounds()
	key := cache.Key(cache.NamespaceChunks, contentHash, size, overlap, b.MinSize, b.MaxSize)
	if c.cache != nil {
		if chunks, ok := cache.GetJSON[[]chunker.Chunk](ctx, c.cache, key); ok {
			return chunks, nil
		}
	}
	seq, err := c.chunker.Chunks(text, size, overlap)
	if err != nil {
		return nil, err
	}
	chunks := chunker.Collect(seq)
	if c.cache != nil {
		cache.SetJSON(ctx, c.cache, key, chunks, c.opts.ChunksTTL)
	}
	return chunks, nil
}

// PassageID derives the id of a document's passage at a sequence index, so
// re-ingesting writes to the same ids.
func PassageID(documentID string, sequenceIndex int) string {
	return uuid.NewSHA1(passageNamespace, fmt.Appendf(nil, "%s/%d", documentID, sequenceIndex)).String()
}

func entryFor(p document.Passage) vectorindex.Entry {
	return vectorindex.Entry{
		ID:     p.ID,
		Vector: p.Embedding,
		Metadata: vectorindex.Metadata{
			DocumentID:    p.DocumentID,
			SequenceIndex: p.SequenceIndex,
			Tags:          p.Tags,
		},
	}
}

// GetPassages returns the document's passages in sequence order.
func (c *Controller) GetPassages(ctx context.Context, documentID string) ([]document.Passage, error) {
	if _, err := c.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return c.store.GetPassages(ctx, documentID)
}

// GetDocument returns the document with its processing state.
func (c *Controller) GetDocument(ctx context.Context, documentID string) (document.Document, error) {
	return c.store.GetDocument(ctx, documentID)
}

// DeleteDocument removes the document's vectors, then the document and its
// passages, and invalidates cached search results.
func (c *Controller) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := c.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	ids, err := c.store.PassageIDs(ctx, documentID)
	if err != nil {
		return err
	}
	if err := c.deleteVectors(ctx, ids); err != nil {
		return err
	}
	if err := c.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	c.invalidateSearch(ctx, documentID, "deleted")
	c.logger.Info("document deleted", "doc_id", documentID, "passages", len(ids))
	return nil
}

// SetPassageTags replaces a passage's classification tags. Tags are
// trimmed, lower-cased and de-duplicated. Indexed passages have their
// vector metadata refreshed.
func (c *Controller) SetPassageTags(ctx context.Context, passageID string, tags []string) (document.Passage, error) {
	p, err := c.store.SetPassageTags(ctx, passageID, cleanTags(tags))
	if err != nil {
		return p, err
	}
	if p.Embedding != nil {
		err := resilience.WithTimeout(ctx, c.opts.IndexTimeout, "index add", func(ctx context.Context) error {
			return c.index.Add(ctx, []vectorindex.Entry{entryFor(p)})
		})
		if err != nil {
			return p, apperrors.Wrap(apperrors.ErrIndex, err, "refreshing tags of "+passageID)
		}
	}
	c.invalidateSearch(ctx, p.DocumentID, "tags")
	return p, nil
}

// EmbedMissing embeds and indexes the passages of a completed document
// that were stored without embeddings, such as after an ingest run with
// embeddings turned off. It returns how many passages it embedded.
func (c *Controller) EmbedMissing(ctx context.Context, documentID string) (int, error) {
	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if doc.State != document.StateCompleted {
		return 0, invalid("document %s is %s, only completed documents can be embedded", documentID, doc.State)
	}
	passages, err := c.store.GetPassages(ctx, documentID)
	if err != nil {
		return 0, err
	}
	var missing []document.Passage
	for _, p := range passages {
		if p.Embedding == nil {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	texts := make([]string, len(missing))
	for i, p := range missing {
		texts[i] = p.Text
	}
	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	byID := make(map[string][]float32, len(missing))
	entries := make([]vectorindex.Entry, len(missing))
	for i := range missing {
		missing[i].Embedding = vecs[i]
		byID[missing[i].ID] = vecs[i]
		entries[i] = entryFor(missing[i])
	}
	// Index first: a passage stays eligible for a retry until its row holds
	// the embedding, and re-adding a vector replaces it.
	err = resilience.WithTimeout(ctx, c.opts.IndexTimeout, "index add", func(ctx context.Context) error {
		return c.index.Add(ctx, entries)
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrIndex, err, "adding backfilled passages to the vector index")
	}
	if err := c.store.SetEmbeddings(ctx, byID); err != nil {
		return 0, err
	}
	c.invalidateSearch(ctx, documentID, "embedded")
	c.logger.Info("embeddings backfilled", "doc_id", documentID, "passages", len(missing))
	return len(missing), nil
}

func (c *Controller) deleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := resilience.WithTimeout(ctx, c.opts.IndexTimeout, "index delete", func(ctx context.Context) error {
		return c.index.Delete(ctx, ids)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrIndex, err, "deleting passage vectors")
	}
	return nil
}

func (c *Controller) invalidateSearch(ctx context.Context, documentID, reason string) {
	if c.cache != nil {
		if _, err := c.cache.Invalidate(ctx, cache.NamespaceSearch); err != nil {
			c.logger.Warn("search cache invalidation failed", "doc_id", documentID, "error", err)
		}
	}
	cache.PublishInvalidation(ctx, c.events, cache.InvalidationEvent{
		Namespace:  cache.NamespaceSearch,
		DocumentID: documentID,
		Reason:     reason,
	})
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func asExtraction(err error, msg string) error {
	if errors.Is(err, apperrors.ErrExtraction) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrExtraction, err, msg)
}

func invalid(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, format, args...)
}

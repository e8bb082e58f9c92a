// Package retriever answers natural-language queries with ranked passages:
// it embeds the query, over-fetches candidates from the vector index,
// enriches and filters them against the store, reranks them lexically and
// caches the final list.
package retriever

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/telemetry"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/vectorindex"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/tracing"
)

const (
	DefaultTopK             = 10
	DefaultMaxTopK          = 100
	DefaultMaxCandidates    = 100
	DefaultCacheTTL         = 30 * time.Minute
	DefaultBatchConcurrency = 3
	DefaultQueryTimeout     = 30 * time.Second
)

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store resolves candidate ids to passages and their documents.
type Store interface {
	GetPassagesByID(ctx context.Context, ids []string) (map[string]document.Passage, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]document.Document, error)
}

// Tracker receives one event per answered query.
type Tracker interface {
	Track(ev telemetry.RetrievalEvent)
}

// Deps are the collaborators of a Retriever. Cache, Events and Tracer may
// be nil.
type Deps struct {
	Embedder Embedder
	Index    vectorindex.Index
	Store    Store
	Cache    *cache.Cache
	Events   Tracker
	Tracer   *tracing.Tracer
	Metrics  *metrics.Metrics
}

type Options struct {
	DefaultTopK      int
	MaxTopK          int
	MaxCandidates    int
	CacheTTL         time.Duration
	BatchConcurrency int
	IndexTimeout     time.Duration
	// QueryTimeout bounds one shared computation of a result list. It runs
	// detached from the caller that started it, so other callers waiting on
	// the same key are unaffected when that caller goes away.
	QueryTimeout time.Duration
	Weights      Weights
}

type Retriever struct {
	embedder Embedder
	index    vectorindex.Index
	store    Store
	cache    *cache.Cache
	events   Tracker
	tracer   *tracing.Tracer
	metrics  *metrics.Metrics
	reranker *Reranker
	opts     Options
	group    singleflight.Group
	hits     atomic.Int64
	misses   atomic.Int64
	logger   *slog.Logger
}

func New(deps Deps, opts Options) *Retriever {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = DefaultMaxTopK
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	return &Retriever{
		embedder: deps.Embedder,
		index:    deps.Index,
		store:    deps.Store,
		cache:    deps.Cache,
		events:   deps.Events,
		tracer:   deps.Tracer,
		metrics:  metrics.OrNop(deps.Metrics),
		reranker: NewReranker(opts.Weights),
		opts:     opts,
		logger:   slog.Default().With("component", "retriever"),
	}
}

// cacheKey is everything that determines a result list.
type cacheKey struct {
	Query    string  `json:"q"`
	TopK     int     `json:"k"`
	Filters  Filters `json:"f"`
	MinScore float64 `json:"s"`
	Rerank   bool    `json:"r"`
}

// request is a validated query.
type request struct {
	text     string
	topK     int
	filters  Filters
	minScore float64
	rerank   bool
}

func (r request) key() string {
	return cache.Key(cache.NamespaceSearch, cacheKey{
		Query:    r.text,
		TopK:     r.topK,
		Filters:  r.filters,
		MinScore: r.minScore,
		Rerank:   r.rerank,
	})
}

func (rt *Retriever) request(q Query) request {
	topK := q.TopK
	if topK <= 0 {
		topK = rt.opts.DefaultTopK
	}
	return request{
		text:     queryText(q.Text),
		topK:     min(topK, rt.opts.MaxTopK),
		filters:  q.Filters.Canonical(),
		minScore: q.MinScore,
		rerank:   q.rerank(),
	}
}

// CacheKey returns the cache key q would be stored under.
func (rt *Retriever) CacheKey(q Query) string {
	return rt.request(q).key()
}

// computed is a freshly ranked list. Degraded lists are never cached.
type computed struct {
	results  []document.RankedResult
	degraded bool
}

// Retrieve returns at most TopK results ordered by descending relevance.
// Embedding and index failures degrade to an empty list; store failures
// are returned.
func (rt *Retriever) Retrieve(ctx context.Context, q Query) ([]document.RankedResult, error) {
	start := time.Now()
	ctx, span := rt.tracer.Start(ctx, "retriever.retrieve")
	defer span.End()

	req := rt.request(q)
	if req.text == "" {
		rt.metrics.RetrievalsTotal.WithLabelValues("empty_query").Inc()
		return []document.RankedResult{}, nil
	}
	span.SetAttr("top_k", req.topK)

	key := req.key()
	if rt.cache != nil {
		if results, ok := cache.GetJSON[[]document.RankedResult](ctx, rt.cache, key); ok {
			rt.hits.Add(1)
			span.SetAttr("cache", "hit")
			rt.observe(ctx, req, "hit", results, start)
			return results, nil
		}
		rt.misses.Add(1)
	}

	ch := rt.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.opts.QueryTimeout)
		defer cancel()
		if rt.cache != nil {
			if results, ok := cache.GetJSON[[]document.RankedResult](ctx, rt.cache, key); ok {
				return computed{results: results}, nil
			}
		}
		c, err := rt.compute(ctx, req)
		if err != nil {
			return nil, err
		}
		if rt.cache != nil && !c.degraded {
			cache.SetJSON(ctx, rt.cache, key, c.results, rt.opts.CacheTTL)
		}
		return c, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		rt.metrics.RetrievalsTotal.WithLabelValues("error").Inc()
		return nil, ctx.Err()
	}
	if res.Err != nil {
		rt.metrics.RetrievalsTotal.WithLabelValues("error").Inc()
		return nil, res.Err
	}
	c := res.Val.(computed)
	outcome := "miss"
	if c.degraded {
		outcome = "degraded"
	}
	results := slices.Clone(c.results)
	span.SetAttr("results", len(results))
	rt.observe(ctx, req, outcome, results, start)
	return results, nil
}

func (rt *Retriever) compute(ctx context.Context, req request) (computed, error) {
	log := logger.FromContext(ctx)

	stageCtx, span := tracing.StartChildSpan(ctx, "embed")
	vec, err := rt.embedder.Embed(stageCtx, req.text)
	span.End()
	if err != nil {
		log.Warn("query embedding failed, returning no results", "error", err)
		return computed{results: []document.RankedResult{}, degraded: true}, nil
	}

	multiplier := 2
	if req.rerank {
		multiplier = 3
	}
	candidates := min(rt.opts.MaxCandidates, req.topK*multiplier)

	stageCtx, span = tracing.StartChildSpan(ctx, "search")
	hits, err := resilience.Do(stageCtx, rt.opts.IndexTimeout, "index search", func(ctx context.Context) ([]vectorindex.Hit, error) {
		return rt.index.Search(ctx, vec, candidates)
	})
	span.SetAttr("candidates", len(hits))
	span.End()
	if err != nil {
		log.Warn("vector search failed, returning no results", "error", err)
		return computed{results: []document.RankedResult{}, degraded: true}, nil
	}
	if len(hits) == 0 {
		return computed{results: []document.RankedResult{}}, nil
	}

	_, span = tracing.StartChildSpan(ctx, "enrich")
	results, err := rt.enrich(ctx, req, hits)
	span.End()
	if err != nil {
		return computed{}, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > req.topK {
		results = results[:req.topK]
	}
	return computed{results: results}, nil
}

// enrich joins hits with their passages and documents, drops candidates
// that are unprocessed, filtered out or below the score floor, and reranks
// the rest. Hit order is preserved.
func (rt *Retriever) enrich(ctx context.Context, req request, hits []vectorindex.Hit) ([]document.RankedResult, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	passages, err := rt.store.GetPassagesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	docIDs := make([]string, 0, len(passages))
	for _, p := range passages {
		docIDs = append(docIDs, p.DocumentID)
	}
	docs, err := rt.store.GetDocuments(ctx, docIDs)
	if err != nil {
		return nil, err
	}

	terms := prepare(req.text)
	results := make([]document.RankedResult, 0, len(hits))
	for _, h := range hits {
		p, ok := passages[h.ID]
		if !ok {
			continue
		}
		doc, ok := docs[p.DocumentID]
		if !ok || doc.State != document.StateCompleted {
			continue
		}
		if !req.filters.match(doc, p.Tags) || h.Score < req.minScore {
			continue
		}
		score := h.Score
		if req.rerank {
			score = rt.reranker.Score(terms, score, p.Text, p.Tags)
		}
		results = append(results, document.RankedResult{
			PassageID:     p.ID,
			DocumentID:    p.DocumentID,
			SequenceIndex: p.SequenceIndex,
			Text:          p.Text,
			Score:         score,
			DocumentName:  doc.Name,
			Tags:          p.Tags,
		})
	}
	return results, nil
}

func (rt *Retriever) observe(ctx context.Context, req request, outcome string, results []document.RankedResult, start time.Time) {
	elapsed := time.Since(start)
	cacheStatus := "miss"
	switch {
	case rt.cache == nil:
		cacheStatus = "none"
	case outcome == "hit":
		cacheStatus = "hit"
	}
	rt.metrics.RetrievalsTotal.WithLabelValues(outcome).Inc()
	rt.metrics.RetrievalLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
	rt.metrics.RetrievalResults.Observe(float64(len(results)))

	logger.FromContext(ctx).Info("retrieval completed",
		"outcome", outcome,
		"top_k", req.topK,
		"returned", len(results),
		"latency_ms", elapsed.Milliseconds(),
	)

	if rt.events == nil {
		return
	}
	ev := telemetry.RetrievalEvent{
		Type:      telemetry.EventRetrieval,
		Query:     req.text,
		TopK:      req.topK,
		Returned:  len(results),
		LatencyMs: elapsed.Milliseconds(),
		CacheHit:  outcome == "hit",
		Rerank:    req.rerank,
		Timestamp: time.Now().UTC(),
		RequestID: logger.RequestID(ctx),
	}
	if len(results) > 0 {
		ev.TopScore = results[0].Score
	}
	switch {
	case outcome == "degraded":
		ev.Type = telemetry.EventDegraded
	case outcome == "hit":
		ev.Type = telemetry.EventCacheHit
	case len(results) == 0:
		ev.Type = telemetry.EventZeroResult
	}
	rt.events.Track(ev)
}

// Invalidate drops every cached result list.
func (rt *Retriever) Invalidate(ctx context.Context) (int64, error) {
	if rt.cache == nil {
		return 0, nil
	}
	n, err := rt.cache.Invalidate(ctx, cache.NamespaceSearch)
	if err != nil {
		return 0, err
	}
	rt.logger.Info("retrieval cache invalidated", "keys_deleted", n)
	return n, nil
}

// Stats is the retriever's own cache tally.
type Stats struct {
	Enabled bool    `json:"enabled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

func (rt *Retriever) Stats() Stats {
	s := Stats{Enabled: rt.cache != nil, Hits: rt.hits.Load(), Misses: rt.misses.Load()}
	s.Total = s.Hits + s.Misses
	if s.Total > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Total)
	}
	return s
}

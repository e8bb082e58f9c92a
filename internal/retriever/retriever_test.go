package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/chunker"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/telemetry"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/vectorindex"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
)

type countingEmbedder struct {
	inner Embedder
	calls atomic.Int64
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return e.inner.Embed(ctx, text)
}

type brokenIndex struct {
	vectorindex.Index
}

func (brokenIndex) Search(context.Context, []float32, int) ([]vectorindex.Hit, error) {
	return nil, errors.New("index unavailable")
}

type recordingTracker struct {
	mu     sync.Mutex
	events []telemetry.RetrievalEvent
}

func (r *recordingTracker) Track(ev telemetry.RetrievalEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type memSource map[string][]byte

func (s memSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, ok := s[ref]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

type fixture struct {
	store    *store.Store
	index    *vectorindex.Memory
	cache    *cache.Cache
	embedder *countingEmbedder
	ctrl     *pipeline.Controller
	source   memSource
	metrics  *metrics.Metrics
	tracker  *recordingTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, db, err := store.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "retriever.db"),
	}, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.New(prometheus.NewRegistry())
	idx, err := vectorindex.NewMemory("", m)
	require.NoError(t, err)
	c := cache.New(cache.NewMemory(), time.Second, m)
	emb := embedding.New(embedding.NewHash("hash-test", 256), c, embedding.Options{})

	f := &fixture{
		store:    st,
		index:    idx,
		cache:    c,
		embedder: &countingEmbedder{inner: emb},
		source:   memSource{},
		metrics:  m,
		tracker:  &recordingTracker{},
	}
	f.ctrl = pipeline.New(pipeline.Deps{
		Store:     st,
		Source:    f.source,
		Extractor: extract.NewRegistry(map[document.Format]extract.Extractor{document.FormatText: extract.PlainText{}}, time.Second),
		Chunker:   chunker.New(chunker.Bounds{MinSize: 10, MaxSize: 5000}),
		Embedder:  emb,
		Index:     idx,
		Cache:     c,
	}, pipeline.Options{ChunkSize: 20, ChunkOverlap: 5, IndexTimeout: time.Second})
	return f
}

func (f *fixture) retriever(deps Deps) *Retriever {
	if deps.Embedder == nil {
		deps.Embedder = f.embedder
	}
	if deps.Index == nil {
		deps.Index = f.index
	}
	deps.Store = f.store
	deps.Metrics = f.metrics
	deps.Events = f.tracker
	return New(deps, Options{IndexTimeout: time.Second})
}

func (f *fixture) ingest(t *testing.T, name, text string) document.Document {
	t.Helper()
	ctx := context.Background()
	ref := "file://" + name
	f.source[ref] = []byte(text)
	doc, err := f.ctrl.Register(ctx, pipeline.RegisterRequest{SourceRef: ref})
	require.NoError(t, err)
	state, err := f.ctrl.Ingest(ctx, doc.ID, pipeline.DefaultIngestOptions())
	require.NoError(t, err)
	require.Equal(t, document.StateCompleted, state)
	return doc
}

func boolPtr(b bool) *bool { return &b }

func TestRetrieve_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	r := f.retriever(Deps{Cache: f.cache})

	for _, text := range []string{"", "   ", "\n\t"} {
		got, err := r.Retrieve(context.Background(), Query{Text: text})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
	assert.Zero(t, f.embedder.calls.Load(), "blank queries are never embedded")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RetrievalsTotal.WithLabelValues("empty_query")))
}

func TestRetrieve_EndToEnd(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "esg.txt", "Climate risk. Water usage. Governance policy.")
	r := f.retriever(Deps{Cache: f.cache})

	got, err := r.Retrieve(context.Background(), Query{Text: "water usage", TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 2)
	assert.Equal(t, "Water usage.", got[0].Text)
	assert.Equal(t, doc.ID, got[0].DocumentID)
	assert.Equal(t, "esg.txt", got[0].DocumentName)
	assert.Equal(t, 1, got[0].SequenceIndex)
	assert.LessOrEqual(t, got[0].Score, 1.0)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestRetrieve_CachesResults(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "esg.txt", "Climate risk. Water usage. Governance policy.")
	r := f.retriever(Deps{Cache: f.cache})
	ctx := context.Background()

	first, err := r.Retrieve(ctx, Query{Text: "governance policy"})
	require.NoError(t, err)
	second, err := r.Retrieve(ctx, Query{Text: "  governance   policy "})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.embedder.calls.Load())

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	n, err := r.Invalidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = r.Retrieve(ctx, Query{Text: "governance policy"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.embedder.calls.Load())

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	require.Len(t, f.tracker.events, 3)
	assert.Equal(t, telemetry.EventCacheHit, f.tracker.events[1].Type)
}

func TestRetrieve_DegradesOnFailures(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "esg.txt", "Climate risk. Water usage. Governance policy.")
	ctx := context.Background()

	f.embedder.err = errors.New("model offline")
	r := f.retriever(Deps{Cache: f.cache})
	got, err := r.Retrieve(ctx, Query{Text: "water"})
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = r.Retrieve(ctx, Query{Text: "water"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.embedder.calls.Load(), "degraded results are not cached")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RetrievalsTotal.WithLabelValues("degraded")))

	f.embedder.err = nil
	broken := f.retriever(Deps{Index: brokenIndex{f.index}})
	got, err = broken.Retrieve(ctx, Query{Text: "water"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

type gatedEmbedder struct {
	inner   Embedder
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.entered <- struct{}{}
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.inner.Embed(ctx, text)
}

func TestRetrieve_SharedComputationOutlivesFirstCaller(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "esg.txt", "Climate risk. Water usage. Governance policy.")
	gate := &gatedEmbedder{inner: f.embedder, entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := f.retriever(Deps{Embedder: gate, Cache: f.cache})
	q := Query{Text: "water usage", TopK: 2}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Retrieve(firstCtx, q)
		firstErr <- err
	}()
	<-gate.entered

	type outcome struct {
		results []document.RankedResult
		err     error
	}
	second := make(chan outcome, 1)
	go func() {
		got, err := r.Retrieve(context.Background(), q)
		second <- outcome{got, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(gate.release)
	select {
	case out := <-second:
		require.NoError(t, out.err)
		require.NotEmpty(t, out.results)
		assert.Equal(t, "Water usage.", out.results[0].Text)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got results")
	}
	assert.Equal(t, int64(1), f.embedder.calls.Load())
	assert.Zero(t, testutil.ToFloat64(f.metrics.RetrievalsTotal.WithLabelValues("degraded")))
}

func TestRetrieve_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esg := f.ingest(t, "esg-report.txt", "Climate risk. Water usage. Governance policy.")
	other := f.ingest(t, "notes.txt", "Water usage in farms. Crop yields.")
	r := f.retriever(Deps{})

	got, err := r.Retrieve(ctx, Query{Text: "water usage", Filters: Filters{NameContains: "ESG"}})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, res := range got {
		assert.Equal(t, esg.ID, res.DocumentID)
	}

	got, err = r.Retrieve(ctx, Query{Text: "water usage", Filters: Filters{Formats: []document.Format{document.FormatPDF}}})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.ctrl.SetPassageTags(ctx, pipeline.PassageID(other.ID, 0), []string{"agriculture"})
	require.NoError(t, err)
	got, err = r.Retrieve(ctx, Query{Text: "water usage", Filters: Filters{Tags: []string{"finance", "Agriculture"}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.PassageID(other.ID, 0), got[0].PassageID)

	future := time.Now().Add(time.Hour)
	got, err = r.Retrieve(ctx, Query{Text: "water usage", Filters: Filters{CreatedAfter: &future}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Retrieve(ctx, Query{Text: "water usage", MinScore: 1.01})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, f.store.SetState(ctx, other.ID, document.StateProcessing, ""))
	got, err = r.Retrieve(ctx, Query{Text: "water usage"})
	require.NoError(t, err)
	for _, res := range got {
		assert.NotEqual(t, other.ID, res.DocumentID, "unprocessed documents are hidden")
	}
}

func TestRetrieve_WithoutRerankKeepsSimilarity(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "esg.txt", "Climate risk. Water usage. Governance policy.")
	r := f.retriever(Deps{})
	ctx := context.Background()

	got, err := r.Retrieve(ctx, Query{Text: "climate risk", Rerank: boolPtr(false)})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	vec, err := f.embedder.Embed(ctx, "climate risk")
	require.NoError(t, err)
	hits, err := f.index.Search(ctx, vec, 1)
	require.NoError(t, err)
	assert.Equal(t, hits[0].ID, got[0].PassageID)
	assert.InDelta(t, hits[0].Score, got[0].Score, 1e-9)
}

func TestCacheKey_FilterOrderIndependent(t *testing.T) {
	r := New(Deps{}, Options{})

	var a, b Query
	require.NoError(t, json.Unmarshal([]byte(`{"query":"water","top_k":5,"filters":{"tags":["esg","climate"],"formats":["pdf","docx"],"name_contains":"Report"}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"filters":{"name_contains":"report","formats":["docx","pdf"],"tags":["climate","ESG"]},"top_k":5,"query":"water"}`), &b))
	assert.Equal(t, r.CacheKey(a), r.CacheKey(b))

	c := a
	c.MinScore = 0.5
	assert.NotEqual(t, r.CacheKey(a), r.CacheKey(c))
	d := a
	d.Rerank = boolPtr(false)
	assert.NotEqual(t, r.CacheKey(a), r.CacheKey(d))
	e := a
	e.TopK = 6
	assert.NotEqual(t, r.CacheKey(a), r.CacheKey(e))
}

func TestRetrieveBatch(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "esg.txt", "Climate risk. Water usage. Governance policy.")
	r := f.retriever(Deps{Cache: f.cache})

	queries := []Query{{Text: "water usage"}, {Text: ""}, {Text: "governance policy"}, {Text: "climate risk"}}
	out := r.RetrieveBatch(context.Background(), queries)
	require.Len(t, out, 4)
	for i, res := range out {
		assert.Equal(t, queries[i].Text, res.Query)
		assert.NoError(t, res.Err)
	}
	assert.Empty(t, out[1].Results)
	assert.Equal(t, "Water usage.", out[0].Results[0].Text)
	assert.Equal(t, "Governance policy.", out[2].Results[0].Text)
	assert.Equal(t, "Climate risk.", out[3].Results[0].Text)
}

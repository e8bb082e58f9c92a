package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

const (
	DefaultCacheTTL    = time.Hour
	DefaultBatchSize   = 64
	DefaultConcurrency = 3
)

// Options tunes an Embedder. Zero values take the defaults.
type Options struct {
	CacheTTL    time.Duration
	BatchSize   int
	Concurrency int
}

// Embedder fronts a Model with the embedding cache namespace. Vectors are
// keyed by model name and text, so switching models never serves stale
// vectors.
type Embedder struct {
	model  Model
	cache  *cache.Cache
	opts   Options
	logger *slog.Logger
}

// New returns an Embedder. c may be nil to disable caching.
func New(model Model, c *cache.Cache, opts Options) *Embedder {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Embedder{
		model:  model,
		cache:  c,
		opts:   opts,
		logger: slog.Default().With("component", "embedder", "model", model.Name()),
	}
}

func (e *Embedder) ModelName() string { return e.model.Name() }
func (e *Embedder) Dimensions() int   { return e.model.Dimensions() }

// Embed returns the vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order. Cached vectors are
// reused; the rest are computed in batches of Options.BatchSize, at most
// Options.Concurrency at a time, and cached one by one. Either every vector
// is returned or none is.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperrors.New(apperrors.ErrEmbedding, http.StatusBadRequest, "no texts to embed")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, apperrors.Newf(apperrors.ErrEmbedding, http.StatusBadRequest, "text %d is empty", i)
		}
	}

	out := make([][]float32, len(texts))
	// unique uncached texts, each with the positions it fills
	var missing []string
	positions := make(map[string][]int)
	for i, t := range texts {
		if vec, ok := e.lookup(ctx, t); ok {
			out[i] = vec
			continue
		}
		if _, seen := positions[t]; !seen {
			missing = append(missing, t)
		}
		positions[t] = append(positions[t], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	computed, err := e.compute(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, t := range missing {
		for _, i := range positions[t] {
			out[i] = computed[j]
		}
		e.store(ctx, t, computed[j])
	}
	e.logger.Debug("embedded batch", "texts", len(texts), "computed", len(missing))
	return out, nil
}

func (e *Embedder) compute(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for start := 0; start < len(texts); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.model.Embed(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("model returned %d vectors for %d texts", len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrEmbedding, err, "model "+e.model.Name())
	}
	if err := e.checkDimensions(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Embedder) checkDimensions(vecs [][]float32) error {
	want := e.model.Dimensions()
	if want <= 0 && len(vecs) > 0 {
		want = len(vecs[0])
	}
	for i, v := range vecs {
		if len(v) == 0 || len(v) != want {
			return apperrors.Newf(apperrors.ErrEmbedding, http.StatusBadGateway,
				"vector %d has %d dimensions, want %d", i, len(v), want)
		}
	}
	return nil
}

func (e *Embedder) key(text string) string {
	return cache.Key(cache.NamespaceEmbedding, e.model.Name(), text)
}

func (e *Embedder) lookup(ctx context.Context, text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	return cache.GetJSON[[]float32](ctx, e.cache, e.key(text))
}

func (e *Embedder) store(ctx context.Context, text string, vec []float32) {
	if e.cache == nil {
		return
	}
	cache.SetJSON(ctx, e.cache, e.key(text), vec, e.opts.CacheTTL)
}

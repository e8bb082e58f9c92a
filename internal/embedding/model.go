// Package embedding turns text into fixed-length vectors. A Model computes
// vectors for a batch of texts in one call; Embedder puts a cache in front
// of a Model so the same (model, text) pair is only computed once.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
)

// Model computes one vector per input text in a single invocation.
type Model interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewModel builds the model selected by cfg.Provider.
func NewModel(cfg config.EmbeddingConfig) (Model, error) {
	switch cfg.Provider {
	case "hash", "":
		return NewHash(cfg.Model, cfg.Dimensions), nil
	case "openai":
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

const (
	DefaultHashDimensions = 256
	bigramWeight          = 0.5
)

// Hash is a feature-hashing model: each stemmed term, and each pair of
// adjacent terms, adds a signed weight to one of dims buckets. Vectors are
// L2-normalised, so texts sharing vocabulary have high cosine similarity.
// It needs no network and is deterministic.
type Hash struct {
	name string
	dims int
}

func NewHash(name string, dims int) *Hash {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	if name == "" {
		name = fmt.Sprintf("hash-%d", dims)
	}
	return &Hash{name: name, dims: dims}
}

func (h *Hash) Name() string    { return h.name }
func (h *Hash) Dimensions() int { return h.dims }

func (h *Hash) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hash) vector(text string) []float32 {
	vec := make([]float64, h.dims)
	terms := tokenizer.Terms(text)
	if len(terms) == 0 {
		// stop-words only; fall back to the raw words
		terms = strings.Fields(strings.ToLower(text))
	}
	for _, t := range terms {
		h.add(vec, t, 1)
	}
	for _, bg := range tokenizer.Bigrams(terms) {
		h.add(vec, bg, bigramWeight)
	}
	return normalize(vec)
}

func (h *Hash) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func normalize(vec []float64) []float32 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

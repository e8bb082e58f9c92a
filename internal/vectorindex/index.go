// Package vectorindex stores passage embeddings and answers nearest-neighbour
// queries. Backends implement Index; Memory keeps vectors in process with
// snapshot persistence and PGVector keeps them in PostgreSQL.
package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

// Metadata is stored next to each vector.
type Metadata struct {
	DocumentID    string   `json:"document_id"`
	SequenceIndex int      `json:"sequence_index"`
	Tags          []string `json:"tags,omitempty"`
}

// Entry is a vector to index under ID.
type Entry struct {
	ID     string
	Vector []float32
	Metadata
}

// Hit is a search result. Score is a similarity in [0, 1].
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Metadata
}

// Index is a vector store. Add overwrites existing ids and Delete ignores
// unknown ones, so every write is safe to retry.
type Index interface {
	Add(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, vector []float32, topK int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
	GetVector(ctx context.Context, id string) ([]float32, bool, error)
	Len(ctx context.Context) (int, error)
}

// Similarity converts a cosine distance in [0, 2] to a score in [0, 1].
func Similarity(cosineDistance float64) float64 {
	return math.Max(0, 1-cosineDistance)
}

func malformed(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrIndex, http.StatusBadRequest, format, args...)
}

func validateVector(v []float32, dims int) error {
	if problem := vectorProblem(v, dims); problem != "" {
		return malformed("%s", problem)
	}
	return nil
}

func vectorProblem(v []float32, dims int) string {
	if len(v) == 0 {
		return "empty vector"
	}
	if dims > 0 && len(v) != dims {
		return fmt.Sprintf("vector has %d dimensions, index holds %d", len(v), dims)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Sprintf("vector component %d is not finite", i)
		}
	}
	return ""
}

func validateEntries(entries []Entry, dims int) (int, error) {
	for _, e := range entries {
		if e.ID == "" {
			return dims, malformed("entry without id")
		}
		if problem := vectorProblem(e.Vector, dims); problem != "" {
			return dims, malformed("entry %s: %s", e.ID, problem)
		}
		if dims == 0 {
			dims = len(e.Vector)
		}
	}
	return dims, nil
}

// topK keeps the k best hits seen. Lower scores, then larger ids, are
// evicted first, so ties resolve by ascending id.
type topK struct {
	k int
	h hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(hitHeap, 0, k+1)}
}

func (t *topK) offer(hit Hit) {
	if t.k <= 0 {
		return
	}
	if len(t.h) == t.k && !better(hit, t.h[0]) {
		return
	}
	heap.Push(&t.h, hit)
	if len(t.h) > t.k {
		heap.Pop(&t.h)
	}
}

// sorted drains the heap, best first.
func (t *topK) sorted() []Hit {
	out := make([]Hit, len(t.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(Hit)
	}
	return out
}

func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) {
	*h = append(*h, x.(Hit))
}

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

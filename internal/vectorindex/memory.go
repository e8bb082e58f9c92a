package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
)

// Memory is an exact cosine index held in process. When created with a path
// it reloads the last snapshot on start and writes a new one on Flush.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	dims    int
	dirty   bool

	path    string
	flushMu sync.Mutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type memEntry struct {
	vector []float32
	norm   float64
	meta   Metadata
}

// NewMemory returns a Memory index. An empty path disables persistence; a
// missing snapshot file starts an empty index.
func NewMemory(path string, m *metrics.Metrics) (*Memory, error) {
	idx := &Memory{
		entries: make(map[string]memEntry),
		path:    path,
		metrics: metrics.OrNop(m),
		logger:  slog.Default().With("component", "vector-index", "backend", "memory"),
	}
	if path == "" {
		return idx, nil
	}
	dims, entries, err := readSnapshot(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		idx.logger.Info("no snapshot found, starting empty", "path", path)
		return idx, nil
	case err != nil:
		return nil, fmt.Errorf("loading vector snapshot: %w", err)
	}
	idx.dims = dims
	for _, e := range entries {
		idx.entries[e.ID] = newMemEntry(e)
	}
	idx.metrics.VectorIndexEntries.Set(float64(len(idx.entries)))
	idx.logger.Info("loaded vector snapshot", "path", path, "entries", len(entries), "dims", dims)
	return idx, nil
}

func newMemEntry(e Entry) memEntry {
	return memEntry{
		vector: slices.Clone(e.Vector),
		norm:   norm(e.Vector),
		meta:   Metadata{DocumentID: e.DocumentID, SequenceIndex: e.SequenceIndex, Tags: slices.Clone(e.Tags)},
	}
}

// Add validates the whole batch before inserting any of it. The first vector
// added fixes the dimensionality of the index.
func (m *Memory) Add(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dims, err := validateEntries(entries, m.dims)
	if err != nil {
		return err
	}
	m.dims = dims
	for _, e := range entries {
		m.entries[e.ID] = newMemEntry(e)
	}
	m.dirty = true
	m.metrics.VectorIndexEntries.Set(float64(len(m.entries)))
	return nil
}

func (m *Memory) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, malformed("top_k must be positive, got %d", topK)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return []Hit{}, nil
	}
	if err := validateVector(vector, m.dims); err != nil {
		return nil, err
	}
	qnorm := norm(vector)
	best := newTopK(topK)
	for id, e := range m.entries {
		best.offer(Hit{
			ID:       id,
			Score:    Similarity(cosineDistance(vector, qnorm, e.vector, e.norm)),
			Metadata: e.meta,
		})
	}
	return best.sorted(), nil
}

func (m *Memory) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.entries[id]; ok {
			delete(m.entries, id)
			m.dirty = true
		}
	}
	m.metrics.VectorIndexEntries.Set(float64(len(m.entries)))
	return nil
}

func (m *Memory) GetVector(_ context.Context, id string) ([]float32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.vector), true, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Flush writes a snapshot if anything changed since the last one.
func (m *Memory) Flush() error {
	if m.path == "" {
		return nil
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	entries := make([]Entry, 0, len(m.entries))
	for id, e := range m.entries {
		entries = append(entries, Entry{ID: id, Vector: e.vector, Metadata: e.meta})
	}
	dims := m.dims
	m.dirty = false
	m.mu.Unlock()

	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	if err := writeSnapshot(m.path, dims, entries); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		m.metrics.IndexFlushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("writing vector snapshot: %w", err)
	}
	m.metrics.IndexFlushesTotal.WithLabelValues("ok").Inc()
	m.logger.Info("vector snapshot flushed", "path", m.path, "entries", len(entries))
	return nil
}

// StartFlushLoop flushes every interval until ctx is done, then flushes once
// more.
func (m *Memory) StartFlushLoop(ctx context.Context, interval time.Duration) {
	if m.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("flush loop stopping, performing final flush")
				if err := m.Flush(); err != nil {
					m.logger.Error("final flush failed", "error", err)
				}
				return
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					m.logger.Error("periodic flush failed", "error", err)
				}
			}
		}
	}()
}

func (m *Memory) Close() error {
	return m.Flush()
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// cosineDistance is 1 - cos(a, b); a zero vector is at distance 1 from
// everything.
func cosineDistance(a []float32, anorm float64, b []float32, bnorm float64) float64 {
	if anorm == 0 || bnorm == 0 {
		return 1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot/(anorm*bnorm)
}

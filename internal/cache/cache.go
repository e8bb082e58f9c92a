package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/resilience"
)

// Key namespaces.
const (
	NamespaceEmbedding = "embedding"
	NamespaceSearch    = "search"
	NamespaceChunks    = "chunks"
)

// Key derives "<namespace>:<hex digest>" from the JSON encoding of parts.
// Map keys are encoded in sorted order, so maps that hold the same entries
// always produce the same key.
func Key(namespace string, parts ...any) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, p := range parts {
		if err := enc.Encode(p); err != nil {
			fmt.Fprintf(h, "%#v\n", p)
		}
	}
	sum := h.Sum(nil)
	return namespace + ":" + hex.EncodeToString(sum)
}

// Stats is the hit/miss tally of one namespace.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

type counters struct {
	hits, misses, errors atomic.Int64
}

// Cache is a best-effort cache: store failures are logged, counted and
// reported to callers as misses. Every store call is bounded by timeout.
type Cache struct {
	store   Store
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	stats map[string]*counters
}

// New wraps store. A zero timeout leaves store calls unbounded; m may be
// nil.
func New(store Store, timeout time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		store:   store,
		timeout: timeout,
		metrics: metrics.OrNop(m),
		logger:  slog.Default().With("component", "cache"),
		stats:   make(map[string]*counters),
	}
}

// Get returns the raw value for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	ns := namespaceOf(key)
	type hit struct {
		data []byte
		ok   bool
	}
	res, err := resilience.Do(ctx, c.timeout, "cache get", func(ctx context.Context) (hit, error) {
		data, ok, err := c.store.Get(ctx, key)
		return hit{data, ok}, err
	})
	if err != nil {
		c.fail(ns, "get", key, err)
		c.miss(ns)
		return nil, false
	}
	if !res.ok {
		c.miss(ns)
		return nil, false
	}
	c.counter(ns).hits.Add(1)
	c.metrics.CacheHitsTotal.WithLabelValues(ns).Inc()
	return res.data, true
}

// Set stores value under key. Failures are logged and dropped.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := resilience.WithTimeout(ctx, c.timeout, "cache set", func(ctx context.Context) error {
		return c.store.Set(ctx, key, value, ttl)
	})
	if err != nil {
		c.fail(namespaceOf(key), "set", key, err)
	}
}

// Delete removes keys. Failures are logged and dropped.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	err := resilience.WithTimeout(ctx, c.timeout, "cache delete", func(ctx context.Context) error {
		return c.store.Delete(ctx, keys...)
	})
	if err != nil {
		c.fail(namespaceOf(keys[0]), "delete", keys[0], err)
	}
}

// Invalidate drops every entry of namespace and returns the number removed.
// Unlike the other operations it reports failures, since callers use it to
// enforce freshness. It is bounded by the same timeout as every store call.
func (c *Cache) Invalidate(ctx context.Context, namespace string) (int64, error) {
	n, err := resilience.Do(ctx, c.timeout, "cache invalidate", func(ctx context.Context) (int64, error) {
		return c.store.DeletePrefix(ctx, namespace+":")
	})
	if err != nil {
		c.fail(namespace, "invalidate", namespace+":*", err)
		return n, fmt.Errorf("invalidating %s cache: %w", namespace, err)
	}
	c.logger.Info("cache invalidated", "namespace", namespace, "keys_deleted", n)
	return n, nil
}

// Stats returns the tally for every namespace seen so far.
func (c *Cache) Stats() map[string]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Stats, len(c.stats))
	for ns, ctr := range c.stats {
		out[ns] = Stats{Hits: ctr.hits.Load(), Misses: ctr.misses.Load(), Errors: ctr.errors.Load()}
	}
	return out
}

func (c *Cache) counter(ns string) *counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.stats[ns]
	if !ok {
		ctr = &counters{}
		c.stats[ns] = ctr
	}
	return ctr
}

func (c *Cache) miss(ns string) {
	c.counter(ns).misses.Add(1)
	c.metrics.CacheMissesTotal.WithLabelValues(ns).Inc()
}

func (c *Cache) fail(ns, op, key string, err error) {
	c.counter(ns).errors.Add(1)
	c.metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	c.logger.Warn("cache operation failed", "operation", op, "key", key, "error", err)
}

func namespaceOf(key string) string {
	if ns, _, ok := strings.Cut(key, ":"); ok {
		return ns
	}
	return "default"
}

// GetJSON decodes the value cached under key into T. Undecodable entries
// count as misses.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	data, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("cache entry undecodable", "key", key, "error", err)
		var zero T
		return zero, false
	}
	return v, true
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c *Cache, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	c.Set(ctx, key, data, ttl)
}

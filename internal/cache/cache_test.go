package cache

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/redis"
)

func TestKey_Deterministic(t *testing.T) {
	a := map[string]any{"format": "pdf", "tags": []string{"water"}, "name": "report"}
	b := map[string]any{"name": "report", "tags": []string{"water"}, "format": "pdf"}

	ka := Key(NamespaceSearch, "water usage", 5, a)
	kb := Key(NamespaceSearch, "water usage", 5, b)
	assert.Equal(t, ka, kb)
	assert.True(t, strings.HasPrefix(ka, "search:"))
	assert.Len(t, strings.TrimPrefix(ka, "search:"), 64)

	assert.NotEqual(t, ka, Key(NamespaceSearch, "water usage", 6, a))
	assert.NotEqual(t, ka, Key(NamespaceEmbedding, "water usage", 5, a))
	// argument boundaries matter
	assert.NotEqual(t, Key("x", "ab", "c"), Key("x", "a", "bc"))
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	now = now.Add(24 * time.Hour)
	_, ok, _ = m.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestMemory_PurgeAndPrefix(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Set(ctx, "search:a", []byte("1"), time.Second)
	_ = m.Set(ctx, "search:b", []byte("2"), time.Hour)
	_ = m.Set(ctx, "embedding:c", []byte("3"), time.Hour)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, m.Purge())

	n, err := m.DeletePrefix(ctx, "search:")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_SetCopiesValue(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	_ = m.Set(context.Background(), "k", buf, 0)
	buf[0] = 'x'
	got, _, _ := m.Get(context.Background(), "k")
	assert.Equal(t, "abc", string(got))
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Delete(context.Context, ...string) error { return errors.New("connection refused") }
func (failingStore) DeletePrefix(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestCache_SwallowsStoreErrors(t *testing.T) {
	m := metrics.New(nil)
	c := New(failingStore{}, time.Second, m)
	ctx := context.Background()

	c.Set(ctx, "search:k", []byte("v"), time.Minute)
	_, ok := c.Get(ctx, "search:k")
	assert.False(t, ok)
	c.Delete(ctx, "search:k")

	_, err := c.Invalidate(ctx, NamespaceSearch)
	assert.Error(t, err)

	stats := c.Stats()[NamespaceSearch]
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(4), stats.Errors)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheErrorsTotal.WithLabelValues("get")))
}

type slowStore struct{ *Memory }

func (s slowStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	select {
	case <-time.After(time.Second):
		return s.Memory.Get(ctx, key)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func TestCache_TimeoutIsMiss(t *testing.T) {
	c := New(slowStore{NewMemory()}, 10*time.Millisecond, nil)
	c.Set(context.Background(), "search:k", []byte("v"), 0)
	_, ok := c.Get(context.Background(), "search:k")
	assert.False(t, ok)
}

type stuckStore struct{ *Memory }

func (stuckStore) DeletePrefix(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestCache_InvalidateIsBounded(t *testing.T) {
	m := metrics.New(nil)
	c := New(stuckStore{NewMemory()}, 20*time.Millisecond, m)

	start := time.Now()
	_, err := c.Invalidate(context.Background(), NamespaceSearch)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), c.Stats()[NamespaceSearch].Errors)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheErrorsTotal.WithLabelValues("invalidate")))
}

type payload struct {
	Text  string    `json:"text"`
	Score float64   `json:"score"`
	Vec   []float32 `json:"vec"`
}

func TestCache_JSONRoundTripAndStats(t *testing.T) {
	m := metrics.New(nil)
	c := New(NewMemory(), time.Second, m)
	ctx := context.Background()
	key := Key(NamespaceEmbedding, "hash-256", "water usage")

	_, ok := GetJSON[payload](ctx, c, key)
	assert.False(t, ok)

	want := payload{Text: "Water usage.", Score: 0.5, Vec: []float32{0.25, -1}}
	SetJSON(ctx, c, key, want, time.Hour)
	got, ok := GetJSON[payload](ctx, c, key)
	require.True(t, ok)
	assert.Equal(t, want, got)

	stats := c.Stats()[NamespaceEmbedding]
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, stats)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues(NamespaceEmbedding)))
}

func TestCache_UndecodableIsMiss(t *testing.T) {
	c := New(NewMemory(), 0, nil)
	ctx := context.Background()
	c.Set(ctx, "search:k", []byte("{not json"), 0)
	_, ok := GetJSON[payload](ctx, c, "search:k")
	assert.False(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(NewMemory(), 0, nil)
	ctx := context.Background()
	c.Set(ctx, Key(NamespaceSearch, "a"), []byte("1"), 0)
	c.Set(ctx, Key(NamespaceSearch, "b"), []byte("2"), 0)
	c.Set(ctx, Key(NamespaceEmbedding, "a"), []byte("3"), 0)

	n, err := c.Invalidate(ctx, NamespaceSearch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, ok := c.Get(ctx, Key(NamespaceEmbedding, "a"))
	assert.True(t, ok)
}

// skipIfNoRedis skips the test when Redis is unavailable.
func skipIfNoRedis(t *testing.T) *pkgredis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: addr, DB: 15, PoolSize: 4})
	if err != nil {
		t.Skipf("skipping: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	client := skipIfNoRedis(t)
	store := NewRedis(client)
	ctx := context.Background()
	prefix := "prtest-" + time.Now().Format("150405.000000") + ":"

	require.NoError(t, store.Set(ctx, prefix+"a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, prefix+"b", []byte("2"), time.Minute))

	got, ok, err := store.Get(ctx, prefix+"a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(got))

	_, ok, err = store.Get(ctx, prefix+"missing")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.DeletePrefix(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheHitsTotal.WithLabelValues("embedding").Inc()
	m.CacheHitsTotal.WithLabelValues("embedding").Inc()
	m.IngestionsTotal.WithLabelValues("completed").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("embedding")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["cache_hits_total"])
	assert.True(t, names["ingestions_total"])
}

func TestNew_TwiceOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
		New(nil)
	})
}

func TestOrNop(t *testing.T) {
	m := New(nil)
	assert.Same(t, m, OrNop(m))
	assert.NotNil(t, OrNop(nil))
}

// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RetrievalsTotal      *prometheus.CounterVec
	RetrievalLatency     *prometheus.HistogramVec
	RetrievalResults     prometheus.Histogram
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec
	CacheErrorsTotal     *prometheus.CounterVec
	EmbeddingCallsTotal  *prometheus.CounterVec
	EmbeddingTextsTotal  *prometheus.CounterVec
	EmbeddingLatency     *prometheus.HistogramVec
	IngestionsTotal      *prometheus.CounterVec
	IngestDuration       prometheus.Histogram
	PassagesCreated      prometheus.Counter
	VectorIndexEntries   prometheus.Gauge
	IndexFlushesTotal    *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests and embedded uses want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RetrievalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrievals_total",
				Help: "Total retrieval calls by outcome (hit, miss, empty_query, degraded).",
			},
			[]string{"outcome"},
		),
		RetrievalLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrieval_latency_seconds",
				Help:    "Retrieval latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"cache_status"},
		),
		RetrievalResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_results_count",
				Help:    "Number of ranked results returned per retrieval.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits by namespace.",
			},
			[]string{"namespace"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses by namespace.",
			},
			[]string{"namespace"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_errors_total",
				Help: "Cache backend failures by operation. Failures are treated as misses.",
			},
			[]string{"operation"},
		),
		EmbeddingCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedding_calls_total",
				Help: "Embedding model invocations by model and status.",
			},
			[]string{"model", "status"},
		),
		EmbeddingTextsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedding_texts_total",
				Help: "Texts sent to the embedding model.",
			},
			[]string{"model"},
		),
		EmbeddingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embedding_latency_seconds",
				Help:    "Embedding model call latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),
		IngestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestions_total",
				Help: "Documents driven through the pipeline by terminal state.",
			},
			[]string{"state"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_duration_seconds",
				Help:    "Wall time of a single document ingestion.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		PassagesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "passages_created_total",
				Help: "Total passages written by the pipeline.",
			},
		),
		VectorIndexEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vector_index_entries",
				Help: "Number of vectors held by the in-memory index.",
			},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_index_flushes_total",
				Help: "Vector index snapshot flushes by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.HTTPRequestsInFlight,
			m.RetrievalsTotal,
			m.RetrievalLatency,
			m.RetrievalResults,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheErrorsTotal,
			m.EmbeddingCallsTotal,
			m.EmbeddingTextsTotal,
			m.EmbeddingLatency,
			m.IngestionsTotal,
			m.IngestDuration,
			m.PassagesCreated,
			m.VectorIndexEntries,
			m.IndexFlushesTotal,
			m.CircuitBreakerState,
		)
	}

	return m
}

// OrNop returns m, or an unregistered set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

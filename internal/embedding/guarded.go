package embedding

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/resilience"
)

// Guarded protects a remote Model with a rate limiter, a circuit breaker,
// retries with backoff and a per-call timeout.
type Guarded struct {
	inner   Model
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewGuarded wraps inner. A non-positive RequestsPerSec disables rate
// limiting.
func NewGuarded(inner Model, cfg config.EmbeddingConfig, timeout time.Duration, m *metrics.Metrics) *Guarded {
	m = metrics.OrNop(m)
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	breaker := resilience.NewCircuitBreaker("embedding-"+inner.Name(), resilience.CircuitBreakerConfig{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:        cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		// a rejected batch says nothing about whether the model is up
		Trips:               Retryable,
		OnStateChange: func(name string, _, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Retryable:    Retryable,
		},
		timeout: timeout,
		metrics: m,
	}
}

func (g *Guarded) Name() string    { return g.inner.Name() }
func (g *Guarded) Dimensions() int { return g.inner.Dimensions() }

// Breaker exposes the circuit breaker for health reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }

func (g *Guarded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var out [][]float32
	err := resilience.Retry(ctx, "embed "+g.inner.Name(), g.retry, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			vecs, err := resilience.Do(ctx, g.timeout, "embed", func(ctx context.Context) ([][]float32, error) {
				return g.inner.Embed(ctx, texts)
			})
			out = vecs
			return err
		})
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.EmbeddingCallsTotal.WithLabelValues(g.inner.Name(), status).Inc()
	g.metrics.EmbeddingLatency.WithLabelValues(g.inner.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	g.metrics.EmbeddingTextsTotal.WithLabelValues(g.inner.Name()).Add(float64(len(texts)))
	return out, nil
}

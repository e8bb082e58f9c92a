// Package health reports the state of the components a service depends on:
// the database, the vector index, the embedding model and the cache. Checks
// run concurrently, each under its own deadline, and the worst status wins.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/resilience"
)

// Status represents the health state of a component or the system overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// Check reports the health of one dependency.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth holds the result of a single component check.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregated result of all component checks.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker holds the registered checks of one process.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]Check
	checkTimeout time.Duration
	started      time.Time
	logger       *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks:       make(map[string]Check),
		checkTimeout: DefaultCheckTimeout,
		started:      time.Now(),
		logger:       slog.Default().With("component", "health"),
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check and aggregates the results. A check that misses
// its deadline is reported down.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	timeout := c.checkTimeout
	c.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]ComponentHealth, len(checks))
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			res := c.runOne(ctx, name, check, timeout)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:     StatusUp,
		Components: results,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, comp := range results {
		switch comp.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusUp {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, name string, check Check, timeout time.Duration) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	done := make(chan ComponentHealth, 1)
	go func() { done <- check(ctx) }()

	var res ComponentHealth
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ComponentHealth{Status: StatusDown, Message: fmt.Sprintf("check timed out after %v", timeout)}
		c.logger.Warn("health check timed out", "check", name, "timeout", timeout)
	}
	res.Latency = time.Since(start).Round(time.Millisecond).String()
	return res
}

// LiveHandler answers liveness checks without running any component check.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers readiness checks with the full report. A degraded
// service still answers queries, with empty results where the embedding
// model or the index is unavailable, so only a down component makes it
// unready.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// PingCheck adapts a ping function into a Check. A failing ping reports
// failStatus, so optional dependencies such as a cache can degrade the
// service instead of taking it down.
func PingCheck(ping func(ctx context.Context) error, failStatus Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if ping == nil {
			return ComponentHealth{Status: StatusDegraded, Message: "not configured"}
		}
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: failStatus, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// StaticCheck reports a fixed status, used for in-process components that
// have no remote dependency.
func StaticCheck(status Status, message string) Check {
	return func(context.Context) ComponentHealth {
		return ComponentHealth{Status: status, Message: message}
	}
}

// BreakerCheck reports the backend behind cb as degraded while the circuit
// is not closed. label names the backend when it is up.
func BreakerCheck(cb *resilience.CircuitBreaker, label string) Check {
	return func(context.Context) ComponentHealth {
		s := cb.Snapshot()
		switch s.State {
		case resilience.StateClosed:
			return ComponentHealth{Status: StatusUp, Message: label}
		case resilience.StateOpen:
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("circuit open after %d failures, retry in %v: %s", s.ConsecutiveFailures, s.RetryIn, s.LastError),
			}
		default:
			return ComponentHealth{Status: StatusDegraded, Message: "circuit " + s.State.String() + ", trial calls in flight"}
		}
	}
}

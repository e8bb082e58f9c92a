// Package resilience provides fault-tolerance primitives: a circuit breaker,
// exponential-backoff retry, and a context-based timeout wrapper.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the phase of a circuit breaker. Its numeric value is exported as
// a gauge.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls when the breaker opens and how it recovers.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	// Trips reports whether err counts as a failure of the protected
	// backend. Errors it rejects neither trip nor reset the breaker. Nil
	// counts every error except cancellation by the caller.
	Trips func(err error) bool
	// OnStateChange runs with the breaker's lock held and must not call
	// back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Snapshot is the breaker's state as reported by health checks.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RetryIn             time.Duration `json:"retry_in,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
}

// CircuitBreaker stops calling a backend after FailureThreshold consecutive
// failures. Once ResetTimeout has passed it lets up to HalfOpenMaxRequests
// trial calls through; one success closes it, one failure opens it again.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
	lastErr  string
}

// NewCircuitBreaker creates a closed CircuitBreaker, filling in defaults for
// zero config values.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Execute runs fn when the circuit allows it and records the outcome. A
// context that is already done is returned without touching the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// GetState returns the current State.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the state together with the failure streak and, when
// open, how long until trial calls are let through.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{State: cb.state, ConsecutiveFailures: cb.failures, LastError: cb.lastErr}
	if cb.state == StateOpen {
		s.RetryIn = max(0, cb.cfg.ResetTimeout-time.Since(cb.openedAt)).Round(time.Second)
	}
	return s
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the breaker and clears its failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.trials = 0
	cb.lastErr = ""
	cb.logger.Info("circuit manually reset")
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - time.Since(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s (retry in %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
		}
		cb.setState(StateHalfOpen)
		cb.trials = 1
		cb.logger.Info("circuit half-open, letting trial calls through", "after", cb.cfg.ResetTimeout)
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s (trial calls in flight)", ErrCircuitOpen, cb.name)
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
			cb.trials = 0
			cb.logger.Info("circuit closed, backend recovered")
		}
		cb.failures = 0
		cb.lastErr = ""
	case !cb.cfg.Trips(err):
		// the backend answered; the call itself was bad
		if cb.state == StateHalfOpen && cb.trials > 0 {
			cb.trials--
		}
	default:
		cb.failures++
		cb.lastErr = err.Error()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.open()
				cb.logger.Warn("circuit opened", "consecutive_failures", cb.failures, "error", err)
			}
		case StateHalfOpen:
			cb.open()
			cb.logger.Warn("circuit re-opened, trial call failed", "error", err)
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.trials = 0
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fails(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("embed", CircuitBreakerConfig{
		FailureThreshold:    2,
		ResetTimeout:        30 * time.Millisecond,
		HalfOpenMaxRequests: 1,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fails(errBoom)), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fails(errBoom)), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	snap := cb.Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "boom", snap.LastError)
	assert.LessOrEqual(t, snap.RetryIn, 30*time.Millisecond)

	err := cb.Execute(ctx, fails(nil))
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, fails(nil)))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, Snapshot{State: StateClosed}, cb.Snapshot())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("idx", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	_ = cb.Execute(ctx, fails(errBoom))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(15 * time.Millisecond)
	_ = cb.Execute(ctx, fails(errBoom))
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.Snapshot().ConsecutiveFailures)
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("embed", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called, "a done context never reaches the backend")

	err = cb.Execute(context.Background(), fails(context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_TripsFiltersErrors(t *testing.T) {
	errRejected := errors.New("input too long")
	cb := NewCircuitBreaker("embed", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
		Trips:            func(err error) bool { return !errors.Is(err, errRejected) },
	})
	ctx := context.Background()

	for range 5 {
		_ = cb.Execute(ctx, fails(errRejected))
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.Snapshot().ConsecutiveFailures)

	_ = cb.Execute(ctx, fails(errBoom))
	_ = cb.Execute(ctx, fails(errRejected))
	_ = cb.Execute(ctx, fails(errBoom))
	assert.Equal(t, StateOpen, cb.GetState(), "rejected calls do not reset the streak")

	// a rejected trial call frees its slot for the next one
	time.Sleep(15 * time.Millisecond)
	_ = cb.Execute(ctx, fails(errRejected))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, fails(nil)))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		if calls.Add(1) < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	fatal := errors.New("fatal")
	err := Retry(context.Background(), "op", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, fatal) },
	}, func() error {
		calls.Add(1)
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
}

func TestDo_ReturnsValue(t *testing.T) {
	v, err := Do(context.Background(), time.Second, "fast", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_TimesOut(t *testing.T) {
	_, err := Do(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeout_ZeroMeansUnbounded(t *testing.T) {
	err := WithTimeout(context.Background(), 0, "none", func(ctx context.Context) error {
		_, has := ctx.Deadline()
		assert.False(t, has)
		return nil
	})
	assert.NoError(t, err)
}

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time past the cooldown deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = clock.Now
	fail := errors.New("boom")

	assert.Equal(t, StateClosed, cb.GetState())

	require.ErrorIs(t, cb.Call(func() error { return fail }), fail)
	assert.Equal(t, StateClosed, cb.GetState(), "one failure stays closed")

	require.ErrorIs(t, cb.Call(func() error { return fail }), fail)
	assert.Equal(t, StateOpen, cb.GetState(), "threshold opens the circuit")

	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")

	clock.Advance(time.Minute)
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState(), "successful trial closes the circuit")
}

// TestCircuitBreaker_FailedTrialReopens verifies a failing half-open trial request
// returns the circuit to open.
func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = clock.Now
	fail := errors.New("boom")

	_ = cb.Call(func() error { return fail })
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(time.Second)
	_ = cb.Call(func() error { return fail })
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen, "cooldown restarts")
}

// TestCircuitBreaker_SingleTrialRequest verifies that only one request is admitted
// while half-open.
func TestCircuitBreaker_SingleTrialRequest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = clock.Now
	_ = cb.Call(func() error { return errors.New("boom") })
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Call(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen)
	close(release)
}

// TestCircuitBreaker_ConcurrentCallsNotSerialized verifies that calls run in
// parallel while the circuit is closed.
func TestCircuitBreaker_ConcurrentCallsNotSerialized(t *testing.T) {
	mock := newMockCoreLLM()
	mock.ResponseDelay = 50 * time.Millisecond
	wrapped := CircuitBreakerMiddleware(3, time.Second)(mock)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = wrapped.DoRequest(context.Background(), testRequest)
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 5, mock.calls())
}

func TestCircuitBreakerMiddleware_ReportsMetrics(t *testing.T) {
	mock := newMockCoreLLM()
	mock.Error = errors.New("down")
	collector := newRecordingCollector()
	wrapped := CircuitBreakerMiddlewareWithMetrics(1, time.Hour, collector)(mock)

	_, err := wrapped.DoRequest(context.Background(), testRequest)
	require.Error(t, err)
	_, err = wrapped.DoRequest(context.Background(), testRequest)
	require.ErrorIs(t, err, ErrCircuitOpen)

	assert.Equal(t, 1, mock.calls())
	assert.Equal(t, float64(1), collector.counters["llm_circuit_rejections_total"])
	assert.Equal(t, float64(StateOpen), collector.gauges["llm_circuit_state"])
}

func TestCircuitBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitBreakerState(9).String())
}

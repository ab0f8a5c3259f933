package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMiddleware_AllowsBurst(t *testing.T) {
	mock := newMockCoreLLM()
	wrapped := RateLimitMiddleware(1, 3)(mock)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := wrapped.DoRequest(context.Background(), testRequest)
		require.NoError(t, err)
	}

	assert.Less(t, time.Since(start), 500*time.Millisecond, "burst requests should not wait")
	assert.Equal(t, 3, mock.calls())
}

// TestRateLimitMiddleware_PacesBeyondBurst verifies requests over the burst
// wait for a refilled token.
func TestRateLimitMiddleware_PacesBeyondBurst(t *testing.T) {
	mock := newMockCoreLLM()
	wrapped := RateLimitMiddleware(20, 1)(mock)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := wrapped.DoRequest(context.Background(), testRequest)
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "two refills at 20/s take about 100ms")
}

func TestRateLimitMiddleware_ContextCancelled(t *testing.T) {
	mock := newMockCoreLLM()
	wrapped := RateLimitMiddleware(0.1, 1)(mock)

	_, err := wrapped.DoRequest(context.Background(), testRequest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = wrapped.DoRequest(ctx, testRequest)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, mock.calls(), "rejected request must not reach the provider")
}

// TestRateLimitMiddleware_SharedAcrossGoroutines verifies a single limiter
// paces concurrent callers.
func TestRateLimitMiddleware_SharedAcrossGoroutines(t *testing.T) {
	mock := newMockCoreLLM()
	wrapped := RateLimitMiddleware(50, 2)(mock)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = wrapped.DoRequest(context.Background(), testRequest)
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, mock.calls())
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "four refills at 50/s take about 80ms")
}

// TestRateLimitMiddleware_Defaults disables pacing without a rate and
// derives the burst from the rate when unset.
func TestRateLimitMiddleware_Defaults(t *testing.T) {
	mock := newMockCoreLLM()
	assert.Same(t, CoreLLM(mock), RateLimitMiddleware(0, 5)(mock))

	wrapped := RateLimitMiddleware(2.5, 0)(mock).(*rateLimitedLLM)
	assert.Equal(t, 3, wrapped.limiter.Burst())
}

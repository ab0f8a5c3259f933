package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-ci/qa-extraction/internal/ports"
)

var testRequest = ports.GenerateRequest{System: "sys", User: "test prompt", MaxTokens: 100}

func TestRetryMiddleware_SuccessOnFirstAttempt(t *testing.T) {
	mock := newMockCoreLLM()
	wrapped := RetryMiddleware(3, 100*time.Millisecond, time.Second)(mock)

	resp, err := wrapped.DoRequest(context.Background(), testRequest)

	require.NoError(t, err)
	assert.Equal(t, ports.GenerateResponse{Text: "test response", TokensIn: 10, TokensOut: 20}, resp)
	assert.Equal(t, 1, mock.calls(), "should only call once on success")
	assert.Equal(t, testRequest, mock.LastRequest, "request must pass through unchanged")
}

func TestRetryMiddleware_RetriesOnTransientError(t *testing.T) {
	mock := newMockCoreLLM()
	mock.FailUntilAttempt = 2
	wrapped := RetryMiddleware(3, 5*time.Millisecond, 50*time.Millisecond)(mock)

	resp, err := wrapped.DoRequest(context.Background(), testRequest)

	require.NoError(t, err)
	assert.Equal(t, "test response", resp.Text)
	assert.Equal(t, 3, mock.calls(), "should retry until success")
}

func TestRetryMiddleware_FailsAfterMaxRetries(t *testing.T) {
	mock := newMockCoreLLM()
	mock.Error = errors.New("persistent error")
	wrapped := RetryMiddleware(2, 5*time.Millisecond, 50*time.Millisecond)(mock)

	_, err := wrapped.DoRequest(context.Background(), testRequest)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed after 3 attempts")
	assert.Contains(t, err.Error(), "persistent error")
	assert.Equal(t, 3, mock.calls())
}

// TestRetryMiddleware_OnlyRetryableErrors verifies classified errors decide
// whether another attempt is made.
func TestRetryMiddleware_OnlyRetryableErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "rate limit", err: NewProviderError("openai", ErrorTypeRateLimit, 429, "", nil), wantCalls: 3},
		{name: "server error", err: NewProviderError("openai", ErrorTypeServerError, 503, "", nil), wantCalls: 3},
		{name: "timeout", err: NewProviderError("openai", ErrorTypeTimeout, 0, "", nil), wantCalls: 3},
		{name: "authentication", err: NewProviderError("openai", ErrorTypeAuthentication, 401, "", nil), wantCalls: 1},
		{name: "bad request", err: NewProviderError("openai", ErrorTypeBadRequest, 400, "", nil), wantCalls: 1},
		{name: "content policy", err: NewProviderError("google", ErrorTypeContentPolicy, 400, "", nil), wantCalls: 1},
		{name: "circuit open", err: ErrCircuitOpen, wantCalls: 1},
		{name: "canceled", err: context.Canceled, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockCoreLLM()
			mock.Error = tt.err
			wrapped := RetryMiddleware(2, time.Millisecond, 5*time.Millisecond)(mock)

			_, err := wrapped.DoRequest(context.Background(), testRequest)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantCalls, mock.calls())
		})
	}
}

func TestRetryMiddleware_RespectsContextCancellation(t *testing.T) {
	mock := newMockCoreLLM()
	mock.Error = errors.New("slow error")
	mock.ResponseDelay = 30 * time.Millisecond
	wrapped := RetryMiddleware(5, 10*time.Millisecond, time.Second)(mock)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := wrapped.DoRequest(ctx, testRequest)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled),
		"error should be context related: %v", err)
	assert.Less(t, mock.calls(), 6, "should stop retrying on context cancellation")
}

// TestRetryMiddleware_DelayIsCapped verifies computed backoff never exceeds
// the configured maximum.
func TestRetryMiddleware_DelayIsCapped(t *testing.T) {
	r := &retryLLM{baseDelay: 100 * time.Millisecond, maxDelay: 250 * time.Millisecond}

	for attempt := 0; attempt < 40; attempt++ {
		d := r.backoff(attempt)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
		assert.Positive(t, d)
	}

	first := r.backoff(0)
	assert.GreaterOrEqual(t, first, 75*time.Millisecond, "jitter stays within -25%")
	assert.LessOrEqual(t, first, 125*time.Millisecond, "jitter stays within +25%")
}

// TestRetryMiddleware_RateLimitWaitsLonger backs off at least half of the
// maximum delay after a rate-limited attempt.
func TestRetryMiddleware_RateLimitWaitsLonger(t *testing.T) {
	mock := newMockCoreLLM()
	mock.Error = NewProviderError("anthropic", ErrorTypeRateLimit, 429, "", nil)
	wrapped := RetryMiddleware(1, time.Millisecond, 60*time.Millisecond)(mock)

	start := time.Now()
	_, err := wrapped.DoRequest(context.Background(), testRequest)

	require.ErrorIs(t, err, ports.ErrRateLimited)
	assert.Equal(t, 2, mock.calls())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

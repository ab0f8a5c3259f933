package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// retryLLM retries retryable failures with exponential backoff and jitter.
// A rate-limited attempt waits at least half of maxDelay.
type retryLLM struct {
	next       CoreLLM
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// RetryMiddleware retries a failed request up to maxRetries times. Only
// errors accepted by IsRetryableError are retried.
func RetryMiddleware(maxRetries int, baseDelay, maxDelay time.Duration) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &retryLLM{
			next:       next,
			maxRetries: maxRetries,
			baseDelay:  baseDelay,
			maxDelay:   maxDelay,
		}
	}
}

// DoRequest executes the request, backing off between attempts.
func (r *retryLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	var lastErr error
	attempts := 0
	for attempt := range r.maxRetries + 1 {
		attempts++
		resp, err := r.next.DoRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == r.maxRetries || ctx.Err() != nil || !IsRetryableError(err) {
			break
		}

		wait := r.backoff(attempt)
		if errors.Is(err, ports.ErrRateLimited) {
			wait = max(wait, r.maxDelay/2)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ports.GenerateResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
	return ports.GenerateResponse{}, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// backoff returns baseDelay*2^attempt with +/-25% jitter, capped at maxDelay.
func (r *retryLLM) backoff(attempt int) time.Duration {
	attempt = min(max(attempt, 0), 30)
	delay := r.baseDelay << attempt
	if delay <= 0 || delay > r.maxDelay {
		delay = r.maxDelay
	}
	// #nosec G404 - jitter needs no cryptographic randomness
	jitter := 0.75 + rand.Float64()*0.5
	return min(time.Duration(float64(delay)*jitter), r.maxDelay)
}

// GetModel returns the model name from the wrapped implementation.
func (r *retryLLM) GetModel() string { return r.next.GetModel() }

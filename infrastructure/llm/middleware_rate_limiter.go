package llm

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// rateLimitedLLM paces requests with a token bucket shared by every request
// that passes through the same middleware value.
type rateLimitedLLM struct {
	next    CoreLLM
	limiter *rate.Limiter
}

// RateLimitMiddleware allows rps requests per second with bursts up to
// burst. A burst below one becomes ceil(rps). A non-positive rps disables
// pacing.
func RateLimitMiddleware(rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next CoreLLM) CoreLLM { return next }
	}
	if burst < 1 {
		burst = int(math.Ceil(rps))
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next CoreLLM) CoreLLM {
		return &rateLimitedLLM{next: next, limiter: limiter}
	}
}

// DoRequest waits for a token before forwarding the request.
func (r *rateLimitedLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ports.GenerateResponse{}, fmt.Errorf("%s: waiting for rate limiter: %w", r.next.GetModel(), err)
	}
	return r.next.DoRequest(ctx, req)
}

// GetModel returns the model name from the wrapped implementation.
func (r *rateLimitedLLM) GetModel() string { return r.next.GetModel() }

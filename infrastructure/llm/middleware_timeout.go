package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// timeoutLLM bounds each request with its own deadline.
type timeoutLLM struct {
	next    CoreLLM
	timeout time.Duration
}

// TimeoutMiddleware cancels a request after timeout. Placed inside
// RetryMiddleware it bounds each attempt. A non-positive timeout disables it.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	if timeout <= 0 {
		return func(next CoreLLM) CoreLLM { return next }
	}
	return func(next CoreLLM) CoreLLM {
		return &timeoutLLM{next: next, timeout: timeout}
	}
}

// DoRequest executes the request with a timeout context. When this
// middleware's deadline fired, the error names the timeout; a deadline
// inherited from the caller passes through unchanged.
func (t *timeoutLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.next.DoRequest(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return resp, fmt.Errorf("request exceeded %s timeout: %w", t.timeout, err)
	}
	return resp, err
}

// GetModel returns the model name from the wrapped implementation.
func (t *timeoutLLM) GetModel() string { return t.next.GetModel() }

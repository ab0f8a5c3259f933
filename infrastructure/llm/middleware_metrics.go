package llm

import (
	"context"
	"errors"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// metricsLLM records latency, request counts, and token usage per request.
type metricsLLM struct {
	next      CoreLLM
	collector ports.MetricsCollector
	provider  string
}

// MetricsMiddleware creates middleware that reports llm_latency_seconds,
// llm_requests_total, and llm_tokens_total labeled with provider and model.
func MetricsMiddleware(collector ports.MetricsCollector, provider string) Middleware {
	return func(next CoreLLM) CoreLLM {
		return &metricsLLM{next: next, collector: collector, provider: provider}
	}
}

// DoRequest forwards the request and records its outcome.
func (m *metricsLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	start := time.Now()
	resp, err := m.next.DoRequest(ctx, req)

	if m.collector == nil {
		return resp, err
	}

	labels := map[string]string{
		"provider": m.provider,
		"model":    m.next.GetModel(),
		"status":   requestStatus(ctx, err),
	}
	m.collector.RecordHistogram("llm_latency_seconds", time.Since(start).Seconds(), labels)
	m.collector.RecordCounter("llm_requests_total", 1, labels)

	if err == nil {
		m.collector.RecordCounter("llm_tokens_total", float64(resp.TokensIn), withLabel(labels, "token_type", "input"))
		m.collector.RecordCounter("llm_tokens_total", float64(resp.TokensOut), withLabel(labels, "token_type", "output"))
	}

	return resp, err
}

func requestStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// withLabel copies labels and sets key to value.
func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

// GetModel returns the model name from the wrapped implementation.
func (m *metricsLLM) GetModel() string { return m.next.GetModel() }

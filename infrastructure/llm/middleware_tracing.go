package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// tracerName identifies spans emitted by this package.
const tracerName = "github.com/access-ci/qa-extraction/infrastructure/llm"

// tracedLLM wraps each request in an OpenTelemetry span.
type tracedLLM struct {
	next        CoreLLM
	serviceName string
	tracer      trace.Tracer
}

// TracingMiddleware creates middleware that starts an "llm.request" span per
// request using the global tracer provider.
func TracingMiddleware(serviceName string) Middleware {
	return TracingMiddlewareWithProvider(serviceName, otel.GetTracerProvider())
}

// TracingMiddlewareWithProvider is TracingMiddleware with an explicit
// tracer provider.
func TracingMiddlewareWithProvider(serviceName string, tp trace.TracerProvider) Middleware {
	tracer := tp.Tracer(tracerName)
	return func(next CoreLLM) CoreLLM {
		return &tracedLLM{next: next, serviceName: serviceName, tracer: tracer}
	}
}

// DoRequest executes the request within a span carrying model, prompt size,
// and token usage.
func (t *tracedLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	ctx, span := t.tracer.Start(ctx, "llm.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("service.name", t.serviceName),
			attribute.String("llm.model", t.next.GetModel()),
			attribute.Int("llm.prompt.length", len(req.System)+len(req.User)),
			attribute.Int("llm.max_tokens", req.MaxTokens),
		),
	)
	defer span.End()

	resp, err := t.next.DoRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.TokensIn),
		attribute.Int("llm.tokens.output", resp.TokensOut),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// GetModel returns the model name from the wrapped implementation.
func (t *tracedLLM) GetModel() string { return t.next.GetModel() }

package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

var _ BudgetObserver = (*OTelBudgetObserver)(nil)

const (
	budgetWarningThreshold  = 0.8
	budgetCriticalThreshold = 0.9
)

// OTelBudgetObserver traces every budgeted LLM call and publishes the
// running usage as gauges. Each call gets its own span carried in the
// context, so one observer is safe for concurrent use.
type OTelBudgetObserver struct {
	metrics ports.MetricsCollector
	stage   string
	tracer  trace.Tracer
}

// NewOTelBudgetObserver creates an observer for one CLI stage such as
// "extract" or "judge". metrics may be nil.
func NewOTelBudgetObserver(metrics ports.MetricsCollector, stage string) *OTelBudgetObserver {
	return &OTelBudgetObserver{
		metrics: metrics,
		stage:   stage,
		tracer:  otel.Tracer("qa-extraction/budget"),
	}
}

// PreCheck starts the call span and records threshold events.
func (o *OTelBudgetObserver) PreCheck(ctx context.Context, usage Usage, budget Budget) context.Context {
	ctx, span := o.tracer.Start(ctx, "llm.budgeted_call")
	o.addSpanAttributes(span, usage, budget)
	o.checkBudgetThresholds(span, usage, budget)
	return ctx
}

// PostCheck ends the span started by PreCheck and records metrics.
func (o *OTelBudgetObserver) PostCheck(
	ctx context.Context,
	usage Usage,
	budget Budget,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	o.addSpanAttributes(span, usage, budget)
	labels := o.createMetricLabels(budget)
	if o.metrics != nil {
		o.metrics.RecordLatency("llm_budgeted_call", elapsed, labels)
	}

	var budgetErr *domain.BudgetExceededError
	switch {
	case errors.As(err, &budgetErr):
		span.AddEvent("budget.exceeded", trace.WithAttributes(
			attribute.String("limit_type", budgetErr.LimitType),
			attribute.Int64("limit_value", budgetErr.Limit),
			attribute.Int64("used_value", budgetErr.Used),
		))
		span.SetStatus(codes.Error, "budget limit exceeded")
		if o.metrics != nil {
			o.metrics.RecordCounter("llm_budget_exceeded_total", 1, labels)
		}
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	o.updateMetrics(usage, budget, labels)
}

func (o *OTelBudgetObserver) addSpanAttributes(span trace.Span, usage Usage, budget Budget) {
	span.SetAttributes(
		attribute.String("budget.stage", o.stage),
		attribute.Int64("budget.tokens_used", usage.Tokens),
		attribute.Int64("budget.calls_made", usage.Calls),
	)
	if budget.MaxTokens > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_tokens", budget.MaxTokens),
			attribute.Int64("budget.remaining_tokens", max(budget.MaxTokens-usage.Tokens, 0)),
		)
	}
	if budget.MaxCalls > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_calls", budget.MaxCalls),
			attribute.Int64("budget.remaining_calls", max(budget.MaxCalls-usage.Calls, 0)),
		)
	}
}

func (o *OTelBudgetObserver) checkBudgetThresholds(span trace.Span, usage Usage, budget Budget) {
	check := func(resource string, used, limit int64) {
		if limit <= 0 {
			return
		}
		ratio := float64(used) / float64(limit)
		event := ""
		switch {
		case ratio >= budgetCriticalThreshold:
			event = "budget.threshold.critical"
		case ratio >= budgetWarningThreshold:
			event = "budget.threshold.warning"
		default:
			return
		}
		span.AddEvent(event, trace.WithAttributes(
			attribute.String("resource_type", resource),
			attribute.Float64("usage_percentage", ratio*100),
		))
	}
	check("tokens", usage.Tokens, budget.MaxTokens)
	check("calls", usage.Calls, budget.MaxCalls)
}

func (o *OTelBudgetObserver) updateMetrics(usage Usage, budget Budget, labels map[string]string) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordGauge("llm_budget_tokens_used", float64(usage.Tokens), labels)
	o.metrics.RecordGauge("llm_budget_calls_used", float64(usage.Calls), labels)
	if budget.MaxTokens > 0 {
		o.metrics.RecordGauge("llm_budget_remaining_tokens", float64(max(budget.MaxTokens-usage.Tokens, 0)), labels)
	}
	if budget.MaxCalls > 0 {
		o.metrics.RecordGauge("llm_budget_remaining_calls", float64(max(budget.MaxCalls-usage.Calls, 0)), labels)
	}
}

func (o *OTelBudgetObserver) createMetricLabels(budget Budget) map[string]string {
	return map[string]string{
		"budget_limit": budgetLimitLabel(budget),
		"stage":        o.stage,
	}
}

func budgetLimitLabel(budget Budget) string {
	switch {
	case budget.MaxTokens > 0 && budget.MaxCalls > 0:
		return "tokens_and_calls"
	case budget.MaxTokens > 0:
		return "tokens_only"
	case budget.MaxCalls > 0:
		return "calls_only"
	default:
		return "unlimited"
	}
}

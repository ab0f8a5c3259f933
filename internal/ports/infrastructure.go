package ports

import (
	"context"
	"time"
)

// GenerateRequest is a single system-plus-user prompt sent to an LLM backend.
type GenerateRequest struct {
	// System is the system prompt. It may be empty.
	System string

	// User is the user turn that carries the task payload.
	User string

	// MaxTokens caps the response length. Zero lets the backend choose.
	MaxTokens int

	// Temperature is passed through when non-nil.
	Temperature *float64
}

// GenerateResponse is the text produced by an LLM backend with token usage.
type GenerateResponse struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// LLMClient defines the interface for interacting with Large Language
// Model providers.
// Implementations handle provider-specific details like authentication,
// request formatting, and response parsing. Backends are selected by an
// explicit configuration object; no process-wide backend state exists.
type LLMClient interface {
	// Generate sends one request and returns the generated text.
	// The implementation should handle rate limiting, retries, and timeouts.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)

	// EstimateTokens calculates the approximate token count for a given text.
	EstimateTokens(text string) (int, error)

	// GetModel returns the model identifier being used by this client.
	// This is useful for logging and debugging purposes.
	GetModel() string
}

// EntitySource is a catalog server that exposes named tools returning
// entity records.
type EntitySource interface {
	// CallTool invokes tool with args and returns the decoded JSON payload.
	// Numbers are decoded as json.Number so identifiers keep their exact
	// textual form.
	CallTool(ctx context.Context, tool string, args map[string]any) (any, error)
}

// EntitySourceFunc adapts a function to EntitySource.
type EntitySourceFunc func(ctx context.Context, tool string, args map[string]any) (any, error)

// CallTool calls f.
func (f EntitySourceFunc) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	return f(ctx, tool, args)
}

// Embedder turns text into a fixed-length vector for similarity search in the
// review store.
type Embedder interface {
	// Embed returns the vector for text. The length equals Dimensions.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the vector length.
	Dimensions() int
}

// Review response statuses.
const (
	ResponseStatusSubmitted = "submitted"
	ResponseStatusDraft     = "draft"
	ResponseStatusDiscarded = "discarded"
)

// ReviewResponse is one reviewer answer to a question attached to a record.
type ReviewResponse struct {
	// QuestionName names the review question, for example "edited_answer".
	QuestionName string `json:"question_name"`

	// Value is the reviewer's answer. Text questions carry a string.
	Value any `json:"value"`

	// Status is one of the ResponseStatus constants.
	Status string `json:"status"`

	// UserID identifies the reviewer when the backend tracks it.
	UserID string `json:"user_id,omitempty"`
}

// ReviewRecord is a record in a review dataset.
type ReviewRecord struct {
	// ID is the record identifier. For live records it equals the pair id.
	ID string `json:"id"`

	// Fields are the text fields shown to reviewers.
	Fields map[string]string `json:"fields"`

	// Metadata holds filterable attributes, including source_ref.
	Metadata map[string]any `json:"metadata"`

	// Vectors maps a vector name to its embedding.
	Vectors map[string][]float32 `json:"vectors,omitempty"`

	// Responses are the reviewer annotations recorded so far.
	Responses []ReviewResponse `json:"responses,omitempty"`
}

// Annotated reports whether any response on the record has been submitted.
func (r ReviewRecord) Annotated() bool {
	for _, resp := range r.Responses {
		if resp.Status == ResponseStatusSubmitted {
			return true
		}
	}
	return false
}

// ReviewBackend is a human-review data store with a live dataset and an
// archive dataset.
type ReviewBackend interface {
	// EnsureDataset creates the named dataset if it does not exist.
	EnsureDataset(ctx context.Context, dataset string) error

	// Query returns every record in dataset whose source_ref equals sourceRef.
	Query(ctx context.Context, dataset, sourceRef string) ([]ReviewRecord, error)

	// Insert adds records to dataset.
	Insert(ctx context.Context, dataset string, records []ReviewRecord) error

	// Delete removes every record in dataset whose source_ref equals sourceRef
	// and returns the number removed.
	Delete(ctx context.Context, dataset, sourceRef string) (int, error)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus or OpenTelemetry.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	// This is useful for tracking events like cache hits/misses, errors, etc.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	// This is useful for tracking distributions like confidence scores.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordLatency(string, time.Duration, map[string]string) {}
func (NoopMetrics) RecordCounter(string, float64, map[string]string)       {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)         {}
func (NoopMetrics) RecordHistogram(string, float64, map[string]string)     {}

// Package llm provides the generation backends used to write and judge Q&A
// pairs, with built-in support for retries, rate limiting, circuit breaking,
// metrics, and tracing.
//
// Each backend (Anthropic, OpenAI, an OpenAI-compatible local server, Google
// Gemini) implements CoreLLM. Cross-cutting behavior is layered on with
// Middleware so a backend can be swapped without touching callers.
//
// Basic usage:
//
//	client, err := llm.NewClient("anthropic", llm.ClientConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    Model:  "claude-sonnet-4-20250514",
//	})
//	resp, err := client.Generate(ctx, ports.GenerateRequest{
//	    System: judgeSystemPrompt,
//	    User:   prompt,
//	})
//
// With middleware:
//
//	client, err := llm.NewClient("openai", llm.ClientConfig{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	    Model:  "gpt-4o",
//	    Middleware: []llm.Middleware{
//	        llm.RetryMiddleware(3, time.Second, 30*time.Second),
//	        llm.RateLimitMiddleware(5, 10),
//	        llm.MetricsMiddleware(collector, "openai"),
//	    },
//	})
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// CoreLLM defines the minimal interface that LLM providers must implement.
// The middleware system wraps any conforming implementation.
type CoreLLM interface {
	// DoRequest sends one system-plus-user request and returns the text with
	// token usage.
	DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error)

	// GetModel returns the configured model name.
	GetModel() string
}

// TokenEstimator provides pluggable token estimation strategies.
type TokenEstimator interface {
	// EstimateTokens returns an approximate token count for the given text.
	EstimateTokens(text string) int
}

// ClientConfig holds all configuration options for creating an LLM client.
type ClientConfig struct {
	// APIKey authenticates requests to the LLM provider. The local provider
	// accepts an empty key.
	APIKey string

	// Model specifies which LLM model to use for requests.
	Model string

	// BaseURL overrides the default API endpoint for the provider.
	// Leave empty to use the provider's default endpoint.
	BaseURL string

	// Timeout sets the maximum duration for individual HTTP requests.
	// Zero value means no timeout.
	Timeout time.Duration

	// TokenEstimator provides custom token counting logic.
	// If nil, a simple character-based estimator is used.
	TokenEstimator TokenEstimator

	// Middleware is applied in the order specified; the first entry is the
	// outermost wrapper.
	Middleware []Middleware
}

// Middleware wraps a CoreLLM implementation to add cross-cutting functionality.
type Middleware func(CoreLLM) CoreLLM

// Client implements ports.LLMClient on top of a provider and its middleware
// chain.
type Client struct {
	core      CoreLLM
	estimator TokenEstimator
}

var _ ports.LLMClient = (*Client)(nil)

// NewClient creates a new LLM client with the specified provider and configuration.
func NewClient(providerType string, config ClientConfig) (*Client, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	factory, ok := providerFactories[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerType)
	}

	core, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	// Apply middleware in reverse order so the first middleware is the outermost.
	for i := len(config.Middleware) - 1; i >= 0; i-- {
		core = config.Middleware[i](core)
	}

	estimator := config.TokenEstimator
	if estimator == nil {
		estimator = &SimpleTokenEstimator{}
	}

	return &Client{core: core, estimator: estimator}, nil
}

// NewClientFromCore wraps an existing CoreLLM, applying middleware in order.
// Tests and alternative backends use it to bypass the provider registry.
func NewClientFromCore(core CoreLLM, middleware ...Middleware) *Client {
	for i := len(middleware) - 1; i >= 0; i-- {
		core = middleware[i](core)
	}
	return &Client{core: core, estimator: &SimpleTokenEstimator{}}
}

// Generate sends the request through the middleware chain to the provider.
func (c *Client) Generate(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	return c.core.DoRequest(ctx, req)
}

// EstimateTokens returns an approximate token count for the given text.
func (c *Client) EstimateTokens(text string) (int, error) {
	return c.estimator.EstimateTokens(text), nil
}

// GetModel returns the currently configured model name from the underlying provider.
func (c *Client) GetModel() string { return c.core.GetModel() }

// SimpleTokenEstimator assumes roughly four characters per token.
type SimpleTokenEstimator struct{}

// EstimateTokens delegates to the package-level EstimateTokens.
func (e *SimpleTokenEstimator) EstimateTokens(text string) int { return EstimateTokens(text) }

// ProviderFactory creates a CoreLLM implementation from configuration.
type ProviderFactory func(ClientConfig) (CoreLLM, error)

// providerFactories is populated by each provider's init function.
var providerFactories = map[string]ProviderFactory{}

// RegisterProviderFactory allows registration of custom LLM provider factories.
func RegisterProviderFactory(providerType string, factory ProviderFactory) {
	providerFactories[providerType] = factory
}

// RegisteredProviders returns the names of every registered provider.
func RegisteredProviders() []string {
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	return names
}

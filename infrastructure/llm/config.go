package llm

import (
	"fmt"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// Default resilience settings applied by NewFromConfig when a field is zero.
const (
	DefaultMaxRetries         = 3
	DefaultRetryBaseDelay     = time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultRequestTimeout     = 2 * time.Minute
	DefaultRequestsPerSecond  = 2.0
	DefaultBurst              = 4
	DefaultCircuitMaxFailures = 5
	DefaultCircuitCooldown    = 30 * time.Second
	DefaultServiceName        = "qa-extraction"
)

// LLMConfig selects a backend and tunes the middleware chain around it.
// Zero-valued tuning fields fall back to the Default* constants.
type LLMConfig struct {
	// Backend is one of the registered provider names: anthropic, openai,
	// local or google.
	Backend string
	Model   string
	APIKey  string
	BaseURL string

	// Timeout bounds each attempt, not the whole retried request.
	Timeout time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RequestsPerSecond float64
	Burst             int

	CircuitMaxFailures int
	CircuitCooldown    time.Duration

	// ServiceName is recorded on every span.
	ServiceName string
}

func (c LLMConfig) withDefaults() LLMConfig {
	if c.Model == "" {
		c.Model = defaultModels[c.Backend]
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.CircuitMaxFailures <= 0 {
		c.CircuitMaxFailures = DefaultCircuitMaxFailures
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = DefaultCircuitCooldown
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	return c
}

var defaultModels = map[string]string{
	"anthropic": AnthropicDefaultModel,
	"openai":    OpenAIDefaultModel,
	"google":    GoogleDefaultModel,
}

// StandardMiddleware returns the production chain, outermost first: tracing,
// metrics, retry, circuit breaker, rate limit, per-attempt timeout. A nil
// collector disables metrics.
func StandardMiddleware(cfg LLMConfig, collector ports.MetricsCollector) []Middleware {
	cfg = cfg.withDefaults()

	chain := []Middleware{TracingMiddleware(cfg.ServiceName)}
	if collector != nil {
		chain = append(chain, MetricsMiddleware(collector, cfg.Backend))
	}
	return append(chain,
		RetryMiddleware(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		CircuitBreakerMiddlewareWithMetrics(cfg.CircuitMaxFailures, cfg.CircuitCooldown, collector),
		RateLimitMiddleware(cfg.RequestsPerSecond, cfg.Burst),
		TimeoutMiddleware(cfg.Timeout),
	)
}

// NewFromConfig builds a Client for cfg.Backend wrapped in StandardMiddleware.
func NewFromConfig(cfg LLMConfig, collector ports.MetricsCollector) (*Client, error) {
	if _, ok := providerFactories[cfg.Backend]; !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownBackend, cfg.Backend, RegisteredProviders())
	}
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s backend requires a model", cfg.Backend)
	}

	return NewClient(cfg.Backend, ClientConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		Middleware: StandardMiddleware(cfg, collector),
	})
}

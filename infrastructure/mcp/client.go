// Package mcp calls tool endpoints on the ACCESS-CI MCP servers over HTTP.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/access-ci/qa-extraction/internal/ports"
)

const tracerName = "github.com/access-ci/qa-extraction/infrastructure/mcp"

// Defaults applied by NewClient.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 250 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in the error.
	maxErrorBody = 512
)

// Configuration errors returned by NewClient.
var (
	ErrMissingURL        = errors.New("MCP server URL is required")
	ErrUnsupportedScheme = errors.New("MCP server URL must use http or https")
)

// ServerConfig locates one MCP server.
type ServerConfig struct {
	Name    string
	URL     string
	Timeout time.Duration

	// RequestsPerSecond paces calls to the server. Zero means unlimited.
	RequestsPerSecond float64
}

// Client implements ports.EntitySource for a single MCP server.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	tracer     trace.Tracer
	logger     *zap.Logger
	metrics    ports.MetricsCollector
}

var _ ports.EntitySource = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The configured timeout is ignored.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimit paces calls to at most limit per second with the given burst.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithRetry sets the retry budget and backoff bounds.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// WithTracerProvider sets the tracer provider; the global one is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m ports.MetricsCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for cfg.
func NewClient(cfg ServerConfig, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, ports.NewConfigError("servers."+cfg.Name+".url", ErrMissingURL)
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, ports.NewConfigError("servers."+cfg.Name+".url", fmt.Errorf("%w: %q", ErrUnsupportedScheme, cfg.URL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newLimiter(cfg.RequestsPerSecond),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		logger:     zap.NewNop(),
		metrics:    ports.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// URL returns the server base URL.
func (c *Client) URL() string { return c.baseURL }

// CallTool invokes tool with args and returns the decoded payload. Numbers
// decode as json.Number.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	ctx, span := c.tracer.Start(ctx, "mcp.call_tool",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.server", c.name),
			attribute.String("mcp.tool", tool),
		),
	)
	defer span.End()

	start := time.Now()
	out, attempts, err := c.callWithRetry(ctx, tool, args)
	span.SetAttributes(attribute.Int("mcp.attempts", attempts))

	labels := map[string]string{"server": c.name, "tool": tool}
	c.metrics.RecordLatency("mcp_tool_call", time.Since(start), labels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordCounter("mcp_tool_calls_total", 1, withOutcome(labels, "error"))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	c.metrics.RecordCounter("mcp_tool_calls_total", 1, withOutcome(labels, "ok"))
	return out, nil
}

func (c *Client) callWithRetry(ctx context.Context, tool string, args map[string]any) (any, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attempts++
		out, err := c.do(ctx, tool, args)
		if err == nil {
			return out, attempts, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil || attempt == c.maxRetries {
			break
		}
		delay := c.backoff(attempt)
		c.logger.Debug("retrying tool call",
			zap.String("server", c.name),
			zap.String("tool", tool),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, attempts, ports.NewSourceError(c.name, tool, 0, ctx.Err())
		case <-time.After(delay):
		}
	}
	if attempts > 1 {
		return nil, attempts, fmt.Errorf("tool call failed after %d attempts: %w", attempts, lastErr)
	}
	return nil, attempts, lastErr
}

func (c *Client) do(ctx context.Context, tool string, args map[string]any) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, ports.NewSourceError(c.name, tool, 0, fmt.Errorf("rate limit: %w", err))
	}
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{"arguments": args})
	if err != nil {
		return nil, ports.NewSourceError(c.name, tool, 0, fmt.Errorf("encode arguments: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, ports.NewSourceError(c.name, tool, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ports.NewSourceError(c.name, tool, 0, fmt.Errorf("%w: %w", ports.ErrServiceUnavailable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ports.NewSourceError(c.name, tool, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, ports.NewSourceError(c.name, tool, resp.StatusCode,
			fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), msg))
	}

	out, err := ParseResponse(raw)
	if err != nil {
		return nil, ports.NewSourceError(c.name, tool, resp.StatusCode, err)
	}
	return out, nil
}

// ParseResponse decodes a tool response. The MCP envelope
// {"content":[{"type":"text","text":"..."}]} is unwrapped: the text is decoded
// as JSON when possible and returned verbatim otherwise. Any other body is
// returned as decoded.
func ParseResponse(raw []byte) (any, error) {
	data, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	content, ok := obj["content"].([]any)
	if !ok || len(content) == 0 {
		return data, nil
	}
	first, ok := content[0].(map[string]any)
	if !ok || first["type"] != "text" {
		return data, nil
	}

	text, _ := first["text"].(string)
	inner, err := decodeJSON([]byte(text))
	if err != nil {
		return text, nil
	}
	return inner, nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return out, nil
}

func retryable(err error) bool {
	var se *ports.SourceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	// #nosec G115 - attempt is bounded between 0 and 30
	delay := c.baseDelay * time.Duration(1<<uint(attempt))
	// #nosec G404 - weak RNG is fine for jitter
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.5)
	delay = delay + jitter - delay/4
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), int(math.Ceil(rps)))
}

func withOutcome(labels map[string]string, outcome string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out["outcome"] = outcome
	return out
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// AnthropicDefaultModel is used when no model is configured.
const AnthropicDefaultModel = "claude-sonnet-4-20250514"

func init() {
	RegisterProviderFactory("anthropic", newAnthropicProvider)
}

// anthropicProvider implements CoreLLM for Anthropic's Messages API. The
// system prompt travels as a separate parameter.
type anthropicProvider struct {
	BaseProvider
	client          anthropic.Client
	errorClassifier *ErrorClassifier
}

func newAnthropicProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyAPIKey)
	}

	model := config.Model
	if model == "" {
		model = AnthropicDefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		validated, err := normalizeBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		opts = append(opts, option.WithBaseURL(validated))
	}
	if timeout := clampTimeout(config.Timeout); timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	// Retries belong to the middleware chain.
	opts = append(opts, option.WithMaxRetries(0))

	return &anthropicProvider{
		BaseProvider:    BaseProvider{model: model},
		client:          anthropic.NewClient(opts...),
		errorClassifier: &ErrorClassifier{Provider: "anthropic"},
	}, nil
}

// DoRequest sends a request to the Messages API and concatenates the text
// blocks of the reply.
func (p *anthropicProvider) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	message, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return ports.GenerateResponse{}, p.handleError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	out := text.String()
	if out == "" {
		return ports.GenerateResponse{}, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}

	return ports.GenerateResponse{
		Text:      out,
		TokensIn:  reportedOrEstimated(int(message.Usage.InputTokens), req.System+req.User),
		TokensOut: reportedOrEstimated(int(message.Usage.OutputTokens), out),
	}, nil
}

func (p *anthropicProvider) buildParams(req ports.GenerateRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(anthropicTemperature.clamp(*req.Temperature))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (p *anthropicProvider) handleError(err error) error {
	if isContextError(err) {
		return p.errorClassifier.ClassifyContextError(err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return p.errorClassifier.ClassifyHTTPError(apiErr.StatusCode, http.StatusText(apiErr.StatusCode), err)
	}

	return NewProviderError("anthropic", ErrorTypeNetwork, 0, "request failed", err)
}

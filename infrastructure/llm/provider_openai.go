package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/access-ci/qa-extraction/internal/ports"
)

const (
	// OpenAIDefaultModel is used when no model is configured.
	OpenAIDefaultModel = "gpt-4o"

	// LocalDefaultBaseURL is the OpenAI-compatible endpoint of a local
	// inference server such as vLLM or Ollama.
	LocalDefaultBaseURL = "http://localhost:8000/v1"

	// localPlaceholderKey is sent when a local server needs no key.
	localPlaceholderKey = "not-needed"
)

func init() {
	RegisterProviderFactory("openai", newOpenAIProvider)
	RegisterProviderFactory("local", newLocalProvider)
}

// openAIProvider implements CoreLLM for the OpenAI chat completions API and
// for any server that speaks the same protocol.
type openAIProvider struct {
	BaseProvider
	client          *openai.Client
	errorClassifier *ErrorClassifier
}

func newOpenAIProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrEmptyAPIKey)
	}
	if config.Model == "" {
		config.Model = OpenAIDefaultModel
	}
	return buildOpenAIProvider("openai", config)
}

// newLocalProvider targets an OpenAI-compatible server. The API key is
// optional and the base URL defaults to LocalDefaultBaseURL.
func newLocalProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		config.APIKey = localPlaceholderKey
	}
	if config.BaseURL == "" {
		config.BaseURL = LocalDefaultBaseURL
	}
	return buildOpenAIProvider("local", config)
}

func buildOpenAIProvider(name string, config ClientConfig) (CoreLLM, error) {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		validatedURL, err := normalizeBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		clientConfig.BaseURL = validatedURL
	}

	if timeout := clampTimeout(config.Timeout); timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &openAIProvider{
		BaseProvider:    BaseProvider{model: config.Model},
		client:          openai.NewClientWithConfig(clientConfig),
		errorClassifier: &ErrorClassifier{Provider: name},
	}, nil
}

// DoRequest sends a chat completion with an optional system message.
func (p *openAIProvider) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return ports.GenerateResponse{}, p.handleError(err)
	}

	if len(resp.Choices) == 0 {
		return ports.GenerateResponse{}, ErrNoResponseChoice
	}

	content := resp.Choices[0].Message.Content
	return ports.GenerateResponse{
		Text:      content,
		TokensIn:  reportedOrEstimated(resp.Usage.PromptTokens, req.System+req.User),
		TokensOut: reportedOrEstimated(resp.Usage.CompletionTokens, content),
	}, nil
}

func (p *openAIProvider) buildRequest(req ports.GenerateRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.User,
	})

	out := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(openAITemperature.clamp(*req.Temperature))
	}
	return out
}

func (p *openAIProvider) handleError(err error) error {
	if isContextError(err) {
		return p.errorClassifier.ClassifyContextError(err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = "unknown error"
		}
		return p.errorClassifier.ClassifyHTTPError(apiErr.HTTPStatusCode, message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return p.errorClassifier.ClassifyHTTPError(reqErr.HTTPStatusCode, "request error", err)
	}

	// Dial and read failures surface as plain errors.
	return NewProviderError(p.errorClassifier.Provider, ErrorTypeNetwork, 0, "request failed", err)
}

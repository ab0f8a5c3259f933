package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// GoogleDefaultModel is used when no model is configured.
const GoogleDefaultModel = "gemini-2.0-flash"

func init() {
	RegisterProviderFactory("google", newGoogleProvider)
}

// googleProvider implements CoreLLM for the Gemini API. The system prompt is
// passed as a SystemInstruction.
type googleProvider struct {
	BaseProvider
	models          generateContenter
	errorClassifier *ErrorClassifier
}

// generateContenter is the subset of genai.Models used by the provider.
type generateContenter interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

func newGoogleProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("google: %w", ErrEmptyAPIKey)
	}

	model := config.Model
	if model == "" {
		model = GoogleDefaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		validated, err := normalizeBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: validated}
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}

	return &googleProvider{
		BaseProvider:    BaseProvider{model: model},
		models:          client.Models,
		errorClassifier: &ErrorClassifier{Provider: "google"},
	}, nil
}

// DoRequest sends a GenerateContent call and returns the response text.
func (p *googleProvider) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}

	resp, err := p.models.GenerateContent(ctx, p.model, contents, p.buildConfig(req))
	if err != nil {
		return ports.GenerateResponse{}, p.handleError(err)
	}

	content := resp.Text()
	if content == "" {
		return ports.GenerateResponse{}, fmt.Errorf("google: %w", ErrEmptyResponse)
	}

	var in, out int
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return ports.GenerateResponse{
		Text:      content,
		TokensIn:  reportedOrEstimated(in, req.System+req.User),
		TokensOut: reportedOrEstimated(out, content),
	}, nil
}

func (p *googleProvider) buildConfig(req ports.GenerateRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		temp := googleTemperature.clamp(*req.Temperature)
		config.Temperature = genai.Ptr(float32(temp))
	}
	if req.MaxTokens > 0 {
		if req.MaxTokens > math.MaxInt32 {
			config.MaxOutputTokens = math.MaxInt32
		} else {
			config.MaxOutputTokens = int32(req.MaxTokens)
		}
	}
	return config
}

func (p *googleProvider) handleError(err error) error {
	if isContextError(err) {
		return p.errorClassifier.ClassifyContextError(err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" && len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0].Message
		}
		if containsContentPolicyError(apiErr) {
			return NewProviderError("google", ErrorTypeContentPolicy, apiErr.Code,
				"request blocked by safety filters", err)
		}
		return p.errorClassifier.ClassifyHTTPError(apiErr.Code, message, err)
	}

	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return p.errorClassifier.ClassifyHTTPError(genaiErr.Code, genaiErr.Message, err)
	}

	return NewProviderError("google", ErrorTypeUnknown, 0, "request failed", err)
}

// containsContentPolicyError reports whether a Google API error was caused by
// the safety filters.
func containsContentPolicyError(apiErr *googleapi.Error) bool {
	lower := strings.ToLower(apiErr.Message)
	if strings.Contains(lower, "safety") || strings.Contains(lower, "blocked") {
		return true
	}
	for _, e := range apiErr.Errors {
		if e.Reason == "SAFETY" || e.Reason == "BLOCKED" {
			return true
		}
	}
	return false
}

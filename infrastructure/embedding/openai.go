// Package embedding provides ports.Embedder implementations.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// Defaults for the OpenAI embedder.
const (
	DefaultOpenAIModel = string(openai.SmallEmbedding3)
	DefaultDimensions  = 384
	defaultTimeout     = 30 * time.Second
)

// ErrEmptyEmbedding is returned when the API answers without a vector.
var ErrEmptyEmbedding = errors.New("embedding response contained no data")

// OpenAIConfig configures NewOpenAIEmbedder.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API. The vector
// length is requested explicitly so it matches the review store schema.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

var _ ports.Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder from cfg.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, ports.NewConfigError("embedding.api_key", errors.New("OpenAI API key is required"))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  openai.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
	}, nil
}

// Embed returns the vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), e.dims)
	}
	return vec, nil
}

// Dimensions reports the configured vector length.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

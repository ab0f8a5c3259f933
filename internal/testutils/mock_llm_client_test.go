package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// TestMockLLMClient_Generate verifies pattern precedence and the built-in
// replies.
func TestMockLLMClient_Generate(t *testing.T) {
	client := NewMockLLMClient("mock-model")
	client.AddResponse(MockResponse{Pattern: "Delta", Response: "custom"})

	tests := []struct {
		name   string
		prompt string
		check  func(t *testing.T, text string)
	}{
		{
			name:   "registered pattern",
			prompt: "Tell me about delta",
			check:  func(t *testing.T, text string) { assert.Equal(t, "custom", text) },
		},
		{
			name:   "judge prompt",
			prompt: "## Source data\n\n{}\n\n## Q&A pairs to evaluate\n\n### p1\n**Q:** q\n**A:** a\n\n### p2\n**Q:** q\n**A:** a\n",
			check: func(t *testing.T, text string) {
				start := strings.Index(text, "[")
				require.GreaterOrEqual(t, start, 0)
				var scores []map[string]any
				require.NoError(t, json.Unmarshal([]byte(text[start:]), &scores))
				require.Len(t, scores, 2)
				assert.Equal(t, "p1", scores[0]["pair_id"])
				assert.Equal(t, 0.9, scores[1]["faithfulness"])
			},
		},
		{
			name:   "generation prompt",
			prompt: "## Entity data\n\n{}",
			check: func(t *testing.T, text string) {
				var pairs []map[string]string
				require.NoError(t, json.Unmarshal([]byte(text), &pairs))
				assert.Len(t, pairs, 2)
			},
		},
		{
			name:   "fallback",
			prompt: "anything else",
			check: func(t *testing.T, text string) {
				assert.Equal(t, "This is a standard response for testing purposes.", text)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Generate(context.Background(), ports.GenerateRequest{User: tt.prompt})
			require.NoError(t, err)
			tt.check(t, resp.Text)
			assert.Positive(t, resp.TokensIn)
		})
	}

	assert.Equal(t, len(tests), client.CallCount())
	assert.Equal(t, "mock-model", client.GetModel())
}

func TestMockLLMClient_Errors(t *testing.T) {
	client := NewMockLLMClient("m")

	_, err := client.Generate(context.Background(), ports.GenerateRequest{})
	assert.Error(t, err, "empty prompt")

	boom := errors.New("boom")
	client.SetError(boom)
	_, err = client.Generate(context.Background(), ports.GenerateRequest{User: "x"})
	assert.ErrorIs(t, err, boom)

	client.SetError(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Generate(ctx, ports.GenerateRequest{User: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockLLMClient_Responder(t *testing.T) {
	client := NewMockLLMClient("m")
	client.Responder = func(req ports.GenerateRequest) (string, error) {
		return "system was " + req.System, nil
	}

	resp, err := client.Generate(context.Background(), ports.GenerateRequest{System: "S", User: "U"})
	require.NoError(t, err)
	assert.Equal(t, "system was S", resp.Text)
	assert.Equal(t, "S", client.Requests()[0].System)
}

func TestMockLLMClient_EstimateTokens(t *testing.T) {
	client := NewMockLLMClient("m")
	for text, want := range map[string]int{"": 0, "ab": 1, "abcdefgh": 2} {
		got, err := client.EstimateTokens(text)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// Prompt fragments the mock recognizes to produce structured replies.
const (
	judgePromptMarker      = "## Q&A pairs to evaluate"
	generationPromptMarker = "## Entity data"
)

var judgePairIDPattern = regexp.MustCompile(`(?m)^### (\S+)$`)

// MockLLMClient implements ports.LLMClient with deterministic responses for
// tests. Judge prompts are answered with a score for every pair id in the
// prompt, generation prompts with a fixed pair array, and anything else
// with the first registered pattern that matches.
type MockLLMClient struct {
	mu sync.Mutex

	model     string
	responses []MockResponse
	err       error

	// JudgeScore is the score given to every dimension of every judged pair.
	JudgeScore float64

	// Responder, when set, overrides all pattern matching.
	Responder func(req ports.GenerateRequest) (string, error)

	requests []ports.GenerateRequest
}

// MockResponse defines a pre-configured response pattern for the mock client.
type MockResponse struct {
	// Pattern is matched case-insensitively against the user prompt.
	Pattern string
	// Response is the text returned for matching prompts.
	Response string
}

var _ ports.LLMClient = (*MockLLMClient)(nil)

// NewMockLLMClient creates a mock that scores judged pairs at 0.9.
func NewMockLLMClient(model string) *MockLLMClient {
	return &MockLLMClient{model: model, JudgeScore: 0.9}
}

// AddResponse registers a reply for prompts containing Pattern. Earlier
// registrations win.
func (m *MockLLMClient) AddResponse(r MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
}

// SetError makes every subsequent call fail with err; nil clears it.
func (m *MockLLMClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Generate records the request and returns the matching response.
func (m *MockLLMClient) Generate(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return ports.GenerateResponse{}, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	err, responder := m.err, m.Responder
	m.mu.Unlock()

	if err != nil {
		return ports.GenerateResponse{}, err
	}
	if req.User == "" {
		return ports.GenerateResponse{}, fmt.Errorf("prompt cannot be empty")
	}

	var text string
	if responder != nil {
		text, err = responder(req)
		if err != nil {
			return ports.GenerateResponse{}, err
		}
	} else {
		text = m.respond(req.User)
	}

	in, _ := m.EstimateTokens(req.System + req.User)
	out, _ := m.EstimateTokens(text)
	return ports.GenerateResponse{Text: text, TokensIn: in, TokensOut: out}, nil
}

func (m *MockLLMClient) respond(prompt string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	lower := strings.ToLower(prompt)
	for _, r := range m.responses {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r.Response
		}
	}

	switch {
	case strings.Contains(prompt, judgePromptMarker):
		return judgeReply(prompt, m.JudgeScore)
	case strings.Contains(prompt, generationPromptMarker):
		return `[{"question": "What is this resource?", "answer": "It is an ACCESS resource."},` +
			` {"question": "Who operates this resource?", "answer": "An ACCESS service provider."}]`
	default:
		return "This is a standard response for testing purposes."
	}
}

// judgeReply scores every "### {id}" block of a judge prompt, wrapped in
// prose the way real models often answer.
func judgeReply(prompt string, score float64) string {
	type entry struct {
		PairID       string   `json:"pair_id"`
		Faithfulness float64  `json:"faithfulness"`
		Relevance    float64  `json:"relevance"`
		Completeness float64  `json:"completeness"`
		Issues       []string `json:"issues"`
	}
	var entries []entry
	for _, m := range judgePairIDPattern.FindAllStringSubmatch(prompt, -1) {
		entries = append(entries, entry{
			PairID: m[1], Faithfulness: score, Relevance: score, Completeness: score, Issues: []string{},
		})
	}
	raw, _ := json.Marshal(entries)
	return "Here are the scores:\n" + string(raw)
}

// EstimateTokens approximates four characters per token.
func (m *MockLLMClient) EstimateTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens, nil
}

// GetModel returns the mock model identifier.
func (m *MockLLMClient) GetModel() string { return m.model }

// Requests returns a copy of every request received so far.
func (m *MockLLMClient) Requests() []ports.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.GenerateRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Generate calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

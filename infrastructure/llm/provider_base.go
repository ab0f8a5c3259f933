package llm

import (
	"context"
	"errors"
)

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 4096

// BaseProvider holds the model name shared by every provider.
type BaseProvider struct {
	model string
}

// GetModel returns the name of the model configured for the provider.
func (b *BaseProvider) GetModel() string { return b.model }

// EstimateTokens approximates the token count of text at four characters
// per token, rounding up.
func EstimateTokens(text string) int { return (len(text) + 3) / 4 }

// reportedOrEstimated prefers the usage a backend reported. Local servers
// and some Gemini responses omit it, so the text is estimated instead and
// run budgets still see a non-zero cost.
func reportedOrEstimated(reported int, text string) int {
	if reported > 0 {
		return reported
	}
	return EstimateTokens(text)
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

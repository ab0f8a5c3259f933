package ports

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLLMError(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		err := NewLLMError("claude-sonnet-4", "judge", ErrInvalidResponse)

		assert.Equal(t, "LLM error: model=claude-sonnet-4, operation=judge, err=invalid response", err.Error())
		assert.True(t, errors.Is(err, ErrInvalidResponse))
	})

	t.Run("retryable", func(t *testing.T) {
		tests := []struct {
			err       error
			retryable bool
		}{
			{ErrRateLimited, true},
			{ErrServiceUnavailable, true},
			{fmt.Errorf("attempt 3: %w", ErrTimeout), true},
			{ErrInvalidResponse, false},
			{ErrAuthenticationFailed, false},
		}
		for _, tt := range tests {
			err := NewLLMError("gpt-4o", "generate", tt.err)
			assert.Equal(t, tt.retryable, err.IsRetryable(), "%v", tt.err)
		}
	})
}

// TestCacheError keeps the cache path and the corruption marker reachable.
func TestCacheError(t *testing.T) {
	decode := errors.New("unexpected end of JSON input")
	err := NewCacheError("out/.extraction_cache.json", "load", fmt.Errorf("%w: %w", ErrCacheCorrupted, decode))

	assert.Equal(t, "cache error: operation=load, key=out/.extraction_cache.json, err=cache corrupted: unexpected end of JSON input", err.Error())
	assert.ErrorIs(t, err, ErrCacheCorrupted)
	assert.ErrorIs(t, err, decode)
}

// TestConfigError tests the functionality of the ConfigError error type.
// It verifies that the error message is formatted correctly and contains the relevant configuration key.
func TestConfigError(t *testing.T) {
	err := NewConfigError("judge.threshold", ErrConfigNotFound)

	assert.Equal(t, "config error: key=judge.threshold, err=configuration not found", err.Error())
	assert.Equal(t, "judge.threshold", err.ConfigKey)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

// TestCommonInfrastructureErrors tests that the common infrastructure errors are defined.
// It checks that each error has the expected error message.
func TestCommonInfrastructureErrors(t *testing.T) {
	tests := []struct {
		err     error
		message string
	}{
		{ErrRateLimited, "rate limited"},
		{ErrServiceUnavailable, "service unavailable"},
		{ErrTimeout, "operation timed out"},
		{ErrInvalidResponse, "invalid response"},
		{ErrAuthenticationFailed, "authentication failed"},
		{ErrCacheCorrupted, "cache corrupted"},
		{ErrConfigNotFound, "configuration not found"},
		{ErrUnknownDomain, "unknown domain"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}

// TestErrorUnwrapping tests that all custom error types in the package support unwrapping.
// It ensures that the underlying error can be extracted correctly using errors.Is and Unwrap.
func TestErrorUnwrapping(t *testing.T) {
	baseErr := errors.New("underlying error")

	errorList := []interface {
		error
		Unwrap() error
	}{
		NewLLMError("model", "op", baseErr),
		NewCacheError("key", "op", baseErr),
		NewConfigError("key", baseErr),
		NewSourceError("server", "tool", 0, baseErr),
		NewReviewStoreError("dataset", "op", baseErr),
	}

	for _, err := range errorList {
		unwrapped := err.Unwrap()
		assert.Equal(t, baseErr, unwrapped, "%T should unwrap to base error", err)
		assert.True(t, errors.Is(err, baseErr), "%T should match base error with Is", err)
	}
}

// TestSourceError verifies message formatting and the retry classification
// used by the MCP client.
func TestSourceError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		wantMsg   string
		retryable bool
	}{
		{
			name:      "server error",
			status:    503,
			err:       ErrServiceUnavailable,
			wantMsg:   "source error: server=compute-resources, tool=search_resources, status=503, err=service unavailable",
			retryable: true,
		},
		{
			name:      "throttled",
			status:    429,
			err:       ErrRateLimited,
			wantMsg:   "source error: server=compute-resources, tool=search_resources, status=429, err=rate limited",
			retryable: true,
		},
		{
			name:      "bad request",
			status:    400,
			err:       ErrInvalidResponse,
			wantMsg:   "source error: server=compute-resources, tool=search_resources, status=400, err=invalid response",
			retryable: false,
		},
		{
			name:      "transport timeout",
			err:       ErrTimeout,
			wantMsg:   "source error: server=compute-resources, tool=search_resources, err=operation timed out",
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSourceError("compute-resources", "search_resources", tt.status, tt.err)

			assert.Equal(t, tt.wantMsg, err.Error())
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.True(t, errors.Is(err, tt.err))
		})
	}
}

// TestReviewStoreError verifies the message carries dataset and operation.
func TestReviewStoreError(t *testing.T) {
	err := NewReviewStoreError("qa-review", "Delete", ErrServiceUnavailable)

	assert.Equal(t, "review store error: dataset=qa-review, operation=Delete, err=service unavailable", err.Error())
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
}

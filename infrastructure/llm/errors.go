package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/access-ci/qa-extraction/internal/ports"
)

var (
	// ErrEmptyAPIKey indicates that an API key was required but not provided.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")
	// ErrEmptyResponse indicates that a backend returned no content.
	ErrEmptyResponse = errors.New("empty response from API")
	// ErrNoResponseChoice indicates a chat completion without choices.
	ErrNoResponseChoice = errors.New("no response choices returned")
	// ErrUnknownBackend indicates that an LLM backend name is not registered.
	ErrUnknownBackend = errors.New("unknown LLM backend")
)

// ErrorType classifies a backend failure.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeAuthentication
	ErrorTypeRateLimit
	ErrorTypeBadRequest
	ErrorTypeNotFound
	ErrorTypeServerError
	ErrorTypeContentPolicy
	ErrorTypeNetwork
	ErrorTypeTimeout
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeAuthentication: "authentication",
	ErrorTypeRateLimit:      "rate_limit",
	ErrorTypeBadRequest:     "bad_request",
	ErrorTypeNotFound:       "not_found",
	ErrorTypeServerError:    "server_error",
	ErrorTypeContentPolicy:  "content_policy",
	ErrorTypeNetwork:        "network",
	ErrorTypeTimeout:        "timeout",
}

// String returns the snake_case name, or "" for ErrorTypeUnknown.
func (t ErrorType) String() string { return errorTypeNames[t] }

// sentinel maps a type onto the backend-neutral error in ports, so callers
// outside this package can react to rate limits or bad credentials without
// knowing which backend produced them.
func (t ErrorType) sentinel() error {
	switch t {
	case ErrorTypeAuthentication:
		return ports.ErrAuthenticationFailed
	case ErrorTypeRateLimit:
		return ports.ErrRateLimited
	case ErrorTypeServerError, ErrorTypeNetwork:
		return ports.ErrServiceUnavailable
	case ErrorTypeTimeout:
		return ports.ErrTimeout
	case ErrorTypeBadRequest, ErrorTypeContentPolicy:
		return ports.ErrInvalidResponse
	default:
		return nil
	}
}

// ProviderError is a classified failure of one backend call.
type ProviderError struct {
	Type       ErrorType
	Provider   string
	StatusCode int
	Message    string
	// WrappedError is the backend SDK error.
	WrappedError error
}

// Error renders "provider error (HTTP n) [type]: message: cause".
func (e *ProviderError) Error() string {
	base := e.Provider + " error"
	if e.StatusCode > 0 {
		base += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if s := e.Type.String(); s != "" {
		base += " [" + s + "]"
	}
	if e.Message != "" {
		base += ": " + e.Message
	}
	if e.WrappedError != nil {
		base += fmt.Sprintf(": %v", e.WrappedError)
	}
	return base
}

// Unwrap returns the backend SDK error.
func (e *ProviderError) Unwrap() error { return e.WrappedError }

// Is matches the ports sentinel for the error's type.
func (e *ProviderError) Is(target error) bool {
	s := e.Type.sentinel()
	return s != nil && target == s
}

// IsRetryable reports whether the failure is transient.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider string, errType ErrorType, statusCode int, message string, wrapped error) *ProviderError {
	return &ProviderError{
		Type:         errType,
		Provider:     provider,
		StatusCode:   statusCode,
		Message:      message,
		WrappedError: wrapped,
	}
}

// ErrorClassifier turns SDK errors of one backend into ProviderErrors.
type ErrorClassifier struct {
	Provider string
}

// ClassifyHTTPError classifies by HTTP status code. Authentication and rate
// limit failures get a fixed message naming the backend.
func (ec *ErrorClassifier) ClassifyHTTPError(statusCode int, message string, err error) *ProviderError {
	errType := ErrorTypeUnknown
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		errType = ErrorTypeAuthentication
		message = ec.Provider + " authentication failed"
	case statusCode == http.StatusTooManyRequests:
		errType = ErrorTypeRateLimit
		message = ec.Provider + " rate limit exceeded"
	case statusCode == http.StatusNotFound:
		errType = ErrorTypeNotFound
	case statusCode >= 500:
		errType = ErrorTypeServerError
	case statusCode >= 400:
		errType = ErrorTypeBadRequest
	}
	return NewProviderError(ec.Provider, errType, statusCode, message, err)
}

// ClassifyContextError classifies deadline and cancellation errors.
func (ec *ErrorClassifier) ClassifyContextError(err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(ec.Provider, ErrorTypeTimeout, 0, "context deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewProviderError(ec.Provider, ErrorTypeUnknown, 0, "request canceled", err)
	default:
		return NewProviderError(ec.Provider, ErrorTypeUnknown, 0, "", err)
	}
}

// IsRetryableError reports whether err is worth retrying. Classified provider
// errors decide for themselves. An open circuit and caller cancellation
// never retry. Unclassified errors count as transient.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}
	return true
}

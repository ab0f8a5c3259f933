package ports

import (
	"errors"
	"fmt"
)

// Errors shared by the adapters behind these ports. Adapters wrap them so
// the application can react without knowing which backend failed.
var (
	// ErrRateLimited indicates that the service has rate limited the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that the external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidResponse indicates that the service rejected the request or
	// returned content that could not be used.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrAuthenticationFailed indicates that the credentials were rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCacheCorrupted indicates that the incremental cache file could not
	// be decoded.
	ErrCacheCorrupted = errors.New("cache corrupted")

	// ErrConfigNotFound indicates that a named config file does not exist.
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrUnknownDomain indicates that no entity source serves a domain.
	ErrUnknownDomain = errors.New("unknown domain")
)

// LLMError wraps a failed generation with the model and the stage that
// issued it ("generate" or "judge").
type LLMError struct {
	Model     string
	Operation string
	Err       error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("LLM error: model=%s, operation=%s, err=%v", e.Model, e.Operation, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// IsRetryable reports whether the underlying failure is transient.
func (e *LLMError) IsRetryable() bool {
	return errors.Is(e.Err, ErrRateLimited) ||
		errors.Is(e.Err, ErrServiceUnavailable) ||
		errors.Is(e.Err, ErrTimeout)
}

// NewLLMError creates an LLMError.
func NewLLMError(model, operation string, err error) *LLMError {
	return &LLMError{Model: model, Operation: operation, Err: err}
}

// CacheError records a failed load or save of the incremental cache file.
type CacheError struct {
	// Key is the cache file path.
	Key       string
	Operation string
	Err       error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error: operation=%s, key=%s, err=%v", e.Operation, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// NewCacheError creates a CacheError.
func NewCacheError(key, operation string, err error) *CacheError {
	return &CacheError{Key: key, Operation: operation, Err: err}
}

// ConfigError represents an error from configuration operations.
type ConfigError struct {
	// ConfigKey is the configuration key that was involved in the failed
	// operation.
	ConfigKey string

	// Err is the underlying error that caused the configuration operation
	// to fail.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: key=%s, err=%v", e.ConfigKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new ConfigError with the given details.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{
		ConfigKey: key,
		Err:       err,
	}
}

// SourceError represents a failed tool call against an entity source server.
type SourceError struct {
	// Server is the configured server name, for example "compute-resources".
	Server string

	// Tool is the tool that was invoked.
	Tool string

	// StatusCode is the HTTP status when the server answered, zero otherwise.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for SourceError.
func (e *SourceError) Error() string {
	msg := fmt.Sprintf("source error: server=%s, tool=%s", e.Server, e.Tool)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status=%d", e.StatusCode)
	}
	return msg + fmt.Sprintf(", err=%v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error { return e.Err }

// IsRetryable reports whether the call may succeed when repeated.
func (e *SourceError) IsRetryable() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	return errors.Is(e.Err, ErrServiceUnavailable) || errors.Is(e.Err, ErrTimeout)
}

// NewSourceError creates a new SourceError with the given details.
func NewSourceError(server, tool string, status int, err error) *SourceError {
	return &SourceError{
		Server:     server,
		Tool:       tool,
		StatusCode: status,
		Err:        err,
	}
}

// ReviewStoreError represents a failed operation against a review dataset.
type ReviewStoreError struct {
	// Dataset is the dataset being accessed.
	Dataset string

	// Operation is the backend operation that failed.
	Operation string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for ReviewStoreError.
func (e *ReviewStoreError) Error() string {
	return fmt.Sprintf("review store error: dataset=%s, operation=%s, err=%v", e.Dataset, e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReviewStoreError) Unwrap() error { return e.Err }

// NewReviewStoreError creates a new ReviewStoreError with the given details.
func NewReviewStoreError(dataset, operation string, err error) *ReviewStoreError {
	return &ReviewStoreError{
		Dataset:   dataset,
		Operation: operation,
		Err:       err,
	}
}

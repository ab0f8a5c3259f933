package domain

import (
	"errors"
	"fmt"
)

// Common domain errors that can occur while grounding and scoring Q&A pairs.
var (
	// ErrEmptyValue indicates that a required value is empty or nil.
	ErrEmptyValue = errors.New("empty value")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNoJSONArray indicates that a judge response contained no JSON array.
	ErrNoJSONArray = errors.New("no JSON array found in judge response")

	// ErrMalformedJudgeJSON indicates that the located JSON array could not be decoded.
	ErrMalformedJudgeJSON = errors.New("malformed judge JSON")

	// ErrEmptyJudgeArray indicates that the judge returned an array with no usable scores.
	ErrEmptyJudgeArray = errors.New("judge returned no scores")

	// ErrDomainLoadFailed indicates that the entity identifiers for a domain
	// could not be fetched. Citations in such a domain cannot be trusted.
	ErrDomainLoadFailed = errors.New("domain entity load failed")

	// ErrArchiveFailed indicates that annotated review records could not be
	// archived. The replace cycle for the affected source_ref must stop.
	ErrArchiveFailed = errors.New("archive of annotated records failed")
)

// DomainLoadError records which domain failed to load and why.
type DomainLoadError struct {
	// Domain is the catalog domain whose identifiers could not be fetched.
	Domain string

	// Err is the underlying fetch or decode error.
	Err error
}

// Error implements the error interface for DomainLoadError.
func (e *DomainLoadError) Error() string {
	return fmt.Sprintf("domain load error: domain=%s, err=%v", e.Domain, e.Err)
}

// Unwrap returns the underlying error.
func (e *DomainLoadError) Unwrap() error { return e.Err }

// Is reports ErrDomainLoadFailed as a match so callers can test the class.
func (e *DomainLoadError) Is(target error) bool { return target == ErrDomainLoadFailed }

// NewDomainLoadError creates a new DomainLoadError for the given domain.
func NewDomainLoadError(domain string, err error) *DomainLoadError {
	return &DomainLoadError{Domain: domain, Err: err}
}

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}

// ErrBudgetExceeded indicates that a run used up its LLM token or call budget.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// BudgetExceededError records which limit of a run budget was reached.
type BudgetExceededError struct {
	// LimitType is "tokens" or "calls".
	LimitType string
	Limit     int64
	Used      int64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: used %d of %d", e.LimitType, e.Used, e.Limit)
}

// Is reports whether target is ErrBudgetExceeded.
func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// NewBudgetExceededError creates a BudgetExceededError.
func NewBudgetExceededError(limitType string, limit, used int64) *BudgetExceededError {
	return &BudgetExceededError{LimitType: limitType, Limit: limit, Used: used}
}

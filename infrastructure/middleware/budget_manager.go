package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

var _ ports.LLMClient = (*BudgetManager)(nil)

// Budget caps the LLM usage of one run. A zero limit is unlimited.
type Budget struct {
	// MaxTokens bounds input plus output tokens across all calls.
	MaxTokens int64
	// MaxCalls bounds the number of Generate calls.
	MaxCalls int64
}

// Enabled reports whether any limit is set.
func (b Budget) Enabled() bool { return b.MaxTokens > 0 || b.MaxCalls > 0 }

// Validate rejects negative limits.
func (b Budget) Validate() error {
	if b.MaxTokens < 0 {
		return errors.New("max_tokens cannot be negative")
	}
	if b.MaxCalls < 0 {
		return errors.New("max_calls cannot be negative")
	}
	return nil
}

// Usage is the consumption recorded so far.
type Usage struct {
	Tokens int64
	Calls  int64
}

// BudgetObserver is notified around every budgeted call. PreCheck may
// return a derived context that PostCheck later receives.
type BudgetObserver interface {
	PreCheck(ctx context.Context, usage Usage, budget Budget) context.Context
	PostCheck(ctx context.Context, usage Usage, budget Budget, elapsed time.Duration, err error)
}

// BudgetManager wraps an LLMClient and enforces a run-level Budget shared
// by every goroutine that calls it. Calls rejected by the budget never
// reach the wrapped client.
type BudgetManager struct {
	next     ports.LLMClient
	budget   Budget
	observer BudgetObserver

	mu    sync.Mutex
	usage Usage
}

// NewBudgetManager creates a BudgetManager. It panics when next is nil.
// observer may be nil.
func NewBudgetManager(budget Budget, next ports.LLMClient, observer BudgetObserver) *BudgetManager {
	if next == nil {
		panic("BudgetManager: next client cannot be nil")
	}
	return &BudgetManager{next: next, budget: budget, observer: observer}
}

// Generate reserves a call against the budget, forwards the request and
// charges the reported tokens. Once a limit is reached every further call
// fails with a *domain.BudgetExceededError.
func (m *BudgetManager) Generate(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return ports.GenerateResponse{}, err
	}

	start := time.Now()
	usage, err := m.reserve()
	if m.observer != nil {
		ctx = m.observer.PreCheck(ctx, usage, m.budget)
	}
	if err != nil {
		m.finish(ctx, start, err)
		return ports.GenerateResponse{}, err
	}

	resp, err := m.next.Generate(ctx, req)
	m.charge(int64(resp.TokensIn + resp.TokensOut))
	m.finish(ctx, start, err)
	return resp, err
}

// EstimateTokens delegates to the wrapped client.
func (m *BudgetManager) EstimateTokens(text string) (int, error) {
	return m.next.EstimateTokens(text)
}

// GetModel delegates to the wrapped client.
func (m *BudgetManager) GetModel() string { return m.next.GetModel() }

// Usage returns the consumption recorded so far.
func (m *BudgetManager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Exhausted reports whether further calls would be refused.
func (m *BudgetManager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkBudgetLimits() != nil
}

// Budget returns the configured limits.
func (m *BudgetManager) Budget() Budget { return m.budget }

// reserve checks the limits and counts the call before it is made, so
// concurrent callers cannot overshoot MaxCalls. Tokens are only known
// afterwards; MaxTokens stops new calls once reached.
func (m *BudgetManager) reserve() (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBudgetLimits(); err != nil {
		return m.usage, err
	}
	m.usage.Calls++
	return m.usage, nil
}

func (m *BudgetManager) charge(tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Tokens += tokens
}

func (m *BudgetManager) finish(ctx context.Context, start time.Time, err error) {
	if m.observer != nil {
		m.observer.PostCheck(ctx, m.Usage(), m.budget, time.Since(start), err)
	}
}

// checkBudgetLimits must be called with mu held.
func (m *BudgetManager) checkBudgetLimits() error {
	if m.budget.MaxCalls > 0 && m.usage.Calls >= m.budget.MaxCalls {
		return domain.NewBudgetExceededError("calls", m.budget.MaxCalls, m.usage.Calls)
	}
	if m.budget.MaxTokens > 0 && m.usage.Tokens >= m.budget.MaxTokens {
		return domain.NewBudgetExceededError("tokens", m.budget.MaxTokens, m.usage.Tokens)
	}
	return nil
}

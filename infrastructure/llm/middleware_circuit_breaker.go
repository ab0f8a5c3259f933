package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// ErrCircuitOpen indicates that the circuit breaker rejected a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState int

// Circuit breaker states.
const (
	// StateClosed allows all requests to pass through normally.
	StateClosed CircuitBreakerState = iota

	// StateOpen rejects all requests until the cooldown expires.
	StateOpen

	// StateHalfOpen admits a single trial request to test recovery.
	StateHalfOpen
)

// String returns the lowercase state name used in metric labels.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after maxFailures consecutive failures and rejects
// requests for cooldownDuration. Requests run outside the lock so concurrent
// callers are not serialized.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitBreakerState
	failureCount     int
	maxFailures      int
	cooldownDuration time.Duration
	openedAt         time.Time
	probing          bool
	now              func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the specified configuration.
func NewCircuitBreaker(maxFailures int, cooldownDuration time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		state:            StateClosed,
		maxFailures:      maxFailures,
		cooldownDuration: cooldownDuration,
		now:              time.Now,
	}
}

// Call executes fn through the circuit breaker. If the circuit is open, it
// returns ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldownDuration {
			return false
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failureCount = 0
		cb.state = StateClosed
		cb.probing = false
		return
	}

	cb.failureCount++
	if cb.state == StateHalfOpen || cb.failureCount >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
	cb.probing = false
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// circuitBreakedLLM guards a provider with a CircuitBreaker.
type circuitBreakedLLM struct {
	next      CoreLLM
	cb        *CircuitBreaker
	collector ports.MetricsCollector
}

// CircuitBreakerMiddleware creates middleware that opens the circuit after
// maxFailures consecutive errors and keeps it open for cooldown.
func CircuitBreakerMiddleware(maxFailures int, cooldown time.Duration) Middleware {
	return CircuitBreakerMiddlewareWithMetrics(maxFailures, cooldown, nil)
}

// CircuitBreakerMiddlewareWithMetrics also reports state transitions as the
// llm_circuit_state gauge and rejected calls as llm_circuit_rejections_total.
func CircuitBreakerMiddlewareWithMetrics(maxFailures int, cooldown time.Duration, collector ports.MetricsCollector) Middleware {
	cb := NewCircuitBreaker(maxFailures, cooldown)

	return func(next CoreLLM) CoreLLM {
		return &circuitBreakedLLM{next: next, cb: cb, collector: collector}
	}
}

// DoRequest executes the request through the circuit breaker.
func (c *circuitBreakedLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	var resp ports.GenerateResponse
	err := c.cb.Call(func() error {
		var err error
		resp, err = c.next.DoRequest(ctx, req)
		return err
	})

	if c.collector != nil {
		labels := map[string]string{"model": c.next.GetModel()}
		if errors.Is(err, ErrCircuitOpen) {
			c.collector.RecordCounter("llm_circuit_rejections_total", 1, labels)
		}
		c.collector.RecordGauge("llm_circuit_state", float64(c.cb.GetState()), labels)
	}

	return resp, err
}

// GetModel returns the model name from the wrapped implementation.
func (c *circuitBreakedLLM) GetModel() string { return c.next.GetModel() }

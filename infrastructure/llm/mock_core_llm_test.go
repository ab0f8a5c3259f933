package llm

import (
	"context"
	"sync"
	"time"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// mockCoreLLM is a configurable CoreLLM used to exercise middleware.
type mockCoreLLM struct {
	mu sync.Mutex

	Response      string
	TokensIn      int
	TokensOut     int
	Error         error
	Model         string
	ResponseDelay time.Duration

	// FailUntilAttempt fails the first N calls, then succeeds.
	FailUntilAttempt int

	CallCount      int
	LastRequest    ports.GenerateRequest
	LastContext    context.Context
	CallTimestamps []time.Time
}

func newMockCoreLLM() *mockCoreLLM {
	return &mockCoreLLM{
		Response:  "test response",
		TokensIn:  10,
		TokensOut: 20,
		Model:     "test-model",
	}
}

func (m *mockCoreLLM) DoRequest(ctx context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	m.LastRequest = req
	m.LastContext = ctx
	m.CallTimestamps = append(m.CallTimestamps, time.Now())
	delay, failUntil, err := m.ResponseDelay, m.FailUntilAttempt, m.Error
	resp := ports.GenerateResponse{Text: m.Response, TokensIn: m.TokensIn, TokensOut: m.TokensOut}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ports.GenerateResponse{}, ctx.Err()
		}
	}

	if failUntil > 0 && call <= failUntil {
		if err != nil {
			return ports.GenerateResponse{}, err
		}
		return ports.GenerateResponse{}, &testError{message: "simulated failure"}
	}
	if failUntil == 0 && err != nil {
		return ports.GenerateResponse{}, err
	}
	return resp, nil
}

func (m *mockCoreLLM) GetModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Model
}

func (m *mockCoreLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// testError is an unclassified error, which the retry middleware treats as
// transient.
type testError struct{ message string }

func (e *testError) Error() string { return e.message }

// recordingCollector captures metric calls for assertions.
type recordingCollector struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string][]float64
	gauges     map[string]float64
	labels     map[string][]map[string]string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		counters:   map[string]float64{},
		histograms: map[string][]float64{},
		gauges:     map[string]float64{},
		labels:     map[string][]map[string]string{},
	}
}

func (c *recordingCollector) RecordLatency(op string, d time.Duration, labels map[string]string) {
	c.RecordHistogram(op, d.Seconds(), labels)
}

func (c *recordingCollector) RecordCounter(metric string, v float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[metric] += v
	c.labels[metric] = append(c.labels[metric], labels)
}

func (c *recordingCollector) RecordGauge(metric string, v float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[metric] = v
	c.labels[metric] = append(c.labels[metric], labels)
}

func (c *recordingCollector) RecordHistogram(metric string, v float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histograms[metric] = append(c.histograms[metric], v)
	c.labels[metric] = append(c.labels[metric], labels)
}

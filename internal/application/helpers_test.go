package application

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/access-ci/qa-extraction/internal/domain"
)

// recordingMetrics keeps every counter and histogram observation keyed by
// metric name and sorted label pairs.
type recordingMetrics struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string][]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters:   map[string]float64{},
		histograms: map[string][]float64{},
	}
}

func metricKey(name string, labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (m *recordingMetrics) RecordLatency(string, time.Duration, map[string]string) {}
func (m *recordingMetrics) RecordGauge(string, float64, map[string]string)         {}

func (m *recordingMetrics) RecordCounter(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += v
}

func (m *recordingMetrics) RecordHistogram(name string, v float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], v)
}

func (m *recordingMetrics) counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

// samplePair builds a compute-resources pair for entity id with a cited answer.
func samplePair(id, entityID string) domain.QAPair {
	return domain.NewQAPair(
		id,
		"What is "+entityID+"?",
		entityID+" is a GPU cluster. <<SRC:compute-resources:"+entityID+">>",
		domain.SourceRef("mcp", domain.DomainComputeResources, "resources", entityID),
		domain.DomainComputeResources,
		domain.WithCreatedAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	)
}

// Package middleware provides cross-cutting concerns for the extraction
// pipeline: the Prometheus-backed metrics collector and LLM budget
// enforcement.
package middleware

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// DefaultNamespace prefixes every metric registered by PrometheusMetrics.
const DefaultNamespace = "qa_extraction"

// PrometheusMetrics implements ports.MetricsCollector. Vectors are created on
// first use of a metric name; the label names seen on that first call fix
// the vector's label set. Later calls fill missing labels with "" and drop
// unknown ones.
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	counters   map[string]*labeled[*prometheus.CounterVec]
	gauges     map[string]*labeled[*prometheus.GaugeVec]
	histograms map[string]*labeled[*prometheus.HistogramVec]
}

type labeled[V any] struct {
	vec    V
	labels []string
}

// MetricsOption configures PrometheusMetrics.
type MetricsOption func(*PrometheusMetrics)

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) MetricsOption {
	return func(pm *PrometheusMetrics) { pm.namespace = ns }
}

// NewPrometheusMetrics creates a collector registering on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer, opts ...MetricsOption) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pm := &PrometheusMetrics{
		registerer: reg,
		namespace:  DefaultNamespace,
		counters:   make(map[string]*labeled[*prometheus.CounterVec]),
		gauges:     make(map[string]*labeled[*prometheus.GaugeVec]),
		histograms: make(map[string]*labeled[*prometheus.HistogramVec]),
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// RecordLatency observes duration in seconds on the
// "<operation>_duration_seconds" histogram.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	pm.RecordHistogram(operation+"_duration_seconds", duration.Seconds(), labels)
}

// RecordCounter adds value to the named counter. Negative values are ignored.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	if value < 0 {
		return
	}
	pm.mu.Lock()
	l, ok := pm.counters[metric]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: pm.namespace,
			Name:      sanitize(metric),
			Help:      "Counter " + metric + ".",
		}, names)
		l = &labeled[*prometheus.CounterVec]{vec: register(pm.registerer, vec), labels: names}
		pm.counters[metric] = l
	}
	pm.mu.Unlock()
	l.vec.WithLabelValues(labelValues(l.labels, labels)...).Add(value)
}

// RecordGauge sets the named gauge.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	pm.mu.Lock()
	l, ok := pm.gauges[metric]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: pm.namespace,
			Name:      sanitize(metric),
			Help:      "Gauge " + metric + ".",
		}, names)
		l = &labeled[*prometheus.GaugeVec]{vec: register(pm.registerer, vec), labels: names}
		pm.gauges[metric] = l
	}
	pm.mu.Unlock()
	l.vec.WithLabelValues(labelValues(l.labels, labels)...).Set(value)
}

// RecordHistogram observes value on the named histogram with the default
// buckets.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	pm.mu.Lock()
	l, ok := pm.histograms[metric]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: pm.namespace,
			Name:      sanitize(metric),
			Help:      "Histogram " + metric + ".",
			Buckets:   prometheus.DefBuckets,
		}, names)
		l = &labeled[*prometheus.HistogramVec]{vec: register(pm.registerer, vec), labels: names}
		pm.histograms[metric] = l
	}
	pm.mu.Unlock()
	l.vec.WithLabelValues(labelValues(l.labels, labels)...).Observe(value)
}

// register returns the collector already registered under the same
// descriptor when there is one, so two collectors sharing a registry agree.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	byName := make(map[string]string, len(labels))
	for k, v := range labels {
		byName[sanitize(k)] = v
	}
	for i, n := range names {
		values[i] = byName[n]
	}
	return values
}

// sanitize maps a name onto the Prometheus [a-zA-Z_][a-zA-Z0-9_]* alphabet.
func sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)

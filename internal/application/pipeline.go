package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// DefaultPipelineConcurrency bounds concurrently processed entities.
const DefaultPipelineConcurrency = 4

// RunReport summarizes one Pipeline run. Pairs are in entity input order.
type RunReport struct {
	Entities  int
	Reused    int
	Generated int
	Failed    int
	Errors    map[string]error
	Pairs     []domain.QAPair
}

// Pipeline turns entities into judged pairs. For each entity it hashes the
// data, reuses cached pairs when the hash is unchanged, and otherwise
// generates, deduplicates, judges and caches fresh pairs.
type Pipeline struct {
	generator   PairGenerator
	judge       *JudgeEvaluator
	cache       *IncrementalCache
	concurrency int
	dedupeRatio float64
	logger      *zap.Logger
	metrics     ports.MetricsCollector
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithJudge enables judge scoring of generated pairs.
func WithJudge(j *JudgeEvaluator) PipelineOption {
	return func(p *Pipeline) { p.judge = j }
}

// WithCache enables incremental mode.
func WithCache(c *IncrementalCache) PipelineOption {
	return func(p *Pipeline) { p.cache = c }
}

// WithPipelineConcurrency bounds concurrently processed entities.
func WithPipelineConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithDedupeRatio sets the near-duplicate question threshold.
func WithDedupeRatio(r float64) PipelineOption {
	return func(p *Pipeline) { p.dedupeRatio = r }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithPipelineMetrics sets the metrics collector.
func WithPipelineMetrics(m ports.MetricsCollector) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline returns a pipeline around generator. Judging and caching are
// off unless enabled with options.
func NewPipeline(generator PairGenerator, opts ...PipelineOption) (*Pipeline, error) {
	if generator == nil {
		return nil, fmt.Errorf("pair generator cannot be nil")
	}
	p := &Pipeline{
		generator:   generator,
		concurrency: DefaultPipelineConcurrency,
		dedupeRatio: DefaultDedupeRatio,
		logger:      zap.NewNop(),
		metrics:     ports.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type entityOutcome struct {
	pairs  []domain.QAPair
	reused bool
	err    error
}

// Run processes entities concurrently and saves the cache once at the end.
// Entity failures are recorded in the report; the returned error is set
// only when the cache cannot be saved or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, entities []domain.Entity) (RunReport, error) {
	report := RunReport{Entities: len(entities), Errors: map[string]error{}}
	outcomes := make([]entityOutcome, len(entities))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	var mu sync.Mutex
	for i, e := range entities {
		g.Go(func() error {
			out := p.processEntity(ctx, e)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i, out := range outcomes {
		switch {
		case out.err != nil:
			report.Failed++
			report.Errors[entities[i].Ref.CacheKey()] = out.err
		case out.reused:
			report.Reused++
		default:
			report.Generated++
		}
		report.Pairs = append(report.Pairs, out.pairs...)
	}

	if p.cache != nil {
		if err := p.cache.Save(); err != nil {
			return report, err
		}
		hits, misses := p.cache.Stats()
		p.logger.Info("cache stats", zap.Int("hits", hits), zap.Int("misses", misses))
	}

	p.logger.Info("pipeline run finished",
		zap.Int("entities", report.Entities),
		zap.Int("generated", report.Generated),
		zap.Int("reused", report.Reused),
		zap.Int("failed", report.Failed),
		zap.Int("pairs", len(report.Pairs)))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (p *Pipeline) processEntity(ctx context.Context, e domain.Entity) entityOutcome {
	start := time.Now()
	labels := map[string]string{"domain": e.Ref.Domain}
	defer func() { p.metrics.RecordLatency("pipeline_entity", time.Since(start), labels) }()

	if err := ctx.Err(); err != nil {
		return entityOutcome{err: err}
	}

	hash := e.Hash()
	if p.cache != nil && p.cache.IsUnchanged(e.Ref.Domain, e.Ref.ID, hash) {
		if pairs, ok := p.cache.CachedPairs(e.Ref.Domain, e.Ref.ID); ok {
			p.metrics.RecordCounter("pipeline_entities_total", 1, map[string]string{"domain": e.Ref.Domain, "outcome": "reused"})
			return entityOutcome{pairs: pairs, reused: true}
		}
	}

	pairs, err := p.generator.Generate(ctx, e)
	if err != nil {
		reason := failureReason(err)
		p.metrics.RecordCounter("pipeline_entities_total", 1, map[string]string{"domain": e.Ref.Domain, "outcome": "failed"})
		p.metrics.RecordCounter("pipeline_entity_failures_total", 1, map[string]string{"domain": e.Ref.Domain, "reason": reason})
		// Once the budget is spent every remaining entity fails the same way.
		log := p.logger.Warn
		if reason == "budget" {
			log = p.logger.Debug
		}
		log("pair generation failed",
			zap.String("entity", e.Ref.CacheKey()),
			zap.String("reason", reason),
			zap.Error(err))
		return entityOutcome{err: err}
	}

	pairs = UniquePairIDs(DedupeQuestions(pairs, p.dedupeRatio))
	if p.judge != nil {
		pairs = p.judge.Evaluate(ctx, pairs, e.Data)
	}

	// A cancelled run must not cache pairs that were only partly judged.
	if err := ctx.Err(); err != nil {
		return entityOutcome{err: err}
	}
	if p.cache != nil {
		p.cache.Store(e.Ref.Domain, e.Ref.ID, hash, pairs)
	}
	p.metrics.RecordCounter("pipeline_entities_total", 1, map[string]string{"domain": e.Ref.Domain, "outcome": "generated"})
	return entityOutcome{pairs: pairs}
}

// failureReason buckets a generation error for the failure counter.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget"
	case errors.Is(err, ports.ErrAuthenticationFailed):
		return "auth"
	case errors.Is(err, ports.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ports.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ports.ErrServiceUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

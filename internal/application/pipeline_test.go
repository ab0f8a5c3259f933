package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
	"github.com/access-ci/qa-extraction/internal/testutils"
)

// stubGenerator returns two pairs per entity and fails for listed ids.
type stubGenerator struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (s *stubGenerator) Generate(_ context.Context, e domain.Entity) ([]domain.QAPair, error) {
	s.calls.Add(1)
	if s.fail[e.Ref.ID] {
		return nil, errors.New("generation failed")
	}
	cite := e.Ref.Citation().String()
	return []domain.QAPair{
		domain.NewQAPair(PairID(e.Ref, "What is it?"), "What is "+e.Ref.ID+"?", "It is a resource. "+cite, e.SourceRef, e.Ref.Domain),
		domain.NewQAPair(PairID(e.Ref, "What is it!"), "What is "+e.Ref.ID+"!", "Duplicate. "+cite, e.SourceRef, e.Ref.Domain),
		domain.NewQAPair(PairID(e.Ref, "Who runs it?"), "Who operates "+e.Ref.ID+"?", "NCSA. "+cite, e.SourceRef, e.Ref.Domain),
	}, nil
}

func entities(ids ...string) []domain.Entity {
	out := make([]domain.Entity, len(ids))
	for i, id := range ids {
		out[i] = domain.Entity{
			Ref:       domain.EntityRef{Domain: domain.DomainComputeResources, ID: id},
			SourceRef: domain.SourceRef("mcp", domain.DomainComputeResources, "resources", id),
			Data:      map[string]any{"name": strings.ToUpper(id), "version": 1},
		}
	}
	return out
}

// TestPipeline_Run verifies generation, dedupe and judging for every entity.
func TestPipeline_Run(t *testing.T) {
	gen := &stubGenerator{}
	llm := testutils.NewMockLLMClient("judge")
	judge := newTestJudge(t, llm)
	p, err := NewPipeline(gen, WithJudge(judge), WithPipelineConcurrency(2))
	require.NoError(t, err)

	report, err := p.Run(context.Background(), entities("delta", "anvil", "expanse"))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Entities)
	assert.Equal(t, 3, report.Generated)
	assert.Zero(t, report.Reused)
	require.Len(t, report.Pairs, 6, "the near-duplicate question is dropped per entity")
	assert.Equal(t, "mcp://compute-resources/resources/delta", report.Pairs[0].SourceRef)
	assert.Equal(t, "mcp://compute-resources/resources/expanse", report.Pairs[5].SourceRef)
	for _, pair := range report.Pairs {
		assert.True(t, pair.Metadata.Scored(), pair.ID)
	}
	assert.Equal(t, 3, llm.CallCount(), "one judge call per entity")
}

// TestPipeline_Incremental verifies unchanged entities reuse cached pairs
// across runs and changed ones are regenerated.
func TestPipeline_Incremental(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGenerator{}

	first, err := NewPipeline(gen, WithCache(NewIncrementalCache(dir)))
	require.NoError(t, err)
	_, err = first.Run(context.Background(), entities("delta", "anvil"))
	require.NoError(t, err)
	require.Equal(t, int32(2), gen.calls.Load())

	changed := entities("delta", "anvil")
	changed[1].Data["version"] = 2

	cache := NewIncrementalCache(dir)
	second, err := NewPipeline(gen, WithCache(cache))
	require.NoError(t, err)
	report, err := second.Run(context.Background(), changed)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reused)
	assert.Equal(t, 1, report.Generated)
	assert.Equal(t, int32(3), gen.calls.Load())
	assert.Len(t, report.Pairs, 4)
	hits, misses := cache.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

// TestPipeline_Failures verifies a failing entity is reported, not cached,
// and does not stop the others.
func TestPipeline_Failures(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGenerator{fail: map[string]bool{"anvil": true}}
	cache := NewIncrementalCache(dir)
	p, err := NewPipeline(gen, WithCache(cache))
	require.NoError(t, err)

	report, err := p.Run(context.Background(), entities("delta", "anvil"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors, "compute-resources_anvil")
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.CachedPairs(domain.DomainComputeResources, "anvil")
	assert.False(t, ok)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.NewBudgetExceededError("calls", 5, 5), "budget"},
		{fmt.Errorf("generate: %w", ports.ErrAuthenticationFailed), "auth"},
		{ports.ErrRateLimited, "rate_limited"},
		{context.DeadlineExceeded, "timeout"},
		{ports.ErrServiceUnavailable, "unavailable"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.err))
		})
	}
}

// TestPipeline_FailureCounter labels failed entities by reason.
func TestPipeline_FailureCounter(t *testing.T) {
	metrics := newRecordingMetrics()
	gen := &stubGenerator{fail: map[string]bool{"anvil": true}}
	p, err := NewPipeline(gen, WithPipelineMetrics(metrics))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), entities("delta", "anvil"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.counter("pipeline_entity_failures_total",
		map[string]string{"domain": domain.DomainComputeResources, "reason": "error"}))
}

// TestPipeline_Cancelled verifies a cancelled run reports the context error
// and caches nothing.
func TestPipeline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cache := NewIncrementalCache(t.TempDir())
	p, err := NewPipeline(&stubGenerator{}, WithCache(cache))
	require.NoError(t, err)

	report, err := p.Run(ctx, entities("delta"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, cache.Len())
}

// TestPipeline_WithLLMGenerator runs the LLM generator and judge together
// against the mock client.
func TestPipeline_WithLLMGenerator(t *testing.T) {
	llm := testutils.NewMockLLMClient("mock")
	judge := newTestJudge(t, llm)
	p, err := NewPipeline(NewLLMPairGenerator(llm, 0, nil), WithJudge(judge))
	require.NoError(t, err)

	report, err := p.Run(context.Background(), entities("delta"))
	require.NoError(t, err)
	require.Len(t, report.Pairs, 2)
	for _, pair := range report.Pairs {
		assert.Equal(t, domain.DecisionApproved, *pair.Metadata.SuggestedDecision)
	}

	var systems []string
	for _, r := range llm.Requests() {
		systems = append(systems, r.System)
	}
	assert.Equal(t, []string{GenerationSystemPrompt, JudgeSystemPrompt}, systems)
}

// TestNewPipeline_NilGenerator verifies a generator is required.
func TestNewPipeline_NilGenerator(t *testing.T) {
	_, err := NewPipeline(nil)
	assert.Error(t, err)
}

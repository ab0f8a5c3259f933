package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/access-ci/qa-extraction/infrastructure/jsonl"
	"github.com/access-ci/qa-extraction/internal/application"
	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

func computeResources() []any {
	return []any{
		map[string]any{"id": "delta.ncsa", "name": "Delta", "gpus": 4},
		map[string]any{"id": "anvil.purdue", "name": "Anvil"},
		map[string]any{"id": "bridges2.psc", "name": "Bridges-2"},
	}
}

// TestExtract generates, judges and writes pairs for one domain.
func TestExtract(t *testing.T) {
	h := newHarness(t)
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())

	out, err := h.run("extract", domain.DomainComputeResources, "--max-entities", "2", "--combined")
	require.NoError(t, err)
	assert.Contains(t, out, "Extraction summary")
	assert.Contains(t, out, domain.DomainComputeResources)

	pairs, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, "compute-resources_qa_pairs.jsonl"))
	require.NoError(t, err)
	require.Len(t, pairs, 4, "two pairs for each of two entities")
	for _, p := range pairs {
		assert.Equal(t, domain.DomainComputeResources, p.Domain)
		require.NotNil(t, p.Metadata.SuggestedDecision)
		assert.Equal(t, domain.DecisionApproved, *p.Metadata.SuggestedDecision)
	}
	assert.Equal(t, "mcp://compute-resources/resources/delta.ncsa", pairs[0].SourceRef)

	combined, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, jsonl.DefaultCombinedFile))
	require.NoError(t, err)
	assert.Len(t, combined, 4)

	assert.Equal(t, 4, h.llm.CallCount(), "one generation and one judge call per entity")
}

// TestExtract_NoJudge skips scoring.
func TestExtract_NoJudge(t *testing.T) {
	h := newHarness(t)
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())

	_, err := h.run("extract", "--no-judge", domain.DomainComputeResources)
	require.NoError(t, err)

	pairs, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, "compute-resources_qa_pairs.jsonl"))
	require.NoError(t, err)
	assert.Len(t, pairs, 6)
	for _, p := range pairs {
		assert.False(t, p.Metadata.Scored())
	}
	assert.Equal(t, 3, h.llm.CallCount())
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, jsonl.DefaultCombinedFile))
}

// TestExtract_Factoids adds template pairs ahead of the LLM pairs.
func TestExtract_Factoids(t *testing.T) {
	h := newHarness(t)
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())

	_, err := h.run("extract", "--no-judge", "--factoids", domain.DomainComputeResources)
	require.NoError(t, err)

	pairs, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, "compute-resources_qa_pairs.jsonl"))
	require.NoError(t, err)
	require.Len(t, pairs, 12, "two factoids and two LLM pairs for each of three entities")

	factoids := 0
	ids := map[string]bool{}
	for _, p := range pairs {
		if p.Metadata.Granularity == domain.GranularityFactoid {
			factoids++
		}
		assert.False(t, ids[p.ID], "duplicate id %s", p.ID)
		ids[p.ID] = true
	}
	assert.Equal(t, 6, factoids)
	assert.Equal(t, "cr_delta_ncsa_fq_has_gpu", pairs[0].ID)
	assert.Contains(t, pairs[0].Answer(), "No, Delta does not have GPUs.")
	assert.Equal(t, 3, h.llm.CallCount(), "factoids never call the LLM")
}

// TestExtract_CallBudget stops calling the LLM once the run budget is spent.
func TestExtract_CallBudget(t *testing.T) {
	h := newHarness(t)
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())

	out, err := h.run("extract", "--no-judge", "--call-budget", "2", domain.DomainComputeResources)
	require.NoError(t, err)
	assert.Equal(t, 2, h.llm.CallCount())
	assert.Contains(t, out, "LLM budget: 2/2 calls")
	assert.Contains(t, out, "LLM budget exhausted")

	pairs, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, "compute-resources_qa_pairs.jsonl"))
	require.NoError(t, err)
	assert.Len(t, pairs, 4)
}

// TestExtract_Incremental reuses cached pairs on the second run.
func TestExtract_Incremental(t *testing.T) {
	h := newHarness(t)
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())

	_, err := h.run("extract", "--incremental", domain.DomainComputeResources)
	require.NoError(t, err)
	assert.Equal(t, 6, h.llm.CallCount())
	assert.FileExists(t, filepath.Join(h.cfg.OutputDir, application.CacheFileName))

	_, err = h.run("extract", "--incremental", domain.DomainComputeResources)
	require.NoError(t, err)
	assert.Equal(t, 6, h.llm.CallCount(), "unchanged entities must not reach the LLM")

	pairs, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, "compute-resources_qa_pairs.jsonl"))
	require.NoError(t, err)
	assert.Len(t, pairs, 6)
}

// TestExtract_EntityIDs restricts the run to configured ids.
func TestExtract_EntityIDs(t *testing.T) {
	h := newHarness(t)
	h.cfg.Extraction.EntityIDs = []string{"bridges2.psc"}
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())

	_, err := h.run("extract", "--no-judge", domain.DomainComputeResources)
	require.NoError(t, err)

	pairs, err := jsonl.Load(filepath.Join(h.cfg.OutputDir, "compute-resources_qa_pairs.jsonl"))
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "mcp://compute-resources/resources/bridges2.psc", pairs[0].SourceRef)
}

// TestExtract_DomainFailure keeps going past a failing domain and fails
// only when nothing could be extracted.
func TestExtract_DomainFailure(t *testing.T) {
	h := newHarness(t)
	h.source(domain.DomainComputeResources).On("search_resources", computeResources())
	h.source(domain.DomainNSFAwards).Fail("search_nsf_awards", ports.ErrServiceUnavailable)

	out, err := h.run("extract", "--no-judge", domain.DomainComputeResources, domain.DomainNSFAwards)
	require.NoError(t, err)
	assert.Contains(t, out, "service unavailable")
	assert.Contains(t, h.logs.String(), "domain extraction failed")
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "nsf-awards_qa_pairs.jsonl"))

	_, err = h.run("extract", "--no-judge", domain.DomainNSFAwards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no domain could be extracted")
}

// TestExtract_UnknownDomain rejects domains without a configured server.
func TestExtract_UnknownDomain(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("extract", "weather")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown server "weather"`)
	assert.ErrorIs(t, err, ports.ErrUnknownDomain)
	assert.Zero(t, h.llm.CallCount())
}

// TestSelectEntities applies the id filter before the cap.
func TestSelectEntities(t *testing.T) {
	entities := []domain.Entity{
		{Ref: domain.EntityRef{Domain: "d", ID: "a"}},
		{Ref: domain.EntityRef{Domain: "d", ID: "b"}},
		{Ref: domain.EntityRef{Domain: "d", ID: "c"}},
	}
	tests := []struct {
		name string
		ids  []string
		max  int
		want []string
	}{
		{"all", nil, 0, []string{"a", "b", "c"}},
		{"capped", nil, 2, []string{"a", "b"}},
		{"filtered", []string{"c", "a"}, 0, []string{"a", "c"}},
		{"filtered then capped", []string{"c", "b"}, 1, []string{"b"}},
		{"no match", []string{"z"}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range selectEntities(entities, tt.ids, tt.max) {
				got = append(got, e.Ref.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Len(t, entities, 3, "input is not modified")
}

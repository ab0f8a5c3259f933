package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJudgeScore_Confidence verifies confidence is the minimum dimension.
func TestJudgeScore_Confidence(t *testing.T) {
	tests := []struct {
		name    string
		score   JudgeScore
		want    float64
	}{
		{name: "relevance lowest", score: JudgeScore{Faithfulness: 0.9, Relevance: 0.7, Completeness: 0.85}, want: 0.7},
		{name: "faithfulness lowest", score: JudgeScore{Faithfulness: 0.1, Relevance: 1, Completeness: 1}, want: 0.1},
		{name: "completeness lowest", score: JudgeScore{Faithfulness: 0.95, Relevance: 0.9, Completeness: 0.6}, want: 0.6},
		{name: "all equal", score: JudgeScore{Faithfulness: 0.8, Relevance: 0.8, Completeness: 0.8}, want: 0.8},
		{name: "zero default", score: JudgeScore{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.score.Confidence())
		})
	}
}

// TestConfidencePolicy_Decide pins the inclusive threshold boundary.
func TestConfidencePolicy_Decide(t *testing.T) {
	policy := DefaultConfidencePolicy()

	assert.Equal(t, DecisionApproved, policy.Decide(0.8))
	assert.Equal(t, DecisionApproved, policy.Decide(1.0))
	assert.Equal(t, DecisionNeedsReview, policy.Decide(0.79999))
	assert.Equal(t, DecisionNeedsReview, policy.Decide(0))

	strict := ConfidencePolicy{Threshold: 0.95}
	assert.Equal(t, DecisionNeedsReview, strict.Decide(0.9))
}

// TestConfidencePolicy_Apply verifies all judge fields are written and the
// issues slice is not shared with the score.
func TestConfidencePolicy_Apply(t *testing.T) {
	pair := NewQAPair("p1", "q", "a", "mcp://d/t/1", "d")
	score := JudgeScore{
		PairID:       "p1",
		Faithfulness: 0.9,
		Relevance:    0.7,
		Completeness: 0.85,
		Issues:       []string{"vague"},
	}

	DefaultConfidencePolicy().Apply(&pair, score)
	score.Issues[0] = "mutated"

	m := pair.Metadata
	require.True(t, m.Scored())
	assert.Equal(t, 0.9, *m.FaithfulnessScore)
	assert.Equal(t, 0.7, *m.RelevanceScore)
	assert.Equal(t, 0.85, *m.CompletenessScore)
	assert.Equal(t, 0.7, *m.ConfidenceScore)
	assert.Equal(t, []string{"vague"}, m.EvalIssues)
	require.NotNil(t, m.SuggestedDecision)
	assert.Equal(t, DecisionNeedsReview, *m.SuggestedDecision)
}

// TestConfidencePolicy_ApplyEmptyIssues verifies a score without issues
// yields an empty, non-nil list.
func TestConfidencePolicy_ApplyEmptyIssues(t *testing.T) {
	pair := NewQAPair("p1", "q", "a", "mcp://d/t/1", "d")
	DefaultConfidencePolicy().Apply(&pair, JudgeScore{PairID: "p1", Faithfulness: 1, Relevance: 1, Completeness: 1})

	assert.NotNil(t, pair.Metadata.EvalIssues)
	assert.Empty(t, pair.Metadata.EvalIssues)
	assert.Equal(t, DecisionApproved, *pair.Metadata.SuggestedDecision)
}

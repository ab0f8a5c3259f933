package domain

import "math"

// DefaultConfidenceThreshold is the confidence at or above which a pair is
// suggested for approval.
const DefaultConfidenceThreshold = 0.8

// JudgeScore is one per-pair entry of a judge response. Scores are on a
// 0.0 to 1.0 scale.
type JudgeScore struct {
	PairID       string   `json:"pair_id"`
	Faithfulness float64  `json:"faithfulness"`
	Relevance    float64  `json:"relevance"`
	Completeness float64  `json:"completeness"`
	Issues       []string `json:"issues"`
}

// Confidence is the weakest of the three dimensions. A pair that is relevant
// and complete but unfaithful must not be trusted.
func (s JudgeScore) Confidence() float64 {
	return math.Min(s.Faithfulness, math.Min(s.Relevance, s.Completeness))
}

// ConfidencePolicy turns judge scores into a routing decision.
type ConfidencePolicy struct {
	// Threshold is the minimum confidence for DecisionApproved.
	Threshold float64
}

// DefaultConfidencePolicy returns the policy with the 0.8 threshold.
func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{Threshold: DefaultConfidenceThreshold}
}

// Decide maps a confidence value to a decision; the threshold is inclusive.
func (p ConfidencePolicy) Decide(confidence float64) Decision {
	if confidence >= p.Threshold {
		return DecisionApproved
	}
	return DecisionNeedsReview
}

// Apply writes the score set, derived confidence, and decision onto the
// pair's metadata.
func (p ConfidencePolicy) Apply(pair *QAPair, s JudgeScore) {
	f, r, c := s.Faithfulness, s.Relevance, s.Completeness
	conf := s.Confidence()
	decision := p.Decide(conf)

	pair.Metadata.FaithfulnessScore = &f
	pair.Metadata.RelevanceScore = &r
	pair.Metadata.CompletenessScore = &c
	pair.Metadata.ConfidenceScore = &conf
	issues := make([]string, len(s.Issues))
	copy(issues, s.Issues)
	pair.Metadata.EvalIssues = issues
	pair.Metadata.SuggestedDecision = &decision
}

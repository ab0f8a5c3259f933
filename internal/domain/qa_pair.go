package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifies how a QAPair entered the corpus.
type Source string

// Known pair sources.
const (
	SourceMCPExtraction Source = "mcp_extraction"
	SourceUserQA        Source = "user_qa"
	SourceDocGenerated  Source = "doc_generated"
)

// Complexity is a coarse difficulty tag attached to a pair.
type Complexity string

// Complexity tags.
const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Granularity describes the scope of the question a pair answers.
type Granularity string

// Granularity tags.
const (
	GranularityComprehensive Granularity = "comprehensive"
	GranularityFactoid       Granularity = "factoid"
	GranularityComparison    Granularity = "comparison"
	GranularityExploratory   Granularity = "exploratory"
)

// Decision is the review routing suggestion derived from judge scores.
type Decision string

// Review routing decisions.
const (
	DecisionApproved    Decision = "approved"
	DecisionNeedsReview Decision = "needs_review"
)

// Message roles used in a pair's conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a Q&A conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata is the mutable record attached to a QAPair. HasCitation is derived
// from the answer text and is recomputed whenever the answer changes or the
// pair is decoded.
type Metadata struct {
	Complexity     Complexity     `json:"complexity"`
	Granularity    Granularity    `json:"granularity"`
	HasCitation    bool           `json:"has_citation"`
	CreatedAt      string         `json:"created_at"`
	SourceHash     *string        `json:"source_hash"`
	SourceModified *string        `json:"source_modified"`
	SourceData     map[string]any `json:"source_data"`

	// Judge fields stay nil until a judge response scores the pair.
	FaithfulnessScore *float64  `json:"faithfulness_score"`
	RelevanceScore    *float64  `json:"relevance_score"`
	CompletenessScore *float64  `json:"completeness_score"`
	ConfidenceScore   *float64  `json:"confidence_score"`
	EvalIssues        []string  `json:"eval_issues"`
	SuggestedDecision *Decision `json:"suggested_decision"`
}

// Scored reports whether a judge has populated the confidence score.
func (m Metadata) Scored() bool { return m.ConfidenceScore != nil }

// QAPair is one generated training example: a user question and an
// assistant answer tied to the catalog entity it was generated from.
type QAPair struct {
	ID        string    `json:"id"`
	Source    Source    `json:"source"`
	SourceRef string    `json:"source_ref"`
	Domain    string    `json:"domain"`
	Messages  []Message `json:"messages"`
	Metadata  Metadata  `json:"metadata"`
}

// PairOption customizes a QAPair built by NewQAPair.
type PairOption func(*QAPair)

// WithComplexity sets the complexity tag.
func WithComplexity(c Complexity) PairOption {
	return func(p *QAPair) { p.Metadata.Complexity = c }
}

// WithGranularity sets the granularity tag.
func WithGranularity(g Granularity) PairOption {
	return func(p *QAPair) { p.Metadata.Granularity = g }
}

// WithSourceData attaches a snapshot of the entity data for reviewers.
func WithSourceData(data map[string]any) PairOption {
	return func(p *QAPair) { p.Metadata.SourceData = data }
}

// WithSourceHash records the entity hash the pair was generated from.
func WithSourceHash(hash string) PairOption {
	return func(p *QAPair) {
		if hash == "" {
			p.Metadata.SourceHash = nil
			return
		}
		p.Metadata.SourceHash = &hash
	}
}

// WithSource overrides the default mcp_extraction source.
func WithSource(s Source) PairOption {
	return func(p *QAPair) { p.Source = s }
}

// WithCreatedAt pins the creation timestamp.
func WithCreatedAt(t time.Time) PairOption {
	return func(p *QAPair) { p.Metadata.CreatedAt = t.UTC().Format(time.RFC3339Nano) }
}

// NewQAPair builds a pair from a question and answer. HasCitation is derived
// from the answer.
func NewQAPair(id, question, answer, sourceRef, domain string, opts ...PairOption) QAPair {
	p := QAPair{
		ID:        id,
		Source:    SourceMCPExtraction,
		SourceRef: sourceRef,
		Domain:    domain,
		Messages: []Message{
			{Role: RoleUser, Content: question},
			{Role: RoleAssistant, Content: answer},
		},
		Metadata: Metadata{
			Complexity:  ComplexitySimple,
			Granularity: GranularityComprehensive,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	for _, opt := range opts {
		opt(&p)
	}
	p.Metadata.HasCitation = HasCitationMarker(answer)
	return p
}

// Question returns the first message content, or "" when absent.
func (p QAPair) Question() string {
	if len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[0].Content
}

// Answer returns the second message content, or "" when absent.
func (p QAPair) Answer() string {
	if len(p.Messages) < 2 {
		return ""
	}
	return p.Messages[1].Content
}

// SetAnswer replaces the answer text and recomputes HasCitation.
func (p *QAPair) SetAnswer(answer string) {
	for len(p.Messages) < 2 {
		role := RoleUser
		if len(p.Messages) == 1 {
			role = RoleAssistant
		}
		p.Messages = append(p.Messages, Message{Role: role})
	}
	p.Messages[1].Content = answer
	p.Metadata.HasCitation = HasCitationMarker(answer)
}

// Clone returns a deep copy of the pair so cached pairs cannot be mutated
// through a returned value.
func (p QAPair) Clone() QAPair {
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out QAPair
	if err := json.Unmarshal(raw, &out); err != nil {
		return p
	}
	return out
}

// UnmarshalJSON decodes a pair and re-derives HasCitation from the answer so
// a stale stored flag never survives a load. Missing tags get their defaults.
func (p *QAPair) UnmarshalJSON(data []byte) error {
	type rawPair QAPair
	var raw rawPair
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode qa pair: %w", err)
	}
	*p = QAPair(raw)
	if p.Source == "" {
		p.Source = SourceMCPExtraction
	}
	if p.Metadata.Complexity == "" {
		p.Metadata.Complexity = ComplexitySimple
	}
	if p.Metadata.Granularity == "" {
		p.Metadata.Granularity = GranularityComprehensive
	}
	p.Metadata.HasCitation = HasCitationMarker(p.Answer())
	return nil
}

// Validate checks the invariants a pair must satisfy before it is written.
func (p QAPair) Validate() error {
	verr := NewValidationError("QAPair " + p.ID)
	if p.ID == "" {
		verr.AddError("id is required")
	}
	if p.SourceRef == "" {
		verr.AddError("source_ref is required")
	}
	if p.Domain == "" {
		verr.AddError("domain is required")
	}
	if len(p.Messages) != 2 || p.Messages[0].Role != RoleUser || p.Messages[1].Role != RoleAssistant {
		verr.AddError("messages must be one user turn followed by one assistant turn")
	}
	if strings.TrimSpace(p.Question()) == "" || strings.TrimSpace(p.Answer()) == "" {
		verr.AddError("question and answer must be non-empty")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// SourceRef builds the canonical URI of an originating entity, for example
// mcp://compute-resources/resources/delta.ncsa.access-ci.org.
func SourceRef(scheme, domain, entityType, entityID string) string {
	return fmt.Sprintf("%s://%s/%s/%s", scheme, domain, entityType, entityID)
}

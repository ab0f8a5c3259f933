package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// Judge defaults.
const (
	DefaultJudgeMaxTokens      = 2048
	DefaultJudgeMaxConcurrency = 4
)

// JudgeSystemPrompt instructs the judge model how to score a batch.
const JudgeSystemPrompt = `You are a quality evaluator for Q&A pairs about ACCESS-CI resources.

You will receive a batch of Q&A pairs and the source data they were generated from.
Score each pair on three dimensions (0.0 to 1.0):

- **faithfulness**: Does every claim in the answer match the source data?
  1.0 = perfectly faithful, 0.0 = fabricated.
- **relevance**: Does the answer address what was asked?
  1.0 = directly answers the question, 0.0 = off-topic.
- **completeness**: Does the answer cover the key facts from the source?
  1.0 = comprehensive, 0.0 = missing important information.

## Rules

1. Output a JSON array with one object per pair.
2. Each object has: "pair_id" (string), "faithfulness" (float),
   "relevance" (float), "completeness" (float), "issues" (list of strings).
3. The "issues" list should contain brief descriptions of any problems found.
   Empty list if no issues.
4. Be strict on faithfulness. Any claim not directly supported
   by the source data should lower the score.
5. Be lenient on completeness. A focused answer that covers the main points is fine.

## Output format

` + "```json" + `
[
  {"pair_id": "...", "faithfulness": 0.95, "relevance": 0.9,
   "completeness": 0.85, "issues": []},
  {"pair_id": "...", "faithfulness": 1.0, "relevance": 1.0,
   "completeness": 0.8, "issues": ["Minor: could mention end date"]}
]
` + "```"

var judgeUserTemplate = template.Must(template.New("judgeUser").Parse(
	"## Source data\n\n{{.SourceJSON}}\n\n## Q&A pairs to evaluate\n\n{{.PairsBlock}}"))

// judgeScoreSchema describes one element of the judge's response array.
// Score fields are optional and default to zero.
const judgeScoreSchema = `{
  "type": "object",
  "required": ["pair_id"],
  "properties": {
    "pair_id": {"type": "string"},
    "faithfulness": {"type": "number"},
    "relevance": {"type": "number"},
    "completeness": {"type": "number"},
    "issues": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

var compiledJudgeSchema = mustCompileSchema(judgeScoreSchema)

func mustCompileSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("compile judge schema: %v", err))
	}
	return s
}

// JudgeConfig tunes the JudgeEvaluator.
type JudgeConfig struct {
	// Threshold is the minimum confidence for an "approved" suggestion.
	Threshold float64 `yaml:"threshold" validate:"min=0,max=1"`
	// MaxTokens bounds the judge response.
	MaxTokens int `yaml:"max_tokens" validate:"min=1,max=100000"`
	// MaxConcurrency bounds concurrent judge calls in EvaluateBatches.
	MaxConcurrency int `yaml:"max_concurrency" validate:"min=1,max=64"`
}

// DefaultJudgeConfig returns the stock judge settings.
func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		Threshold:      domain.DefaultConfidenceThreshold,
		MaxTokens:      DefaultJudgeMaxTokens,
		MaxConcurrency: DefaultJudgeMaxConcurrency,
	}
}

// EntityBatch is the set of pairs generated from one entity together with
// that entity's source data.
type EntityBatch struct {
	Pairs      []domain.QAPair
	SourceData map[string]any
}

// JudgeEvaluator scores batches of pairs with one LLM call per entity and
// writes the derived confidence and routing decision onto each pair.
type JudgeEvaluator struct {
	llm     ports.LLMClient
	config  JudgeConfig
	policy  domain.ConfidencePolicy
	logger  *zap.Logger
	metrics ports.MetricsCollector
}

// JudgeOption customizes a JudgeEvaluator.
type JudgeOption func(*JudgeEvaluator)

// WithJudgeLogger sets the logger used for judge failures.
func WithJudgeLogger(l *zap.Logger) JudgeOption {
	return func(j *JudgeEvaluator) { j.logger = l }
}

// WithJudgeMetrics sets the metrics collector.
func WithJudgeMetrics(m ports.MetricsCollector) JudgeOption {
	return func(j *JudgeEvaluator) { j.metrics = m }
}

// NewJudgeEvaluator validates cfg and returns an evaluator backed by llm.
func NewJudgeEvaluator(llm ports.LLMClient, cfg JudgeConfig, opts ...JudgeOption) (*JudgeEvaluator, error) {
	if llm == nil {
		return nil, fmt.Errorf("LLM client cannot be nil")
	}
	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: judge: %w", domain.ErrInvalidConfiguration, err)
	}

	j := &JudgeEvaluator{
		llm:     llm,
		config:  cfg,
		policy:  domain.ConfidencePolicy{Threshold: cfg.Threshold},
		logger:  zap.NewNop(),
		metrics: ports.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Evaluate scores pairs against sourceData in one LLM round trip. Pairs are
// updated in place and the same slice is returned. Failures are logged and
// leave the pairs unscored; they are never returned to the caller.
func (j *JudgeEvaluator) Evaluate(ctx context.Context, pairs []domain.QAPair, sourceData map[string]any) []domain.QAPair {
	if len(pairs) == 0 {
		return pairs
	}

	prompt, err := BuildJudgePrompt(pairs, sourceData)
	if err != nil {
		j.fail(pairs, "build prompt", err)
		return pairs
	}

	temperature := 0.0
	resp, err := j.llm.Generate(ctx, ports.GenerateRequest{
		System:      JudgeSystemPrompt,
		User:        prompt,
		MaxTokens:   j.config.MaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		j.fail(pairs, "generate", ports.NewLLMError(j.llm.GetModel(), "judge", err))
		return pairs
	}

	scores, err := ParseJudgeResponse(resp.Text)
	if err != nil {
		j.fail(pairs, "parse response", err)
		return pairs
	}

	byID := make(map[string]domain.JudgeScore, len(scores))
	for _, s := range scores {
		byID[s.PairID] = s
	}

	var scored int
	for i := range pairs {
		s, ok := byID[pairs[i].ID]
		if !ok {
			continue
		}
		j.policy.Apply(&pairs[i], s)
		scored++
		j.metrics.RecordHistogram("judge_confidence", s.Confidence(), map[string]string{"domain": pairs[i].Domain})
	}

	labels := map[string]string{"outcome": "scored"}
	j.metrics.RecordCounter("judge_evaluations_total", float64(scored), labels)
	if unscored := len(pairs) - scored; unscored > 0 {
		j.metrics.RecordCounter("judge_evaluations_total", float64(unscored), map[string]string{"outcome": "unscored"})
		j.logger.Info("judge left pairs unscored",
			zap.Int("scored", scored),
			zap.Int("unscored", unscored),
			zap.String("source_ref", pairs[0].SourceRef))
	}
	return pairs
}

func (j *JudgeEvaluator) fail(pairs []domain.QAPair, stage string, err error) {
	j.metrics.RecordCounter("judge_evaluations_total", float64(len(pairs)), map[string]string{"outcome": "error"})
	j.logger.Warn("judge evaluation failed",
		zap.String("stage", stage),
		zap.String("source_ref", pairs[0].SourceRef),
		zap.Int("pairs", len(pairs)),
		zap.Error(err))
}

// EvaluateBatches judges each batch concurrently, bounded by
// MaxConcurrency. The result at index i belongs to batches[i]. A failing
// batch does not cancel its siblings.
func (j *JudgeEvaluator) EvaluateBatches(ctx context.Context, batches []EntityBatch) [][]domain.QAPair {
	results := make([][]domain.QAPair, len(batches))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(j.config.MaxConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			scored := j.Evaluate(ctx, batch.Pairs, batch.SourceData)
			mu.Lock()
			results[i] = scored
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BuildJudgePrompt renders the user prompt: the indented source data
// followed by one block per pair.
func BuildJudgePrompt(pairs []domain.QAPair, sourceData map[string]any) (string, error) {
	sourceJSON, err := json.MarshalIndent(sourceData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode source data: %w", err)
	}

	blocks := make([]string, len(pairs))
	for i, p := range pairs {
		blocks[i] = fmt.Sprintf("### %s\n**Q:** %s\n**A:** %s\n", p.ID, p.Question(), p.Answer())
	}

	var buf bytes.Buffer
	err = judgeUserTemplate.Execute(&buf, struct {
		SourceJSON string
		PairsBlock string
	}{
		SourceJSON: string(sourceJSON),
		PairsBlock: strings.Join(blocks, "\n"),
	})
	if err != nil {
		return "", fmt.Errorf("render judge prompt: %w", err)
	}
	return buf.String(), nil
}

// ParseJudgeResponse extracts the score array from a judge reply. The array
// is the span from the first '[' to the last ']', so surrounding prose is
// tolerated. Elements that fail the score schema are dropped.
func ParseJudgeResponse(text string) ([]domain.JudgeScore, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, domain.ErrNoJSONArray
	}

	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &elements); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedJudgeJSON, err)
	}

	scores := make([]domain.JudgeScore, 0, len(elements))
	for _, raw := range elements {
		result, err := compiledJudgeSchema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil || !result.Valid() {
			continue
		}
		var s domain.JudgeScore
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.Issues == nil {
			s.Issues = []string{}
		}
		scores = append(scores, s)
	}

	if len(scores) == 0 {
		return nil, domain.ErrEmptyJudgeArray
	}
	return scores, nil
}

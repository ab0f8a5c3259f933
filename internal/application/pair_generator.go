package application

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// DefaultGenerationMaxTokens bounds a generation reply.
const DefaultGenerationMaxTokens = 2048

// GenerationSystemPrompt instructs the generator model.
const GenerationSystemPrompt = `You are a Q&A pair generator for ACCESS-CI resources. Your task is to generate high-quality question-answer pairs based on the provided entity data.

Guidelines:
1. Only generate questions that can be accurately answered from the provided data.
2. Do not make up or infer information that isn't explicitly in the data.
3. Generate a variety of question types: what is, who operates, technical details, capabilities.
4. Questions should be natural, the kind a researcher might actually ask.
5. Answers should be informative but concise.
6. Each answer must end with the citation marker provided.

Output format: Return a JSON array of objects with "question" and "answer" fields.`

var generationUserTemplate = template.Must(template.New("generationUser").Parse(
	"Generate Q&A pairs for this ACCESS-CI {{.Domain}} entity.\n\n" +
		"Entity ID: {{.EntityID}}\n" +
		"Citation marker to use: {{.Citation}}\n\n" +
		"## Entity data\n\n{{.DataJSON}}\n\n" +
		"Generate appropriate Q&A pairs based on what information is actually available. Return only the JSON array."))

// domainPrefixes shorten pair ids per catalog domain.
var domainPrefixes = map[string]string{
	domain.DomainComputeResources:  "cr",
	domain.DomainSoftwareDiscovery: "sw",
	domain.DomainAffinityGroups:    "ag",
	domain.DomainAllocations:       "alloc",
	domain.DomainNSFAwards:         "nsf",
}

var (
	slugPattern  = regexp.MustCompile(`[^a-z0-9]+`)
	arrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)
)

// moderateTerms mark questions that ask for detail rather than a fact.
var moderateTerms = []string{"specifications", "how many", "performance", "compared"}

// PairGenerator produces pairs for one entity.
type PairGenerator interface {
	Generate(ctx context.Context, entity domain.Entity) ([]domain.QAPair, error)
}

// LLMPairGenerator asks an LLM for a JSON array of question and answer
// objects about one entity.
type LLMPairGenerator struct {
	llm       ports.LLMClient
	maxTokens int
	logger    *zap.Logger
}

// NewLLMPairGenerator returns a generator backed by llm. A non-positive
// maxTokens uses DefaultGenerationMaxTokens.
func NewLLMPairGenerator(llm ports.LLMClient, maxTokens int, logger *zap.Logger) *LLMPairGenerator {
	if maxTokens <= 0 {
		maxTokens = DefaultGenerationMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMPairGenerator{llm: llm, maxTokens: maxTokens, logger: logger}
}

// Generate builds the prompt, calls the model and converts the reply.
// Items without both a question and an answer are skipped.
func (g *LLMPairGenerator) Generate(ctx context.Context, entity domain.Entity) ([]domain.QAPair, error) {
	prompt, err := BuildGenerationPrompt(entity)
	if err != nil {
		return nil, err
	}
	resp, err := g.llm.Generate(ctx, ports.GenerateRequest{
		System:    GenerationSystemPrompt,
		User:      prompt,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return nil, ports.NewLLMError(g.llm.GetModel(), "generate", err)
	}

	match := arrayPattern.FindString(resp.Text)
	if match == "" {
		return nil, fmt.Errorf("%s: %w", entity.Ref.CacheKey(), domain.ErrNoJSONArray)
	}
	var items []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(match), &items); err != nil {
		return nil, fmt.Errorf("%s: decode generated pairs: %w", entity.Ref.CacheKey(), err)
	}

	hash := entity.Hash()
	pairs := make([]domain.QAPair, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Question) == "" || strings.TrimSpace(it.Answer) == "" {
			continue
		}
		pairs = append(pairs, domain.NewQAPair(
			PairID(entity.Ref, it.Question),
			it.Question,
			it.Answer,
			entity.SourceRef,
			entity.Ref.Domain,
			domain.WithComplexity(complexityOf(it.Question)),
			domain.WithSourceData(entity.Data),
			domain.WithSourceHash(hash),
		))
	}
	g.logger.Debug("generated pairs",
		zap.String("entity", entity.Ref.CacheKey()),
		zap.Int("pairs", len(pairs)))
	return pairs, nil
}

// BuildGenerationPrompt renders the user prompt for one entity.
func BuildGenerationPrompt(entity domain.Entity) (string, error) {
	dataJSON, err := json.MarshalIndent(entity.Data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode entity data: %w", err)
	}
	var buf bytes.Buffer
	err = generationUserTemplate.Execute(&buf, map[string]string{
		"Domain":   entity.Ref.Domain,
		"EntityID": entity.Ref.ID,
		"Citation": entity.Ref.Citation().String(),
		"DataJSON": string(dataJSON),
	})
	if err != nil {
		return "", fmt.Errorf("render generation prompt: %w", err)
	}
	return buf.String(), nil
}

// PairID builds {prefix}_{entity}_{slug}_{hash}: the domain prefix, the
// entity id with '.' and '-' turned into '_', the first 30 characters of the
// question slug and the first 6 hex digits of the question's md5. Questions
// sharing a slug prefix still get distinct ids.
func PairID(ref domain.EntityRef, question string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(question), "_")
	if len(slug) > 30 {
		slug = slug[:30]
	}
	sum := md5.Sum([]byte(question))
	return entityIDStem(ref) + "_" + slug + "_" + hex.EncodeToString(sum[:])[:6]
}

func entityIDStem(ref domain.EntityRef) string {
	prefix, ok := domainPrefixes[ref.Domain]
	if !ok {
		prefix = strings.ReplaceAll(ref.Domain, "-", "_")
	}
	return prefix + "_" + strings.NewReplacer(".", "_", "-", "_").Replace(ref.ID)
}

// UniquePairIDs suffixes repeated ids with _2, _3 and so on so every pair
// of one batch has its own id. The judge and the review store key on it.
func UniquePairIDs(pairs []domain.QAPair) []domain.QAPair {
	used := make(map[string]bool, len(pairs))
	for i := range pairs {
		base, id := pairs[i].ID, pairs[i].ID
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		used[id] = true
		pairs[i].ID = id
	}
	return pairs
}

// GeneratorChain runs each generator for an entity and concatenates their
// pairs in order. The first failure fails the entity.
type GeneratorChain []PairGenerator

// Generate implements PairGenerator.
func (c GeneratorChain) Generate(ctx context.Context, entity domain.Entity) ([]domain.QAPair, error) {
	var pairs []domain.QAPair
	for _, g := range c {
		got, err := g.Generate(ctx, entity)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, got...)
	}
	return pairs, nil
}

func complexityOf(question string) domain.Complexity {
	lower := strings.ToLower(question)
	for _, term := range moderateTerms {
		if strings.Contains(lower, term) {
			return domain.ComplexityModerate
		}
	}
	return domain.ComplexitySimple
}

package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// DefaultLoadConcurrency bounds concurrent domain loads.
const DefaultLoadConcurrency = 5

// SourceResolver returns the entity source serving a domain.
type SourceResolver interface {
	SourceFor(domainName string) (ports.EntitySource, bool)
}

// SingleSource serves every domain from one entity source.
func SingleSource(src ports.EntitySource) SourceResolver {
	return singleSource{src}
}

type singleSource struct{ src ports.EntitySource }

func (s singleSource) SourceFor(string) (ports.EntitySource, bool) { return s.src, s.src != nil }

// CitationResult is the verdict on one citation.
type CitationResult struct {
	Citation domain.Citation `json:"citation"`
	Valid    bool            `json:"valid"`
	Error    string          `json:"error,omitempty"`

	// DomainFailed marks citations whose domain failed to load. Their
	// invalid verdict reflects missing data, not a hallucination.
	DomainFailed bool `json:"domain_failed,omitempty"`
}

// AnswerResult holds the verdicts for every citation in one answer.
type AnswerResult struct {
	Citations    []domain.Citation `json:"citations"`
	Results      []CitationResult  `json:"results"`
	HasCitations bool              `json:"has_citations"`
}

// AllValid is true when the answer cites something and every citation is
// valid. An answer without citations is never all valid.
func (r AnswerResult) AllValid() bool {
	if !r.HasCitations {
		return false
	}
	for _, res := range r.Results {
		if !res.Valid {
			return false
		}
	}
	return true
}

// InvalidCitations returns the failing verdicts in order.
func (r AnswerResult) InvalidCitations() []CitationResult {
	var out []CitationResult
	for _, res := range r.Results {
		if !res.Valid {
			out = append(out, res)
		}
	}
	return out
}

// LoadReport summarizes a LoadEntities run.
type LoadReport struct {
	// Loaded maps each successfully loaded domain to its identifier count.
	Loaded map[string]int
	// Failed maps each failed domain to the cause.
	Failed map[string]error
	// Skipped lists configured domains without a source.
	Skipped []string
}

// InvalidPair is a pair with at least one invalid citation.
type InvalidPair struct {
	PairID    string           `json:"pair_id"`
	SourceRef string           `json:"source_ref"`
	Invalid   []CitationResult `json:"invalid"`
}

// CorpusReport buckets a corpus by citation outcome. Every pair lands in
// exactly one of Valid, Invalid and NoCitations.
type CorpusReport struct {
	Total        int           `json:"total"`
	Valid        int           `json:"valid"`
	Invalid      int           `json:"invalid"`
	NoCitations  int           `json:"no_citations"`
	InvalidPairs []InvalidPair `json:"invalid_pairs,omitempty"`
}

// CitationValidator checks <<SRC:domain:id>> markers against the
// identifiers each catalog domain actually serves. Domains are loaded once
// in bulk; validation afterwards is a read-only lookup.
type CitationValidator struct {
	sources     SourceResolver
	specs       []DomainSpec
	concurrency int
	logger      *zap.Logger
	metrics     ports.MetricsCollector

	mu     sync.RWMutex
	known  map[string]map[string]struct{}
	failed map[string]error

	seenMu       sync.Mutex
	unconfigured map[string]struct{}
}

// ValidatorOption customizes a CitationValidator.
type ValidatorOption func(*CitationValidator)

// WithDomainSpecs replaces the default catalog domain specs.
func WithDomainSpecs(specs ...DomainSpec) ValidatorOption {
	return func(v *CitationValidator) { v.specs = specs }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *zap.Logger) ValidatorOption {
	return func(v *CitationValidator) { v.logger = l }
}

// WithValidatorMetrics sets the metrics collector.
func WithValidatorMetrics(m ports.MetricsCollector) ValidatorOption {
	return func(v *CitationValidator) { v.metrics = m }
}

// WithLoadConcurrency bounds concurrent domain loads.
func WithLoadConcurrency(n int) ValidatorOption {
	return func(v *CitationValidator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// NewCitationValidator returns a validator with nothing loaded. sources may
// be nil when only AddEntities or LoadEntitiesFromPairs will be used.
func NewCitationValidator(sources SourceResolver, opts ...ValidatorOption) *CitationValidator {
	v := &CitationValidator{
		sources:      sources,
		specs:        DefaultDomainSpecs(),
		concurrency:  DefaultLoadConcurrency,
		logger:       zap.NewNop(),
		metrics:      ports.NoopMetrics{},
		known:        map[string]map[string]struct{}{},
		failed:       map[string]error{},
		unconfigured: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LoadEntities fetches the identifier set of every configured domain
// concurrently. A failing domain ends up loaded with an empty set and is
// recorded in the report; the other domains are unaffected.
func (v *CitationValidator) LoadEntities(ctx context.Context) LoadReport {
	report := LoadReport{Loaded: map[string]int{}, Failed: map[string]error{}}
	var reportMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for _, spec := range v.specs {
		src, ok := v.source(spec.Domain)
		if !ok {
			report.Skipped = append(report.Skipped, spec.Domain)
			v.logger.Debug("no entity source for domain", zap.String("domain", spec.Domain))
			continue
		}

		g.Go(func() error {
			start := time.Now()
			ids, err := v.loadDomain(ctx, src, spec)
			v.metrics.RecordLatency("citation_domain_load", time.Since(start), map[string]string{"domain": spec.Domain})

			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				loadErr := domain.NewDomainLoadError(spec.Domain, err)
				v.markFailed(spec.Domain, loadErr)
				report.Failed[spec.Domain] = loadErr
				v.metrics.RecordCounter("citation_domain_loads_total", 1, map[string]string{"domain": spec.Domain, "outcome": "failed"})
				v.logger.Warn("could not load domain entities",
					zap.String("domain", spec.Domain),
					zap.Error(err))
				return nil
			}
			v.replaceDomain(spec.Domain, ids)
			report.Loaded[spec.Domain] = len(ids)
			v.metrics.RecordCounter("citation_domain_loads_total", 1, map[string]string{"domain": spec.Domain, "outcome": "loaded"})
			v.logger.Info("loaded domain entities",
				zap.String("domain", spec.Domain),
				zap.Int("entities", len(ids)))
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (v *CitationValidator) source(domainName string) (ports.EntitySource, bool) {
	if v.sources == nil {
		return nil, false
	}
	return v.sources.SourceFor(domainName)
}

// loadDomain runs the listing call and, when it fails or comes back empty,
// the DomainSpec fallback. A primary error is reported only if the fallback
// also produced nothing.
func (v *CitationValidator) loadDomain(ctx context.Context, src ports.EntitySource, spec DomainSpec) ([]string, error) {
	ids, err := fetchIDs(ctx, src, spec)
	if err == nil && len(ids) > 0 {
		return ids, nil
	}
	if spec.Fallback == nil {
		return ids, err
	}

	if err != nil {
		v.logger.Debug("listing failed, using fallback",
			zap.String("domain", spec.Domain),
			zap.String("tool", spec.Tool),
			zap.Error(err))
	}
	fallbackIDs := v.loadFallback(ctx, src, spec)
	if len(fallbackIDs) == 0 && err != nil {
		return nil, err
	}
	return fallbackIDs, nil
}

func fetchIDs(ctx context.Context, src ports.EntitySource, spec DomainSpec) ([]string, error) {
	payload, err := src.CallTool(ctx, spec.Tool, spec.Args)
	if err != nil {
		return nil, err
	}
	return spec.ExtractIDs(payload)
}

func (v *CitationValidator) loadFallback(ctx context.Context, src ports.EntitySource, spec DomainSpec) []string {
	fb := spec.Fallback
	viaSrc, ok := v.source(fb.Via.Domain)
	if !ok {
		return nil
	}
	viaIDs, err := fetchIDs(ctx, viaSrc, fb.Via)
	if err != nil {
		v.logger.Warn("fallback could not list driving domain",
			zap.String("domain", spec.Domain),
			zap.String("via", fb.Via.Domain),
			zap.Error(err))
		return nil
	}

	perEntity := DomainSpec{Domain: spec.Domain, ListKeys: fb.ListKeys, IDKeys: fb.IDKeys}
	results := make([][]string, len(viaIDs))

	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, viaID := range viaIDs {
		g.Go(func() error {
			payload, err := src.CallTool(ctx, fb.Tool, fb.ArgsFor(viaID))
			if err != nil {
				v.logger.Debug("fallback query failed",
					zap.String("domain", spec.Domain),
					zap.String("via_id", viaID),
					zap.Error(err))
				return nil
			}
			ids, err := perEntity.ExtractIDs(payload)
			if err == nil {
				results[i] = ids
			}
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]struct{}{}
	var union []string
	for _, ids := range results {
		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				union = append(union, id)
			}
		}
	}
	return union
}

func (v *CitationValidator) replaceDomain(domainName string, ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	v.mu.Lock()
	v.known[domainName] = set
	delete(v.failed, domainName)
	v.mu.Unlock()
}

func (v *CitationValidator) markFailed(domainName string, err error) {
	v.mu.Lock()
	v.known[domainName] = map[string]struct{}{}
	v.failed[domainName] = err
	v.mu.Unlock()
}

// ExtractCitations returns the citations in answer in order of appearance.
func (v *CitationValidator) ExtractCitations(answer string) []domain.Citation {
	return domain.ExtractCitations(answer)
}

// ValidateCitation judges one citation. A domain that was never loaded
// cannot be judged and its citations are presumed valid.
func (v *CitationValidator) ValidateCitation(c domain.Citation) CitationResult {
	v.mu.RLock()
	set, loaded := v.known[c.Domain]
	_, failed := v.failed[c.Domain]
	_, found := set[c.EntityID]
	v.mu.RUnlock()

	if !loaded {
		v.noteUnconfigured(c.Domain)
		return CitationResult{Citation: c, Valid: true}
	}
	if found {
		return CitationResult{Citation: c, Valid: true}
	}
	return CitationResult{
		Citation:     c,
		Valid:        false,
		Error:        fmt.Sprintf("entity %q not found in domain %q", c.EntityID, c.Domain),
		DomainFailed: failed,
	}
}

func (v *CitationValidator) noteUnconfigured(domainName string) {
	v.seenMu.Lock()
	v.unconfigured[domainName] = struct{}{}
	v.seenMu.Unlock()
}

// ValidateAnswer validates every citation in answer independently.
func (v *CitationValidator) ValidateAnswer(answer string) AnswerResult {
	citations := v.ExtractCitations(answer)
	result := AnswerResult{
		Citations:    citations,
		Results:      make([]CitationResult, 0, len(citations)),
		HasCitations: len(citations) > 0,
	}
	for _, c := range citations {
		res := v.ValidateCitation(c)
		result.Results = append(result.Results, res)
		outcome := "valid"
		if !res.Valid {
			outcome = "invalid"
		}
		v.metrics.RecordCounter("citations_validated_total", 1, map[string]string{"domain": c.Domain, "outcome": outcome})
	}
	return result
}

// ValidatePairs validates the answer of every pair and buckets the corpus.
func (v *CitationValidator) ValidatePairs(pairs []domain.QAPair) CorpusReport {
	report := CorpusReport{Total: len(pairs)}
	for _, p := range pairs {
		res := v.ValidateAnswer(p.Answer())
		switch {
		case !res.HasCitations:
			report.NoCitations++
		case res.AllValid():
			report.Valid++
		default:
			report.Invalid++
			report.InvalidPairs = append(report.InvalidPairs, InvalidPair{
				PairID:    p.ID,
				SourceRef: p.SourceRef,
				Invalid:   res.InvalidCitations(),
			})
		}
	}
	return report
}

// AddEntities adds identifiers to a domain's known set, creating it if
// needed.
func (v *CitationValidator) AddEntities(domainName string, ids ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set, ok := v.known[domainName]
	if !ok {
		set = map[string]struct{}{}
		v.known[domainName] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// LoadEntitiesFromPairs treats every citation in pairs as a known entity,
// so a corpus can be checked for self-consistency without any source.
func (v *CitationValidator) LoadEntitiesFromPairs(pairs []domain.QAPair) {
	for _, p := range pairs {
		if len(p.Messages) < 2 {
			continue
		}
		for _, c := range domain.ExtractCitations(p.Answer()) {
			v.AddEntities(c.Domain, c.EntityID)
		}
	}
}

// KnownEntities returns the sorted identifiers known for a domain.
func (v *CitationValidator) KnownEntities(domainName string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set := v.known[domainName]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// FailedDomains returns the domains whose last load failed, with causes.
func (v *CitationValidator) FailedDomains() map[string]error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]error, len(v.failed))
	for d, err := range v.failed {
		out[d] = err
	}
	return out
}

// UnconfiguredDomains returns, sorted, the domains seen in validated
// citations that were never loaded.
func (v *CitationValidator) UnconfiguredDomains() []string {
	v.seenMu.Lock()
	defer v.seenMu.Unlock()
	out := make([]string, 0, len(v.unconfigured))
	for d := range v.unconfigured {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// IsDomainLoadFailure reports whether err stems from a failed domain load.
func IsDomainLoadFailure(err error) bool {
	return errors.Is(err, domain.ErrDomainLoadFailed)
}

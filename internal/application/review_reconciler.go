package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// Review record layout.
const (
	QuestionEmbeddingVector = "question_embedding"
	ReplacedReasonChanged   = "source_data_changed"

	AnnotationHasEdits     = "has_edits"
	AnnotationApprovedOnly = "approved_only"

	// MaxSourceDataChars caps the source snapshot shown to reviewers.
	MaxSourceDataChars = 5000

	DefaultReviewConcurrency = 4
)

// editQuestions are the review questions whose submitted answers count as
// substantive edits rather than a plain approval.
var editQuestions = map[string]bool{
	"edited_question": true,
	"edited_answer":   true,
	"rejection_notes": true,
}

// PushResult totals one Push call. Failed maps a source_ref to the error
// that stopped its group.
type PushResult struct {
	Groups   int
	Pushed   int
	Archived int
	Deleted  int
	Failed   map[string]error
}

// CorpusLoader reads a corpus file into pairs.
type CorpusLoader func(path string) ([]domain.QAPair, error)

// ReviewReconciler keeps the live review dataset in step with freshly
// generated pairs. For each source_ref it archives records that carry
// submitted human responses, deletes every live record of that entity and
// inserts the new ones. The archive step must succeed before anything is
// deleted.
type ReviewReconciler struct {
	backend  ports.ReviewBackend
	embedder ports.Embedder

	live        string
	archive     string
	concurrency int
	now         func() time.Time
	load        CorpusLoader
	logger      *zap.Logger
	metrics     ports.MetricsCollector
}

// ReconcilerOption customizes a ReviewReconciler.
type ReconcilerOption func(*ReviewReconciler)

// WithDatasets overrides the live and archive dataset names.
func WithDatasets(live, archive string) ReconcilerOption {
	return func(r *ReviewReconciler) {
		r.live = live
		r.archive = archive
	}
}

// WithReviewConcurrency bounds how many source_ref groups run at once.
func WithReviewConcurrency(n int) ReconcilerOption {
	return func(r *ReviewReconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock sets the time source for archive stamps.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *ReviewReconciler) { r.now = now }
}

// WithCorpusLoader sets the reader used by PushFromJSONL.
func WithCorpusLoader(load CorpusLoader) ReconcilerOption {
	return func(r *ReviewReconciler) { r.load = load }
}

// WithReviewLogger sets the logger.
func WithReviewLogger(l *zap.Logger) ReconcilerOption {
	return func(r *ReviewReconciler) { r.logger = l }
}

// WithReviewMetrics sets the metrics collector.
func WithReviewMetrics(m ports.MetricsCollector) ReconcilerOption {
	return func(r *ReviewReconciler) { r.metrics = m }
}

// NewReviewReconciler returns a reconciler writing to the default
// qa-review datasets.
func NewReviewReconciler(backend ports.ReviewBackend, embedder ports.Embedder, opts ...ReconcilerOption) (*ReviewReconciler, error) {
	if backend == nil {
		return nil, fmt.Errorf("review backend cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	r := &ReviewReconciler{
		backend:     backend,
		embedder:    embedder,
		live:        DefaultReviewDataset,
		archive:     DefaultArchiveDataset,
		concurrency: DefaultReviewConcurrency,
		now:         time.Now,
		logger:      zap.NewNop(),
		metrics:     ports.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.live == "" || r.archive == "" || r.live == r.archive {
		return nil, fmt.Errorf("%w: live and archive datasets must be distinct and non-empty", domain.ErrInvalidConfiguration)
	}
	return r, nil
}

type pairGroup struct {
	sourceRef string
	pairs     []domain.QAPair
}

// groupBySourceRef partitions pairs by source_ref in first-seen order.
func groupBySourceRef(pairs []domain.QAPair) []pairGroup {
	index := map[string]int{}
	var groups []pairGroup
	for _, p := range pairs {
		i, ok := index[p.SourceRef]
		if !ok {
			i = len(groups)
			index[p.SourceRef] = i
			groups = append(groups, pairGroup{sourceRef: p.SourceRef})
		}
		groups[i].pairs = append(groups[i].pairs, p)
	}
	return groups
}

// Push reconciles every source_ref group in pairs. Groups run concurrently
// and independently; the steps within a group never overlap. The returned
// error is set only when the live dataset cannot be prepared.
func (r *ReviewReconciler) Push(ctx context.Context, pairs []domain.QAPair) (PushResult, error) {
	result := PushResult{Failed: map[string]error{}}
	if len(pairs) == 0 {
		return result, nil
	}
	if err := r.backend.EnsureDataset(ctx, r.live); err != nil {
		return result, ports.NewReviewStoreError(r.live, "ensure", err)
	}

	groups := groupBySourceRef(pairs)
	result.Groups = len(groups)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, grp := range groups {
		g.Go(func() error {
			stats, err := r.reconcileGroup(ctx, grp)

			mu.Lock()
			defer mu.Unlock()
			result.Archived += stats.archived
			result.Deleted += stats.deleted
			if err != nil {
				result.Failed[grp.sourceRef] = err
				return nil
			}
			result.Pushed += stats.pushed
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("review push finished",
		zap.Int("groups", result.Groups),
		zap.Int("pushed", result.Pushed),
		zap.Int("archived", result.Archived),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

type groupStats struct {
	pushed, archived, deleted int
}

// reconcileGroup runs the replace cycle for one source_ref. Fresh records
// are embedded before anything is changed so a failing embedder leaves the
// live dataset untouched.
func (r *ReviewReconciler) reconcileGroup(ctx context.Context, grp pairGroup) (groupStats, error) {
	var stats groupStats
	log := r.logger.With(zap.String("source_ref", grp.sourceRef))

	fresh := make([]ports.ReviewRecord, 0, len(grp.pairs))
	for _, p := range grp.pairs {
		vec, err := r.embedder.Embed(ctx, p.Question())
		if err != nil {
			log.Warn("embedding failed, group skipped", zap.String("pair_id", p.ID), zap.Error(err))
			return stats, fmt.Errorf("embed pair %s: %w", p.ID, err)
		}
		rec, err := RecordFromPair(p, vec)
		if err != nil {
			return stats, err
		}
		fresh = append(fresh, rec)
	}

	existing, err := r.backend.Query(ctx, r.live, grp.sourceRef)
	if err != nil {
		log.Warn("query live records failed", zap.Error(err))
		return stats, ports.NewReviewStoreError(r.live, "query", err)
	}

	var annotated []ports.ReviewRecord
	for _, rec := range existing {
		if rec.Annotated() {
			annotated = append(annotated, rec)
		}
	}

	if len(annotated) > 0 {
		if err := r.archiveRecords(ctx, annotated); err != nil {
			log.Error("archive failed, live records left in place",
				zap.Int("annotated", len(annotated)),
				zap.Error(err))
			return stats, fmt.Errorf("%w: %s: %w", domain.ErrArchiveFailed, grp.sourceRef, err)
		}
		stats.archived = len(annotated)
		r.metrics.RecordCounter("review_records_total", float64(len(annotated)), map[string]string{"action": "archived"})
		log.Warn("archived annotated records",
			zap.Int("archived", len(annotated)),
			zap.String("dataset", r.archive))
	}

	if len(existing) > 0 {
		n, err := r.backend.Delete(ctx, r.live, grp.sourceRef)
		if err != nil {
			log.Warn("delete live records failed", zap.Error(err))
			return stats, ports.NewReviewStoreError(r.live, "delete", err)
		}
		stats.deleted = n
		if n > len(existing) {
			log.Error("delete removed records the query never returned",
				zap.Int("queried", len(existing)),
				zap.Int("deleted", n))
		}
		r.metrics.RecordCounter("review_records_total", float64(n), map[string]string{"action": "deleted"})
	}

	if err := r.backend.Insert(ctx, r.live, fresh); err != nil {
		log.Warn("insert fresh records failed", zap.Error(err))
		return stats, ports.NewReviewStoreError(r.live, "insert", err)
	}
	stats.pushed = len(fresh)
	r.metrics.RecordCounter("review_records_total", float64(len(fresh)), map[string]string{"action": "pushed"})
	log.Info("replaced review records",
		zap.Int("deleted", stats.deleted),
		zap.Int("archived", stats.archived),
		zap.Int("pushed", stats.pushed))
	return stats, nil
}

func (r *ReviewReconciler) archiveRecords(ctx context.Context, records []ports.ReviewRecord) error {
	if err := r.backend.EnsureDataset(ctx, r.archive); err != nil {
		return ports.NewReviewStoreError(r.archive, "ensure", err)
	}

	archivedAt := r.now().UTC().Format(time.RFC3339)
	out := make([]ports.ReviewRecord, len(records))
	for i, rec := range records {
		out[i] = archivedCopy(rec, archivedAt)
	}
	if err := r.backend.Insert(ctx, r.archive, out); err != nil {
		return ports.NewReviewStoreError(r.archive, "insert", err)
	}
	return nil
}

// archivedCopy duplicates a live record for the archive. The archive may
// hold several superseded versions of the same pair, so the copy gets its
// own id and remembers the original in archived_from.
func archivedCopy(rec ports.ReviewRecord, archivedAt string) ports.ReviewRecord {
	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	meta := make(map[string]any, len(rec.Metadata)+4)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["archived_at"] = archivedAt
	meta["replaced_reason"] = ReplacedReasonChanged
	meta["annotation_depth"] = AnnotationDepth(rec)
	meta["archived_from"] = rec.ID

	vectors := make(map[string][]float32, len(rec.Vectors))
	for k, v := range rec.Vectors {
		vectors[k] = append([]float32(nil), v...)
	}
	responses := append([]ports.ReviewResponse(nil), rec.Responses...)

	return ports.ReviewRecord{
		ID:        rec.ID + "@" + archivedAt,
		Fields:    fields,
		Metadata:  meta,
		Vectors:   vectors,
		Responses: responses,
	}
}

// AnnotationDepth is "has_edits" when a submitted response edits the
// question or answer or carries rejection notes, "approved_only" otherwise.
func AnnotationDepth(rec ports.ReviewRecord) string {
	for _, resp := range rec.Responses {
		if resp.Status != ports.ResponseStatusSubmitted || !editQuestions[resp.QuestionName] {
			continue
		}
		if nonEmpty(resp.Value) {
			return AnnotationHasEdits
		}
	}
	return AnnotationApprovedOnly
}

func nonEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// RecordFromPair converts a pair into a live review record carrying vector
// as its question embedding.
func RecordFromPair(p domain.QAPair, vector []float32) (ports.ReviewRecord, error) {
	sourceData := ""
	if len(p.Metadata.SourceData) > 0 {
		raw, err := json.MarshalIndent(p.Metadata.SourceData, "", "  ")
		if err != nil {
			return ports.ReviewRecord{}, fmt.Errorf("encode source data of %s: %w", p.ID, err)
		}
		sourceData = "```json\n" + truncateRunes(string(raw), MaxSourceDataChars) + "\n```"
	}

	meta := map[string]any{
		"domain":       p.Domain,
		"source_type":  string(p.Source),
		"complexity":   string(p.Metadata.Complexity),
		"granularity":  string(p.Metadata.Granularity),
		"has_citation": termBool(p.Metadata.HasCitation),
		"source_ref":   p.SourceRef,
	}
	scores := map[string]*float64{
		"faithfulness_score": p.Metadata.FaithfulnessScore,
		"relevance_score":    p.Metadata.RelevanceScore,
		"completeness_score": p.Metadata.CompletenessScore,
		"confidence_score":   p.Metadata.ConfidenceScore,
	}
	for name, v := range scores {
		if v != nil {
			meta[name] = *v
		}
	}
	if p.Metadata.SuggestedDecision != nil {
		meta["suggested_decision"] = string(*p.Metadata.SuggestedDecision)
	}

	return ports.ReviewRecord{
		ID: p.ID,
		Fields: map[string]string{
			"question":    p.Question(),
			"answer":      p.Answer(),
			"source_data": sourceData,
			"eval_issues": strings.Join(p.Metadata.EvalIssues, "; "),
		},
		Metadata: meta,
		Vectors:  map[string][]float32{QuestionEmbeddingVector: vector},
	}, nil
}

// termBool renders a flag the way the review UI's term filters expect.
func termBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// PushFromJSONL loads a corpus file and pushes it.
func (r *ReviewReconciler) PushFromJSONL(ctx context.Context, path string) (PushResult, error) {
	if r.load == nil {
		return PushResult{}, fmt.Errorf("%w: no corpus loader configured", domain.ErrInvalidConfiguration)
	}
	pairs, err := r.load(path)
	if err != nil {
		return PushResult{}, fmt.Errorf("load corpus %s: %w", path, err)
	}
	return r.Push(ctx, pairs)
}

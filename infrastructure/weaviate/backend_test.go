package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/access-ci/qa-extraction/internal/application"
	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
	"github.com/access-ci/qa-extraction/internal/testutils"
)

// fakeStore keeps objects per class and answers source_ref lookups the way
// the GraphQL Get query would.
type fakeStore struct {
	mu          sync.Mutex
	classes     map[string]*models.Class
	objects     map[string]map[string]*models.Object
	created     int
	existsErr   error
	queryErr    error
	insertErr   error
	deleteErr   error
	existsCalls int
	queries     int
	// repeatPages serves the first page for every offset.
	repeatPages bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		classes: map[string]*models.Class{},
		objects: map[string]map[string]*models.Object{},
	}
}

func (f *fakeStore) classExists(_ context.Context, class string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.classes[class]
	return ok, nil
}

func (f *fakeStore) createClass(_ context.Context, class *models.Class) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[class.Class] = class
	f.created++
	return nil
}

func (f *fakeStore) getBySourceRef(_ context.Context, class, sourceRef string, limit, offset int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	// Filtered Get results come back in object id order.
	ids := make([]string, 0, len(f.objects[class]))
	for id, obj := range f.objects[class] {
		if obj.Properties.(map[string]any)[propSourceRef] == sourceRef {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if f.repeatPages {
		offset = 0
	}
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:min(offset+limit, len(ids))]

	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		obj := f.objects[class][id]
		props := obj.Properties.(map[string]any)
		// Round-trip through JSON like a GraphQL response.
		row := map[string]any{}
		for k, v := range props {
			row[k] = v
		}
		additional := map[string]any{"id": string(obj.ID)}
		if len(obj.Vector) > 0 {
			raw, _ := json.Marshal(obj.Vector)
			var vec []any
			_ = json.Unmarshal(raw, &vec)
			additional["vector"] = vec
		}
		row["_additional"] = additional
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeStore) insert(_ context.Context, objects []*models.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, obj := range objects {
		if f.objects[obj.Class] == nil {
			f.objects[obj.Class] = map[string]*models.Object{}
		}
		f.objects[obj.Class][string(obj.ID)] = obj
	}
	return nil
}

func (f *fakeStore) deleteBySourceRef(_ context.Context, class, sourceRef string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	n := 0
	for id, obj := range f.objects[class] {
		if obj.Properties.(map[string]any)[propSourceRef] == sourceRef {
			delete(f.objects[class], id)
			n++
		}
	}
	return n, nil
}

const deltaRef = "mcp://compute-resources/resources/delta.ncsa.access-ci.org"

func record(id, ref string, annotated bool) ports.ReviewRecord {
	rec := ports.ReviewRecord{
		ID:       id,
		Fields:   map[string]string{"question": "What is Delta?", "answer": "A GPU system."},
		Metadata: map[string]any{"source_ref": ref, "domain": "compute-resources", "confidence_score": 0.9},
		Vectors:  map[string][]float32{DefaultVectorName: {0.5, 0.25}},
	}
	if annotated {
		rec.Responses = []ports.ReviewResponse{{QuestionName: "review_decision", Value: "approved", Status: ports.ResponseStatusSubmitted, UserID: "u1"}}
	}
	return rec
}

// TestBackend_EnsureDataset creates a class once and caches the result.
func TestBackend_EnsureDataset(t *testing.T) {
	fs := newFakeStore()
	b := newBackend(fs, Config{})
	ctx := context.Background()

	require.NoError(t, b.EnsureDataset(ctx, "qa-review"))
	require.NoError(t, b.EnsureDataset(ctx, "qa-review"))
	assert.Equal(t, 1, fs.created)
	assert.Equal(t, 1, fs.existsCalls)
	require.Contains(t, fs.classes, "QaReview")
	assert.Equal(t, "none", fs.classes["QaReview"].Vectorizer)

	fs.existsErr = errors.New("connection refused")
	err := b.EnsureDataset(ctx, "qa-review-archive-superseded")
	var se *ports.ReviewStoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ensure", se.Operation)
}

// TestBackend_RoundTrip inserts records and reads them back intact.
func TestBackend_RoundTrip(t *testing.T) {
	fs := newFakeStore()
	b := newBackend(fs, Config{})
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "qa-review", []ports.ReviewRecord{
		record("cr_delta_1", deltaRef, true),
		record("cr_delta_2", deltaRef, false),
		record("cr_other_1", "mcp://compute-resources/resources/other", false),
	}))

	got, err := b.Query(ctx, "qa-review", deltaRef)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]ports.ReviewRecord{}
	for _, r := range got {
		byID[r.ID] = r
	}
	first := byID["cr_delta_1"]
	assert.Equal(t, "What is Delta?", first.Fields["question"])
	assert.Equal(t, deltaRef, first.Metadata["source_ref"])
	assert.Equal(t, 0.9, first.Metadata["confidence_score"])
	assert.Equal(t, []float32{0.5, 0.25}, first.Vectors[DefaultVectorName])
	assert.True(t, first.Annotated())
	assert.False(t, byID["cr_delta_2"].Annotated())

	n, err := b.Delete(ctx, "qa-review", deltaRef)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = b.Query(ctx, "qa-review", deltaRef)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestBackend_QueryPages reads every page of a source_ref, however small
// the page size.
func TestBackend_QueryPages(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		records   int
		wantPages int
	}{
		{"single short page", 1000, 3, 1},
		{"exact multiple", 2, 4, 3},
		{"one per page", 1, 5, 6},
		{"empty", 10, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			b := newBackend(fs, Config{QueryLimit: tt.limit})
			ctx := context.Background()

			var recs []ports.ReviewRecord
			for i := range tt.records {
				recs = append(recs, record(fmt.Sprintf("cr_delta_%d", i), deltaRef, false))
			}
			recs = append(recs, record("cr_other_1", "mcp://compute-resources/resources/other", false))
			require.NoError(t, b.Insert(ctx, "qa-review", recs))

			got, err := b.Query(ctx, "qa-review", deltaRef)
			require.NoError(t, err)
			assert.Len(t, got, tt.records)
			assert.Equal(t, tt.wantPages, fs.queries)
		})
	}
}

// TestBackend_QueryUnstablePages fails instead of returning a partial view
// when a later page repeats an earlier one.
func TestBackend_QueryUnstablePages(t *testing.T) {
	fs := newFakeStore()
	fs.repeatPages = true
	b := newBackend(fs, Config{QueryLimit: 2})
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "qa-review", []ports.ReviewRecord{
		record("cr_delta_1", deltaRef, false),
		record("cr_delta_2", deltaRef, false),
		record("cr_delta_3", deltaRef, true),
	}))

	_, err := b.Query(ctx, "qa-review", deltaRef)
	require.ErrorIs(t, err, errUnstablePages)
	var se *ports.ReviewStoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "query", se.Operation)
}

// TestBackend_ReplaceArchivesBeyondFirstPage pushes fresh pairs over a
// source_ref whose annotated record sits past the first page. The record
// must reach the archive before the live records are deleted.
func TestBackend_ReplaceArchivesBeyondFirstPage(t *testing.T) {
	fs := newFakeStore()
	b := newBackend(fs, Config{QueryLimit: 1})
	ctx := context.Background()

	var existing []ports.ReviewRecord
	for i := range 10 {
		existing = append(existing, record(fmt.Sprintf("plain_%02d", i), deltaRef, false))
	}
	existing = append(existing, record("reviewed", deltaRef, true))
	require.NoError(t, b.EnsureDataset(ctx, application.DefaultReviewDataset))
	require.NoError(t, b.Insert(ctx, application.DefaultReviewDataset, existing))

	r, err := application.NewReviewReconciler(b, testutils.NewStubEmbedder(2))
	require.NoError(t, err)
	fresh := domain.NewQAPair("cr_delta_new", "What is Delta?", "A GPU system.", deltaRef, domain.DomainComputeResources)

	res, err := r.Push(ctx, []domain.QAPair{fresh})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 11, res.Deleted)
	assert.Equal(t, 1, res.Pushed)

	archived, err := b.Query(ctx, application.DefaultArchiveDataset, deltaRef)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "reviewed", archived[0].Metadata["archived_from"])

	live, err := b.Query(ctx, application.DefaultReviewDataset, deltaRef)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "cr_delta_new", live[0].ID)
}

// TestBackend_InsertOverwrites reuses the object id of a record.
func TestBackend_InsertOverwrites(t *testing.T) {
	fs := newFakeStore()
	b := newBackend(fs, Config{})
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "qa-review", []ports.ReviewRecord{record("cr_delta_1", deltaRef, false)}))
	require.NoError(t, b.Insert(ctx, "qa-review", []ports.ReviewRecord{record("cr_delta_1", deltaRef, true)}))
	assert.Len(t, fs.objects["QaReview"], 1)

	require.NoError(t, b.Insert(ctx, "qa-review", nil))
}

// TestBackend_Errors wraps store failures with the dataset and operation.
func TestBackend_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		set  func(*fakeStore)
		call func(*Backend) error
		op   string
	}{
		{"query", func(f *fakeStore) { f.queryErr = boom }, func(b *Backend) error {
			_, err := b.Query(context.Background(), "qa-review", deltaRef)
			return err
		}, "query"},
		{"insert", func(f *fakeStore) { f.insertErr = boom }, func(b *Backend) error {
			return b.Insert(context.Background(), "qa-review", []ports.ReviewRecord{record("x", deltaRef, false)})
		}, "insert"},
		{"delete", func(f *fakeStore) { f.deleteErr = boom }, func(b *Backend) error {
			_, err := b.Delete(context.Background(), "qa-review", deltaRef)
			return err
		}, "delete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			tt.set(fs)
			err := tt.call(newBackend(fs, Config{}))
			var se *ports.ReviewStoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.op, se.Operation)
			assert.Equal(t, "qa-review", se.Dataset)
			assert.ErrorIs(t, err, boom)
		})
	}
}

// TestBackend_Spans records one span per operation.
func TestBackend_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	fs := newFakeStore()
	fs.deleteErr = errors.New("down")
	b := newBackend(fs, Config{}, WithTracerProvider(tp))

	_, _ = b.Query(context.Background(), "qa-review", deltaRef)
	_, _ = b.Delete(context.Background(), "qa-review", deltaRef)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "weaviate.query", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "weaviate.delete", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

// TestNew_Validation rejects missing or malformed URLs.
func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	var cfgErr *ports.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{URL: "not a url"})
	assert.ErrorAs(t, err, &cfgErr)
}

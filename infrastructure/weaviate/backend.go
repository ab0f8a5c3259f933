// Package weaviate stores review records in Weaviate. Each dataset is a
// class; records are found and removed by their source_ref property.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	wv "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/internal/ports"
)

const tracerName = "github.com/access-ci/qa-extraction/infrastructure/weaviate"

var errUnstablePages = errors.New("source_ref pages changed while reading")

// Defaults applied by New.
const (
	DefaultVectorName = "question_embedding"
	DefaultQueryLimit = 1000
	defaultTimeout    = 60 * time.Second
)

// Config configures the backend.
type Config struct {
	// URL is the Weaviate endpoint, for example http://localhost:8080.
	URL string

	// APIKey enables API key authentication when set.
	APIKey string

	// VectorName selects which record vector is stored as the object vector.
	VectorName string

	// QueryLimit is the page size of source_ref lookups.
	QueryLimit int

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// Backend implements ports.ReviewBackend.
type Backend struct {
	store      store
	vectorName string
	limit      int
	tracer     trace.Tracer
	logger     *zap.Logger

	mu    sync.Mutex
	known map[string]bool
}

var _ ports.ReviewBackend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithTracerProvider sets the tracer provider; the global one is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Backend) { b.tracer = tp.Tracer(tracerName) }
}

// New connects to the Weaviate instance at cfg.URL.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.URL == "" {
		return nil, ports.NewConfigError("review.url", fmt.Errorf("weaviate URL is required"))
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" {
		return nil, ports.NewConfigError("review.url", fmt.Errorf("invalid weaviate URL %q", cfg.URL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := wv.Config{
		Host:             parsed.Host,
		Scheme:           parsed.Scheme,
		ConnectionClient: &http.Client{Timeout: timeout},
	}
	if cfg.APIKey != "" {
		clientCfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := wv.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return newBackend(&clientStore{client: client}, cfg, opts...), nil
}

func newBackend(s store, cfg Config, opts ...Option) *Backend {
	b := &Backend{
		store:      s,
		vectorName: cfg.VectorName,
		limit:      cfg.QueryLimit,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		logger:     zap.NewNop(),
		known:      make(map[string]bool),
	}
	if b.vectorName == "" {
		b.vectorName = DefaultVectorName
	}
	if b.limit <= 0 {
		b.limit = DefaultQueryLimit
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) span(ctx context.Context, op, dataset string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "weaviate."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("review.dataset", dataset),
			attribute.String("weaviate.class", ClassName(dataset)),
		),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// EnsureDataset creates the dataset's class when it does not exist.
func (b *Backend) EnsureDataset(ctx context.Context, dataset string) (err error) {
	ctx, span := b.span(ctx, "ensure_dataset", dataset)
	defer func() { finish(span, err) }()

	class := ClassName(dataset)
	b.mu.Lock()
	known := b.known[class]
	b.mu.Unlock()
	if known {
		return nil
	}

	exists, err := b.store.classExists(ctx, class)
	if err != nil {
		return ports.NewReviewStoreError(dataset, "ensure", err)
	}
	if !exists {
		if err := b.store.createClass(ctx, reviewClass(class, dataset)); err != nil {
			return ports.NewReviewStoreError(dataset, "ensure", err)
		}
		b.logger.Info("created review dataset", zap.String("dataset", dataset), zap.String("class", class))
	}

	b.mu.Lock()
	b.known[class] = true
	b.mu.Unlock()
	return nil
}

// Query returns every record of dataset whose source_ref equals sourceRef,
// reading pages of QueryLimit rows until a short page. A record seen twice
// means the pages shifted underneath the read, which fails the query: a
// caller about to delete by source_ref must not miss a record.
func (b *Backend) Query(ctx context.Context, dataset, sourceRef string) (_ []ports.ReviewRecord, err error) {
	ctx, span := b.span(ctx, "query", dataset)
	defer func() { finish(span, err) }()

	class := ClassName(dataset)
	seen := make(map[string]bool)
	var records []ports.ReviewRecord
	pages := 0
	for offset := 0; ; offset += b.limit {
		rows, err := b.store.getBySourceRef(ctx, class, sourceRef, b.limit, offset)
		if err != nil {
			return nil, ports.NewReviewStoreError(dataset, "query", err)
		}
		pages++
		for _, row := range rows {
			rec, err := fromProperties(b.vectorName, row)
			if err != nil {
				return nil, ports.NewReviewStoreError(dataset, "query", err)
			}
			key := objectKey(row, rec)
			if seen[key] {
				return nil, ports.NewReviewStoreError(dataset, "query",
					fmt.Errorf("%w: object %q returned twice at offset %d", errUnstablePages, key, offset))
			}
			seen[key] = true
			records = append(records, rec)
		}
		if len(rows) < b.limit {
			break
		}
	}
	if pages > 1 {
		b.logger.Debug("query read several pages",
			zap.String("dataset", dataset),
			zap.String("source_ref", sourceRef),
			zap.Int("pages", pages),
			zap.Int("records", len(records)))
	}
	span.SetAttributes(
		attribute.Int("review.records", len(records)),
		attribute.Int("review.pages", pages))
	return records, nil
}

// objectKey prefers the Weaviate object id and falls back to the record id.
func objectKey(row map[string]any, rec ports.ReviewRecord) string {
	additional, _ := row["_additional"].(map[string]any)
	if id, ok := additional["id"].(string); ok && id != "" {
		return id
	}
	return rec.ID
}

// Insert adds records to dataset in one batch.
func (b *Backend) Insert(ctx context.Context, dataset string, records []ports.ReviewRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	ctx, span := b.span(ctx, "insert", dataset)
	defer func() { finish(span, err) }()

	class := ClassName(dataset)
	objects := make([]*models.Object, 0, len(records))
	for _, rec := range records {
		obj, err := toObject(class, dataset, b.vectorName, rec)
		if err != nil {
			return ports.NewReviewStoreError(dataset, "insert", err)
		}
		objects = append(objects, obj)
	}
	span.SetAttributes(attribute.Int("review.records", len(objects)))

	if err := b.store.insert(ctx, objects); err != nil {
		return ports.NewReviewStoreError(dataset, "insert", err)
	}
	return nil
}

// Delete removes every record of dataset whose source_ref equals sourceRef.
func (b *Backend) Delete(ctx context.Context, dataset, sourceRef string) (_ int, err error) {
	ctx, span := b.span(ctx, "delete", dataset)
	defer func() { finish(span, err) }()

	n, err := b.store.deleteBySourceRef(ctx, ClassName(dataset), sourceRef)
	if err != nil {
		return n, ports.NewReviewStoreError(dataset, "delete", err)
	}
	span.SetAttributes(attribute.Int("review.records", n))
	return n, nil
}

package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// MemoryReviewBackend is an in-memory ports.ReviewBackend. Failures can be
// injected per operation and dataset, and every successful mutation is
// appended to an operation log so tests can assert ordering.
type MemoryReviewBackend struct {
	mu sync.Mutex

	datasets map[string][]ports.ReviewRecord

	// FailQuery, FailInsert and FailDelete map a dataset name to the error
	// the corresponding operation returns.
	FailQuery  map[string]error
	FailInsert map[string]error
	FailDelete map[string]error

	ops []string
}

var _ ports.ReviewBackend = (*MemoryReviewBackend)(nil)

// NewMemoryReviewBackend creates an empty backend.
func NewMemoryReviewBackend() *MemoryReviewBackend {
	return &MemoryReviewBackend{
		datasets:   map[string][]ports.ReviewRecord{},
		FailQuery:  map[string]error{},
		FailInsert: map[string]error{},
		FailDelete: map[string]error{},
	}
}

// EnsureDataset creates dataset when missing.
func (b *MemoryReviewBackend) EnsureDataset(_ context.Context, dataset string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.datasets[dataset]; !ok {
		b.datasets[dataset] = nil
	}
	return nil
}

// Seed inserts records directly, bypassing failure injection and the log.
func (b *MemoryReviewBackend) Seed(dataset string, records ...ports.ReviewRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.datasets[dataset] = append(b.datasets[dataset], records...)
}

// Query returns the records in dataset whose source_ref metadata matches.
func (b *MemoryReviewBackend) Query(ctx context.Context, dataset, sourceRef string) ([]ports.ReviewRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.FailQuery[dataset]; err != nil {
		return nil, err
	}
	var out []ports.ReviewRecord
	for _, r := range b.datasets[dataset] {
		if recordSourceRef(r) == sourceRef {
			out = append(out, r)
		}
	}
	return out, nil
}

// Insert appends records to dataset.
func (b *MemoryReviewBackend) Insert(ctx context.Context, dataset string, records []ports.ReviewRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.FailInsert[dataset]; err != nil {
		return err
	}
	if _, ok := b.datasets[dataset]; !ok {
		return fmt.Errorf("dataset %q does not exist", dataset)
	}
	b.datasets[dataset] = append(b.datasets[dataset], records...)
	b.ops = append(b.ops, fmt.Sprintf("insert %s %d", dataset, len(records)))
	return nil
}

// Delete removes the records in dataset whose source_ref matches.
func (b *MemoryReviewBackend) Delete(ctx context.Context, dataset, sourceRef string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.FailDelete[dataset]; err != nil {
		return 0, err
	}
	kept := b.datasets[dataset][:0:0]
	removed := 0
	for _, r := range b.datasets[dataset] {
		if recordSourceRef(r) == sourceRef {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	b.datasets[dataset] = kept
	b.ops = append(b.ops, fmt.Sprintf("delete %s %d", dataset, removed))
	return removed, nil
}

// Records returns a copy of every record in dataset.
func (b *MemoryReviewBackend) Records(dataset string) []ports.ReviewRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.ReviewRecord, len(b.datasets[dataset]))
	copy(out, b.datasets[dataset])
	return out
}

// Ops returns the mutation log, for example "insert qa-review 3".
func (b *MemoryReviewBackend) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ops))
	copy(out, b.ops)
	return out
}

func recordSourceRef(r ports.ReviewRecord) string {
	if v, ok := r.Metadata["source_ref"]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

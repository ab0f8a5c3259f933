package testutils

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// StubEmbedder returns a deterministic vector derived from an FNV hash of
// the text. It is not semantically meaningful.
type StubEmbedder struct {
	mu   sync.Mutex
	dims int
	err  error

	texts []string
}

var _ ports.Embedder = (*StubEmbedder)(nil)

// NewStubEmbedder returns an embedder producing vectors of length dims.
func NewStubEmbedder(dims int) *StubEmbedder { return &StubEmbedder{dims: dims} }

// SetError makes subsequent Embed calls fail with err.
func (e *StubEmbedder) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Embed records text and returns its vector.
func (e *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.texts = append(e.texts, text)

	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()

	vec := make([]float32, e.dims)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000) / 1000
	}
	return vec, nil
}

// Dimensions returns the configured vector length.
func (e *StubEmbedder) Dimensions() int { return e.dims }

// Texts returns every embedded text in call order.
func (e *StubEmbedder) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.texts))
	copy(out, e.texts)
	return out
}

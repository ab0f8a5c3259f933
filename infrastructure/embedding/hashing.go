package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// HashingEmbedder is a deterministic bag-of-words embedder. Each normalized
// word is hashed into one of dims buckets with a hash-derived sign and the
// result is L2 normalized. It needs no network access.
type HashingEmbedder struct {
	dims int
}

var _ ports.Embedder = (*HashingEmbedder)(nil)

// NewHashingEmbedder creates an embedder producing dims-length vectors.
// Non-positive dims fall back to DefaultDimensions.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashingEmbedder{dims: dims}
}

// Embed returns the vector for text. Text without words maps to the zero
// vector.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dims)
	for _, tok := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := sum % uint64(e.dims)
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm2 float64
	for _, v := range vec {
		norm2 += float64(v) * float64(v)
	}
	if norm2 == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm2))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Dimensions reports the vector length.
func (e *HashingEmbedder) Dimensions() int { return e.dims }

// Tokenize splits NFKC-normalized, case-folded text into letter and digit
// runs.
func Tokenize(text string) []string {
	folded := cases.Fold().String(norm.NFKC.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

package application

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/access-ci/qa-extraction/internal/domain"
)

// DefaultDedupeRatio is the normalized edit distance below which two
// questions count as the same question.
const DefaultDedupeRatio = 0.15

// NormalizeQuestion applies NFKC, Unicode case folding and whitespace
// collapsing so trivially different phrasings compare equal.
func NormalizeQuestion(q string) string {
	// A Caser carries state, so each call gets its own.
	folded := cases.Fold().String(norm.NFKC.String(q))
	return strings.Join(strings.Fields(folded), " ")
}

// QuestionDistance is the Levenshtein distance of the normalized questions
// divided by the longer rune length: 0 for identical, 1 for disjoint.
func QuestionDistance(a, b string) float64 {
	a, b = NormalizeQuestion(a), NormalizeQuestion(b)
	if a == b {
		return 0
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(maxLen)
}

// DedupeQuestions drops pairs whose question is within maxRatio of an
// earlier kept question. The first occurrence wins and order is preserved.
// A non-positive maxRatio only drops exact normalized duplicates.
func DedupeQuestions(pairs []domain.QAPair, maxRatio float64) []domain.QAPair {
	kept := make([]domain.QAPair, 0, len(pairs))
	seen := make([]string, 0, len(pairs))

	for _, p := range pairs {
		q := NormalizeQuestion(p.Question())
		dup := false
		for _, prev := range seen {
			if q == prev {
				dup = true
				break
			}
			if maxRatio > 0 && QuestionDistance(q, prev) < maxRatio {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, q)
		kept = append(kept, p)
	}
	return kept
}

package application

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/access-ci/qa-extraction/internal/domain"
)

func questionPair(id, q string) domain.QAPair {
	return domain.NewQAPair(id, q, "answer", "mcp://x/y/"+id, "compute-resources")
}

// TestNormalizeQuestion covers width, case and whitespace folding.
func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  What   is Delta? ", "what is delta?"},
		{"WHAT IS DELTA?", "what is delta?"},
		{"Ｗhat is Ｄelta?", "what is delta?"},
		{"Straße", "strasse"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuestion(tt.in), tt.in)
	}
}

// TestQuestionDistance checks the normalized distance bounds.
func TestQuestionDistance(t *testing.T) {
	assert.Zero(t, QuestionDistance("What is Delta?", "what  is delta?"))
	assert.Equal(t, 1.0, QuestionDistance("abc", "xyz"))
	assert.InDelta(t, 1.0/14, QuestionDistance("What is Delta?", "What is Delta!"), 1e-9)
	assert.Zero(t, QuestionDistance("", ""))
}

// TestDedupeQuestions verifies near duplicates are dropped in favor of the
// first occurrence.
func TestDedupeQuestions(t *testing.T) {
	pairs := []domain.QAPair{
		questionPair("a", "What GPUs does Delta have?"),
		questionPair("b", "What GPUs does Delta have"),
		questionPair("c", "Who operates Delta?"),
		questionPair("d", "WHAT GPUS DOES DELTA HAVE?"),
		questionPair("e", "What storage does Delta offer?"),
	}

	tests := []struct {
		name  string
		ratio float64
		want  []string
	}{
		{"default ratio", DefaultDedupeRatio, []string{"a", "c", "e"}},
		{"exact only", 0, []string{"a", "b", "c", "e"}},
		{"everything similar", 1.01, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DedupeQuestions(pairs, tt.ratio)
			ids := make([]string, len(got))
			for i, p := range got {
				ids[i] = p.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
	assert.Empty(t, DedupeQuestions(nil, DefaultDedupeRatio))
}

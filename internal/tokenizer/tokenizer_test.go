package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Water usage of the plants, and 2024 emissions!")
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
		assert.Equal(t, i, tok.Position)
	}
	assert.Equal(t, []string{"wat", "usage", "plant", "2024", "emission"}, terms)
}

func TestTerms_MatchesTokenize(t *testing.T) {
	text := "Governance policies regarding climate risks."
	tokens := Tokenize(text)
	terms := Terms(text)
	assert.Len(t, terms, len(tokens))
	for i := range tokens {
		assert.Equal(t, tokens[i].Term, terms[i])
	}
}

func TestTerms_PunctuationInsensitive(t *testing.T) {
	assert.Equal(t, Terms("water usage"), Terms("Water usage."))
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"relational": "relate",
		"agencies":   "agence",
		"running":    "runn",
		"policies":   "policy",
		"cats":       "cat",
		"glass":      "glass",
		"is":         "is",
	}
	for in, want := range tests {
		assert.Equal(t, want, Stem(in), in)
	}
}

func TestBigrams(t *testing.T) {
	assert.Nil(t, Bigrams([]string{"one"}))
	assert.Equal(t, []string{"wat usage", "usage report"}, Bigrams([]string{"wat", "usage", "report"}))
}

func BenchmarkTokenize(b *testing.B) {
	text := strings.Repeat("Distributed retrieval pipelines embed passages and rank them by similarity. ", 100)
	b.ReportAllocs()
	for b.Loop() {
		_ = Tokenize(text)
	}
}

package retriever

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
)

// Weights are the lexical reranking bonuses and the long-passage penalty.
type Weights struct {
	PhraseBonus   float64
	TermBonus     float64
	TagBonus      float64
	LengthPenalty float64
	LengthFloor   int
	LengthScale   float64
}

func DefaultWeights() Weights {
	return Weights{
		PhraseBonus:   0.10,
		TermBonus:     0.05,
		TagBonus:      0.02,
		LengthPenalty: 0.01,
		LengthFloor:   500,
		LengthScale:   10000,
	}
}

// WeightsFromConfig converts the config section, keeping defaults for a
// zero LengthScale.
func WeightsFromConfig(cfg config.RerankConfig) Weights {
	w := Weights{
		PhraseBonus:   cfg.PhraseBonus,
		TermBonus:     cfg.TermBonus,
		TagBonus:      cfg.TagBonus,
		LengthPenalty: cfg.LengthPenalty,
		LengthFloor:   cfg.LengthFloor,
		LengthScale:   cfg.LengthScale,
	}
	if w.LengthScale <= 0 {
		w.LengthScale = DefaultWeights().LengthScale
	}
	return w
}

// Reranker nudges similarity scores with lexical signals:
//
//	score' = min(1, score + phrase + term*|q∩p|/|q| + tag - penalty*max(0, (len-floor)/scale))
//
// where phrase applies when the lower-cased query occurs in the passage and
// tag applies when the passage has any tag.
type Reranker struct {
	w Weights
}

func NewReranker(w Weights) *Reranker {
	return &Reranker{w: w}
}

// queryTerms is the prepared form of a query for repeated scoring.
type queryTerms struct {
	phrase string
	terms  map[string]struct{}
}

func prepare(query string) queryTerms {
	phrase := strings.ToLower(strings.TrimSpace(query))
	return queryTerms{phrase: phrase, terms: termSet(phrase)}
}

// Score returns the reranked score of one passage.
func (r *Reranker) Score(q queryTerms, score float64, text string, tags []string) float64 {
	lower := strings.ToLower(text)
	if q.phrase != "" && strings.Contains(lower, q.phrase) {
		score += r.w.PhraseBonus
	}
	if len(q.terms) > 0 {
		passage := termSet(lower)
		shared := 0
		for t := range q.terms {
			if _, ok := passage[t]; ok {
				shared++
			}
		}
		score += r.w.TermBonus * float64(shared) / float64(len(q.terms))
	}
	if len(tags) > 0 {
		score += r.w.TagBonus
	}
	if over := utf8.RuneCountInString(text) - r.w.LengthFloor; over > 0 {
		score -= r.w.LengthPenalty * float64(over) / r.w.LengthScale
	}
	return math.Min(1, score)
}

func termSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

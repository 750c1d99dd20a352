package classifier

import (
	"context"
	"math"
)

// DefaultReference describes the kind of page the pipeline is looking for.
const DefaultReference = "Activities, classes, clubs, lessons and events for children and kids: " +
	"sports, swimming, football, music, dance, art, drama, coding, holiday camps and " +
	"after school clubs for families, toddlers and juniors."

// LexicalScorer rates text by its term overlap with a reference description.
// The score blends how much of the reference vocabulary the text covers
// with the cosine similarity of log-scaled term frequency vectors.
type LexicalScorer struct {
	reference map[string]float64
	norm      float64
}

// NewLexicalScorer prepares a scorer for reference. An empty reference uses
// DefaultReference.
func NewLexicalScorer(reference string) *LexicalScorer {
	if reference == "" {
		reference = DefaultReference
	}
	vec := vector(terms(reference))
	return &LexicalScorer{reference: vec, norm: magnitude(vec)}
}

// Score implements SemanticScorer. It never fails.
func (s *LexicalScorer) Score(_ context.Context, text string) (float64, error) {
	if s.norm == 0 {
		return 0, nil
	}
	page := vector(terms(text))
	pageNorm := magnitude(page)
	if pageNorm == 0 {
		return 0, nil
	}

	var dot float64
	covered := 0
	for term, weight := range s.reference {
		if pw, ok := page[term]; ok {
			dot += weight * pw
			covered++
		}
	}
	cosine := dot / (s.norm * pageNorm)
	coverage := float64(covered) / float64(len(s.reference))
	return clamp(0.5*coverage + 0.5*cosine), nil
}

func vector(tokens []string) map[string]float64 {
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	vec := make(map[string]float64, len(counts))
	for tok, n := range counts {
		vec[tok] = 1 + math.Log(float64(n))
	}
	return vec
}

func magnitude(vec map[string]float64) float64 {
	var sum float64
	for _, w := range vec {
		sum += w * w
	}
	return math.Sqrt(sum)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Package classifier scores page text for topical fit with children's
// activities. The keyword signal runs an Aho-Corasick automaton over
// normalized text; the semantic signal is pluggable.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

// Scoring constants for the keyword signal.
const (
	tfSaturation   = 12 // hits at which the frequency part saturates
	coverageTarget = 6  // distinct terms at which the coverage part saturates
	tfWeight       = 0.5
	coverageWeight = 0.5

	// DefaultThreshold applies when Config.Threshold is nil.
	DefaultThreshold      = 0.6
	defaultKeywordWeight  = 0.6
	defaultSemanticWeight = 0.4
)

// DefaultIntentTerms are always matched in addition to configured keywords.
var DefaultIntentTerms = []string{
	"kids", "kid", "children", "child", "family", "families", "toddler", "toddlers",
	"baby", "babies", "junior", "juniors", "youth", "teen", "teens", "ages",
	"activity", "activities", "class", "classes", "club", "clubs", "camp", "camps",
	"lesson", "lessons", "workshop", "workshops", "holiday", "after school",
	"term time", "party", "parties", "playgroup", "nursery",
}

// SemanticScorer rates text against a reference description in [0,1].
type SemanticScorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Config controls weights and the acceptance threshold.
type Config struct {
	// Keywords are the configured search keywords; whole phrases and their
	// individual words are matched.
	Keywords    []string
	IntentTerms []string
	// Threshold is the minimum combined score for a relevant page. Nil
	// means DefaultThreshold; zero accepts every page.
	Threshold      *float64
	KeywordWeight  float64
	SemanticWeight float64
}

// Score is the outcome of one classification.
type Score struct {
	Keyword  float64
	Semantic float64
	Combined float64
	Relevant bool
	// Matched lists the distinct terms found, sorted.
	Matched []string
}

// Classifier combines the keyword and semantic signals.
type Classifier struct {
	cfg       Config
	threshold float64
	semantic  SemanticScorer
	matcher   *ahocorasick.Matcher
	patterns  []string
	logger    *zap.Logger
}

// New builds a Classifier. A nil semantic scorer falls back to a
// LexicalScorer over DefaultReference.
func New(cfg Config, semantic SemanticScorer, logger *zap.Logger) (*Classifier, error) {
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold %.2f outside [0,1]", threshold)
	}
	if cfg.KeywordWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.KeywordWeight = defaultKeywordWeight
		cfg.SemanticWeight = defaultSemanticWeight
	}
	if cfg.KeywordWeight < 0 || cfg.SemanticWeight < 0 {
		return nil, errors.New("classifier weights must be >= 0")
	}
	if cfg.IntentTerms == nil {
		cfg.IntentTerms = DefaultIntentTerms
	}
	if semantic == nil {
		semantic = NewLexicalScorer("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	patterns := buildPatterns(cfg.Keywords, cfg.IntentTerms)
	c := &Classifier{
		cfg:       cfg,
		threshold: threshold,
		semantic:  semantic,
		patterns:  patterns,
		logger:    logger,
	}
	if len(patterns) > 0 {
		c.matcher = ahocorasick.NewStringMatcher(patterns)
	}
	return c, nil
}

// buildPatterns returns distinct whole-word patterns padded as " term ".
func buildPatterns(keywords, intent []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		term := strings.TrimSpace(normalize(raw))
		if term == "" {
			return
		}
		if _, stop := stopWords[term]; stop {
			return
		}
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		out = append(out, " "+term+" ")
	}
	for _, kw := range keywords {
		add(kw)
		for _, word := range strings.Fields(normalize(kw)) {
			if len(word) >= 3 {
				add(word)
			}
		}
	}
	for _, term := range intent {
		add(term)
	}
	return out
}

// Threshold returns the acceptance threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Classify scores text. When the semantic scorer fails the returned error
// wraps crawler.ErrClassification and the Score carries only the keyword
// signal with Relevant false.
func (c *Classifier) Classify(ctx context.Context, text string) (Score, error) {
	if strings.TrimSpace(text) == "" {
		return Score{}, nil
	}
	score := c.keywordScore(text)

	semantic, err := c.semantic.Score(ctx, text)
	if err != nil {
		c.logger.Warn("semantic scorer failed", zap.Error(err))
		return score, fmt.Errorf("%w: %w", crawler.ErrClassification, err)
	}
	score.Semantic = clamp(semantic)

	total := c.cfg.KeywordWeight + c.cfg.SemanticWeight
	score.Combined = clamp((c.cfg.KeywordWeight*score.Keyword + c.cfg.SemanticWeight*score.Semantic) / total)
	score.Relevant = score.Combined >= c.threshold
	return score, nil
}

// keywordScore blends log-scaled hit frequency with distinct term coverage.
func (c *Classifier) keywordScore(text string) Score {
	if c.matcher == nil {
		return Score{}
	}
	normalized := normalize(text)
	hits := c.matcher.MatchThreadSafe([]byte(normalized))
	if len(hits) == 0 {
		return Score{}
	}

	matched := make([]string, 0, len(hits))
	seen := make(map[int]struct{}, len(hits))
	total := 0
	for _, idx := range hits {
		if idx < 0 || idx >= len(c.patterns) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		pattern := c.patterns[idx]
		total += countTerm(normalized, pattern)
		matched = append(matched, strings.TrimSpace(pattern))
	}
	sort.Strings(matched)

	logTF := math.Min(1, math.Log1p(float64(total))/math.Log1p(tfSaturation))
	coverage := math.Min(1, float64(len(matched))/coverageTarget)
	return Score{
		Keyword: clamp(logTF*tfWeight + coverage*coverageWeight),
		Matched: matched,
	}
}

// countTerm counts occurrences of a padded " term " pattern. Adjacent repeats
// share a separator, so the search resumes on the trailing space.
func countTerm(text, pattern string) int {
	n := 0
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], pattern)
		if j < 0 {
			break
		}
		n++
		i += j + len(pattern) - 1
	}
	return n
}

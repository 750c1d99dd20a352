// Package llm rates page text with an Anthropic model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 16
	defaultMaxChars  = 6000
)

var ratingPattern = regexp.MustCompile(`[01](?:\.\d+)?|\.\d+`)

// ErrNoRating is returned when the model reply carries no usable number.
var ErrNoRating = errors.New("model reply has no rating")

// Config controls the model call.
type Config struct {
	APIKey    string
	Model     string
	Reference string
	// MaxChars caps the bytes of page text sent, cut on a rune boundary.
	MaxChars int
	// Options are passed to the SDK client, e.g. option.WithBaseURL in tests.
	Options []option.RequestOption
}

// Scorer implements classifier.SemanticScorer.
type Scorer struct {
	client sdk.Client
	cfg    Config
}

// New builds a Scorer.
func New(cfg Config) (*Scorer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.Options...)
	return &Scorer{client: sdk.NewClient(opts...), cfg: cfg}, nil
}

// Score asks the model how closely text matches the reference description.
func (s *Scorer) Score(ctx context.Context, text string) (float64, error) {
	text = clip(text, s.cfg.MaxChars)
	msg, err := s.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.cfg.Model),
		MaxTokens: defaultMaxTokens,
		System:    []sdk.TextBlockParam{{Text: s.systemPrompt()}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(text))},
	})
	if err != nil {
		return 0, fmt.Errorf("anthropic: rate page: %w", err)
	}
	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	return parseRating(reply.String())
}

// clip shortens text to at most n bytes without splitting a rune.
func clip(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func (s *Scorer) systemPrompt() string {
	reference := s.cfg.Reference
	if reference == "" {
		reference = "children's activities, classes, clubs and events near a UK postcode"
	}
	return "You rate web page text for relevance to: " + reference +
		". Reply with a single number between 0 and 1 and nothing else."
}

func parseRating(reply string) (float64, error) {
	match := ratingPattern.FindString(strings.TrimSpace(reply))
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrNoRating, reply)
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoRating, reply)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: %q out of range", ErrNoRating, reply)
	}
	return v, nil
}

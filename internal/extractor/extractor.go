// Package extractor turns a fetched page into activity candidates using an
// explicit, ordered rule set. Segmentation rules split the page into blocks;
// field rules map each block onto an ActivityCandidate. Fields that no rule
// finds are left empty.
package extractor

import (
	"bytes"
	"errors"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

const defaultMaxCandidates = 50

// blockSelector matches elements whose text must not run into a neighbour's.
const blockSelector = "br, p, div, li, dt, dd, td, th, tr, h1, h2, h3, h4, h5, h6, " +
	"section, article, header, footer, nav, aside, blockquote, address"

// Config holds the rule set. Zero values select the defaults.
type Config struct {
	Segmenters    []SegmentRule
	Fields        []FieldRule
	MaxCandidates int
	Now           func() time.Time
}

// Extractor applies segmentation and field rules.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// Report is the full outcome of one extraction.
type Report struct {
	Candidates []crawler.ActivityCandidate
	// Rule is the segmentation rule that produced the candidates.
	Rule string
	// Dropped counts blocks rejected by a field mapper or the eligibility
	// check.
	Dropped int
	// Errors holds the mapper errors; each wraps crawler.ErrExtraction.
	Errors []error
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if len(cfg.Segmenters) == 0 {
		cfg.Segmenters = DefaultSegmentRules()
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultFieldRules()
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Extract returns the eligible candidates on page.
func (e *Extractor) Extract(page crawler.PageFetchResult, fallbackPostcode string) []crawler.ActivityCandidate {
	return e.ExtractReport(page, fallbackPostcode).Candidates
}

// ExtractReport runs the segmentation rules in order and keeps the output of
// the first rule that yields an eligible candidate. A block without its own
// postcode takes the first postcode on the page, then fallbackPostcode.
func (e *Extractor) ExtractReport(page crawler.PageFetchResult, fallbackPostcode string) Report {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		e.logger.Debug("unparseable page", zap.String("url", page.URL), zap.Error(err))
		return Report{}
	}
	doc.Find("script").Not(`[type="application/ld+json"]`).Remove()
	doc.Find("style, noscript, template").Remove()
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	pagePostcode := ""
	if pc := postcodeInText.FindString(text(doc.Find("body"))); pc != "" {
		pagePostcode, _ = CanonicalPostcode(pc)
	}
	if pagePostcode == "" {
		pagePostcode, _ = CanonicalPostcode(fallbackPostcode)
	}
	sourceURL := page.URL
	if sourceURL == "" {
		sourceURL = page.FinalURL
	}
	now := e.cfg.Now()

	var report Report
	for _, rule := range e.cfg.Segmenters {
		blocks := rule.Segment(doc)
		if len(blocks) == 0 {
			continue
		}
		attempt := e.mapBlocks(blocks, sourceURL, pagePostcode, now)
		report.Dropped += attempt.Dropped
		report.Errors = append(report.Errors, attempt.Errors...)
		if len(attempt.Candidates) > 0 {
			report.Candidates = attempt.Candidates
			report.Rule = rule.Name
			break
		}
	}
	e.logger.Debug("extraction finished",
		zap.String("url", page.URL),
		zap.String("rule", report.Rule),
		zap.Int("count", len(report.Candidates)),
		zap.Int("dropped", report.Dropped),
	)
	return report
}

func (e *Extractor) mapBlocks(blocks []Block, sourceURL, pagePostcode string, now time.Time) Report {
	var out Report
	seen := make(map[crawler.DedupKey]struct{})
	for _, b := range blocks {
		if len(out.Candidates) >= e.cfg.MaxCandidates {
			break
		}
		candidate, err := e.mapBlock(b)
		if err != nil {
			out.Dropped++
			out.Errors = append(out.Errors, err)
			e.logger.Debug("dropping block", zap.String("rule", b.Rule), zap.String("title", b.Title), zap.Error(err))
			continue
		}
		if candidate.Postcode == "" {
			candidate.Postcode = pagePostcode
		}
		candidate.SourceURL = sourceURL
		candidate.ExtractedAt = now
		if !candidate.Eligible() {
			out.Dropped++
			continue
		}
		key := candidate.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Candidates = append(out.Candidates, candidate)
	}
	return out
}

func (e *Extractor) mapBlock(b Block) (crawler.ActivityCandidate, error) {
	var c crawler.ActivityCandidate
	for _, rule := range e.cfg.Fields {
		match, ok := rule.Match(b)
		if !ok {
			continue
		}
		if err := rule.Map(match, &c); err != nil {
			if !errors.Is(err, crawler.ErrExtraction) {
				err = errors.Join(crawler.ErrExtraction, err)
			}
			return crawler.ActivityCandidate{}, err
		}
	}
	return c, nil
}

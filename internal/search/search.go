// Package search discovers candidate pages for a keyword near a postcode.
package search

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

const defaultMaxResults = 20

// DefaultExcludedHostTerms drops search engine and social network links from
// result pages.
var DefaultExcludedHostTerms = []string{"google", "bing", "facebook", "twitter"}

// Provider returns candidate URLs for one keyword and postcode.
type Provider interface {
	Name() string
	Search(ctx context.Context, keyword, postcode string) ([]string, error)
}

// Limiter paces requests to the search engine's origin.
type Limiter interface {
	Acquire(ctx context.Context, origin string) error
}

// EngineConfig describes a results page reachable by appending the escaped
// query to QueryURL.
type EngineConfig struct {
	Name       string
	QueryURL   string
	MaxResults int
	// ExcludedHostTerms rejects any result whose host contains one of the
	// terms. Nil selects DefaultExcludedHostTerms.
	ExcludedHostTerms []string
	Blocklist         *crawler.Blocklist
}

// EngineProvider harvests result links from a search engine results page.
type EngineProvider struct {
	cfg     EngineConfig
	fetcher crawler.Fetcher
	limiter Limiter
	logger  *zap.Logger
}

// NewEngineProvider builds an EngineProvider. limiter may be nil.
func NewEngineProvider(cfg EngineConfig, fetcher crawler.Fetcher, limiter Limiter, logger *zap.Logger) (*EngineProvider, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if _, err := crawler.Origin(cfg.QueryURL); err != nil {
		return nil, fmt.Errorf("engine %s: %w", cfg.Name, err)
	}
	if cfg.Name == "" {
		cfg.Name = crawler.Host(cfg.QueryURL)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.ExcludedHostTerms == nil {
		cfg.ExcludedHostTerms = DefaultExcludedHostTerms
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineProvider{cfg: cfg, fetcher: fetcher, limiter: limiter, logger: logger.Named("search")}, nil
}

// Name returns the engine name.
func (p *EngineProvider) Name() string { return p.cfg.Name }

// Search fetches "<keyword> <postcode>" from the engine and returns result
// URLs in page order.
func (p *EngineProvider) Search(ctx context.Context, keyword, postcode string) ([]string, error) {
	query := strings.TrimSpace(keyword + " " + postcode)
	target := p.cfg.QueryURL + url.QueryEscape(query)
	if p.limiter != nil {
		origin, _ := crawler.Origin(target)
		if err := p.limiter.Acquire(ctx, origin); err != nil {
			return nil, err
		}
	}
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: target})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", p.cfg.Name, err)
	}
	if statusErr := crawler.StatusError(target, resp.StatusCode); statusErr != nil {
		return nil, fmt.Errorf("search %s: %w", p.cfg.Name, statusErr)
	}
	base := resp.URL
	if base == "" {
		base = target
	}
	links, err := p.harvest(base, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", p.cfg.Name, err)
	}
	p.logger.Debug("search results",
		zap.String("engine", p.cfg.Name),
		zap.String("query", query),
		zap.Int("count", len(links)),
	)
	return links, nil
}

func (p *EngineProvider) harvest(base string, body []byte) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}
	engineHost := baseURL.Hostname()
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		ref, err := baseURL.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		link := unwrapRedirect(ref)
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			return true
		}
		host := crawler.Host(normalized)
		if host == engineHost || p.excluded(host) {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
		return len(out) < p.cfg.MaxResults
	})
	return out, nil
}

func (p *EngineProvider) excluded(host string) bool {
	for _, term := range p.cfg.ExcludedHostTerms {
		if term != "" && strings.Contains(host, term) {
			return true
		}
	}
	return p.cfg.Blocklist.IsBlocked(host)
}

// unwrapRedirect returns the destination of engine click-tracking links such
// as /url?q=... and DuckDuckGo's uddg= parameter.
func unwrapRedirect(u *url.URL) string {
	q := u.Query()
	if dest := q.Get("uddg"); dest != "" {
		return dest
	}
	if u.Path == "/url" {
		for _, key := range []string{"q", "url"} {
			if dest := q.Get(key); dest != "" {
				return dest
			}
		}
	}
	return u.String()
}

// StaticProvider returns a fixed list of seed URLs for every query.
type StaticProvider struct {
	urls []string
}

// NewStaticProvider normalizes seeds, dropping malformed entries.
func NewStaticProvider(seeds []string) *StaticProvider {
	var urls []string
	seen := make(map[string]struct{})
	for _, raw := range seeds {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		urls = append(urls, normalized)
	}
	return &StaticProvider{urls: urls}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "seeds" }

// Search implements Provider.
func (p *StaticProvider) Search(context.Context, string, string) ([]string, error) {
	return append([]string(nil), p.urls...), nil
}

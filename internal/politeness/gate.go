// Package politeness decides whether a URL may be fetched according to the
// origin's robots.txt. The gate fails closed: if the policy cannot be
// obtained or parsed, nothing on that origin is fetched until the next
// refresh.
package politeness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/metrics"
)

const (
	defaultRefreshInterval = 24 * time.Hour
	defaultFailureTTL      = time.Hour
	maxRobotsBytes         = 1 << 20
)

// Config controls robots.txt handling.
type Config struct {
	// Respect disables all checks when false.
	Respect   bool
	UserAgent string
	// RefreshInterval bounds how often a successfully fetched policy is re-read.
	RefreshInterval time.Duration
	// FailureTTL bounds how long a failed lookup keeps the origin closed.
	FailureTTL time.Duration
	Client     *http.Client
	Now        func() time.Time
}

// Decision is the outcome of a policy check for one URL.
type Decision struct {
	Allowed bool
	Origin  string
	// Robots is the origin-level verdict, suitable for the site ledger.
	Robots crawler.RobotsDecision
}

// Gate caches robots policies per origin.
type Gate struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	origins map[string]*policyEntry
}

type policyEntry struct {
	mu      sync.Mutex
	data    *robotstxt.RobotsData
	expires time.Time
	loaded  bool
}

// New builds a Gate.
func New(cfg Config, logger *zap.Logger) *Gate {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = defaultFailureTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		origins: make(map[string]*policyEntry),
	}
}

// IsAllowed reports whether rawURL may be fetched.
func (g *Gate) IsAllowed(ctx context.Context, rawURL string) bool {
	return g.Decision(ctx, rawURL).Allowed
}

// Decision evaluates rawURL and reports the origin-level verdict alongside.
func (g *Gate) Decision(ctx context.Context, rawURL string) Decision {
	origin, err := crawler.Origin(rawURL)
	if err != nil {
		return Decision{Robots: crawler.RobotsDecision{Verdict: crawler.RobotsUnavailable}}
	}
	if !g.cfg.Respect {
		return Decision{Allowed: true, Origin: origin, Robots: crawler.RobotsDecision{Verdict: crawler.RobotsAllowed}}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Decision{Origin: origin, Robots: crawler.RobotsDecision{Verdict: crawler.RobotsUnavailable}}
	}

	data, expires := g.policy(ctx, origin)
	if data == nil {
		return Decision{
			Origin: origin,
			Robots: crawler.RobotsDecision{Verdict: crawler.RobotsUnavailable, Expires: expires},
		}
	}
	group := data.FindGroup(g.cfg.UserAgent)
	verdict := crawler.RobotsAllowed
	if group != nil && !group.Test("/") {
		verdict = crawler.RobotsDisallowed
	}
	allowed := group == nil || group.Test(requestPath(parsed))
	return Decision{
		Allowed: allowed,
		Origin:  origin,
		Robots:  crawler.RobotsDecision{Verdict: verdict, Expires: expires},
	}
}

func (g *Gate) entry(origin string) *policyEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.origins[origin]
	if !ok {
		e = &policyEntry{}
		g.origins[origin] = e
	}
	return e
}

// policy returns the cached policy for origin, fetching it when missing or
// expired. Concurrent callers for one origin share a single fetch.
func (g *Gate) policy(ctx context.Context, origin string) (*robotstxt.RobotsData, time.Time) {
	e := g.entry(origin)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := g.cfg.Now()
	if e.loaded && now.Before(e.expires) {
		return e.data, e.expires
	}
	data, err := g.fetch(ctx, origin)
	if err != nil && ctx.Err() != nil {
		// Caller gave up; the origin is not at fault and nothing is cached.
		return nil, time.Time{}
	}
	e.loaded = true
	if err != nil {
		g.logger.Warn("robots lookup failed; origin closed",
			zap.String("origin", origin),
			zap.Error(err),
		)
		metrics.ObserveRobotsLookup(string(crawler.RobotsUnavailable))
		e.data = nil
		e.expires = now.Add(g.cfg.FailureTTL)
		return nil, e.expires
	}
	metrics.ObserveRobotsLookup("fetched")
	e.data = data
	e.expires = now.Add(g.cfg.RefreshInterval)
	return e.data, e.expires
}

func (g *Gate) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// Package ledger tracks per-origin health across runs: success and failure
// counts, relevance, the cached robots verdict, and a consecutive-failure
// circuit breaker. It also remembers recently settled URLs so rediscovered
// candidates are not fetched again inside the cooldown window. That URL memory
// lives in process only: it spans Run calls on one Ledger but starts empty in
// every new process, unlike the site records.
//
// Updates to one origin are serialized; different origins proceed in
// parallel. Every change is written through to the SiteRepository before the
// call returns.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = time.Hour
)

// Config controls circuit breaking and URL memory.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker keeps an origin closed.
	Cooldown time.Duration
	// URLCooldown is how long a Stored or Failed URL is skipped on rediscovery.
	// Zero disables URL memory.
	URLCooldown time.Duration
	Now         func() time.Time
}

// Ledger is the single writer of SiteRecords.
type Ledger struct {
	cfg    Config
	repo   crawler.SiteRepository
	logger *zap.Logger

	mu    sync.Mutex
	sites map[string]*siteEntry

	urlMu sync.Mutex
	urls  map[string]urlMark
}

type siteEntry struct {
	mu  sync.Mutex
	rec crawler.SiteRecord
}

type urlMark struct {
	state crawler.URLState
	at    time.Time
}

// New loads existing site records from repo and returns a ready Ledger.
func New(ctx context.Context, repo crawler.SiteRepository, cfg Config, logger *zap.Logger) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("site repository is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.URLCooldown < 0 {
		cfg.URLCooldown = 0
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	existing, err := repo.LoadSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load sites: %w", crawler.ErrPersistence, err)
	}
	l := &Ledger{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		sites:  make(map[string]*siteEntry, len(existing)),
		urls:   make(map[string]urlMark),
	}
	for _, rec := range existing {
		if rec.Relevance == "" {
			rec.Relevance = crawler.RelevanceUnknown
		}
		l.sites[rec.Origin] = &siteEntry{rec: rec}
	}
	logger.Debug("ledger loaded", zap.Int("count", len(existing)))
	return l, nil
}

func (l *Ledger) entry(origin string) *siteEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sites[origin]
	if !ok {
		e = &siteEntry{rec: crawler.SiteRecord{
			Origin:    origin,
			Relevance: crawler.RelevanceUnknown,
			Robots:    crawler.RobotsDecision{Verdict: crawler.RobotsUnknown},
		}}
		l.sites[origin] = e
	}
	return e
}

// update applies fn to the origin's record under its lock and persists the
// result. fn returns false to skip the write.
func (l *Ledger) update(ctx context.Context, origin string, fn func(rec *crawler.SiteRecord) bool) error {
	e := l.entry(origin)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.rec
	if !fn(&next) {
		return nil
	}
	if err := l.repo.SaveSite(ctx, next); err != nil {
		return fmt.Errorf("%w: save site %s: %w", crawler.ErrPersistence, origin, err)
	}
	e.rec = next
	return nil
}

// RecordOutcome counts one fetch attempt against origin.
func (l *Ledger) RecordOutcome(ctx context.Context, origin string, success bool) error {
	now := l.cfg.Now()
	return l.update(ctx, origin, func(rec *crawler.SiteRecord) bool {
		rec.LastVisited = now
		if success {
			rec.SuccessCount++
			rec.ConsecutiveFailures = 0
			return true
		}
		rec.FailCount++
		rec.ConsecutiveFailures++
		rec.LastFailure = now
		if rec.ConsecutiveFailures == l.cfg.FailureThreshold {
			l.logger.Warn("origin circuit opened",
				zap.String("origin", origin),
				zap.Int("consecutive_failures", rec.ConsecutiveFailures),
				zap.Duration("cooldown", l.cfg.Cooldown),
			)
		}
		return true
	})
}

// RecordRobots stores the origin-level robots verdict when it changed.
func (l *Ledger) RecordRobots(ctx context.Context, origin string, decision crawler.RobotsDecision) error {
	if decision.Verdict == "" || decision.Verdict == crawler.RobotsUnknown {
		return nil
	}
	return l.update(ctx, origin, func(rec *crawler.SiteRecord) bool {
		if rec.Robots.Verdict == decision.Verdict && rec.Robots.Expires.Equal(decision.Expires) {
			return false
		}
		rec.Robots = decision
		return true
	})
}

// MarkRelevance sets the origin's relevance flag the first time the origin is
// classified. It reports whether the flag changed.
func (l *Ledger) MarkRelevance(ctx context.Context, origin string, relevant bool) (bool, error) {
	changed := false
	err := l.update(ctx, origin, func(rec *crawler.SiteRecord) bool {
		if rec.Relevance != crawler.RelevanceUnknown && rec.Relevance != "" {
			return false
		}
		rec.Relevance = crawler.RelevanceIrrelevant
		if relevant {
			rec.Relevance = crawler.RelevanceRelevant
		}
		changed = true
		return true
	})
	return changed, err
}

// ShouldVisit is false while a robots verdict blocks the origin or while its
// circuit breaker is open.
func (l *Ledger) ShouldVisit(origin string) bool {
	rec, ok := l.Site(origin)
	if !ok {
		return true
	}
	now := l.cfg.Now()
	if rec.Robots.Blocks(now) {
		return false
	}
	if rec.ConsecutiveFailures >= l.cfg.FailureThreshold && now.Sub(rec.LastFailure) < l.cfg.Cooldown {
		return false
	}
	return true
}

// Priority orders origins for scheduling: relevant first, unknown next,
// irrelevant last.
func (l *Ledger) Priority(origin string) int {
	rec, ok := l.Site(origin)
	if !ok {
		return 1
	}
	switch rec.Relevance {
	case crawler.RelevanceRelevant:
		return 0
	case crawler.RelevanceIrrelevant:
		return 2
	default:
		return 1
	}
}

// Site returns a copy of the origin's record.
func (l *Ledger) Site(origin string) (crawler.SiteRecord, bool) {
	l.mu.Lock()
	e, ok := l.sites[origin]
	l.mu.Unlock()
	if !ok {
		return crawler.SiteRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Sites returns copies of every known record ordered by origin.
func (l *Ledger) Sites() []crawler.SiteRecord {
	l.mu.Lock()
	entries := make([]*siteEntry, 0, len(l.sites))
	for _, e := range l.sites {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	out := make([]crawler.SiteRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// MarkURL remembers a terminal state for rawURL. Only Stored and Failed are
// remembered; a Rejected page may become relevant later.
func (l *Ledger) MarkURL(rawURL string, state crawler.URLState) {
	if l.cfg.URLCooldown == 0 || (state != crawler.StateStored && state != crawler.StateFailed) {
		return
	}
	l.urlMu.Lock()
	l.urls[rawURL] = urlMark{state: state, at: l.cfg.Now()}
	l.urlMu.Unlock()
}

// URLSettled reports whether rawURL reached Stored or Failed within the URL
// cooldown window.
func (l *Ledger) URLSettled(rawURL string) bool {
	l.urlMu.Lock()
	defer l.urlMu.Unlock()
	mark, ok := l.urls[rawURL]
	if !ok {
		return false
	}
	if l.cfg.Now().Sub(mark.at) >= l.cfg.URLCooldown {
		delete(l.urls, rawURL)
		return false
	}
	return true
}

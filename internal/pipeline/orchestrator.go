// Package pipeline drives a discovery run: it turns postcodes and keywords
// into search queries, then moves every discovered URL through the politeness
// gate, the fetch chain, the relevance classifier and the extractor into the
// activity store. Each URL follows its own state machine and ends in exactly
// one terminal state; only persistence failures abort the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/activity-scout/internal/classifier"
	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/events"
	"github.com/JakeFAU/activity-scout/internal/extractor"
	"github.com/JakeFAU/activity-scout/internal/metrics"
	"github.com/JakeFAU/activity-scout/internal/politeness"
	"github.com/JakeFAU/activity-scout/internal/search"
)

// Gate decides whether robots policy permits a URL.
type Gate interface {
	Decision(ctx context.Context, rawURL string) politeness.Decision
}

// Ledger is the site-health view the orchestrator reads and updates.
type Ledger interface {
	ShouldVisit(origin string) bool
	URLSettled(rawURL string) bool
	Priority(origin string) int
	RecordRobots(ctx context.Context, origin string, decision crawler.RobotsDecision) error
	MarkRelevance(ctx context.Context, origin string, relevant bool) (bool, error)
	MarkURL(rawURL string, state crawler.URLState)
}

// PageFetcher is the fetch chain.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, strategy crawler.Strategy) (crawler.PageFetchResult, error)
}

// Classifier scores page text.
type Classifier interface {
	Classify(ctx context.Context, text string) (classifier.Score, error)
}

// Extractor turns a page into candidates.
type Extractor interface {
	ExtractReport(page crawler.PageFetchResult, fallbackPostcode string) extractor.Report
}

// Deps are the collaborators of an Orchestrator. Events, IDs, Clock and Logger
// are optional.
type Deps struct {
	Providers  []search.Provider
	Gate       Gate
	Ledger     Ledger
	Fetcher    PageFetcher
	Classifier Classifier
	Extractor  Extractor
	Store      crawler.ActivityStore
	Events     events.Emitter
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Summary counts run outcomes. Stored and Duplicate count activity records;
// the other fields count URLs.
type Summary struct {
	Discovered int `json:"discovered"`
	Stored     int `json:"stored"`
	Duplicate  int `json:"duplicate"`
	Rejected   int `json:"rejected"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Orchestrator runs discovery for a set of postcodes.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	switch {
	case len(deps.Providers) == 0:
		return nil, errors.New("at least one search provider is required")
	case deps.Gate == nil:
		return nil, errors.New("politeness gate is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Classifier == nil:
		return nil, errors.New("classifier is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Store == nil:
		return nil, errors.New("activity store is required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg.clone(), deps: deps, log: deps.Logger.Named("pipeline")}, nil
}

// Config returns a copy of the run configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg.clone()
}

// target is one discovered URL and the postcode whose query found it.
type target struct {
	url      string
	origin   string
	postcode string
	priority int
}

// run holds the mutable state of one Run call.
type run struct {
	mu      sync.Mutex
	summary Summary
	visited map[string]struct{}
}

func (r *run) add(fn func(s *Summary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

func (r *run) snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Run discovers and processes URLs for each postcode in order. The summary is
// returned even when the run ends early; the error is non-nil only for a
// fatal persistence failure or an invalid postcode.
func (o *Orchestrator) Run(ctx context.Context, postcodes []string) (Summary, error) {
	canonical := make([]string, 0, len(postcodes))
	for _, raw := range postcodes {
		pc, ok := extractor.CanonicalPostcode(raw)
		if !ok {
			return Summary{}, fmt.Errorf("invalid postcode %q", raw)
		}
		canonical = append(canonical, pc)
	}

	runID := o.newRunID()
	emitter := events.WithRun(o.deps.Events, runID, o.now)
	ctx = events.NewContext(ctx, emitter)
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}
	log := o.log.With(zap.String("run_id", runID))
	log.Info("run started", zap.Strings("postcodes", canonical), zap.Int("keywords", len(o.cfg.Keywords)))

	state := &run{visited: make(map[string]struct{})}
	var runErr error
	for _, pc := range canonical {
		if ctx.Err() != nil {
			break
		}
		targets := o.discover(ctx, pc, state)
		if err := o.process(ctx, targets, state); err != nil {
			runErr = err
			break
		}
	}

	summary := state.snapshot()
	emitter.Emit(events.Event{
		Kind:    events.KindRunSummary,
		Count:   summary.Stored,
		Success: runErr == nil,
		Note: fmt.Sprintf("discovered=%d stored=%d duplicate=%d rejected=%d failed=%d skipped=%d",
			summary.Discovered, summary.Stored, summary.Duplicate, summary.Rejected, summary.Failed, summary.Skipped),
	})
	log.Info("run finished",
		zap.Int("discovered", summary.Discovered),
		zap.Int("stored", summary.Stored),
		zap.Int("duplicate", summary.Duplicate),
		zap.Int("rejected", summary.Rejected),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Error(runErr),
	)
	return summary, runErr
}

// discover issues postcode × keyword × provider queries and returns the new
// URLs in provider order, then stably sorted by origin priority.
func (o *Orchestrator) discover(ctx context.Context, postcode string, state *run) []target {
	var out []target
queries:
	for _, keyword := range o.cfg.Keywords {
		for _, provider := range o.deps.Providers {
			if ctx.Err() != nil {
				break queries
			}
			urls, err := provider.Search(ctx, keyword, postcode)
			if err != nil {
				o.log.Warn("search failed",
					zap.String("engine", provider.Name()),
					zap.String("keyword", keyword),
					zap.String("postcode", postcode),
					zap.Error(err),
				)
				continue
			}
			for _, raw := range urls {
				normalized, err := crawler.NormalizeURL(raw)
				if err != nil {
					continue
				}
				if _, seen := state.visited[normalized]; seen {
					continue
				}
				state.visited[normalized] = struct{}{}
				origin, _ := crawler.Origin(normalized)
				out = append(out, target{
					url:      normalized,
					origin:   origin,
					postcode: postcode,
					priority: o.deps.Ledger.Priority(origin),
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	state.add(func(s *Summary) { s.Discovered += len(out) })
	o.log.Info("discovery finished", zap.String("postcode", postcode), zap.Int("count", len(out)))
	return out
}

// process fans targets out over a bounded worker pool. A fatal error cancels
// the remaining work and is returned.
func (o *Orchestrator) process(ctx context.Context, targets []target, state *run) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, t := range targets {
		if gctx.Err() != nil {
			for _, rest := range targets[i:] {
				o.finish(gctx, rest, crawler.StateFailed, state, "run ended before fetch")
			}
			break
		}
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			return o.handle(gctx, t, state)
		})
	}
	return g.Wait()
}

// handle moves one URL through its state machine.
func (o *Orchestrator) handle(ctx context.Context, t target, state *run) error {
	log := o.log.With(zap.String("url", t.url))
	persist := context.WithoutCancel(ctx)

	if o.deps.Ledger.URLSettled(t.url) || !o.deps.Ledger.ShouldVisit(t.origin) {
		log.Debug("skipping url")
		state.add(func(s *Summary) { s.Skipped++ })
		events.FromContext(ctx).Emit(events.Event{
			Kind: events.KindTerminal, URL: t.url, Origin: t.origin, Outcome: "skipped",
		})
		return nil
	}

	if ctx.Err() != nil {
		o.finish(ctx, t, crawler.StateFailed, state, ctx.Err().Error())
		return nil
	}
	decision := o.deps.Gate.Decision(ctx, t.url)
	if ctx.Err() != nil {
		o.finish(ctx, t, crawler.StateFailed, state, ctx.Err().Error())
		return nil
	}
	if err := o.deps.Ledger.RecordRobots(persist, t.origin, decision.Robots); err != nil {
		o.finish(ctx, t, crawler.StateFailed, state, err.Error())
		return err
	}
	if !decision.Allowed {
		log.Info("rejected by robots policy", zap.String("verdict", string(decision.Robots.Verdict)))
		o.finish(ctx, t, crawler.StateRejected, state, crawler.ErrPolicy.Error())
		return nil
	}
	log.Debug("state", zap.String("state", string(crawler.StatePolicyChecked)))

	page, err := o.deps.Fetcher.Fetch(ctx, t.url, o.cfg.Strategy)
	if err != nil {
		if errors.Is(err, crawler.ErrPersistence) {
			o.finish(ctx, t, crawler.StateFailed, state, err.Error())
			return err
		}
		log.Info("fetch failed", zap.Error(err))
		o.finish(ctx, t, crawler.StateFailed, state, err.Error())
		return nil
	}
	log.Debug("state", zap.String("state", string(crawler.StateFetched)), zap.String("method", string(page.Method)))

	score, err := o.deps.Classifier.Classify(ctx, classifier.PageText(page.Body))
	relevant := err == nil && score.Combined >= o.cfg.RelevanceThreshold
	events.FromContext(ctx).Emit(events.Event{
		Kind:    events.KindClassification,
		URL:     t.url,
		Origin:  t.origin,
		Score:   score.Combined,
		Success: relevant,
		Note:    errNote(err),
	})
	if err != nil {
		if ctx.Err() != nil {
			o.finish(ctx, t, crawler.StateFailed, state, ctx.Err().Error())
			return nil
		}
		log.Warn("classification failed, treating page as irrelevant", zap.Error(err))
		o.finish(ctx, t, crawler.StateRejected, state, err.Error())
		return nil
	}
	// The run threshold decides acceptance, not the classifier's own verdict.
	if _, err := o.deps.Ledger.MarkRelevance(persist, t.origin, relevant); err != nil {
		o.finish(ctx, t, crawler.StateFailed, state, err.Error())
		return err
	}
	if !relevant {
		log.Info("page not relevant", zap.Float64("score", score.Combined))
		o.finish(ctx, t, crawler.StateRejected, state, "irrelevant")
		return nil
	}
	log.Debug("state", zap.String("state", string(crawler.StateClassified)), zap.Float64("score", score.Combined))

	report := o.deps.Extractor.ExtractReport(page, t.postcode)
	events.FromContext(ctx).Emit(events.Event{
		Kind:    events.KindExtraction,
		URL:     t.url,
		Origin:  t.origin,
		Count:   len(report.Candidates),
		Success: len(report.Candidates) > 0,
		Note:    report.Rule,
	})
	if len(report.Candidates) == 0 {
		log.Info("no eligible candidates", zap.Int("dropped", report.Dropped))
		o.finish(ctx, t, crawler.StateRejected, state, "no eligible candidates")
		return nil
	}
	if ctx.Err() != nil {
		o.finish(ctx, t, crawler.StateFailed, state, ctx.Err().Error())
		return nil
	}

	// The batch is written in full even if the run is canceled meanwhile.
	for _, candidate := range report.Candidates {
		res, err := o.deps.Store.Upsert(persist, candidate)
		if err != nil {
			err = fmt.Errorf("%w: upsert %q: %w", crawler.ErrPersistence, candidate.Title, err)
			o.finish(ctx, t, crawler.StateFailed, state, err.Error())
			return err
		}
		state.add(func(s *Summary) {
			if res.Outcome == crawler.OutcomeStored {
				s.Stored++
			} else {
				s.Duplicate++
			}
		})
		events.FromContext(ctx).Emit(events.Event{
			Kind:    events.KindDedup,
			URL:     t.url,
			Origin:  t.origin,
			Outcome: string(res.Outcome),
			Success: true,
			Note:    res.ID,
		})
	}
	log.Info("activities stored", zap.Int("count", len(report.Candidates)))
	o.finish(ctx, t, crawler.StateStored, state, "")
	return nil
}

// finish records the terminal state of a URL exactly once.
func (o *Orchestrator) finish(ctx context.Context, t target, final crawler.URLState, state *run, note string) {
	o.deps.Ledger.MarkURL(t.url, final)
	state.add(func(s *Summary) {
		switch final {
		case crawler.StateRejected:
			s.Rejected++
		case crawler.StateFailed:
			s.Failed++
		}
	})
	events.FromContext(ctx).Emit(events.Event{
		Kind:    events.KindTerminal,
		URL:     t.url,
		Origin:  t.origin,
		Outcome: string(final),
		Success: final == crawler.StateStored,
		Note:    note,
	})
}

func (o *Orchestrator) newRunID() string {
	if o.deps.IDs != nil {
		if id, err := o.deps.IDs.NewID(); err == nil {
			return id
		}
	}
	return fmt.Sprintf("run-%d", o.now().UnixNano())
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock != nil {
		return o.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Package app builds and holds the long-lived services of a discovery run,
// acting as the dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/classifier"
	"github.com/JakeFAU/activity-scout/internal/classifier/llm"
	"github.com/JakeFAU/activity-scout/internal/clock/system"
	"github.com/JakeFAU/activity-scout/internal/config"
	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/events"
	"github.com/JakeFAU/activity-scout/internal/events/sinks"
	"github.com/JakeFAU/activity-scout/internal/extractor"
	"github.com/JakeFAU/activity-scout/internal/fetcher"
	collyfetcher "github.com/JakeFAU/activity-scout/internal/fetcher/colly"
	"github.com/JakeFAU/activity-scout/internal/fetcher/headless"
	"github.com/JakeFAU/activity-scout/internal/headless/detector"
	"github.com/JakeFAU/activity-scout/internal/id/uuid"
	"github.com/JakeFAU/activity-scout/internal/ledger"
	"github.com/JakeFAU/activity-scout/internal/pipeline"
	"github.com/JakeFAU/activity-scout/internal/policy/ratelimit"
	"github.com/JakeFAU/activity-scout/internal/politeness"
	"github.com/JakeFAU/activity-scout/internal/search"
	"github.com/JakeFAU/activity-scout/internal/storage/memory"
	"github.com/JakeFAU/activity-scout/internal/storage/postgres"
	"github.com/JakeFAU/activity-scout/internal/storage/sqlite"
)

// Options carry process-level collaborators that are not part of Config.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the event collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
}

// App holds every service a run needs. It is built once and closed once.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        crawler.ActivityStore
	ledger       *ledger.Ledger
	hub          *events.Hub
	orchestrator *pipeline.Orchestrator

	closers []func() error
}

// New wires every component from cfg. It fails fast: any component that
// cannot be built aborts construction and releases what was already opened.
func New(ctx context.Context, cfg config.Config, opts Options) (a *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	ids := uuid.New()
	clock := system.New()
	// Every collaborator below reads the same run configuration the
	// orchestrator is built from.
	run := cfg.Pipeline()

	sites, err := a.openStore(ctx, ids, clock)
	if err != nil {
		return a, err
	}

	a.ledger, err = ledger.New(ctx, sites, ledger.Config{
		FailureThreshold: run.FailureCircuitBreaker.Threshold,
		Cooldown:         run.FailureCircuitBreaker.Cooldown,
		URLCooldown:      cfg.Ledger.URLCooldown,
	}, logger.Named("ledger"))
	if err != nil {
		return a, fmt.Errorf("init ledger: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MinDelay:    run.MinDelay,
		MaxDelay:    run.MaxDelay,
		BackoffBase: cfg.RateLimit.BackoffBase,
		BackoffMax:  cfg.RateLimit.BackoffMax,
		GlobalRPS:   cfg.RateLimit.GlobalRPS,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
	})
	if err != nil {
		return a, fmt.Errorf("init rate controller: %w", err)
	}

	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     run.Timeout,
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	chainDeps := fetcher.Deps{
		Static:  static,
		Limiter: limiter,
		Ledger:  a.ledger,
		Logger:  logger.Named("fetcher"),
	}
	if cfg.Headless.Enabled {
		rendered, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
		})
		if err != nil {
			return a, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error { rendered.Close(); return nil })
		chainDeps.Rendered = rendered
		chainDeps.Detector = detector.NewHeuristic(cfg.Headless.MinTextChars, cfg.Headless.MinHTMLBytes)
	}
	chain, err := fetcher.New(fetcher.Config{
		Strategy:      run.Strategy,
		RetryAttempts: run.RetryAttempts,
		UserAgent:     cfg.Crawler.UserAgent,
	}, chainDeps)
	if err != nil {
		return a, fmt.Errorf("init fetch chain: %w", err)
	}

	gate := politeness.New(politeness.Config{
		Respect:         cfg.Robots.Respect,
		UserAgent:       cfg.Crawler.UserAgent,
		RefreshInterval: cfg.Robots.RefreshInterval,
		FailureTTL:      cfg.Robots.FailureTTL,
		Client:          &http.Client{Timeout: run.Timeout},
	}, logger.Named("politeness"))

	providers, err := buildProviders(cfg, run.SearchEngines, static, limiter, logger)
	if err != nil {
		return a, err
	}

	semantic, err := buildSemantic(cfg)
	if err != nil {
		return a, err
	}
	cls, err := classifier.New(classifier.Config{
		Keywords:       run.Keywords,
		Threshold:      &run.RelevanceThreshold,
		KeywordWeight:  cfg.Classifier.KeywordWeight,
		SemanticWeight: cfg.Classifier.SemanticWeight,
	}, semantic, logger.Named("classifier"))
	if err != nil {
		return a, fmt.Errorf("init classifier: %w", err)
	}

	a.hub, err = buildHub(ctx, cfg, opts.Registerer, logger)
	if err != nil {
		return a, err
	}

	a.orchestrator, err = pipeline.New(run, pipeline.Deps{
		Providers:  providers,
		Gate:       gate,
		Ledger:     a.ledger,
		Fetcher:    chain,
		Classifier: cls,
		Extractor:  extractor.New(extractor.Config{}, logger.Named("extractor")),
		Store:      a.store,
		Events:     a.hub,
		IDs:        ids,
		Clock:      clock,
		Logger:     logger,
	})
	if err != nil {
		return a, fmt.Errorf("init pipeline: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("strategy", string(run.Strategy)),
		zap.Int("providers", len(providers)),
		zap.Bool("headless", cfg.Headless.Enabled),
	)
	return a, nil
}

// openStore selects the activity store and site repository by driver.
func (a *App) openStore(ctx context.Context, ids crawler.IDGenerator, clock crawler.Clock) (crawler.SiteRepository, error) {
	switch a.cfg.Store.Driver {
	case config.DriverSQLite:
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Store.DSN))
		store, err := sqlite.Open(ctx, a.cfg.Store.DSN, ids, clock)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.DriverPostgres:
		a.logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Store.DSN,
			MaxConns: a.cfg.Store.MaxConns,
		}, ids, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		a.store = store
		return store, nil
	case config.DriverMemory:
		a.logger.Info("using in-memory store; results are discarded on exit")
		store := memory.NewActivityStore(ids, clock)
		a.store = store
		a.closers = append(a.closers, store.Close)
		return memory.NewSiteRepository(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", a.cfg.Store.Driver)
	}
}

// buildProviders returns one provider per engine, ordered by name, followed
// by the seed list when present.
func buildProviders(cfg config.Config, engines map[string]string, fetch crawler.Fetcher, limiter search.Limiter, logger *zap.Logger) ([]search.Provider, error) {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)

	blocklist := crawler.NewBlocklist(cfg.Search.BlockedDomains)
	var providers []search.Provider
	for _, name := range names {
		p, err := search.NewEngineProvider(search.EngineConfig{
			Name:       name,
			QueryURL:   engines[name],
			MaxResults: cfg.Search.MaxResults,
			Blocklist:  blocklist,
		}, fetch, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("init search engine: %w", err)
		}
		providers = append(providers, p)
	}
	if len(cfg.Search.SeedURLs) > 0 {
		providers = append(providers, search.NewStaticProvider(cfg.Search.SeedURLs))
	}
	if len(providers) == 0 {
		return nil, errors.New("no search provider configured")
	}
	return providers, nil
}

func buildSemantic(cfg config.Config) (classifier.SemanticScorer, error) {
	switch cfg.Classifier.Semantic {
	case config.SemanticAnthropic:
		scorer, err := llm.New(llm.Config{
			APIKey:    cfg.Classifier.Anthropic.APIKey,
			Model:     cfg.Classifier.Anthropic.Model,
			Reference: cfg.Classifier.Reference,
			MaxChars:  cfg.Classifier.Anthropic.MaxChars,
		})
		if err != nil {
			return nil, fmt.Errorf("init anthropic scorer: %w", err)
		}
		return scorer, nil
	case config.SemanticLexical, "":
		return classifier.NewLexicalScorer(cfg.Classifier.Reference), nil
	default:
		return nil, fmt.Errorf("unknown semantic scorer: %s", cfg.Classifier.Semantic)
	}
}

func buildHub(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*events.Hub, error) {
	prom, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	eventSinks := []events.Sink{sinks.NewLogSink(logger.Named("events")), prom}
	if cfg.Events.PubSub.Enabled() {
		logger.Info("publishing events to pubsub", zap.String("topic", cfg.Events.PubSub.Topic))
		ps, err := sinks.NewPubSubSink(ctx, cfg.Events.PubSub.ProjectID, cfg.Events.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		eventSinks = append(eventSinks, ps)
	}
	return events.NewHub(events.HubConfig{
		BufferSize: cfg.Events.BufferSize,
		Logger:     logger.Named("events"),
	}, eventSinks...), nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the pipeline.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orchestrator }

// Store returns the activity store.
func (a *App) Store() crawler.ActivityStore { return a.store }

// Ledger returns the site ledger.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Sites returns a snapshot of every known site record.
func (a *App) Sites() []crawler.SiteRecord { return a.ledger.Sites() }

// Run executes one discovery run for postcodes.
func (a *App) Run(ctx context.Context, postcodes []string) (pipeline.Summary, error) {
	return a.orchestrator.Run(ctx, postcodes)
}

// Close flushes events and releases stores and browsers in reverse order of
// construction. It is safe to call on a partially built App.
func (a *App) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("error flushing events", zap.Error(err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("events dropped during run", zap.Int64("dropped", dropped))
		}
		cancel()
		a.hub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}

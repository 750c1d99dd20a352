// Package config loads and validates activity scout configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/pipeline"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Semantic scorers.
const (
	SemanticLexical   = "lexical"
	SemanticAnthropic = "anthropic"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Search     SearchConfig     `mapstructure:"search"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Store      StoreConfig      `mapstructure:"store"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SearchConfig controls discovery.
type SearchConfig struct {
	// Engines maps an engine name to the URL prefix the escaped query is
	// appended to.
	Engines        map[string]string `mapstructure:"engines"`
	Keywords       []string          `mapstructure:"keywords"`
	Postcodes      []string          `mapstructure:"postcodes"`
	BlockedDomains []string          `mapstructure:"blocked_domains"`
	// SeedURLs are processed for every query in addition to engine results.
	SeedURLs   []string `mapstructure:"seed_urls"`
	MaxResults int      `mapstructure:"max_results"`
}

// CrawlerConfig governs the worker pool.
type CrawlerConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Concurrency int           `mapstructure:"concurrency"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

// HTTPConfig configures request timeouts and retries.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// RateLimitConfig controls per-origin spacing and backoff.
type RateLimitConfig struct {
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	GlobalRPS   float64       `mapstructure:"global_rps"`
	GlobalBurst int           `mapstructure:"global_burst"`
}

// FetchConfig selects the fetch strategy.
type FetchConfig struct {
	Strategy string `mapstructure:"strategy"`
}

// HeadlessConfig configures rendering and promotion.
type HeadlessConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	MinTextChars int           `mapstructure:"min_text_chars"`
	MinHTMLBytes int           `mapstructure:"min_html_bytes"`
}

// RobotsConfig controls the politeness gate.
type RobotsConfig struct {
	Respect         bool          `mapstructure:"respect"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FailureTTL      time.Duration `mapstructure:"failure_ttl"`
}

// ClassifierConfig controls relevance scoring.
type ClassifierConfig struct {
	Threshold      float64         `mapstructure:"threshold"`
	KeywordWeight  float64         `mapstructure:"keyword_weight"`
	SemanticWeight float64         `mapstructure:"semantic_weight"`
	Reference      string          `mapstructure:"reference"`
	Semantic       string          `mapstructure:"semantic"`
	Anthropic      AnthropicConfig `mapstructure:"anthropic"`
}

// AnthropicConfig configures the model-backed semantic scorer.
type AnthropicConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	MaxChars int    `mapstructure:"max_chars"`
}

// LedgerConfig controls the per-origin circuit breaker.
type LedgerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	URLCooldown      time.Duration `mapstructure:"url_cooldown"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// EventsConfig sizes the event hub and enables the Pub/Sub sink.
type EventsConfig struct {
	BufferSize int          `mapstructure:"buffer_size"`
	PubSub     PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds the topic events are published to. Both fields must be
// set to enable the sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether both project and topic are set.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// MetricsConfig controls the /metrics and /healthz listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Search.Keywords = splitList(cfg.Search.Keywords)
	cfg.Search.Postcodes = splitList(cfg.Search.Postcodes)
	cfg.Search.SeedURLs = splitList(cfg.Search.SeedURLs)
	cfg.Search.BlockedDomains = splitList(cfg.Search.BlockedDomains)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("search.engines", map[string]string{
		"google": "https://www.google.com/search?q=",
		"bing":   "https://www.bing.com/search?q=",
	})
	v.SetDefault("search.keywords", []string{"kids activities", "children events", "family activities", "kids classes"})
	v.SetDefault("search.postcodes", []string{})
	v.SetDefault("search.blocked_domains", []string{})
	v.SetDefault("search.seed_urls", []string{})
	v.SetDefault("search.max_results", 20)
	v.SetDefault("crawler.user_agent", "activity-scout/0.1 (+https://github.com/JakeFAU/activity-scout)")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.run_timeout", 30*time.Minute)
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.retry_attempts", 3)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("ratelimit.min_delay", time.Second)
	v.SetDefault("ratelimit.max_delay", 3*time.Second)
	v.SetDefault("ratelimit.backoff_base", time.Second)
	v.SetDefault("ratelimit.backoff_max", time.Minute)
	v.SetDefault("ratelimit.global_rps", 0)
	v.SetDefault("ratelimit.global_burst", 1)
	v.SetDefault("fetch.strategy", string(crawler.StrategyAuto))
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 750*time.Millisecond)
	v.SetDefault("headless.min_text_chars", 200)
	v.SetDefault("headless.min_html_bytes", 2048)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.refresh_interval", 24*time.Hour)
	v.SetDefault("robots.failure_ttl", time.Hour)
	v.SetDefault("classifier.threshold", 0.6)
	v.SetDefault("classifier.keyword_weight", 0.6)
	v.SetDefault("classifier.semantic_weight", 0.4)
	v.SetDefault("classifier.reference", "")
	v.SetDefault("classifier.semantic", SemanticLexical)
	v.SetDefault("classifier.anthropic.api_key", "")
	v.SetDefault("classifier.anthropic.model", "")
	v.SetDefault("classifier.anthropic.max_chars", 6000)
	v.SetDefault("ledger.failure_threshold", 5)
	v.SetDefault("ledger.cooldown", time.Hour)
	v.SetDefault("ledger.url_cooldown", 24*time.Hour)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "activities.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// splitList accepts comma separated values from environment variables, which
// Viper delivers as a single element.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Search.Keywords) == 0 {
		return fmt.Errorf("search.keywords must not be empty")
	}
	if len(c.Search.Engines) == 0 && len(c.Search.SeedURLs) == 0 {
		return fmt.Errorf("search.engines or search.seed_urls must be set")
	}
	for name, prefix := range c.Search.Engines {
		if _, err := crawler.Origin(prefix); err != nil {
			return fmt.Errorf("search.engines.%s: %w", name, err)
		}
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RunTimeout < 0 {
		return fmt.Errorf("crawler.run_timeout must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.RetryAttempts <= 0 {
		return fmt.Errorf("http.retry_attempts must be > 0")
	}
	if c.RateLimit.MinDelay < 0 || c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("ratelimit.min_delay must be >= 0 and <= ratelimit.max_delay")
	}
	if c.RateLimit.GlobalRPS < 0 {
		return fmt.Errorf("ratelimit.global_rps must be >= 0")
	}
	if _, ok := crawler.ParseStrategy(c.Fetch.Strategy); !ok {
		return fmt.Errorf("fetch.strategy %q is not one of auto, static, rendered", c.Fetch.Strategy)
	}
	if c.Strategy() == crawler.StrategyRendered && !c.Headless.Enabled {
		return fmt.Errorf("fetch.strategy rendered requires headless.enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		return fmt.Errorf("classifier.threshold must be within [0,1]")
	}
	if c.Classifier.KeywordWeight < 0 || c.Classifier.SemanticWeight < 0 {
		return fmt.Errorf("classifier weights must be >= 0")
	}
	switch c.Classifier.Semantic {
	case SemanticLexical:
	case SemanticAnthropic:
		if c.Classifier.Anthropic.APIKey == "" {
			return fmt.Errorf("classifier.anthropic.api_key must be set when classifier.semantic is anthropic")
		}
	default:
		return fmt.Errorf("classifier.semantic %q is not one of lexical, anthropic", c.Classifier.Semantic)
	}
	if c.Ledger.FailureThreshold <= 0 || c.Ledger.Cooldown <= 0 {
		return fmt.Errorf("ledger.failure_threshold and ledger.cooldown must be > 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	}
	if (c.Events.PubSub.ProjectID == "") != (c.Events.PubSub.Topic == "") {
		return fmt.Errorf("events.pubsub.project_id and events.pubsub.topic must be set together")
	}
	return nil
}

// Strategy returns the parsed fetch strategy.
func (c Config) Strategy() crawler.Strategy {
	s, _ := crawler.ParseStrategy(c.Fetch.Strategy)
	return s
}

// Pipeline converts the loaded values into the orchestrator's run
// configuration.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		SearchEngines:      c.Search.Engines,
		Keywords:           c.Search.Keywords,
		RetryAttempts:      c.HTTP.RetryAttempts,
		Timeout:            c.HTTP.Timeout,
		MinDelay:           c.RateLimit.MinDelay,
		MaxDelay:           c.RateLimit.MaxDelay,
		RelevanceThreshold: c.Classifier.Threshold,
		FailureCircuitBreaker: pipeline.CircuitBreaker{
			Threshold: c.Ledger.FailureThreshold,
			Cooldown:  c.Ledger.Cooldown,
		},
		Strategy:    c.Strategy(),
		Concurrency: c.Crawler.Concurrency,
		RunTimeout:  c.Crawler.RunTimeout,
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
search:
  engines:
    duck: https://html.duckduckgo.com/html/?q=
  keywords: ["kids swimming lessons", "toddler music"]
  postcodes: ["SW1A 1AA"]
  blocked_domains: ["*.ru"]
  seed_urls: ["https://splash.example/juniors"]
  max_results: 5
crawler:
  user_agent: test-agent
  concurrency: 8
  run_timeout: 2m
http:
  timeout: 15s
  retry_attempts: 4
ratelimit:
  min_delay: 500ms
  max_delay: 2s
fetch:
  strategy: rendered
headless:
  enabled: true
  max_parallel: 2
  nav_timeout: 30s
classifier:
  threshold: 0.7
  semantic: anthropic
  anthropic:
    api_key: sk-test
    model: claude-test
ledger:
  failure_threshold: 3
  cooldown: 10m
store:
  driver: postgres
  dsn: postgres://scout@localhost/scout
  max_conns: 8
events:
  pubsub:
    project_id: proj
    topic: activity-events
metrics:
  addr: ":9090"
logging:
  development: false
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Search.Engines["duck"]; got != "https://html.duckduckgo.com/html/?q=" {
		t.Fatalf("expected duck engine, got %q", got)
	}
	if len(cfg.Search.Keywords) != 2 || cfg.Search.Keywords[1] != "toddler music" {
		t.Fatalf("expected keyword overrides, got %v", cfg.Search.Keywords)
	}
	if cfg.Crawler.Concurrency != 8 || cfg.Crawler.RunTimeout != 2*time.Minute {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.RateLimit.MinDelay != 500*time.Millisecond || cfg.RateLimit.MaxDelay != 2*time.Second {
		t.Fatalf("expected delay window overrides: %+v", cfg.RateLimit)
	}
	if cfg.Strategy() != crawler.StrategyRendered {
		t.Fatalf("expected rendered strategy, got %q", cfg.Strategy())
	}
	if cfg.Classifier.Anthropic.APIKey != "sk-test" || cfg.Classifier.Semantic != SemanticAnthropic {
		t.Fatalf("expected anthropic classifier: %+v", cfg.Classifier)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.MaxConns != 8 {
		t.Fatalf("expected postgres store: %+v", cfg.Store)
	}
	if !cfg.Events.PubSub.Enabled() {
		t.Fatalf("expected pubsub sink to be enabled")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected production debug logging: %+v", cfg.Logging)
	}

	pc := cfg.Pipeline()
	if pc.RetryAttempts != 4 || pc.Timeout != 15*time.Second || pc.RelevanceThreshold != 0.7 {
		t.Fatalf("unexpected pipeline config: %+v", pc)
	}
	if pc.FailureCircuitBreaker.Threshold != 3 || pc.FailureCircuitBreaker.Cooldown != 10*time.Minute {
		t.Fatalf("unexpected circuit breaker: %+v", pc.FailureCircuitBreaker)
	}
	if err := pc.Validate(); err != nil {
		t.Fatalf("pipeline config should be valid: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Search.Engines) != 2 {
		t.Fatalf("expected google and bing engines, got %v", cfg.Search.Engines)
	}
	if cfg.HTTP.RetryAttempts != 3 || cfg.HTTP.Timeout != 10*time.Second {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.RateLimit.MinDelay != time.Second || cfg.RateLimit.MaxDelay != 3*time.Second {
		t.Fatalf("unexpected delay defaults: %+v", cfg.RateLimit)
	}
	if cfg.Classifier.Threshold != 0.6 {
		t.Fatalf("expected threshold 0.6, got %v", cfg.Classifier.Threshold)
	}
	if !cfg.Robots.Respect || cfg.Robots.RefreshInterval != 24*time.Hour {
		t.Fatalf("expected robots to be respected with a daily refresh: %+v", cfg.Robots)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Events.PubSub.Enabled() {
		t.Fatalf("unexpected store or events defaults")
	}
	if err := cfg.Pipeline().Validate(); err != nil {
		t.Fatalf("default pipeline config should be valid: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		yaml string
		want string
	}{
		"inverted delays": {
			yaml: "ratelimit:\n  min_delay: 5s\n  max_delay: 1s\n",
			want: "ratelimit.min_delay",
		},
		"unknown strategy": {
			yaml: "fetch:\n  strategy: telepathy\n",
			want: "fetch.strategy",
		},
		"rendered without headless": {
			yaml: "fetch:\n  strategy: rendered\n",
			want: "headless.enabled",
		},
		"threshold out of range": {
			yaml: "classifier:\n  threshold: 1.2\n",
			want: "classifier.threshold",
		},
		"anthropic without key": {
			yaml: "classifier:\n  semantic: anthropic\n",
			want: "api_key",
		},
		"unknown driver": {
			yaml: "store:\n  driver: oracle\n",
			want: "store.driver",
		},
		"half configured pubsub": {
			yaml: "events:\n  pubsub:\n    project_id: proj\n",
			want: "events.pubsub",
		},
		"zero retries": {
			yaml: "http:\n  retry_attempts: 0\n",
			want: "http.retry_attempts",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList([]string{"SW1A 1AA, E1 6AN", " ", "NW8 9RA"})
	want := []string{"SW1A 1AA", "E1 6AN", "NW8 9RA"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("splitList() = %v, want %v", got, want)
	}
}

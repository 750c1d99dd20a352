package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/app"
	"github.com/JakeFAU/activity-scout/internal/config"
	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/storage/memory"
	"github.com/JakeFAU/activity-scout/internal/storage/sqlite"
)

const clubPage = `<html><head><title>Splash Academy</title></head><body>
<h1>Junior Swimming Lessons</h1>
<p>Kids swimming lessons in Westminster. Our junior swim club runs classes for
children ages 5-10 after school. Family friendly activities every Saturday, plus holiday
camps for toddlers and juniors.</p>
<p>Venue: Jubilee Pool, 30 Great Smith Street, London SW1A 1AA.</p>
<p>£12.50 per session.</p>
</body></html>`

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = config.DriverMemory
	cfg.RateLimit.MinDelay = 0
	cfg.RateLimit.MaxDelay = 0
	return cfg
}

func opts() app.Options {
	return app.Options{Logger: zap.NewNop(), Registerer: prometheus.NewRegistry()}
}

func TestNewMemoryStore(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(t), opts())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Orchestrator())
	assert.NotNil(t, a.Ledger())
	assert.IsType(t, &memory.ActivityStore{}, a.Store())
	assert.Equal(t, config.DriverMemory, a.Config().Store.Driver)
}

func TestNewSQLiteStore(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "scout.db")

	a, err := app.New(context.Background(), cfg, opts())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &sqlite.Store{}, a.Store())
	n, err := a.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unknown store driver",
			mutate: func(c *config.Config) { c.Store.Driver = "oracle" },
			want:   "unknown store driver: oracle",
		},
		{
			name: "unreachable postgres",
			mutate: func(c *config.Config) {
				c.Store.Driver = config.DriverPostgres
				c.Store.DSN = "postgres://scout@127.0.0.1:1/scout?connect_timeout=1"
			},
			want: "postgres store",
		},
		{
			name:   "unknown semantic scorer",
			mutate: func(c *config.Config) { c.Classifier.Semantic = "oracle" },
			want:   "unknown semantic scorer: oracle",
		},
		{
			name: "no providers",
			mutate: func(c *config.Config) {
				c.Search.Engines = nil
				c.Search.SeedURLs = nil
			},
			want: "no search provider configured",
		},
		{
			name:   "bad engine url",
			mutate: func(c *config.Config) { c.Search.Engines = map[string]string{"broken": "::not a url"} },
			want:   "init search engine",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t)
			tc.mutate(&cfg)

			a, err := app.New(context.Background(), cfg, opts())
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRunAgainstSeedSite(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	mux.HandleFunc("/juniors", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(clubPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := baseConfig(t)
	cfg.Search.Engines = nil
	cfg.Search.SeedURLs = []string{srv.URL + "/juniors"}
	cfg.Search.Keywords = []string{"kids swimming lessons"}

	a, err := app.New(context.Background(), cfg, opts())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	summary, err := a.Orchestrator().Run(context.Background(), []string{"sw1a1aa"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Stored)

	records, err := a.Store().List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Junior Swimming Lessons", records[0].Title)
	assert.Equal(t, srv.URL+"/juniors", records[0].SourceURL)

	origin, err := crawler.Origin(srv.URL + "/")
	require.NoError(t, err)
	site, ok := a.Ledger().Site(origin)
	require.True(t, ok)
	assert.Equal(t, crawler.RelevanceRelevant, site.Relevance)
}

func TestRunSharesOneRunConfiguration(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Search.Engines = nil
	cfg.Search.SeedURLs = []string{"https://seed.example/juniors"}
	cfg.Classifier.Threshold = 0.95
	cfg.HTTP.RetryAttempts = 2

	a, err := app.New(context.Background(), cfg, opts())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	run := a.Orchestrator().Config()
	assert.InDelta(t, 0.95, run.RelevanceThreshold, 1e-9)
	assert.Equal(t, 2, run.RetryAttempts)
	assert.Equal(t, cfg.Ledger.FailureThreshold, run.FailureCircuitBreaker.Threshold)
	assert.Equal(t, cfg.Strategy(), run.Strategy)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(t), opts())
	require.NoError(t, err)
	a.Close()
	a.Close()
}

package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

// CircuitBreaker closes an origin after Threshold consecutive failures for
// Cooldown.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration
}

// Config is the immutable run configuration. Every recognized option is
// listed here; it is read once when the orchestrator is built.
type Config struct {
	// SearchEngines maps an engine name to the URL prefix the escaped query
	// is appended to.
	SearchEngines map[string]string
	Keywords      []string
	// RetryAttempts caps fetch attempts per URL and method.
	RetryAttempts int
	// Timeout bounds a single request.
	Timeout               time.Duration
	MinDelay              time.Duration
	MaxDelay              time.Duration
	RelevanceThreshold    float64
	FailureCircuitBreaker CircuitBreaker

	Strategy    crawler.Strategy
	Concurrency int
	// RunTimeout bounds a whole run; zero means no deadline.
	RunTimeout time.Duration
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	if len(c.Keywords) == 0 {
		return fmt.Errorf("at least one keyword is required")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be > 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("delay window [%s, %s] is invalid", c.MinDelay, c.MaxDelay)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance threshold must be within [0,1]")
	}
	if c.FailureCircuitBreaker.Threshold <= 0 || c.FailureCircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("circuit breaker threshold and cooldown must be > 0")
	}
	if _, ok := crawler.ParseStrategy(string(c.Strategy)); !ok {
		return fmt.Errorf("unknown fetch strategy %q", c.Strategy)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run timeout must be >= 0")
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate a running configuration.
func (c Config) clone() Config {
	out := c
	out.Keywords = slices.Clone(c.Keywords)
	out.SearchEngines = maps.Clone(c.SearchEngines)
	return out
}

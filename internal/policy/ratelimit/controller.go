// Package ratelimit spaces requests to the same origin and backs off after
// failures. Every origin has a next-allowed-time watermark; callers reserve a
// slot under the origin's lock and then wait for it outside the lock. An
// optional process-wide token bucket caps the total request rate.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/activity-scout/internal/metrics"
)

// Config holds rate controller configuration. Now, Sleep and Rand are
// optional and exist so tests can drive the controller deterministically.
type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// GlobalRPS caps requests per second across all origins. Zero disables
	// the cap.
	GlobalRPS   float64
	GlobalBurst int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, n).
	Rand func(n int64) int64
}

// Controller manages per-origin spacing and failure backoff.
type Controller struct {
	cfg    Config
	global *rate.Limiter

	mu      sync.Mutex
	origins map[string]*originState
}

type originState struct {
	mu       sync.Mutex
	next     time.Time
	failures int
}

// New creates a Controller, filling unset knobs with defaults.
func New(cfg Config) (*Controller, error) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("rate limit delays must be >= 0")
	}
	if cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("rate limit max delay %s is below min delay %s", cfg.MaxDelay, cfg.MinDelay)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Rand == nil {
		cfg.Rand = cryptoRand
	}
	if cfg.GlobalRPS < 0 {
		return nil, fmt.Errorf("rate limit global rps must be >= 0")
	}
	c := &Controller{
		cfg:     cfg,
		origins: make(map[string]*originState),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		c.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return c, nil
}

// Acquire blocks until origin may be contacted again. Each call reserves the
// earliest free slot and pushes the watermark forward by a random delay in
// [MinDelay, MaxDelay].
func (c *Controller) Acquire(ctx context.Context, origin string) error {
	st := c.state(origin)

	st.mu.Lock()
	now := c.cfg.Now()
	slot := now
	if st.next.After(now) {
		slot = st.next
	}
	st.next = slot.Add(c.spacing())
	st.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		metrics.ObserveRateLimitDelay(origin, wait)
		if err := c.cfg.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	} else if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limit wait: %w", err)
		}
	}
	return nil
}

// ReportFailure increments the origin's consecutive failure count and moves
// its watermark to at least now + min(BackoffBase*2^failures, BackoffMax).
// It returns the backoff that was applied.
func (c *Controller) ReportFailure(origin string) time.Duration {
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures++
	backoff := c.backoff(st.failures)
	if until := c.cfg.Now().Add(backoff); until.After(st.next) {
		st.next = until
	}
	metrics.ObserveBackoff(origin, backoff)
	return backoff
}

// ReportSuccess resets the origin's consecutive failure count.
func (c *Controller) ReportSuccess(origin string) {
	st := c.state(origin)
	st.mu.Lock()
	st.failures = 0
	st.mu.Unlock()
}

// Failures returns the origin's current consecutive failure count.
func (c *Controller) Failures(origin string) int {
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failures
}

// Watermark returns the earliest time the origin may next be contacted.
func (c *Controller) Watermark(origin string) time.Time {
	st := c.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.next
}

func (c *Controller) state(origin string) *originState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.origins[origin]
	if !ok {
		st = &originState{}
		c.origins[origin] = st
	}
	return st
}

func (c *Controller) spacing() time.Duration {
	span := c.cfg.MaxDelay - c.cfg.MinDelay
	if span <= 0 {
		return c.cfg.MinDelay
	}
	return c.cfg.MinDelay + time.Duration(c.cfg.Rand(int64(span)+1))
}

func (c *Controller) backoff(failures int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cryptoRand(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return v.Int64()
}

// Package fetcher turns a URL into a page body. It picks the static or
// rendered strategy, retries transient failures through the rate controller,
// and reports every attempt to the rate controller and the site ledger.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/events"
	"github.com/JakeFAU/activity-scout/internal/metrics"
)

const defaultRetryAttempts = 3

// RateLimiter is the subset of the rate controller used by the chain.
type RateLimiter interface {
	Acquire(ctx context.Context, origin string) error
	ReportFailure(origin string) time.Duration
	ReportSuccess(origin string)
}

// OutcomeRecorder receives one call per fetch attempt.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, origin string, success bool) error
}

// Config controls strategy and retry behavior.
type Config struct {
	// Strategy is used when Fetch is called with an empty strategy.
	Strategy crawler.Strategy
	// RetryAttempts caps attempts per method, counting the first one.
	RetryAttempts int
	// UserAgent is sent on every request.
	UserAgent string
}

// Deps are the collaborators of a Chain. Rendered and Detector are optional;
// without them every fetch is static.
type Deps struct {
	Static   crawler.Fetcher
	Rendered crawler.Fetcher
	Detector crawler.HeadlessDetector
	Limiter  RateLimiter
	Ledger   OutcomeRecorder
	Logger   *zap.Logger
}

// Chain implements the fetch strategies.
type Chain struct {
	cfg      Config
	static   crawler.Fetcher
	rendered crawler.Fetcher
	detector crawler.HeadlessDetector
	limiter  RateLimiter
	ledger   OutcomeRecorder
	logger   *zap.Logger
}

// New validates deps and builds a Chain.
func New(cfg Config, deps Deps) (*Chain, error) {
	if deps.Static == nil {
		return nil, errors.New("static fetcher is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("outcome recorder is required")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.Strategy == "" {
		cfg.Strategy = crawler.StrategyAuto
	}
	if _, ok := crawler.ParseStrategy(string(cfg.Strategy)); !ok {
		return nil, fmt.Errorf("unknown fetch strategy %q", cfg.Strategy)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		cfg:      cfg,
		static:   deps.Static,
		rendered: deps.Rendered,
		detector: deps.Detector,
		limiter:  deps.Limiter,
		ledger:   deps.Ledger,
		logger:   logger,
	}, nil
}

// attemptResult is the last response of one method's attempt loop.
type attemptResult struct {
	resp     crawler.FetchResponse
	attempts int
	latency  time.Duration
}

// Fetch retrieves rawURL. Transient failures are retried up to
// RetryAttempts; permanent failures return immediately. The returned error
// is a *crawler.FetchError or wraps crawler.ErrPersistence.
func (c *Chain) Fetch(ctx context.Context, rawURL string, strategy crawler.Strategy) (crawler.PageFetchResult, error) {
	target, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.PageFetchResult{}, &crawler.FetchError{Kind: crawler.FetchPermanent, URL: rawURL, Err: err}
	}
	origin, err := crawler.Origin(target)
	if err != nil {
		return crawler.PageFetchResult{}, &crawler.FetchError{Kind: crawler.FetchPermanent, URL: rawURL, Err: err}
	}
	if strategy == "" {
		strategy = c.cfg.Strategy
	}
	if strategy == crawler.StrategyRendered && c.rendered == nil {
		c.logger.Warn("rendered strategy requested without a browser, using static", zap.String("url", target))
		strategy = crawler.StrategyStatic
	}

	switch strategy {
	case crawler.StrategyRendered:
		res, err := c.run(ctx, target, origin, crawler.MethodRendered, c.cfg.RetryAttempts)
		if err != nil {
			return crawler.PageFetchResult{}, err
		}
		return c.page(rawURL, crawler.MethodRendered, res, res.attempts), nil
	case crawler.StrategyStatic:
		res, err := c.run(ctx, target, origin, crawler.MethodStatic, c.cfg.RetryAttempts)
		if err != nil {
			return crawler.PageFetchResult{}, err
		}
		return c.page(rawURL, crawler.MethodStatic, res, res.attempts), nil
	default:
		return c.fetchAuto(ctx, rawURL, target, origin)
	}
}

func (c *Chain) fetchAuto(ctx context.Context, rawURL, target, origin string) (crawler.PageFetchResult, error) {
	probe, err := c.run(ctx, target, origin, crawler.MethodStatic, c.cfg.RetryAttempts)
	if err != nil {
		return crawler.PageFetchResult{}, err
	}
	if c.rendered == nil || c.detector == nil || !c.detector.ShouldPromote(probe.resp) {
		return c.page(rawURL, crawler.MethodStatic, probe, probe.attempts), nil
	}

	c.logger.Debug("escalating to rendered fetch", zap.String("url", target))
	rendered, err := c.run(ctx, target, origin, crawler.MethodRendered, 1)
	if err != nil {
		if errors.Is(err, crawler.ErrPersistence) || ctx.Err() != nil {
			return crawler.PageFetchResult{}, err
		}
		c.logger.Warn("rendered fetch failed, keeping static page", zap.String("url", target), zap.Error(err))
		return c.page(rawURL, crawler.MethodStatic, probe, probe.attempts+rendered.attempts), nil
	}
	return c.page(rawURL, crawler.MethodRendered, rendered, probe.attempts+rendered.attempts), nil
}

// run performs up to maxAttempts attempts with one method.
func (c *Chain) run(
	ctx context.Context,
	target, origin string,
	method crawler.FetchMethod,
	maxAttempts int,
) (attemptResult, error) {
	fetcher := c.static
	if method == crawler.MethodRendered {
		fetcher = c.rendered
	}
	emitter := events.FromContext(ctx)

	var (
		res     attemptResult
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, origin); err != nil {
			return res, &crawler.FetchError{Kind: crawler.FetchPermanent, URL: target, Err: err}
		}
		res.attempts = attempt

		start := time.Now()
		resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{URL: target, Headers: c.headers()})
		elapsed := time.Since(start)
		if err == nil {
			if statusErr := crawler.StatusError(target, resp.StatusCode); statusErr != nil {
				err = statusErr
			}
		}
		if err != nil && ctx.Err() != nil {
			// The run is ending; the origin did nothing wrong.
			return res, &crawler.FetchError{Kind: crawler.FetchPermanent, URL: target, Err: ctx.Err()}
		}

		success := err == nil
		if success {
			c.limiter.ReportSuccess(origin)
		} else {
			c.limiter.ReportFailure(origin)
		}
		if recErr := c.ledger.RecordOutcome(context.WithoutCancel(ctx), origin, success); recErr != nil {
			return res, recErr
		}
		result := "success"
		if !success {
			result = "failure"
		}
		metrics.ObserveFetchAttempt(target, string(method), result, elapsed)
		emitter.Emit(events.Event{
			Kind:       events.KindFetch,
			URL:        target,
			Origin:     origin,
			Method:     string(method),
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Success:    success,
			Dur:        elapsed,
			Note:       errNote(err),
		})

		if success {
			res.resp = resp
			res.latency = elapsed
			return res, nil
		}

		fetchErr := crawler.ClassifyError(target, err)
		lastErr = fetchErr
		c.logger.Debug("fetch attempt failed",
			zap.String("url", target),
			zap.String("method", string(method)),
			zap.Int("attempt", attempt),
			zap.Int("status_code", resp.StatusCode),
			zap.Bool("transient", fetchErr.Transient()),
			zap.Error(err),
		)
		if !fetchErr.Transient() {
			break
		}
	}
	return res, lastErr
}

func (c *Chain) page(rawURL string, method crawler.FetchMethod, res attemptResult, attempts int) crawler.PageFetchResult {
	finalURL := res.resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	contentType := ""
	if res.resp.Headers != nil {
		contentType = res.resp.Headers.Get("Content-Type")
	}
	latency := res.resp.Duration
	if latency <= 0 {
		latency = res.latency
	}
	return crawler.PageFetchResult{
		URL:         rawURL,
		FinalURL:    finalURL,
		Body:        res.resp.Body,
		ContentType: contentType,
		Method:      method,
		StatusCode:  res.resp.StatusCode,
		Latency:     latency,
		Attempts:    attempts,
	}
}

func (c *Chain) headers() map[string][]string {
	if c.cfg.UserAgent == "" {
		return nil
	}
	return map[string][]string{"User-Agent": {c.cfg.UserAgent}}
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.StatusCode > 0 {
		return "status " + strconv.Itoa(fe.StatusCode)
	}
	return err.Error()
}

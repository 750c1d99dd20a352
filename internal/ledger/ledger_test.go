package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/storage/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, repo crawler.SiteRepository, clk *manualClock, cfg Config) *Ledger {
	t.Helper()
	cfg.Now = clk.Now
	l, err := New(context.Background(), repo, cfg, zap.NewNop())
	require.NoError(t, err)
	return l
}

const origin = "https://swim.example"

func TestRecordOutcomeCountsAndPersists(t *testing.T) {
	t.Parallel()

	repo := memory.NewSiteRepository()
	clk := &manualClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	l := newLedger(t, repo, clk, Config{})
	ctx := context.Background()

	require.NoError(t, l.RecordOutcome(ctx, origin, true))
	require.NoError(t, l.RecordOutcome(ctx, origin, false))
	require.NoError(t, l.RecordOutcome(ctx, origin, false))

	rec, ok := l.Site(origin)
	require.True(t, ok)
	require.EqualValues(t, 1, rec.SuccessCount)
	require.EqualValues(t, 2, rec.FailCount)
	require.Equal(t, 2, rec.ConsecutiveFailures)
	require.Equal(t, clk.Now(), rec.LastVisited)

	stored, ok := repo.Get(origin)
	require.True(t, ok)
	require.Equal(t, rec, stored)

	require.NoError(t, l.RecordOutcome(ctx, origin, true))
	rec, _ = l.Site(origin)
	require.Zero(t, rec.ConsecutiveFailures)
	require.EqualValues(t, 2, rec.FailCount, "counts never decrease")
}

func TestCircuitBreakerOpensAndCoolsDown(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	l := newLedger(t, memory.NewSiteRepository(), clk, Config{FailureThreshold: 3, Cooldown: 30 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.RecordOutcome(ctx, origin, false))
	}
	require.True(t, l.ShouldVisit(origin))

	require.NoError(t, l.RecordOutcome(ctx, origin, false))
	require.False(t, l.ShouldVisit(origin))

	clk.Advance(29 * time.Minute)
	require.False(t, l.ShouldVisit(origin))

	clk.Advance(2 * time.Minute)
	require.True(t, l.ShouldVisit(origin), "half-open after cooldown")

	// One more failure re-opens the breaker immediately.
	require.NoError(t, l.RecordOutcome(ctx, origin, false))
	require.False(t, l.ShouldVisit(origin))

	require.True(t, l.ShouldVisit("https://other.example"))
}

func TestRobotsVerdictBlocksUntilExpiry(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewSiteRepository()
	l := newLedger(t, repo, clk, Config{})
	ctx := context.Background()

	decision := crawler.RobotsDecision{Verdict: crawler.RobotsDisallowed, Expires: clk.Now().Add(time.Hour)}
	require.NoError(t, l.RecordRobots(ctx, origin, decision))
	require.False(t, l.ShouldVisit(origin))

	saves := repo.Saves()
	require.NoError(t, l.RecordRobots(ctx, origin, decision))
	require.Equal(t, saves, repo.Saves(), "unchanged verdict is not rewritten")

	clk.Advance(time.Hour)
	require.True(t, l.ShouldVisit(origin))
}

func TestMarkRelevanceOnlyFirstTime(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Now().UTC()}
	l := newLedger(t, memory.NewSiteRepository(), clk, Config{})
	ctx := context.Background()

	require.Equal(t, 1, l.Priority(origin))
	changed, err := l.MarkRelevance(ctx, origin, false)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = l.MarkRelevance(ctx, origin, true)
	require.NoError(t, err)
	require.False(t, changed)

	rec, _ := l.Site(origin)
	require.Equal(t, crawler.RelevanceIrrelevant, rec.Relevance)
	require.Equal(t, 2, l.Priority(origin))

	_, err = l.MarkRelevance(ctx, "https://kids.example", true)
	require.NoError(t, err)
	require.Equal(t, 0, l.Priority("https://kids.example"))
}

func TestURLMemoryRespectsCooldown(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Now().UTC()}
	l := newLedger(t, memory.NewSiteRepository(), clk, Config{URLCooldown: time.Hour})

	u := origin + "/lessons"
	l.MarkURL(u, crawler.StateRejected)
	require.False(t, l.URLSettled(u))

	l.MarkURL(u, crawler.StateStored)
	require.True(t, l.URLSettled(u))

	clk.Advance(time.Hour)
	require.False(t, l.URLSettled(u))
}

func TestLedgerLoadsExistingSites(t *testing.T) {
	t.Parallel()

	repo := memory.NewSiteRepository()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveSite(context.Background(), crawler.SiteRecord{
		Origin:              origin,
		FailCount:           9,
		ConsecutiveFailures: 5,
		LastFailure:         now.Add(-time.Minute),
	}))

	l := newLedger(t, repo, &manualClock{now: now}, Config{})
	require.False(t, l.ShouldVisit(origin))
	require.Len(t, l.Sites(), 1)
}

func TestPersistenceFailureIsWrapped(t *testing.T) {
	t.Parallel()

	l := newLedger(t, failingRepo{}, &manualClock{now: time.Now()}, Config{})
	err := l.RecordOutcome(context.Background(), origin, true)
	require.ErrorIs(t, err, crawler.ErrPersistence)

	_, ok := l.Site(origin)
	require.True(t, ok)
	rec, _ := l.Site(origin)
	require.Zero(t, rec.SuccessCount, "failed writes leave the cached record untouched")
}

func TestConcurrentOutcomesAreSerialized(t *testing.T) {
	t.Parallel()

	l := newLedger(t, memory.NewSiteRepository(), &manualClock{now: time.Now()}, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.RecordOutcome(context.Background(), origin, i%2 == 0)
		}(i)
	}
	wg.Wait()
	rec, _ := l.Site(origin)
	require.EqualValues(t, 50, rec.SuccessCount+rec.FailCount)
}

type failingRepo struct{}

func (failingRepo) LoadSites(context.Context) ([]crawler.SiteRecord, error) { return nil, nil }
func (failingRepo) SaveSite(context.Context, crawler.SiteRecord) error {
	return errors.New("database unavailable")
}

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.n.Add(1)), nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	clk := &stepClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), path, &seqIDs{}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertStoresThenDeduplicates(t *testing.T) {
	t.Parallel()

	store := openStore(t, filepath.Join(t.TempDir(), "scout.db"))
	ctx := context.Background()
	minAge, maxAge, amount := 5, 10, 12.5
	c := crawler.ActivityCandidate{
		Title:       "Junior Swimming",
		Description: "Small groups",
		Location:    "Jubilee Pool",
		Postcode:    "SW1A 1AA",
		SourceURL:   "https://splash.example/juniors",
		AgeRange:    crawler.AgeRange{Min: &minAge, Max: &maxAge, Text: "ages 5-10"},
		Price:       crawler.Price{Currency: "GBP", Amount: &amount, Text: "£12.50"},
	}

	first, err := store.Upsert(ctx, c)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeStored, first.Outcome)

	again, err := store.Upsert(ctx, c)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDuplicate, again.Outcome)
	require.Equal(t, first.ID, again.ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, first.ID, rec.ID)
	require.Equal(t, "Junior Swimming", rec.Title)
	require.Equal(t, 5, *rec.AgeRange.Min)
	require.Equal(t, 10, *rec.AgeRange.Max)
	require.InDelta(t, 12.5, *rec.Price.Amount, 1e-9)
	require.Equal(t, "GBP", rec.Price.Currency)
	require.True(t, rec.LastSeen.After(rec.FirstSeen), "a repeat sighting refreshes last seen only")
}

func TestUpsertKeepsDistinctSourcesApart(t *testing.T) {
	t.Parallel()

	store := openStore(t, filepath.Join(t.TempDir(), "scout.db"))
	ctx := context.Background()
	for _, url := range []string{"https://a.example/swim", "https://b.example/swim"} {
		res, err := store.Upsert(ctx, crawler.ActivityCandidate{Title: "Toddler Swim", Postcode: "E1 6AN", SourceURL: url})
		require.NoError(t, err)
		require.Equal(t, crawler.OutcomeStored, res.Outcome)
	}
	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Nil(t, records[0].AgeRange.Min)
	require.Nil(t, records[0].Price.Amount)
}

func TestUpsertRejectsIneligibleCandidate(t *testing.T) {
	t.Parallel()

	store := openStore(t, filepath.Join(t.TempDir(), "scout.db"))
	_, err := store.Upsert(context.Background(), crawler.ActivityCandidate{Title: "No postcode", SourceURL: "https://x.example"})
	require.Error(t, err)
}

func TestConcurrentUpsertsStoreOnce(t *testing.T) {
	t.Parallel()

	store := openStore(t, filepath.Join(t.TempDir(), "scout.db"))
	ctx := context.Background()
	c := crawler.ActivityCandidate{Title: "Art Club", Postcode: "SW1A 1AA", SourceURL: "https://art.example/"}

	var (
		wg     sync.WaitGroup
		stored atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Upsert(ctx, c)
			if err == nil && res.Outcome == crawler.OutcomeStored {
				stored.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), stored.Load())
}

func TestSiteRoundTripAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scout.db")
	visited := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	expires := visited.Add(24 * time.Hour)
	site := crawler.SiteRecord{
		Origin:              "https://splash.example",
		LastVisited:         visited,
		Relevance:           crawler.RelevanceIrrelevant,
		SuccessCount:        4,
		FailCount:           3,
		ConsecutiveFailures: 2,
		LastFailure:         visited,
		Robots:              crawler.RobotsDecision{Verdict: crawler.RobotsAllowed, Expires: expires},
	}

	first := openStore(t, path)
	require.NoError(t, first.SaveSite(context.Background(), crawler.SiteRecord{Origin: site.Origin}))
	require.NoError(t, first.SaveSite(context.Background(), site))
	require.NoError(t, first.SaveSite(context.Background(), crawler.SiteRecord{Origin: "https://new.example"}))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	sites, err := second.LoadSites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 2)

	fresh := sites[0]
	require.Equal(t, "https://new.example", fresh.Origin)
	require.Equal(t, crawler.RelevanceUnknown, fresh.Relevance)
	require.Equal(t, crawler.RobotsUnknown, fresh.Robots.Verdict)
	require.True(t, fresh.LastVisited.IsZero())

	got := sites[1]
	require.Equal(t, site.Origin, got.Origin)
	require.True(t, got.LastVisited.Equal(visited))
	require.True(t, got.LastFailure.Equal(visited))
	require.True(t, got.Robots.Expires.Equal(expires))
	require.Equal(t, crawler.RobotsAllowed, got.Robots.Verdict)
	require.Equal(t, crawler.RelevanceIrrelevant, got.Relevance)
	require.Equal(t, int64(4), got.SuccessCount)
	require.Equal(t, int64(3), got.FailCount)
	require.Equal(t, 2, got.ConsecutiveFailures)
}

func TestOpenValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", &seqIDs{}, &stepClock{})
	require.Error(t, err)
	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), nil, &stepClock{})
	require.Error(t, err)
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

type fixedIDs string

func (f fixedIDs) NewID() (string, error) { return string(f), nil }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, id string) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", "", fixedIDs(id), fixedClock(now))
	require.NoError(t, err)
	return store, mock
}

func candidate() crawler.ActivityCandidate {
	return crawler.ActivityCandidate{
		Title:     "Junior Swimming",
		Postcode:  "SW1A 1AA",
		SourceURL: "https://splash.example/juniors",
	}
}

func TestUpsertReportsStoredForNewRow(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t, "0190c3a0-0000-7000-8000-000000000001")
	mock.ExpectQuery("INSERT INTO activities").
		WithArgs(
			"0190c3a0-0000-7000-8000-000000000001",
			"Junior Swimming", "", "", "SW1A 1AA", "https://splash.example/juniors",
			"", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", pgxmock.AnyArg(),
			now, now,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("0190c3a0-0000-7000-8000-000000000001"))

	res, err := store.Upsert(context.Background(), candidate())
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeStored, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReportsDuplicateForExistingRow(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t, "fresh-id")
	mock.ExpectQuery("ON CONFLICT \\(title, postcode, website_url\\) DO UPDATE SET last_seen_at").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	res, err := store.Upsert(context.Background(), candidate())
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDuplicate, res.Outcome)
	require.Equal(t, "existing-id", res.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPropagatesErrors(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t, "id")
	mock.ExpectQuery("INSERT INTO activities").WillReturnError(errors.New("connection reset"))

	_, err := store.Upsert(context.Background(), candidate())
	require.ErrorContains(t, err, "connection reset")

	_, err = store.Upsert(context.Background(), crawler.ActivityCandidate{Title: "missing"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSiteUpsertsByURL(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t, "id")
	site := crawler.SiteRecord{
		Origin:       "https://splash.example",
		LastVisited:  now,
		Relevance:    crawler.RelevanceRelevant,
		SuccessCount: 2,
		FailCount:    3,
	}
	relevant := true
	mock.ExpectExec("INSERT INTO websites").
		WithArgs(
			"https://splash.example",
			&now,
			&relevant,
			int64(2),
			int64(3),
			int32(0),
			(*time.Time)(nil),
			"unknown",
			(*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveSite(context.Background(), site))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSitesMapsNullableColumns(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t, "id")
	irrelevant := false
	rows := pgxmock.NewRows([]string{
		"url", "last_scraped", "is_relevant", "success_count", "fail_count",
		"consecutive_failures", "last_failure", "robots_verdict", "robots_expires",
	}).
		AddRow("https://a.example", &now, &irrelevant, int64(1), int64(0), int32(0), (*time.Time)(nil), "allowed", &now).
		AddRow("https://b.example", (*time.Time)(nil), (*bool)(nil), int64(0), int64(4), int32(4), &now, "unknown", (*time.Time)(nil))
	mock.ExpectQuery("SELECT url, last_scraped").WillReturnRows(rows)

	sites, err := store.LoadSites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 2)
	require.Equal(t, crawler.RelevanceIrrelevant, sites[0].Relevance)
	require.Equal(t, crawler.RobotsAllowed, sites[0].Robots.Verdict)
	require.True(t, sites[0].LastVisited.Equal(now))
	require.True(t, sites[0].LastFailure.IsZero())
	require.Equal(t, crawler.RelevanceUnknown, sites[1].Relevance)
	require.Equal(t, 4, sites[1].ConsecutiveFailures)
	require.True(t, sites[1].LastFailure.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAndMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t, "id")
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS activities").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS websites").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	require.NoError(t, store.Migrate(context.Background()))
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad-name;", "", fixedIDs("x"), fixedClock(now))
	require.Error(t, err)
	_, err = NewWithPool(nil, "", "", fixedIDs("x"), fixedClock(now))
	require.Error(t, err)
}

// Package sqlite persists activities and site records in a local SQLite
// database using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	location       TEXT NOT NULL DEFAULT '',
	postcode       TEXT NOT NULL,
	website_url    TEXT NOT NULL,
	age_range      TEXT NOT NULL DEFAULT '',
	age_min        INTEGER,
	age_max        INTEGER,
	price          TEXT NOT NULL DEFAULT '',
	price_currency TEXT NOT NULL DEFAULT '',
	price_amount   REAL,
	scraped_at     TEXT NOT NULL,
	last_seen_at   TEXT NOT NULL,
	UNIQUE (title, postcode, website_url)
);

CREATE TABLE IF NOT EXISTS websites (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	url                  TEXT NOT NULL UNIQUE,
	last_scraped         TEXT,
	is_relevant          INTEGER,
	success_count        INTEGER NOT NULL DEFAULT 0,
	fail_count           INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_failure         TEXT,
	robots_verdict       TEXT NOT NULL DEFAULT 'unknown',
	robots_expires       TEXT
);

CREATE INDEX IF NOT EXISTS idx_activities_postcode ON activities(postcode);
`

// Store implements crawler.ActivityStore and crawler.SiteRepository.
type Store struct {
	db    *sql.DB
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// Open opens (creating if needed) the database at path, applies the
// connection pragmas and migrates the schema.
func Open(ctx context.Context, path string, ids crawler.IDGenerator, clock crawler.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("sqlite: id generator and clock are required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, ids: ids, clock: clock}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts candidate, or refreshes last_seen_at when a record with the
// same title, postcode and URL already exists. The statement is atomic; a
// returned id equal to the freshly generated one means the row is new.
func (s *Store) Upsert(ctx context.Context, candidate crawler.ActivityCandidate) (crawler.UpsertResult, error) {
	if !candidate.Eligible() {
		return crawler.UpsertResult{}, fmt.Errorf("sqlite: candidate missing required fields")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("sqlite: new activity id: %w", err)
	}
	now := formatTime(s.clock.Now())
	key := candidate.Key()

	const query = `
INSERT INTO activities (
	id, title, description, location, postcode, website_url,
	age_range, age_min, age_max, price, price_currency, price_amount,
	scraped_at, last_seen_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (title, postcode, website_url) DO UPDATE SET last_seen_at = excluded.last_seen_at
RETURNING id`

	var got string
	err = s.db.QueryRowContext(ctx, query,
		id, key.Title, candidate.Description, candidate.Location, key.Postcode, key.SourceURL,
		candidate.AgeRange.Text, nullInt(candidate.AgeRange.Min), nullInt(candidate.AgeRange.Max),
		candidate.Price.Text, candidate.Price.Currency, nullFloat(candidate.Price.Amount),
		now, now,
	).Scan(&got)
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("sqlite: upsert activity: %w", err)
	}
	outcome := crawler.OutcomeDuplicate
	if got == id {
		outcome = crawler.OutcomeStored
	}
	return crawler.UpsertResult{ID: got, Outcome: outcome}, nil
}

// List returns every stored activity ordered by first sighting, then ID.
func (s *Store) List(ctx context.Context) ([]crawler.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, description, location, postcode, website_url,
	age_range, age_min, age_max, price, price_currency, price_amount,
	scraped_at, last_seen_at
FROM activities ORDER BY scraped_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.ActivityRecord
	for rows.Next() {
		var (
			rec               crawler.ActivityRecord
			ageMin, ageMax    sql.NullInt64
			amount            sql.NullFloat64
			scraped, lastSeen string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Title, &rec.Description, &rec.Location, &rec.Postcode, &rec.SourceURL,
			&rec.AgeRange.Text, &ageMin, &ageMax, &rec.Price.Text, &rec.Price.Currency, &amount,
			&scraped, &lastSeen,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan activity: %w", err)
		}
		rec.AgeRange.Min = intPtr(ageMin)
		rec.AgeRange.Max = intPtr(ageMax)
		if amount.Valid {
			v := amount.Float64
			rec.Price.Amount = &v
		}
		if rec.FirstSeen, err = parseTime(scraped); err != nil {
			return nil, err
		}
		if rec.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, err
		}
		rec.ExtractedAt = rec.FirstSeen
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate activities: %w", err)
	}
	return out, nil
}

// Count returns the number of stored activities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count activities: %w", err)
	}
	return n, nil
}

// LoadSites returns every site record ordered by origin.
func (s *Store) LoadSites(ctx context.Context) ([]crawler.SiteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT url, last_scraped, is_relevant, success_count, fail_count,
	consecutive_failures, last_failure, robots_verdict, robots_expires
FROM websites ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load sites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.SiteRecord
	for rows.Next() {
		var (
			site                                crawler.SiteRecord
			lastScraped, lastFailure, robotsExp sql.NullString
			relevant                            sql.NullBool
			verdict                             string
		)
		if err := rows.Scan(
			&site.Origin, &lastScraped, &relevant, &site.SuccessCount, &site.FailCount,
			&site.ConsecutiveFailures, &lastFailure, &verdict, &robotsExp,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan site: %w", err)
		}
		site.Relevance = relevanceFromNull(relevant)
		site.Robots.Verdict = crawler.RobotsVerdict(verdict)
		for _, f := range []struct {
			src sql.NullString
			dst *time.Time
		}{
			{lastScraped, &site.LastVisited},
			{lastFailure, &site.LastFailure},
			{robotsExp, &site.Robots.Expires},
		} {
			if !f.src.Valid {
				continue
			}
			if *f.dst, err = parseTime(f.src.String); err != nil {
				return nil, err
			}
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate sites: %w", err)
	}
	return out, nil
}

// SaveSite writes site, replacing any previous record for its origin.
func (s *Store) SaveSite(ctx context.Context, site crawler.SiteRecord) error {
	if site.Origin == "" {
		return fmt.Errorf("sqlite: site origin is required")
	}
	verdict := site.Robots.Verdict
	if verdict == "" {
		verdict = crawler.RobotsUnknown
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO websites (
	url, last_scraped, is_relevant, success_count, fail_count,
	consecutive_failures, last_failure, robots_verdict, robots_expires
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	last_scraped = excluded.last_scraped,
	is_relevant = excluded.is_relevant,
	success_count = excluded.success_count,
	fail_count = excluded.fail_count,
	consecutive_failures = excluded.consecutive_failures,
	last_failure = excluded.last_failure,
	robots_verdict = excluded.robots_verdict,
	robots_expires = excluded.robots_expires`,
		site.Origin, nullTime(site.LastVisited), relevanceToNull(site.Relevance),
		site.SuccessCount, site.FailCount, site.ConsecutiveFailures,
		nullTime(site.LastFailure), string(verdict), nullTime(site.Robots.Expires),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save site %s: %w", site.Origin, err)
	}
	return nil
}

// timeLayout is RFC 3339 with a fixed-width fraction so stored values sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", raw, err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func relevanceToNull(r crawler.Relevance) sql.NullBool {
	switch r {
	case crawler.RelevanceRelevant:
		return sql.NullBool{Bool: true, Valid: true}
	case crawler.RelevanceIrrelevant:
		return sql.NullBool{Valid: true}
	default:
		return sql.NullBool{}
	}
}

func relevanceFromNull(v sql.NullBool) crawler.Relevance {
	switch {
	case !v.Valid:
		return crawler.RelevanceUnknown
	case v.Bool:
		return crawler.RelevanceRelevant
	default:
		return crawler.RelevanceIrrelevant
	}
}

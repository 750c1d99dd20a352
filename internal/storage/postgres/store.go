// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ActivityTable   string
	SiteTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.ActivityStore and crawler.SiteRepository.
type Store struct {
	pool       querier
	activities string
	sites      string
	ids        crawler.IDGenerator
	clock      crawler.Clock
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.ActivityTable, cfg.SiteTable, ids, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, activityTable, siteTable string, ids crawler.IDGenerator, clock crawler.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if activityTable == "" {
		activityTable = "activities"
	}
	if siteTable == "" {
		siteTable = "websites"
	}
	for _, name := range []string{activityTable, siteTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: pool, activities: activityTable, sites: siteTable, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             UUID PRIMARY KEY,
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
	price_amount   DOUBLE PRECISION,
	scraped_at     TIMESTAMPTZ NOT NULL,
	last_seen_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (title, postcode, website_url)
)`, s.activities),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id                   BIGSERIAL PRIMARY KEY,
	url                  TEXT NOT NULL UNIQUE,
	last_scraped         TIMESTAMPTZ,
	is_relevant          BOOLEAN,
	success_count        BIGINT NOT NULL DEFAULT 0,
	fail_count           BIGINT NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_failure         TIMESTAMPTZ,
	robots_verdict       TEXT NOT NULL DEFAULT 'unknown',
	robots_expires       TIMESTAMPTZ
)`, s.sites),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// Upsert inserts candidate or refreshes last_seen_at on its existing twin in
// a single statement.
func (s *Store) Upsert(ctx context.Context, candidate crawler.ActivityCandidate) (crawler.UpsertResult, error) {
	if !candidate.Eligible() {
		return crawler.UpsertResult{}, fmt.Errorf("candidate missing required fields")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("new activity id: %w", err)
	}
	now := s.clock.Now().UTC()
	key := candidate.Key()
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, title, description, location, postcode, website_url,
	age_range, age_min, age_max, price, price_currency, price_amount,
	scraped_at, last_seen_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (title, postcode, website_url) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
RETURNING id::text`, s.activities)

	var got string
	err = s.pool.QueryRow(ctx, query,
		id, key.Title, candidate.Description, candidate.Location, key.Postcode, key.SourceURL,
		candidate.AgeRange.Text, int32Ptr(candidate.AgeRange.Min), int32Ptr(candidate.AgeRange.Max),
		candidate.Price.Text, candidate.Price.Currency, candidate.Price.Amount,
		now, now,
	).Scan(&got)
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("upsert activity: %w", err)
	}
	outcome := crawler.OutcomeDuplicate
	if got == id {
		outcome = crawler.OutcomeStored
	}
	return crawler.UpsertResult{ID: got, Outcome: outcome}, nil
}

// List returns every stored activity ordered by first sighting, then ID.
func (s *Store) List(ctx context.Context) ([]crawler.ActivityRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id::text, title, description, location, postcode, website_url,
	age_range, age_min, age_max, price, price_currency, price_amount,
	scraped_at, last_seen_at
FROM %s ORDER BY scraped_at, id`, s.activities))
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []crawler.ActivityRecord
	for rows.Next() {
		var (
			rec            crawler.ActivityRecord
			ageMin, ageMax *int32
		)
		if err := rows.Scan(
			&rec.ID, &rec.Title, &rec.Description, &rec.Location, &rec.Postcode, &rec.SourceURL,
			&rec.AgeRange.Text, &ageMin, &ageMax, &rec.Price.Text, &rec.Price.Currency, &rec.Price.Amount,
			&rec.FirstSeen, &rec.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		rec.AgeRange.Min = intPtr(ageMin)
		rec.AgeRange.Max = intPtr(ageMax)
		rec.ExtractedAt = rec.FirstSeen
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}

// Count returns the number of stored activities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.activities)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return int(n), nil
}

// LoadSites returns every site record ordered by origin.
func (s *Store) LoadSites(ctx context.Context) ([]crawler.SiteRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT url, last_scraped, is_relevant, success_count, fail_count,
	consecutive_failures, last_failure, robots_verdict, robots_expires
FROM %s ORDER BY url`, s.sites))
	if err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}
	defer rows.Close()

	var out []crawler.SiteRecord
	for rows.Next() {
		var (
			site                                crawler.SiteRecord
			lastScraped, lastFailure, robotsExp *time.Time
			relevant                            *bool
			consecutive                         int32
			verdict                             string
		)
		if err := rows.Scan(
			&site.Origin, &lastScraped, &relevant, &site.SuccessCount, &site.FailCount,
			&consecutive, &lastFailure, &verdict, &robotsExp,
		); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		site.ConsecutiveFailures = int(consecutive)
		site.LastVisited = deref(lastScraped)
		site.LastFailure = deref(lastFailure)
		site.Robots = crawler.RobotsDecision{Verdict: crawler.RobotsVerdict(verdict), Expires: deref(robotsExp)}
		site.Relevance = relevanceFromBool(relevant)
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return out, nil
}

// SaveSite writes site, replacing any previous record for its origin.
func (s *Store) SaveSite(ctx context.Context, site crawler.SiteRecord) error {
	if site.Origin == "" {
		return fmt.Errorf("site origin is required")
	}
	verdict := site.Robots.Verdict
	if verdict == "" {
		verdict = crawler.RobotsUnknown
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url, last_scraped, is_relevant, success_count, fail_count,
	consecutive_failures, last_failure, robots_verdict, robots_expires
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (url) DO UPDATE SET
	last_scraped = EXCLUDED.last_scraped,
	is_relevant = EXCLUDED.is_relevant,
	success_count = EXCLUDED.success_count,
	fail_count = EXCLUDED.fail_count,
	consecutive_failures = EXCLUDED.consecutive_failures,
	last_failure = EXCLUDED.last_failure,
	robots_verdict = EXCLUDED.robots_verdict,
	robots_expires = EXCLUDED.robots_expires`, s.sites)

	args := []any{
		site.Origin,
		timePtr(site.LastVisited),
		relevanceToBool(site.Relevance),
		site.SuccessCount,
		site.FailCount,
		int32(site.ConsecutiveFailures),
		timePtr(site.LastFailure),
		string(verdict),
		timePtr(site.Robots.Expires),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save site %s: %w", site.Origin, err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func int32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func relevanceToBool(r crawler.Relevance) *bool {
	var v bool
	switch r {
	case crawler.RelevanceRelevant:
		v = true
	case crawler.RelevanceIrrelevant:
	default:
		return nil
	}
	return &v
}

func relevanceFromBool(v *bool) crawler.Relevance {
	switch {
	case v == nil:
		return crawler.RelevanceUnknown
	case *v:
		return crawler.RelevanceRelevant
	default:
		return crawler.RelevanceIrrelevant
	}
}

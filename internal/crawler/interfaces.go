package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a static response needs a rendered fetch.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// ActivityStore deduplicates and persists activity candidates.
type ActivityStore interface {
	Upsert(ctx context.Context, candidate ActivityCandidate) (UpsertResult, error)
	List(ctx context.Context) ([]ActivityRecord, error)
	Count(ctx context.Context) (int, error)
}

// SiteRepository persists site records for the ledger.
type SiteRepository interface {
	LoadSites(ctx context.Context) ([]SiteRecord, error)
	SaveSite(ctx context.Context, site SiteRecord) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

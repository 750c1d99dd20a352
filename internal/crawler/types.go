package crawler

import (
	"net/http"
	"strings"
	"time"
)

// FetchMethod records which strategy produced a page body.
type FetchMethod string

// Supported fetch methods.
const (
	MethodStatic   FetchMethod = "static"
	MethodRendered FetchMethod = "rendered"
)

// Strategy selects how the fetch chain obtains a page.
type Strategy string

// Supported fetch strategies.
const (
	StrategyAuto     Strategy = "auto"
	StrategyStatic   Strategy = "static"
	StrategyRendered Strategy = "rendered"
)

// ParseStrategy maps a configuration value onto a Strategy.
func ParseStrategy(raw string) (Strategy, bool) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyAuto, "":
		return StrategyAuto, true
	case StrategyStatic:
		return StrategyStatic, true
	case StrategyRendered:
		return StrategyRendered, true
	default:
		return "", false
	}
}

// Relevance is the tri-state relevance flag stored per site.
type Relevance string

// Relevance values.
const (
	RelevanceUnknown    Relevance = "unknown"
	RelevanceRelevant   Relevance = "relevant"
	RelevanceIrrelevant Relevance = "irrelevant"
)

// RobotsVerdict is the origin-level robots.txt outcome cached in the ledger.
type RobotsVerdict string

// Robots verdicts.
const (
	RobotsUnknown     RobotsVerdict = "unknown"
	RobotsAllowed     RobotsVerdict = "allowed"
	RobotsDisallowed  RobotsVerdict = "disallowed"
	RobotsUnavailable RobotsVerdict = "unavailable"
)

// RobotsDecision pairs a verdict with the time it stops being trusted.
type RobotsDecision struct {
	Verdict RobotsVerdict
	Expires time.Time
}

// Blocks reports whether the decision prevents visits at the given instant.
func (d RobotsDecision) Blocks(now time.Time) bool {
	if d.Verdict != RobotsDisallowed && d.Verdict != RobotsUnavailable {
		return false
	}
	return d.Expires.IsZero() || now.Before(d.Expires)
}

// SiteRecord tracks the health of a single origin across runs.
type SiteRecord struct {
	Origin              string
	LastVisited         time.Time
	Relevance           Relevance
	SuccessCount        int64
	FailCount           int64
	ConsecutiveFailures int
	LastFailure         time.Time
	Robots              RobotsDecision
}

// FetchRequest is the input to a single low-level fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is what a low-level fetcher returns for one request.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// PageFetchResult is the outcome of a successful fetch chain run. It is never
// persisted.
type PageFetchResult struct {
	URL         string
	FinalURL    string
	Body        []byte
	ContentType string
	Method      FetchMethod
	StatusCode  int
	Latency     time.Duration
	Attempts    int
}

// AgeRange is an optional age bound with the text it was parsed from.
type AgeRange struct {
	Min  *int
	Max  *int
	Text string
}

// IsZero reports whether no age information was found.
func (a AgeRange) IsZero() bool {
	return a.Min == nil && a.Max == nil && a.Text == ""
}

// Price is an optional price with the text it was parsed from.
type Price struct {
	Currency string
	Amount   *float64
	Text     string
}

// IsZero reports whether no price information was found.
func (p Price) IsZero() bool {
	return p.Amount == nil && p.Text == ""
}

// ActivityCandidate is an activity extracted from one page, not yet stored.
type ActivityCandidate struct {
	Title       string
	Description string
	Location    string
	Postcode    string
	SourceURL   string
	AgeRange    AgeRange
	Price       Price
	ExtractedAt time.Time
}

// Eligible reports whether the candidate carries every required field.
func (c ActivityCandidate) Eligible() bool {
	return strings.TrimSpace(c.Title) != "" &&
		strings.TrimSpace(c.Postcode) != "" &&
		strings.TrimSpace(c.SourceURL) != ""
}

// Key returns the deduplication key for the candidate.
func (c ActivityCandidate) Key() DedupKey {
	return DedupKey{
		Title:     strings.TrimSpace(c.Title),
		Postcode:  strings.TrimSpace(c.Postcode),
		SourceURL: strings.TrimSpace(c.SourceURL),
	}
}

// DedupKey identifies an activity independent of when it was seen.
type DedupKey struct {
	Title     string
	Postcode  string
	SourceURL string
}

// ActivityRecord is a stored activity.
type ActivityRecord struct {
	ID string
	ActivityCandidate
	FirstSeen time.Time
	LastSeen  time.Time
}

// UpsertOutcome distinguishes a fresh insert from a repeat sighting.
type UpsertOutcome string

// Upsert outcomes.
const (
	OutcomeStored    UpsertOutcome = "stored"
	OutcomeDuplicate UpsertOutcome = "duplicate"
)

// UpsertResult is returned by ActivityStore.Upsert.
type UpsertResult struct {
	ID      string
	Outcome UpsertOutcome
}

// URLState is a step in the per-URL pipeline state machine.
type URLState string

// URL states. Stored, Rejected and Failed are terminal.
const (
	StateDiscovered    URLState = "discovered"
	StatePolicyChecked URLState = "policy_checked"
	StateRateCleared   URLState = "rate_cleared"
	StateFetched       URLState = "fetched"
	StateClassified    URLState = "classified"
	StateExtracted     URLState = "extracted"
	StateStored        URLState = "stored"
	StateRejected      URLState = "rejected"
	StateFailed        URLState = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s URLState) Terminal() bool {
	switch s {
	case StateStored, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

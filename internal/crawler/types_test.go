package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActivityCandidateEligible(t *testing.T) {
	t.Parallel()

	c := ActivityCandidate{Title: "Toddler Swim", Postcode: "SW1A 1AA", SourceURL: "https://example.com/swim"}
	require.True(t, c.Eligible())

	missing := c
	missing.Postcode = "  "
	require.False(t, missing.Eligible())

	missing = c
	missing.Title = ""
	require.False(t, missing.Eligible())
}

func TestRobotsDecisionBlocks(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.False(t, RobotsDecision{Verdict: RobotsAllowed}.Blocks(now))
	require.True(t, RobotsDecision{Verdict: RobotsDisallowed, Expires: now.Add(time.Hour)}.Blocks(now))
	require.False(t, RobotsDecision{Verdict: RobotsUnavailable, Expires: now.Add(-time.Minute)}.Blocks(now))
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, ok := ParseStrategy("Rendered")
	require.True(t, ok)
	require.Equal(t, StrategyRendered, s)

	s, ok = ParseStrategy("")
	require.True(t, ok)
	require.Equal(t, StrategyAuto, s)

	_, ok = ParseStrategy("telepathy")
	require.False(t, ok)
	require.True(t, StateFailed.Terminal())
	require.False(t, StateFetched.Terminal())
}

package extractor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

func TestCanonicalPostcode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"SW1A 1AA":  "SW1A 1AA",
		"sw1a1aa":   "SW1A 1AA",
		" e1  6an ": "E1 6AN",
		"M11AE":     "M1 1AE",
		"NW8 9RA":   "NW8 9RA",
	}
	for raw, want := range cases {
		got, ok := CanonicalPostcode(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "SW1A", "12345", "ABC 123"} {
		_, ok := CanonicalPostcode(raw)
		require.False(t, ok, raw)
	}
}

func TestMapAge(t *testing.T) {
	t.Parallel()

	type want struct {
		min, max *int
	}
	ip := func(v int) *int { return &v }
	cases := map[string]want{
		"ages 5-10":     {ip(5), ip(10)},
		"Age 3 to 4":    {ip(3), ip(4)},
		"5 to 10 years": {ip(5), ip(10)},
		"7+ years":      {ip(7), nil},
		"2-4":           {ip(2), ip(4)},
		"8+":            {ip(8), nil},
		"all ages":      {nil, nil},
	}
	for text, w := range cases {
		var c crawler.ActivityCandidate
		require.NoError(t, mapAge(text, &c), text)
		require.Equal(t, w.min, c.AgeRange.Min, text)
		require.Equal(t, w.max, c.AgeRange.Max, text)
		require.Equal(t, text, c.AgeRange.Text)
	}

	var c crawler.ActivityCandidate
	err := mapAge("ages 10-5", &c)
	require.ErrorIs(t, err, crawler.ErrExtraction)
}

func TestMapPrice(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		amount   float64
		currency string
	}{
		"£5":         {5, "GBP"},
		"£5.50 - £8": {5.5, "GBP"},
		"10 pounds":  {10, "GBP"},
		"1 pound":    {1, "GBP"},
		"12.5 EUR":   {12.5, "EUR"},
	}
	for text, w := range cases {
		var c crawler.ActivityCandidate
		require.NoError(t, mapPrice(text, &c), text)
		require.NotNil(t, c.Price.Amount, text)
		require.InDelta(t, w.amount, *c.Price.Amount, 1e-9, text)
		require.Equal(t, w.currency, c.Price.Currency, text)
		require.Equal(t, text, c.Price.Text)
	}

	var free crawler.ActivityCandidate
	require.NoError(t, mapPrice("Free", &free))
	require.Nil(t, free.Price.Amount)
	require.Equal(t, "Free", free.Price.Text)

	var bad crawler.ActivityCandidate
	require.ErrorIs(t, mapPrice("£9 - £4", &bad), crawler.ErrExtraction)
}

func TestMatchPriceFromText(t *testing.T) {
	t.Parallel()

	m, ok := matchPrice(Block{Text: "Sessions cost £4.50 - £6 each"})
	require.True(t, ok)
	require.Equal(t, "£4.50 - £6", m)

	m, ok = matchPrice(Block{Text: "only 3 pounds on the door"})
	require.True(t, ok)
	require.Equal(t, "3 pounds", m)

	_, ok = matchPrice(Block{Text: "no charge"})
	require.False(t, ok)
}

func TestWordsBeforePostcode(t *testing.T) {
	t.Parallel()

	text := "Join us one two three four five six seven eight nine ten eleven SW1A 1AA today"
	require.Equal(t, "two three four five six seven eight nine ten eleven", wordsBeforePostcode(text))
	require.Equal(t, "St Mary's Hall, London", wordsBeforePostcode("Fun for all. St Mary's Hall, London, E1 6AN."))
	require.Empty(t, wordsBeforePostcode("no code here"))
	require.Empty(t, wordsBeforePostcode("SW1A 1AA at the start"))
}

func TestLeadingPhrase(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Street Dance", leadingPhrase("Street Dance: 7+ years"))
	require.Equal(t, "Art", leadingPhrase("Art - ages 5-8"))
	require.Equal(t, "one two three four five six seven eight nine ten eleven twelve",
		leadingPhrase("one two three four five six seven eight nine ten eleven twelve thirteen"))
}

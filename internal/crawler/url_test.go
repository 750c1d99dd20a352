package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM:443/Swim?b=2&a=1#top", "https://example.com/Swim?a=1&b=2"},
		{"http://example.com:80", "http://example.com/"},
		{"  https://kids.example.org/classes  ", "https://kids.example.org/classes"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestNormalizeURLRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ftp://example.com/file", "mailto:someone@example.com", "https://", "://bad"} {
		_, err := NormalizeURL(raw)
		require.ErrorIs(t, err, ErrMalformedURL, raw)
	}
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	got, err := Origin("https://Swim.Example.com:443/lessons?x=1")
	require.NoError(t, err)
	require.Equal(t, "https://swim.example.com", got)

	got, err = Origin("http://localhost:8080/a")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", got)

	require.Equal(t, "swim.example.com", Host("https://SWIM.example.com:8443/x"))
}

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

func TestGenerateCollapsesEquivalentURLs(t *testing.T) {
	t.Parallel()

	base, err := Generate("https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises?lang=en&limit=999")
	require.NoError(t, err)

	equivalents := []string{
		"HTTPS://Sports.Core.API.ESPN.com/v2/sports/football/leagues/college-football/franchises?lang=en&limit=999",
		"https://sports.core.api.espn.com:443/v2/sports/football/leagues/college-football/franchises?limit=999&lang=en",
		"https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises/?lang=en&limit=999#top",
		"  https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises?limit=999&lang=en  ",
	}
	for _, raw := range equivalents {
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			got, err := Generate(raw)
			require.NoError(t, err)
			require.Equal(t, base.URLHash, got.URLHash)
			require.Equal(t, base.CanonicalID, got.CanonicalID)
			require.Equal(t, base.CleanURL, got.CleanURL)
		})
	}
}

func TestGenerateDistinguishesDifferentResources(t *testing.T) {
	t.Parallel()

	a, err := Generate("https://api.example.com/franchises/1")
	require.NoError(t, err)
	b, err := Generate("https://api.example.com/franchises/2")
	require.NoError(t, err)
	c, err := Generate("http://api.example.com/franchises/1")
	require.NoError(t, err)

	require.NotEqual(t, a.URLHash, b.URLHash)
	require.NotEqual(t, a.CanonicalID, b.CanonicalID)
	require.NotEqual(t, a.URLHash, c.URLHash)
}

func TestGenerateHashFormat(t *testing.T) {
	t.Parallel()

	got, err := Generate("http://example.com:80/")
	require.NoError(t, err)
	require.Equal(t, "http://example.com", got.CleanURL)
	require.Equal(t, Hash("http://example.com"), got.URLHash)
	require.Len(t, got.URLHash, 64)
	require.Regexp(t, "^[0-9a-f]{64}$", got.URLHash)
}

func TestGenerateKnownVector(t *testing.T) {
	t.Parallel()

	// sha256("abc") is a published test vector.
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Hash("abc"))
}

func TestGenerateRejectsInvalidURIs(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "/relative/path", "franchises/1", "http://"} {
		_, err := Generate(raw)
		require.ErrorIs(t, err, crawler.ErrInvalidURI, raw)
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveDocumentAndFanOut(t *testing.T) {
	before := testutil.ToFloat64(documentsTotal.WithLabelValues("FootballNcaa", "Franchise", "Index"))
	ObserveDocument("FootballNcaa", "Franchise", "Index")
	if got := testutil.ToFloat64(documentsTotal.WithLabelValues("FootballNcaa", "Franchise", "Index")); got != before+1 {
		t.Errorf("expected documents counter %f, got %f", before+1, got)
	}

	fanBefore := testutil.ToFloat64(fanOutChildrenTotal.WithLabelValues("Venue"))
	ObserveFanOut("Venue", 3)
	ObserveFanOut("Venue", 0)
	if got := testutil.ToFloat64(fanOutChildrenTotal.WithLabelValues("Venue")); got != fanBefore+3 {
		t.Errorf("expected fan-out counter %f, got %f", fanBefore+3, got)
	}
}

func TestObserveRetryAndDeadLetter(t *testing.T) {
	retryBefore := testutil.ToFloat64(retriesTotal.WithLabelValues("Event"))
	deadBefore := testutil.ToFloat64(deadLettersTotal.WithLabelValues("Event"))

	ObserveRetry("Event")
	ObserveRetry("Event")
	ObserveDeadLetter("Event")

	if got := testutil.ToFloat64(retriesTotal.WithLabelValues("Event")); got != retryBefore+2 {
		t.Errorf("expected retries %f, got %f", retryBefore+2, got)
	}
	if got := testutil.ToFloat64(deadLettersTotal.WithLabelValues("Event")); got != deadBefore+1 {
		t.Errorf("expected dead letters %f, got %f", deadBefore+1, got)
	}
}

func TestObserveOutboxAndFetch(t *testing.T) {
	relayedBefore := testutil.ToFloat64(outboxRelayedTotal)
	ObserveOutboxRelayed(5)
	if got := testutil.ToFloat64(outboxRelayedTotal); got != relayedBefore+5 {
		t.Errorf("expected relayed %f, got %f", relayedBefore+5, got)
	}

	bytesBefore := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("api.example.com"))
	ObserveFetch("https://API.example.com/x", "success", 128, 20*time.Millisecond)
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("api.example.com")); got != bytesBefore+128 {
		t.Errorf("expected bytes %f, got %f", bytesBefore+128, got)
	}
	if n := testutil.CollectAndCount(fetchDurationSeconds); n == 0 {
		t.Error("expected fetch duration to be observed")
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

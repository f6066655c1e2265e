package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/document"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
	pubmemory "github.com/JakeFAU/sports-provider-crawler/internal/publisher/memory"
	"github.com/JakeFAU/sports-provider-crawler/internal/storage/memory"
)

const franchisesURL = "https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises?limit=999"

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	calls     int
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	body, ok := f.responses[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, errors.New("unexpected status 404")
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type harness struct {
	worker    *Worker
	transport *pubmemory.Publisher
	docs      *memory.DocumentStore
	store     *memory.Store
}

func newHarness(t *testing.T, fetcher crawler.Fetcher, maxAttempts int, withOutbox bool, cfg Config) harness {
	t.Helper()
	transport := pubmemory.New()
	docs := memory.NewDocumentStore()
	h := harness{transport: transport, docs: docs}
	var uow crawler.UnitOfWork
	if withOutbox {
		h.store = memory.NewStore()
		uow = h.store
	}
	h.worker = New(
		fetcher,
		docs,
		bus.New(transport, bus.Config{}, nil),
		uow,
		crawler.NewAttemptPolicy(maxAttempts, 0, 0),
		document.NewInclusionPolicy(document.MaxInlineBytes, nil),
		fakeClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)},
		cfg,
		nil,
	)
	return h
}

func decodeAll[T bus.Message](t *testing.T, envs []bus.Envelope) []T {
	t.Helper()
	out := make([]T, 0, len(envs))
	for _, env := range envs {
		msg, err := bus.Decode[T](env)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestFranchiseIndexFansOutChildren(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]string{
		franchisesURL: `{"count":2,"items":[` +
			`{"$ref":"https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises/1"},` +
			`{"$ref":"https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises/2"}]}`,
	}}
	h := newHarness(t, fetcher, 3, false, Config{})

	req := crawler.DocumentRequested{
		URI:                franchisesURL,
		Sport:              crawler.SportFootballNcaa,
		DocumentType:       crawler.DocumentFranchise,
		SourceDataProvider: crawler.ProviderEspn,
		CorrelationID:      "run-1",
	}
	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), req))

	parent, err := identity.Generate(franchisesURL)
	require.NoError(t, err)

	children := decodeAll[crawler.DocumentRequested](t, h.transport.OfType(crawler.MessageDocumentRequested))
	require.Len(t, children, 2)
	for _, child := range children {
		require.Equal(t, parent.URLHash, child.ParentID)
		require.Equal(t, crawler.DocumentFranchise, child.DocumentType)
		require.Equal(t, 0, child.AttemptCount)
		require.Equal(t, "run-1", child.CorrelationID)
		require.Equal(t, parent.URLHash, child.CausationID)
		require.Equal(t, crawler.ShapeAuto, child.Shape)

		childID, err := identity.Generate(child.URI)
		require.NoError(t, err)
		require.Equal(t, childID.URLHash, child.ID)
	}
	require.NotEqual(t, children[0].ID, children[1].ID)

	// An Index document produces no DocumentCreated.
	require.Empty(t, h.transport.OfType(crawler.MessageDocumentCreated))
	require.Equal(t, 1, h.docs.Len())
}

func TestLeafPublishesDocumentCreatedInline(t *testing.T) {
	t.Parallel()

	venueURL := "https://api.example.com/venues/3958"
	body := `{"id":"3958","fullName":"Ben Hill Griffin Stadium","address":{"city":"Gainesville"}}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{venueURL: body}}, 3, false, Config{})

	req := crawler.DocumentRequested{
		URI:          venueURL,
		Sport:        crawler.SportFootballNcaa,
		DocumentType: crawler.DocumentVenue,
		ParentID:     "parent-hash",
	}
	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), req))

	id, err := identity.Generate(venueURL)
	require.NoError(t, err)

	created := decodeAll[crawler.DocumentCreated](t, h.transport.OfType(crawler.MessageDocumentCreated))
	require.Len(t, created, 1)
	require.Equal(t, crawler.ShapeLeaf, created[0].Shape)
	require.Equal(t, body, created[0].DocumentJSON)
	require.Equal(t, id.URLHash, created[0].ID)
	require.Equal(t, id.CanonicalID.String(), created[0].CanonicalID)
	require.Equal(t, "parent-hash", created[0].ParentID)
	require.Equal(t, "memory://FootballNcaa/Venue/"+id.URLHash+".json", created[0].BlobURI)
	require.Empty(t, h.transport.OfType(crawler.MessageDocumentRequested))
}

func TestOversizedLeafIsPublishedByReference(t *testing.T) {
	t.Parallel()

	playURL := "https://api.example.com/events/1/competitions/1/plays"
	body := `{"description":"` + strings.Repeat("a", document.MaxInlineBytes) + `"}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{playURL: body}}, 3, false, Config{})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:          playURL,
		Sport:        crawler.SportFootballNcaa,
		DocumentType: crawler.DocumentEventCompetitionPlay,
	}))

	created := decodeAll[crawler.DocumentCreated](t, h.transport.OfType(crawler.MessageDocumentCreated))
	require.Len(t, created, 1)
	require.Empty(t, created[0].DocumentJSON)
	require.NotEmpty(t, created[0].BlobURI)
}

func TestHybridPublishesChildrenAndDocument(t *testing.T) {
	t.Parallel()

	recordURL := "https://api.example.com/seasons/2024/types/2/teams/57/record"
	body := `{"id":"0","name":"overall","summary":"8-4","items":[{"$ref":"https://api.example.com/seasons/2024/types/2/weeks/1/teams/57/record"}]}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{recordURL: body}}, 3, false, Config{})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:          recordURL,
		Sport:        crawler.SportFootballNcaa,
		DocumentType: crawler.DocumentTeamRecord,
	}))

	require.Len(t, h.transport.OfType(crawler.MessageDocumentRequested), 1)
	created := decodeAll[crawler.DocumentCreated](t, h.transport.OfType(crawler.MessageDocumentCreated))
	require.Len(t, created, 1)
	require.Equal(t, crawler.ShapeHybrid, created[0].Shape)
}

func TestIncludeLinkedDocumentTypesFiltersChildren(t *testing.T) {
	t.Parallel()

	teamURL := "https://api.example.com/seasons/2024/teams"
	body := `{"items":[` +
		`{"$ref":"https://api.example.com/venues/1"},` +
		`{"$ref":"https://api.example.com/franchises/2"},` +
		`{"$ref":"https://api.example.com/venues/1"}]}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{teamURL: body}}, 3, false, Config{})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:                        teamURL,
		Sport:                      crawler.SportFootballNcaa,
		DocumentType:               crawler.DocumentTeamBySeason,
		IncludeLinkedDocumentTypes: []crawler.DocumentType{crawler.DocumentVenue},
		NotifyOnCompletion:         true,
	}))

	children := decodeAll[crawler.DocumentRequested](t, h.transport.OfType(crawler.MessageDocumentRequested))
	require.Len(t, children, 1)
	require.Equal(t, crawler.DocumentVenue, children[0].DocumentType)
	require.Empty(t, children[0].IncludeLinkedDocumentTypes)
	require.True(t, children[0].NotifyOnCompletion)
}

func TestShapeHintOverridesClassification(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/seasons/2024"
	body := `{"year":2024,"types":{"$ref":"https://api.example.com/seasons/2024/types"},"items":[{"$ref":"https://api.example.com/seasons/2024/types/1"}]}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: body}}, 3, false, Config{})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:          u,
		DocumentType: crawler.DocumentSeason,
		Shape:        crawler.ShapeLeaf,
	}))
	require.Empty(t, h.transport.OfType(crawler.MessageDocumentRequested))
	require.Len(t, h.transport.OfType(crawler.MessageDocumentCreated), 1)
}

func TestCompletionNotification(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/venues/1"
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: `{"id":"1"}`}}, 3, false, Config{})
	season := 2024

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:                u,
		Sport:              crawler.SportFootballNcaa,
		SeasonYear:         &season,
		DocumentType:       crawler.DocumentVenue,
		CorrelationID:      "run-9",
		NotifyOnCompletion: true,
	}))

	done := decodeAll[crawler.DocumentProcessingCompleted](t, h.transport.OfType(crawler.MessageDocumentProcessingCompleted))
	require.Len(t, done, 1)
	require.Equal(t, "run-9", done[0].CorrelationID)
	require.Equal(t, crawler.DocumentVenue, done[0].DocumentType)
	require.Equal(t, identity.Hash("https://api.example.com/venues/1"), done[0].URLHash)
	require.Equal(t, 2024, *done[0].SeasonYear)
	require.Equal(t, time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC), done[0].CompletedUTC)
}

func TestFetchFailureRepublishesWithIncrementedAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeFetcher{err: errors.New("connection reset")}, 3, false, Config{})
	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:          "https://api.example.com/venues/1",
		DocumentType: crawler.DocumentVenue,
	}))

	retries := decodeAll[crawler.DocumentRequested](t, h.transport.OfType(crawler.MessageDocumentRequested))
	require.Len(t, retries, 1)
	require.Equal(t, 1, retries[0].AttemptCount)
	require.Equal(t, "https://api.example.com/venues/1", retries[0].URI)
	require.Empty(t, h.transport.OfType(crawler.MessageDocumentDeadLetter))
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	const maxAttempts = 3
	fetcher := &fakeFetcher{err: errors.New("503 from provider")}
	h := newHarness(t, fetcher, maxAttempts, false, Config{})
	ctx := context.Background()

	req := crawler.DocumentRequested{URI: "https://api.example.com/venues/1", DocumentType: crawler.DocumentVenue}
	for {
		h.transport.Reset()
		require.NoError(t, h.worker.HandleDocumentRequested(ctx, req))
		retries := h.transport.OfType(crawler.MessageDocumentRequested)
		if len(retries) == 0 {
			break
		}
		require.Len(t, retries, 1)
		next, err := bus.Decode[crawler.DocumentRequested](retries[0])
		require.NoError(t, err)
		req = next
		require.LessOrEqual(t, fetcher.calls, maxAttempts+1, "retry loop did not terminate")
	}

	require.Equal(t, maxAttempts+1, fetcher.calls)
	letters := decodeAll[crawler.DocumentDeadLetter](t, h.transport.OfType(crawler.MessageDocumentDeadLetter))
	require.Len(t, letters, 1)
	require.Equal(t, maxAttempts+1, letters[0].AttemptCount)
	require.Contains(t, letters[0].Reason, "503 from provider")
}

func TestMalformedDocumentIsRetried(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/venues/1"
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: `["not","an","object"]`}}, 3, false, Config{})
	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{URI: u}))

	retries := decodeAll[crawler.DocumentRequested](t, h.transport.OfType(crawler.MessageDocumentRequested))
	require.Len(t, retries, 1)
	require.Equal(t, 1, retries[0].AttemptCount)
	require.Equal(t, 0, h.docs.Len())
}

func TestInvalidURIIsDeadLetteredImmediately(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher, 3, false, Config{})
	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{URI: "/relative/path"}))

	require.Zero(t, fetcher.calls)
	require.Len(t, h.transport.OfType(crawler.MessageDocumentDeadLetter), 1)
}

func TestOutboxModeDefersDelivery(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("timeout")}
	h := newHarness(t, fetcher, 0, true, Config{})
	ctx := context.Background()

	req := crawler.DocumentRequested{
		URI:          "https://api.example.com/venues/1",
		DocumentType: crawler.DocumentVenue,
		AttemptCount: crawler.DefaultMaxAttempts,
	}
	require.NoError(t, h.worker.HandleDocumentRequested(ctx, req))

	require.Empty(t, h.transport.Envelopes())
	records := h.store.OutboxRecords()
	require.Len(t, records, 1)
	require.Equal(t, crawler.MessageDocumentDeadLetter, records[0].Envelope.Type)

	letters, err := h.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "https://api.example.com/venues/1", letters[0].URI)
}

func TestPublishFailureReturnsError(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/venues/1"
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: `{"id":"1"}`}}, 3, false, Config{})
	h.transport.FailWith(errors.New("broker unavailable"))

	err := h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{URI: u})
	require.ErrorContains(t, err, "broker unavailable")
}

func TestPaginationRequestsRemainingPages(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/franchises?limit=2"
	body := `{"count":5,"pageIndex":1,"pageSize":2,"pageCount":3,"items":[` +
		`{"$ref":"https://api.example.com/franchises/1"},{"$ref":"https://api.example.com/franchises/2"}]}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: body}}, 3, false, Config{FollowPagination: true})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:          u,
		DocumentType: crawler.DocumentFranchise,
	}))

	var pages []string
	for _, req := range decodeAll[crawler.DocumentRequested](t, h.transport.OfType(crawler.MessageDocumentRequested)) {
		if strings.Contains(req.URI, "page=") {
			pages = append(pages, req.URI)
		}
	}
	require.ElementsMatch(t, []string{
		"https://api.example.com/franchises?limit=2&page=2",
		"https://api.example.com/franchises?limit=2&page=3",
	}, pages)
}

func TestCanceledFetchIsReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeFetcher{err: context.Canceled}, 3, false, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.worker.HandleDocumentRequested(ctx, crawler.DocumentRequested{URI: "https://api.example.com/venues/1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.transport.Envelopes())
}

func TestRegisterRoutesDocumentRequested(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/venues/1"
	fetcher := &fakeFetcher{responses: map[string]string{u: `{"id":"1"}`}}
	h := newHarness(t, fetcher, 3, false, Config{})
	router := bus.NewRouter(nil)
	h.worker.Register(router)

	env, err := bus.Encode(crawler.DocumentRequested{URI: u}, time.Now())
	require.NoError(t, err)
	require.NoError(t, router.Dispatch(context.Background(), env))
	require.Equal(t, 1, fetcher.calls)
}

func TestNotifyingIndexReportsChildrenOnCompletion(t *testing.T) {
	t.Parallel()

	body := `{"count":2,"items":[` +
		`{"$ref":"https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises/1"},` +
		`{"$ref":"https://sports.core.api.espn.com/v2/sports/football/leagues/college-football/franchises/2"}]}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{franchisesURL: body}}, 3, false, Config{})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:                franchisesURL,
		Sport:              crawler.SportFootballNcaa,
		DocumentType:       crawler.DocumentFranchise,
		CorrelationID:      "run-2",
		NotifyOnCompletion: true,
		Tier:               2,
	}))

	children := decodeAll[crawler.DocumentRequested](t, h.transport.OfType(crawler.MessageDocumentRequested))
	require.Len(t, children, 2)
	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		require.True(t, child.NotifyOnCompletion)
		require.Equal(t, 2, child.Tier)
		childIDs = append(childIDs, child.ID)
	}

	done := decodeAll[crawler.DocumentProcessingCompleted](t, h.transport.OfType(crawler.MessageDocumentProcessingCompleted))
	require.Len(t, done, 1)
	require.Equal(t, identity.Hash(franchisesURL), done[0].URLHash)
	require.Equal(t, 2, done[0].Tier)
	require.ElementsMatch(t, childIDs, done[0].ChildIDs)
	require.False(t, done[0].DeadLettered)
}

func TestNotifyingPaginationPagesAreReportedAsChildren(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/franchises?limit=2"
	body := `{"count":3,"pageIndex":1,"pageSize":2,"pageCount":2,"items":[` +
		`{"$ref":"https://api.example.com/franchises/1"},{"$ref":"https://api.example.com/franchises/2"}]}`
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: body}}, 3, false, Config{FollowPagination: true})

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), crawler.DocumentRequested{
		URI:                u,
		DocumentType:       crawler.DocumentFranchise,
		CorrelationID:      "run-3",
		NotifyOnCompletion: true,
	}))

	page := identity.Hash("https://api.example.com/franchises?limit=2&page=2")
	done := decodeAll[crawler.DocumentProcessingCompleted](t, h.transport.OfType(crawler.MessageDocumentProcessingCompleted))
	require.Len(t, done, 1)
	require.Contains(t, done[0].ChildIDs, page)
	require.Len(t, done[0].ChildIDs, 3)
}

func TestDeadLetteredNotifyingRequestStillCompletes(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/franchises/9"
	h := newHarness(t, &fakeFetcher{err: errors.New("503 from provider")}, 1, true, Config{})
	ctx := context.Background()

	require.NoError(t, h.worker.HandleDocumentRequested(ctx, crawler.DocumentRequested{
		ID:                 identity.Hash(u),
		URI:                u,
		DocumentType:       crawler.DocumentFranchise,
		CorrelationID:      "run-4",
		AttemptCount:       1,
		NotifyOnCompletion: true,
		Tier:               1,
	}))

	records := h.store.OutboxRecords()
	require.Len(t, records, 2)
	require.Equal(t, crawler.MessageDocumentDeadLetter, records[0].Envelope.Type)
	done, err := bus.Decode[crawler.DocumentProcessingCompleted](records[1].Envelope)
	require.NoError(t, err)
	require.True(t, done.DeadLettered)
	require.Equal(t, identity.Hash(u), done.URLHash)
	require.Equal(t, 1, done.Tier)
	require.Empty(t, done.ChildIDs)
}

func TestRetryIsDelayedByTransportNotHandler(t *testing.T) {
	t.Parallel()

	transport := pubmemory.New()
	w := New(
		&fakeFetcher{err: errors.New("connection reset")},
		nil,
		bus.New(transport, bus.Config{}, nil),
		nil,
		crawler.NewAttemptPolicy(3, time.Hour, time.Hour),
		nil,
		nil,
		Config{},
		nil,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	started := time.Now()
	require.NoError(t, w.HandleDocumentRequested(ctx, crawler.DocumentRequested{
		URI:          "https://api.example.com/venues/1",
		DocumentType: crawler.DocumentVenue,
	}))
	require.Less(t, time.Since(started), time.Second)

	retries := transport.OfType(crawler.MessageDocumentRequested)
	require.Len(t, retries, 1)
	at, ok := bus.NotBefore(retries[0])
	require.True(t, ok)
	// Backoff for attempt 1 is at least half the capped delay.
	require.True(t, at.After(started.Add(29*time.Minute)), "not-before %v too early", at)
}

func TestResubmittedRequestIsIdempotent(t *testing.T) {
	t.Parallel()

	u := "https://api.example.com/venues/3958"
	h := newHarness(t, &fakeFetcher{responses: map[string]string{u: `{"id":"3958"}`}}, 3, false, Config{})
	req := crawler.DocumentRequested{
		URI:          u,
		Sport:        crawler.SportFootballNcaa,
		DocumentType: crawler.DocumentVenue,
	}

	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), req))
	require.NoError(t, h.worker.HandleDocumentRequested(context.Background(), req))

	require.Equal(t, 1, h.docs.Len())
	created := decodeAll[crawler.DocumentCreated](t, h.transport.OfType(crawler.MessageDocumentCreated))
	require.Len(t, created, 2)
	require.Equal(t, created[0].CanonicalID, created[1].CanonicalID)
	require.Equal(t, created[0].ID, created[1].ID)
	require.Equal(t, created[0].BlobURI, created[1].BlobURI)
}

// Package worker implements the fetch-and-fan-out step of the crawl pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/document"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
	"github.com/JakeFAU/sports-provider-crawler/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	ContentType      string
	BlobPrefix       string
	FollowPagination bool
}

// Publisher is the subset of the bus the worker publishes through.
type Publisher interface {
	PublishBatch(ctx context.Context, msgs []bus.Message, opts ...bus.PublishOption) error
}

// Worker handles DocumentRequested events. It keeps no state between
// calls, so any number of deliveries may run concurrently.
type Worker struct {
	fetcher   crawler.Fetcher
	docs      crawler.DocumentStore
	publisher Publisher
	uow       crawler.UnitOfWork
	attempts  *crawler.AttemptPolicy
	inclusion *document.InclusionPolicy
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. docs and uow are optional: without a document
// store nothing is persisted, and without a unit of work events go straight
// to the transport.
func New(
	fetcher crawler.Fetcher,
	docs crawler.DocumentStore,
	publisher Publisher,
	uow crawler.UnitOfWork,
	attempts *crawler.AttemptPolicy,
	inclusion *document.InclusionPolicy,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts == nil {
		attempts = crawler.NewAttemptPolicy(0, 0, 0)
	}
	if inclusion == nil {
		inclusion = document.NewInclusionPolicy(document.MaxInlineBytes, logger)
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Worker{
		fetcher:   fetcher,
		docs:      docs,
		publisher: publisher,
		uow:       uow,
		attempts:  attempts,
		inclusion: inclusion,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Register installs the worker's handler on r.
func (w *Worker) Register(r *bus.Router) {
	bus.Register(r, w.HandleDocumentRequested)
}

// HandleDocumentRequested fetches, stores and classifies one document, then
// publishes its children, its DocumentCreated event and, when asked, a
// completion signal. Operational failures are retried by republishing the
// request; a returned error means the events could not be published and the
// delivery should be retried by the transport.
func (w *Worker) HandleDocumentRequested(ctx context.Context, req crawler.DocumentRequested) error {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	logger := w.logger.With(
		zap.String("url", req.URI),
		zap.String("document_type", string(req.DocumentType)),
		zap.String("sport", string(req.Sport)),
		zap.String("correlation_id", req.CorrelationID),
		zap.Int("attempt", req.AttemptCount),
	)
	if req.SeasonYear != nil {
		logger = logger.With(zap.Int("season_year", *req.SeasonYear))
	}

	id, err := identity.Generate(req.URI)
	if err != nil {
		logger.Error("rejecting request with invalid uri", zap.Error(err))
		return w.deadLetter(ctx, req, fmt.Sprintf("invalid uri: %v", err))
	}
	logger = logger.With(zap.String("url_hash", id.URLHash))
	if req.ID == "" {
		req.ID = id.URLHash
	}

	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: req.URI})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s: %w", req.URI, ctx.Err())
		}
		logger.Warn("fetch failed", zap.Error(err))
		return w.retry(ctx, req, fmt.Sprintf("fetch failed: %v", err))
	}

	cls, err := document.Classify(resp.Body)
	if err != nil {
		logger.Warn("classification failed", zap.Error(err))
		return w.retry(ctx, req, fmt.Sprintf("classify failed: %v", err))
	}
	shape := cls.Shape
	if req.Shape != "" && req.Shape != crawler.ShapeAuto {
		shape = req.Shape
	}
	logger = logger.With(zap.String("shape", string(shape)))
	metrics.ObserveDocument(string(req.Sport), string(req.DocumentType), string(shape))

	blobURI := ""
	if w.docs != nil {
		key := crawler.DocumentKey(w.cfg.BlobPrefix, req.Sport, req.DocumentType, id.URLHash)
		if blobURI, err = w.docs.PutDocument(ctx, key, w.cfg.ContentType, resp.Body); err != nil {
			logger.Warn("document store write failed", zap.Error(err))
			return w.retry(ctx, req, fmt.Sprintf("store document: %v", err))
		}
	}

	var (
		msgs     []bus.Message
		children []crawler.DocumentRequested
	)
	if shape == crawler.ShapeIndex || shape == crawler.ShapeHybrid {
		children = w.children(req, id, cls, logger)
		msgs = append(msgs, bus.Messages(children)...)
	}
	if shape == crawler.ShapeHybrid || shape == crawler.ShapeLeaf {
		msgs = append(msgs, w.created(req, id, shape, blobURI, resp.Body))
	}
	if req.NotifyOnCompletion {
		done := w.completion(req, id.URLHash)
		for _, child := range children {
			done.ChildIDs = append(done.ChildIDs, child.ID)
		}
		msgs = append(msgs, done)
	}

	if err := w.publish(ctx, msgs, nil); err != nil {
		return fmt.Errorf("publish results for %s: %w", req.URI, err)
	}
	logger.Info("document processed", zap.Int("events", len(msgs)), zap.Int("refs", len(cls.Refs)))
	return nil
}

func (w *Worker) children(
	req crawler.DocumentRequested,
	parent crawler.ExternalRefIdentity,
	cls document.Classification,
	logger *zap.Logger,
) []crawler.DocumentRequested {
	seen := map[string]struct{}{parent.URLHash: {}}
	var out []crawler.DocumentRequested
	perType := map[crawler.DocumentType]int{}

	for _, ref := range cls.Refs {
		child, err := identity.Generate(ref)
		if err != nil {
			logger.Warn("skipping invalid child ref", zap.String("ref", ref), zap.Error(err))
			continue
		}
		if _, dup := seen[child.URLHash]; dup {
			continue
		}
		seen[child.URLHash] = struct{}{}

		childType := crawler.InferDocumentType(req.DocumentType, ref)
		if !crawler.Allows(req.IncludeLinkedDocumentTypes, childType) {
			continue
		}
		perType[childType]++
		out = append(out, crawler.DocumentRequested{
			ID:                 child.URLHash,
			ParentID:           parent.URLHash,
			URI:                child.CleanURL,
			Sport:              req.Sport,
			SeasonYear:         req.SeasonYear,
			DocumentType:       childType,
			SourceDataProvider: req.SourceDataProvider,
			CorrelationID:      req.CorrelationID,
			CausationID:        req.ID,
			Shape:              crawler.ShapeAuto,
			NotifyOnCompletion: req.NotifyOnCompletion,
			Tier:               req.Tier,
		})
	}

	if w.cfg.FollowPagination {
		pages, err := cls.RemainingPages(req.URI)
		if err != nil {
			logger.Warn("cannot expand pagination", zap.Error(err))
		}
		for _, page := range pages {
			pageID, err := identity.Generate(page)
			if err != nil {
				continue
			}
			if _, dup := seen[pageID.URLHash]; dup {
				continue
			}
			seen[pageID.URLHash] = struct{}{}
			out = append(out, crawler.DocumentRequested{
				ID:                         pageID.URLHash,
				ParentID:                   req.ParentID,
				URI:                        pageID.CleanURL,
				Sport:                      req.Sport,
				SeasonYear:                 req.SeasonYear,
				DocumentType:               req.DocumentType,
				SourceDataProvider:         req.SourceDataProvider,
				CorrelationID:              req.CorrelationID,
				CausationID:                req.ID,
				IncludeLinkedDocumentTypes: req.IncludeLinkedDocumentTypes,
				Shape:                      req.Shape,
				NotifyOnCompletion:         req.NotifyOnCompletion,
				Tier:                       req.Tier,
			})
		}
	}

	for dt, n := range perType {
		metrics.ObserveFanOut(string(dt), n)
	}
	return out
}

// completion reports that req finished. Children a notifying request fans
// out notify too, so a tier run can wait for the whole tree.
func (w *Worker) completion(req crawler.DocumentRequested, urlHash string) crawler.DocumentProcessingCompleted {
	return crawler.DocumentProcessingCompleted{
		CorrelationID: req.CorrelationID,
		DocumentType:  req.DocumentType,
		URLHash:       urlHash,
		Tier:          req.Tier,
		CompletedUTC:  w.clock.Now(),
		Sport:         req.Sport,
		SeasonYear:    req.SeasonYear,
	}
}

func (w *Worker) created(
	req crawler.DocumentRequested,
	id crawler.ExternalRefIdentity,
	shape crawler.ResourceShape,
	blobURI string,
	body []byte,
) crawler.DocumentCreated {
	evt := crawler.DocumentCreated{
		ID:                 id.URLHash,
		ParentID:           req.ParentID,
		CanonicalID:        id.CanonicalID.String(),
		URI:                id.CleanURL,
		SourceRef:          req.URI,
		Sport:              req.Sport,
		SeasonYear:         req.SeasonYear,
		DocumentType:       req.DocumentType,
		SourceDataProvider: req.SourceDataProvider,
		CorrelationID:      req.CorrelationID,
		CausationID:        req.ID,
		AttemptCount:       req.AttemptCount,
		Shape:              shape,
		BlobURI:            blobURI,
	}
	if inline, ok := w.inclusion.IncludableJSON(string(body)); ok {
		evt.DocumentJSON = inline
	}
	return evt
}

// retry republishes req with one more attempt, stamped to be held by the
// transport until its backoff has passed, or dead letters it once the
// attempt budget is spent. The handler returns straight away.
func (w *Worker) retry(ctx context.Context, req crawler.DocumentRequested, reason string) error {
	req.AttemptCount++
	if w.attempts.Exhausted(req.AttemptCount) {
		return w.deadLetter(ctx, req, reason)
	}
	delay := w.attempts.Backoff(req.AttemptCount)
	metrics.ObserveRetry(string(req.DocumentType))
	w.logger.Info("republishing document request",
		zap.String("url", req.URI),
		zap.Int("attempt", req.AttemptCount),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	if err := w.publish(ctx, []bus.Message{req}, nil, bus.Delay(delay)); err != nil {
		return fmt.Errorf("republish %s: %w", req.URI, err)
	}
	return nil
}

// deadLetter records req as failed. A notifying request still reports
// completion so its tier can drain.
func (w *Worker) deadLetter(ctx context.Context, req crawler.DocumentRequested, reason string) error {
	letter := crawler.DeadLetterFrom(req, reason, w.clock.Now())
	record := func(ctx context.Context, tx crawler.Tx) error {
		return tx.RecordDeadLetter(ctx, letter)
	}
	msgs := []bus.Message{letter}
	if req.NotifyOnCompletion {
		done := w.completion(req, req.ID)
		done.DeadLettered = true
		msgs = append(msgs, done)
	}
	if err := w.publish(ctx, msgs, record); err != nil {
		return fmt.Errorf("dead letter %s: %w", req.URI, err)
	}
	metrics.ObserveDeadLetter(string(req.DocumentType))
	w.logger.Error("document request dead-lettered",
		zap.String("url", req.URI),
		zap.String("document_type", string(req.DocumentType)),
		zap.Int("attempt", req.AttemptCount),
		zap.String("reason", reason),
	)
	return nil
}

// publish sends msgs through the outbox when a unit of work is configured,
// running also inside the same transaction.
func (w *Worker) publish(
	ctx context.Context,
	msgs []bus.Message,
	also func(context.Context, crawler.Tx) error,
	opts ...bus.PublishOption,
) error {
	if len(msgs) == 0 {
		return nil
	}
	if w.publisher == nil {
		return errors.New("no publisher configured")
	}
	if w.uow == nil {
		return w.publisher.PublishBatch(ctx, msgs, append(opts, bus.Direct())...)
	}
	return w.uow.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		if also != nil {
			if err := also(ctx, tx); err != nil {
				return err
			}
		}
		return w.publisher.PublishBatch(ctx, msgs, append(opts, bus.WithOutbox(tx))...)
	})
}

// Package server builds the service graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sports-provider-crawler/internal/api"
	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
	"github.com/JakeFAU/sports-provider-crawler/internal/config"
	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/dispatcher"
	"github.com/JakeFAU/sports-provider-crawler/internal/document"
	collyfetcher "github.com/JakeFAU/sports-provider-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sports-provider-crawler/internal/frontier"
	"github.com/JakeFAU/sports-provider-crawler/internal/id/uuid"
	"github.com/JakeFAU/sports-provider-crawler/internal/jobs"
	"github.com/JakeFAU/sports-provider-crawler/internal/lock"
	"github.com/JakeFAU/sports-provider-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/sports-provider-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sports-provider-crawler/internal/queue"
	queuememory "github.com/JakeFAU/sports-provider-crawler/internal/queue/memory"
	"github.com/JakeFAU/sports-provider-crawler/internal/saga"
	"github.com/JakeFAU/sports-provider-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/sports-provider-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sports-provider-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/sports-provider-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/sports-provider-crawler/internal/storage/postgres"
	"github.com/JakeFAU/sports-provider-crawler/internal/telemetry"
	"github.com/JakeFAU/sports-provider-crawler/internal/worker"
)

// StateStore is the durable state behind the pipeline: frontier rows, saga
// state, dead letters and the outbox. Postgres and memory both satisfy it.
type StateStore interface {
	crawler.ResourceIndexStore
	crawler.UnitOfWork
	crawler.SagaReader
	dispatcher.Outbox
	ListDeadLetters(ctx context.Context, limit int) ([]crawler.DocumentDeadLetter, error)
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     StateStore
	bus       *bus.Bus
	router    *bus.Router
	consumer  queue.Consumer
	relay     *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler

	frontier     *frontier.Service
	executor     *jobs.Executor
	orchestrator *saga.Orchestrator
	worker       *worker.Worker
	apiServer    *api.Server

	pgStore        *pgstore.Store
	memQueue       *queuememory.Queue
	pubsubConsumer *queue.PubSubConsumer
	pubsubSender   *gcppublisher.Publisher
	gcsClient      *storage.Client
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies",
		zap.String("bus", cfg.Bus.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.UsesPostgres()),
	)

	if err := app.setupStore(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	docs, err := app.setupDocuments(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	transport, err := app.setupTransport(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	ids := uuid.New()
	clock := crawler.SystemClock{}
	app.bus = bus.New(transport, bus.Config{ChunkSize: cfg.Pipeline.BatchSize}, logger.Named("bus"))
	app.router = bus.NewRouter(logger.Named("router"))
	app.relay = dispatcher.New(app.store, transport, dispatcher.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}, logger.Named("relay"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Provider.RPS,
		DefaultBurst: cfg.Provider.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Provider.UserAgent,
		Timeout:     cfg.Provider.Timeout,
		MaxBodySize: cfg.Provider.MaxBodySize,
	}, limiter, logger.Named("fetcher"))

	app.worker = worker.New(
		fetcher,
		docs,
		app.bus,
		app.store,
		crawler.NewAttemptPolicy(cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBaseDelay, cfg.Pipeline.RetryMaxDelay),
		document.NewInclusionPolicy(cfg.Pipeline.InlineThresholdBytes, logger.Named("inclusion")),
		clock,
		worker.Config{
			ContentType:      cfg.Storage.ContentType,
			BlobPrefix:       cfg.Storage.Prefix,
			FollowPagination: cfg.Pipeline.FollowPagination,
		},
		logger.Named("processor"),
	)
	app.worker.Register(app.router)

	app.executor = jobs.NewExecutor(app.worker, app.store, ids, clock, cfg.Pipeline.JobTimeout, logger.Named("executor"))
	jobs.NewTierConsumer(
		app.store,
		app.store,
		app.executor,
		lock.NewKeyed(cfg.Pipeline.TierLockTimeout),
		logger.Named("tier_consumer"),
	).Register(app.router)

	app.orchestrator = saga.NewOrchestrator(app.store, app.bus, ids, logger.Named("saga"))
	app.orchestrator.Register(app.router)

	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.New(app.store, app.executor, cfg.Scheduler.ResyncInterval, logger.Named("scheduler"))
	}

	app.frontier = frontier.NewService(app.store, ids, logger.Named("frontier"))
	app.apiServer = api.NewServer(api.Deps{
		Frontier:    app.frontier,
		Runs:        app.orchestrator,
		Sagas:       app.store,
		DeadLetters: app.store,
		Publisher:   app.bus,
		IDs:         ids,
		Ready:       app.ready,
	}, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	logger.Info("message routes registered", zap.Strings("types", app.router.Types()))
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if !a.cfg.UsesPostgres() {
		a.logger.Warn("no database DSN configured, using in-memory state")
		a.store = memorystorage.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	return nil
}

func (a *App) setupDocuments(ctx context.Context) (crawler.DocumentStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		docs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs document store init failed: %w", err)
		}
		a.logger.Info("using GCS document store", zap.String("bucket", a.cfg.Storage.Bucket))
		return docs, nil
	case config.BackendLocal:
		docs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local document store init failed: %w", err)
		}
		a.logger.Info("using local document store", zap.String("path", a.cfg.Storage.BaseDir))
		return docs, nil
	default:
		a.logger.Info("using in-memory document store")
		return memorystorage.NewDocumentStore(), nil
	}
}

func (a *App) setupTransport(ctx context.Context) (bus.Transport, error) {
	if a.cfg.Bus.Backend != config.BackendPubSub {
		a.memQueue = queuememory.NewQueue(queuememory.Config{
			Capacity:        a.cfg.Bus.QueueDepth,
			Workers:         a.cfg.Bus.Workers,
			MaxDeliveries:   a.cfg.Bus.MaxDeliveries,
			RedeliveryDelay: a.cfg.Bus.RedeliverDelay,
		}, a.logger.Named("queue"))
		a.consumer = a.memQueue
		return a.memQueue, nil
	}

	sender, err := gcppublisher.Open(ctx, a.cfg.Bus.ProjectID, a.cfg.Bus.Topic, a.logger.Named("pubsub_publisher"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubSender = sender
	consumer, err := queue.NewPubSubConsumer(ctx, queue.PubSubConfig{
		ProjectID:      a.cfg.Bus.ProjectID,
		SubscriptionID: a.cfg.Bus.Subscription,
		MaxOutstanding: a.cfg.Bus.MaxOutstanding,
		NumGoroutines:  a.cfg.Bus.Workers,
	}, a.logger.Named("pubsub_consumer"))
	if err != nil {
		return nil, fmt.Errorf("pubsub consumer init failed: %w", err)
	}
	a.pubsubConsumer = consumer
	a.consumer = consumer
	a.logger.Info("Pub/Sub transport initialized",
		zap.String("project", a.cfg.Bus.ProjectID),
		zap.String("topic", a.cfg.Bus.Topic),
		zap.String("subscription", a.cfg.Bus.Subscription),
	)
	return sender, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		return a.pgStore.Ping(ctx)
	}
	return nil
}

// Handler exposes the admin API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Bus returns the message bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Store returns the state store.
func (a *App) Store() StateStore { return a.store }

// Orchestrator returns the historical run orchestrator.
func (a *App) Orchestrator() *saga.Orchestrator { return a.orchestrator }

// Frontier returns the frontier registration service.
func (a *App) Frontier() *frontier.Service { return a.frontier }

// Executor returns the frontier row executor.
func (a *App) Executor() *jobs.Executor { return a.executor }

// RunWorkers runs the message consumer, the outbox relay and, when enabled,
// the scheduler until ctx is canceled or one of them fails.
func (a *App) RunWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("consumer started")
		if err := a.consumer.Run(gctx, a.router.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("outbox relay started")
		a.relay.Run(gctx)
		return nil
	})
	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
	}
	return g.Wait()
}

// Run starts the workers and the HTTP server and blocks until ctx is
// canceled, then drains the server and closes infrastructure.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunWorkers(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer closeCancel()
	a.Close(closeCtx)
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases infrastructure. It is safe to call on a partially built App
// and more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.pubsubConsumer != nil {
		if err := a.pubsubConsumer.Close(); err != nil {
			a.logger.Warn("pubsub consumer close failed", zap.Error(err))
		}
	}
	if a.pubsubSender != nil {
		if err := a.pubsubSender.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

// Package server builds the application's dependencies from configuration and
// owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/api"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/checkpoint"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/config"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/catalog-ingest-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/headless"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/imagecache"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/logging"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/normalize"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/productapi"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/catalog-ingest-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-ingest-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/sitemap"
	gcsstorage "github.com/JakeFAU/catalog-ingest-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-ingest-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-ingest-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-ingest-crawler/internal/storage/postgres"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// progressMetrics is shared by every App in the process: its collectors live
// in the default registry, which accepts them once.
var progressMetrics struct {
	once sync.Once
	sink *sinks.PrometheusSink
	err  error
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	blobs       catalog.BlobStore
	products    catalog.ProductStore
	runs        catalog.RunStore
	checkpoints catalog.CheckpointStore
	publisher   catalog.Publisher
	pages       catalog.PageExtractor

	fetch        *fetcher.Client
	productAPI   *productapi.Client
	discovery    *sitemap.Discovery
	images       *imagecache.Cache
	orchestrator *pipeline.Orchestrator
	backfiller   *pipeline.Backfiller
	events       *progress.Hub
	checks       map[string]api.ReadinessCheck

	gcsClient    *storage.Client
	pool         *pgxpool.Pool
	redisClient  *redis.Client
	pubsubClient *gcppublisher.Publisher
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]api.ReadinessCheck),
	}
	app.logger.Info("building application dependencies",
		zap.String("source", cfg.Source.Name),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("db", cfg.DB.Backend),
		zap.String("checkpoints", cfg.Checkpoint.Backend),
	)

	steps := []func(context.Context) error{
		app.setupTelemetry,
		app.setupStorage,
		app.setupDatabase,
		app.setupCheckpoints,
		app.setupPublisher,
		app.setupFetch,
		app.setupPages,
		app.setupProgress,
		app.setupPipeline,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	var err error
	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    tc.ServiceName,
		ServiceVersion: tc.ServiceVersion,
		ProjectID:      tc.ProjectID,
		SampleRatio:    tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	a.logger.Info("tracing configured",
		zap.String("service", tc.ServiceName),
		zap.Bool("export", tc.ProjectID != ""),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case "memory":
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case "memory":
		a.logger.Warn("using in-memory product store, records will not survive a restart")
		a.products = memorystorage.NewProductStore()
		a.runs = memorystorage.NewRunStore()
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unknown db backend %q", a.cfg.DB.Backend)
	}

	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	products, err := pgstore.NewProductStore(a.pool, a.cfg.DB.ProductsTable)
	if err != nil {
		return fmt.Errorf("product store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStore(a.pool, a.cfg.DB.RunsTable)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if err := products.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		return err
	}
	a.products, a.runs = products, runs
	a.checks["postgres"] = a.pool.Ping
	a.logger.Info("postgres stores initialized",
		zap.String("products_table", a.cfg.DB.ProductsTable),
		zap.String("runs_table", a.cfg.DB.RunsTable),
	)
	return nil
}

func (a *App) setupCheckpoints(ctx context.Context) error {
	switch a.cfg.Checkpoint.Backend {
	case "blob":
		a.checkpoints = checkpoint.NewBlobStore(a.blobs, a.cfg.Checkpoint.Prefix)
	case "memory":
		a.logger.Warn("using in-memory checkpoints, interrupted runs cannot resume after a restart")
		a.checkpoints = checkpoint.NewMemory()
	case "redis":
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		store := checkpoint.NewRedis(a.redisClient, a.cfg.Checkpoint.Prefix)
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("redis checkpoint store init failed: %w", err)
		}
		a.checkpoints = store
		a.checks["redis"] = store.Ping
	default:
		return fmt.Errorf("unknown checkpoint backend %q", a.cfg.Checkpoint.Backend)
	}
	a.logger.Info("checkpoint store initialized", zap.String("backend", a.cfg.Checkpoint.Backend))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.NewBounded(100)
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	if err := pub.CheckTopic(ctx, a.notifyTopic()); err != nil {
		a.logger.Warn("run notification topic unavailable", zap.String("topic", a.notifyTopic()), zap.Error(err))
	}
	a.pubsubClient = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.notifyTopic()),
	)
	return nil
}

func (a *App) notifyTopic() string {
	if a.cfg.PubSub.TopicName != "" {
		return a.cfg.PubSub.TopicName
	}
	return a.cfg.Pipeline.NotifyTopic
}

func (a *App) setupFetch(context.Context) error {
	fc := a.cfg.Fetch
	timeout := time.Duration(fc.TimeoutSeconds) * time.Second
	transport := collyfetcher.New(collyfetcher.Config{
		Timeout:     timeout,
		MaxBodySize: fc.MaxBodyBytes,
	})
	a.fetch = fetcher.NewClient(fetcher.Config{
		Concurrency: fc.Concurrency,
		RateLimit:   time.Duration(fc.RateLimitMs) * time.Millisecond,
		JitterMin:   time.Duration(fc.JitterMinMs) * time.Millisecond,
		JitterMax:   time.Duration(fc.JitterMaxMs) * time.Millisecond,
		PauseEvery:  fc.PauseEvery,
		PauseMin:    time.Duration(fc.PauseMinMs) * time.Millisecond,
		PauseMax:    time.Duration(fc.PauseMaxMs) * time.Millisecond,
		MaxRetries:  fc.MaxRetries,
		Timeout:     timeout,
	}, transport, a.logger,
		fetcher.WithIdentityPool(fetcher.NewIdentityPool(fetcher.DefaultUserAgents)),
		fetcher.WithChallengeDetector(fetcher.NewChallengeDetector(fc.ChallengeKeywords)),
	)
	a.logger.Info("fetch client initialized",
		zap.Int("concurrency", fc.Concurrency),
		zap.Int("rate_limit_ms", fc.RateLimitMs),
		zap.Int("max_retries", fc.MaxRetries),
	)

	var err error
	a.productAPI, err = productapi.New(productapi.Config{
		BaseURL:    a.cfg.Source.BaseURL,
		Path:       a.cfg.API.Path,
		Language:   a.cfg.API.Language,
		Region:     a.cfg.API.Region,
		CategoryID: a.cfg.API.CategoryID,
	}, a.fetch, a.logger)
	if err != nil {
		return fmt.Errorf("product api init failed: %w", err)
	}
	a.discovery = sitemap.New(sitemap.Config{
		IndexURL:      a.cfg.Sitemap.IndexURL,
		RobotsURL:     a.cfg.Sitemap.RobotsURL,
		MaxParallel:   a.cfg.Sitemap.MaxParallel,
		DownloadPause: time.Duration(a.cfg.Sitemap.DownloadPauseMs) * time.Millisecond,
	}, a.fetch, logging.Component(a.logger, "sitemap"))
	a.images, err = imagecache.New(a.blobs, imagecache.Config{
		Prefix:          a.cfg.ImageCache.Prefix,
		ChunkCapacity:   a.cfg.ImageCache.ChunkCapacity,
		MaxLoadedChunks: a.cfg.ImageCache.MaxLoadedChunks,
	}, logging.Component(a.logger, "imagecache"))
	if err != nil {
		return fmt.Errorf("image cache init failed: %w", err)
	}
	return nil
}

func (a *App) setupPages(context.Context) error {
	hc := a.cfg.Headless
	if !hc.Enabled {
		a.logger.Info("headless browsing disabled, descriptions and facets are unavailable")
		a.pages = headless.Noop{}
		return nil
	}
	a.pages = headless.NewChromedp(headless.Config{
		UserAgent:            hc.UserAgent,
		NavTimeout:           time.Duration(hc.NavTimeoutSec) * time.Second,
		Pacer:                ratelimit.New(ratelimit.Config{PerSecond: hc.RatePerSecond, Burst: hc.Burst}),
		BaseURL:              a.cfg.Source.BaseURL,
		LocalePath:           a.cfg.Source.LocalePath,
		CategoryURL:          a.cfg.Facets.CategoryURL,
		FilterParam:          a.cfg.Facets.FilterParam,
		OverlaySelectors:     hc.OverlaySelectors,
		DescriptionSelectors: hc.DescriptionSelectors,
		DescriptionFallback:  hc.DescriptionFallback,
		FacetExpandSelectors: hc.FacetExpandSelectors,
		FacetLabelSelector:   hc.FacetLabelSelector,
		ProductLinkSelector:  hc.ProductLinkSelector,
	}, a.logger)
	a.logger.Info("using headless page extractor",
		zap.Int("nav_timeout_seconds", hc.NavTimeoutSec),
		zap.Float64("rate_per_second", hc.RatePerSecond),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	progressMetrics.once.Do(func() {
		progressMetrics.sink, progressMetrics.err = sinks.NewPrometheusSink(nil)
	})
	if progressMetrics.err != nil {
		return fmt.Errorf("progress metrics init failed: %w", progressMetrics.err)
	}
	a.events = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logging.Component(a.logger, "progress"),
	}, sinks.NewLogSink(logging.Component(a.logger, "progress")), progressMetrics.sink)
	return nil
}

func (a *App) setupPipeline(context.Context) error {
	clock := system.New()
	src := a.cfg.Source
	var err error
	a.orchestrator, err = pipeline.New(pipeline.Config{
		Normalize: normalize.Options{
			Source:          src.Name,
			StoreID:         src.StoreID,
			Country:         src.Country,
			Currency:        src.Currency,
			ConversionRate:  src.ConversionRate,
			BaseURL:         src.BaseURL,
			LocalePath:      src.LocalePath,
			DefaultCategory: a.cfg.Facets.DefaultCategory,
		},
		Facets: pipeline.FacetSettings{
			CategoryURL:   a.cfg.Facets.CategoryURL,
			FilterParam:   a.cfg.Facets.FilterParam,
			MaxPages:      a.cfg.Facets.MaxPages,
			MinCount:      a.cfg.Facets.MinCount,
			MaxCount:      a.cfg.Facets.MaxCount,
			FallbackNames: a.cfg.Facets.FallbackNames,
		},
		SitemapBatchSize: a.cfg.Pipeline.SitemapBatchSize,
		FacetBatchSize:   a.cfg.Pipeline.FacetBatchSize,
		FlushThreshold:   a.cfg.Writer.FlushThreshold,
		NotifyTopic:      a.notifyTopic(),
	}, pipeline.Deps{
		Checkpoints: a.checkpoints,
		Products:    a.products,
		Runs:        a.runs,
		API:         a.productAPI,
		Discovery:   a.discovery,
		Images:      a.images,
		Pages:       a.pages,
		Publisher:   a.publisher,
		Events:      a.events,
		Clock:       clock,
		IDs:         uuid.New(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	if a.cfg.Headless.Enabled {
		a.backfiller, err = pipeline.NewBackfiller(a.products, a.pages, clock, src.Name, a.cfg.Pipeline.BackfillPageSize, a.logger)
		if err != nil {
			return fmt.Errorf("backfiller init failed: %w", err)
		}
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the run orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orchestrator }

// Backfiller returns the description backfiller, or nil when headless
// browsing is disabled.
func (a *App) Backfiller() *pipeline.Backfiller { return a.backfiller }

// Images returns the sitemap image cache.
func (a *App) Images() *imagecache.Cache { return a.images }

// ProductAPI returns the product detail client.
func (a *App) ProductAPI() *productapi.Client { return a.productAPI }

// Runs returns the run log.
func (a *App) Runs() catalog.RunStore { return a.runs }

// Handler builds the HTTP API. Runs started through it inherit baseCtx.
func (a *App) Handler(baseCtx context.Context) http.Handler {
	deps := api.Deps{
		Runner: a.orchestrator,
		Runs:   a.runs,
		Checks: a.checks,
	}
	if a.backfiller != nil {
		deps.Backfill = a.backfiller
	}
	return api.NewServer(baseCtx, deps, *a.cfg, a.logger).Handler()
}

// Run serves the HTTP API and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client the app opened. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.events != nil {
		closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := a.events.Close(closeCtx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.pages != nil {
		if err := a.pages.Close(); err != nil {
			a.logger.Warn("page extractor close failed", zap.Error(err))
		}
	}
	if a.fetch != nil {
		if err := a.fetch.Close(); err != nil {
			a.logger.Warn("fetch client close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

// Package server builds the ingest application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/api"
	"github.com/JakeFAU/ingestd/internal/clock/system"
	"github.com/JakeFAU/ingestd/internal/config"
	"github.com/JakeFAU/ingestd/internal/coordinator"
	"github.com/JakeFAU/ingestd/internal/fetcher"
	"github.com/JakeFAU/ingestd/internal/handler/archive"
	"github.com/JakeFAU/ingestd/internal/hash/sha256"
	idgen "github.com/JakeFAU/ingestd/internal/id/uuid"
	"github.com/JakeFAU/ingestd/internal/logging"
	"github.com/JakeFAU/ingestd/internal/metrics"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/policy/ratelimit"
	"github.com/JakeFAU/ingestd/internal/policy/simple"
	"github.com/JakeFAU/ingestd/internal/progress"
	progresssinks "github.com/JakeFAU/ingestd/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/ingestd/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/ingestd/internal/publisher/pubsub"
	listingsource "github.com/JakeFAU/ingestd/internal/source/listing"
	pubsubsource "github.com/JakeFAU/ingestd/internal/source/pubsub"
	websource "github.com/JakeFAU/ingestd/internal/source/web"
	"github.com/JakeFAU/ingestd/internal/storage"
	gcsstorage "github.com/JakeFAU/ingestd/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ingestd/internal/storage/local"
	memorystorage "github.com/JakeFAU/ingestd/internal/storage/memory"
	pgstore "github.com/JakeFAU/ingestd/internal/storage/postgres"
	"github.com/JakeFAU/ingestd/internal/store"
	"github.com/JakeFAU/ingestd/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// NamedSource attaches a source that is not described by configuration.
type NamedSource struct {
	Name   string
	Source pipeline.Source
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	extra      []NamedSource
	version    string
	logger     *zap.Logger
}

// WithRegisterer sets where the progress collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithSources appends sources after those from configuration.
func WithSources(sources ...NamedSource) Option {
	return func(o *buildOptions) { o.extra = append(o.extra, sources...) }
}

// WithVersion tags traces with the build version.
func WithVersion(v string) Option {
	return func(o *buildOptions) { o.version = v }
}

// WithLogger skips logger construction from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	coordinator *coordinator.Coordinator
	fetchers    []*fetcher.Fetcher
	apiServer   *api.Server
	progressHub *progress.Hub

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	pubsubSources   []*pubsubsource.Source
	storage         *cloudstorage.Client
	itemStore       *pgstore.ItemStore
	progressStore   *pgstore.ProgressStore
	tracerProvider  *sdktrace.TracerProvider
}

// Coordinator exposes the run for callers that drive it themselves.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the status server and the pipeline run, blocks until the run
// reaches a terminal state, then shuts everything down. Cancelling ctx cancels
// the run.
func (a *App) Run(ctx context.Context) (pipeline.Report, error) {
	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	if err := a.coordinator.Start(ctx, a.fetchers...); err != nil {
		a.close(srv)
		return pipeline.Report{}, fmt.Errorf("start run: %w", err)
	}
	report, runErr := a.coordinator.Wait()
	a.close(srv)
	return report, runErr
}

func (a *App) close(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.Close(ctx)
}

// Close releases clients and flushes progress sinks. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	metrics.TrackQueueDepth(nil)
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	for _, src := range a.pubsubSources {
		src.Close()
	}
	a.pubsubSources = nil
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.itemStore != nil {
		a.itemStore.Close()
		a.itemStore = nil
	}
	if a.progressStore != nil {
		a.progressStore.Close()
		a.progressStore = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerProvider = nil
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}

// Build creates the application's dependencies. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	app.logger.Info("building application",
		zap.Int("sources", len(cfg.Sources)+len(o.extra)),
		zap.String("storage", cfg.Storage.Kind),
		zap.Int("server_port", cfg.Server.Port),
	)

	var coordOpts []coordinator.Option
	if cfg.Tracing.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, o.version)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		coordOpts = append(coordOpts, coordinator.WithTracer(app.tracerProvider.Tracer("ingestd")))
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	itemStore, progressRepo, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	app.progressHub, err = setupProgress(app, progressRepo, o.registerer)
	if err != nil {
		return nil, err
	}

	runID, err := idgen.New().NewRunID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	handler, err := archive.New(blobStore, itemStore, archive.Config{
		RunID:       runID.String(),
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.TopicName,
	},
		archive.WithPublisher(publisher),
		archive.WithHasher(sha256.New()),
		archive.WithClock(system.New()),
		archive.WithLogger(logger.Named("archive")),
	)
	if err != nil {
		return nil, fmt.Errorf("archive handler init failed: %w", err)
	}

	coordOpts = append(coordOpts,
		coordinator.WithLogger(logger),
		coordinator.WithRunID(runID),
		coordinator.WithEmitter(app.progressHub),
	)
	app.coordinator, err = coordinator.New(cfg.CoordinatorConfig(), handler, coordOpts...)
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	metrics.TrackQueueDepth(app.coordinator.QueueDepth)

	app.fetchers, err = setupFetchers(ctx, app, o.extra)
	if err != nil {
		return nil, err
	}

	if cfg.Server.Port > 0 {
		apiKey := ""
		if cfg.Auth.Enabled {
			apiKey = cfg.Auth.APIKey
		}
		app.apiServer = api.NewServer(
			app.coordinator,
			api.NewProgressHandler(progressRepo, logger.Named("api")),
			api.Config{APIKey: apiKey},
			logger.Named("api"),
		)
	}
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (storage.BlobStore, error) {
	switch app.cfg.Storage.Kind {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) (store.ItemStore, store.ProgressRepository, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no database DSN configured, keeping item and progress records in memory")
		return memorystorage.NewItemStore(), memorystorage.NewProgressStore(), nil
	}
	var err error
	app.itemStore, err = pgstore.NewItemStore(ctx, pgstore.ItemStoreConfig{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: int32(app.cfg.DB.MaxConns), //nolint:gosec // bounded by config validation
	})
	if err != nil {
		return nil, nil, fmt.Errorf("item store init failed: %w", err)
	}
	app.progressStore, err = pgstore.NewProgressStore(ctx, app.cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("progress store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized", zap.String("table", app.cfg.DB.Table))
	return app.itemStore, app.progressStore, nil
}

func setupPublisher(ctx context.Context, app *App) (archive.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsubClient(ctx, app)
	if err != nil {
		return nil, err
	}
	app.pubsubPublisher = gcppublisher.New(client, app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func pubsubClient(ctx context.Context, app *App) (*pubsub.Client, error) {
	if app.pubsubClient != nil {
		return app.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	return client, nil
}

func setupProgress(
	app *App,
	progressRepo store.ProgressRepository,
	reg prometheus.Registerer,
) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	}
	if progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(progressRepo, app.logger.Named("progress_store")))
	}
	hubCfg := app.cfg.ProgressConfig()
	hubCfg.Logger = app.logger.Named("progress_hub")
	hub := progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func setupFetchers(ctx context.Context, app *App, extra []NamedSource) ([]*fetcher.Fetcher, error) {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		RPS:      cfg.RateLimitConfig().RPS,
		Burst:    cfg.RateLimitConfig().Burst,
		Observer: metrics.ObserveRateLimitDelay,
	})
	// Listing pages are paced per host so sources sharing a site share a bucket.
	hosts := ratelimit.New(ratelimit.Config{
		RPS:      cfg.RateLimitConfig().RPS,
		Burst:    cfg.RateLimitConfig().Burst,
		Observer: metrics.ObserveRateLimitDelay,
	})
	policy := simple.New(cfg.Fetch.AllowHosts...).Deny(cfg.Fetch.DenyHosts...)
	fetcherOpts := func() []fetcher.Option {
		return []fetcher.Option{
			fetcher.WithLogger(app.logger.Named("fetcher")),
			fetcher.WithRateLimit(limiter),
		}
	}

	fetchers := make([]*fetcher.Fetcher, 0, len(cfg.Sources)+len(extra))
	for _, sc := range cfg.Sources {
		src, err := buildSource(ctx, app, sc, policy, hosts)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		fetchers = append(fetchers, fetcher.New(sc.Name, src, cfg.FetcherConfig(), fetcherOpts()...))
		app.logger.Info("source configured", zap.String("name", sc.Name), zap.String("kind", sc.Kind))
	}
	for _, ns := range extra {
		fetchers = append(fetchers, fetcher.New(ns.Name, ns.Source, cfg.FetcherConfig(), fetcherOpts()...))
	}
	if len(fetchers) == 0 {
		return nil, errors.New("no sources configured")
	}
	return fetchers, nil
}

func buildSource(
	ctx context.Context,
	app *App,
	sc config.SourceConfig,
	policy *simple.Policy,
	hosts *ratelimit.Limiter,
) (pipeline.Source, error) {
	logger := app.logger.Named("source").With(zap.String("source", sc.Name))
	switch sc.Kind {
	case config.SourceWeb:
		return websource.New(websource.Config{
			URLs:          sc.URLs,
			UserAgent:     app.cfg.Fetch.UserAgent,
			RespectRobots: app.cfg.Fetch.RespectRobots,
			Timeout:       app.cfg.FetchTimeout(),
		}, websource.WithPolicy(policy), websource.WithLogger(logger))
	case config.SourceListing:
		return listingsource.New(listingsource.Config{
			StartURL:  sc.URLs[0],
			Selector:  sc.Selector,
			MaxPages:  sc.MaxPages,
			UserAgent: app.cfg.Fetch.UserAgent,
		},
			listingsource.WithHTTPClient(&http.Client{Timeout: app.cfg.FetchTimeout()}),
			listingsource.WithPolicy(policy),
			listingsource.WithPacer(hosts),
			listingsource.WithLogger(logger),
		)
	case config.SourcePubSub:
		client, err := pubsubClient(ctx, app)
		if err != nil {
			return nil, err
		}
		src, err := pubsubsource.New(client.Subscription(sc.Subscription), pubsubsource.Config{
			BatchSize:   sc.BatchSize,
			IdleTimeout: time.Duration(sc.IdleTimeoutMs) * time.Millisecond,
		}, pubsubsource.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		app.pubsubSources = append(app.pubsubSources, src)
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

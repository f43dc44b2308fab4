// Package server builds the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/analyzer"
	"github.com/JakeFAU/clipbrief/internal/analyzer/gemini"
	"github.com/JakeFAU/clipbrief/internal/api"
	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/clock/system"
	"github.com/JakeFAU/clipbrief/internal/config"
	"github.com/JakeFAU/clipbrief/internal/dispatcher"
	"github.com/JakeFAU/clipbrief/internal/downloader/ytdlp"
	"github.com/JakeFAU/clipbrief/internal/hash/sha256"
	"github.com/JakeFAU/clipbrief/internal/id/uuid"
	"github.com/JakeFAU/clipbrief/internal/logging"
	"github.com/JakeFAU/clipbrief/internal/metrics"
	"github.com/JakeFAU/clipbrief/internal/orchestrator"
	"github.com/JakeFAU/clipbrief/internal/policy/ratelimit"
	"github.com/JakeFAU/clipbrief/internal/progress"
	progresssinks "github.com/JakeFAU/clipbrief/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/clipbrief/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/clipbrief/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/clipbrief/internal/queue/memory"
	"github.com/JakeFAU/clipbrief/internal/rotator"
	"github.com/JakeFAU/clipbrief/internal/status"
	gcsstorage "github.com/JakeFAU/clipbrief/internal/storage/gcs"
	localstorage "github.com/JakeFAU/clipbrief/internal/storage/local"
	memoryStorage "github.com/JakeFAU/clipbrief/internal/storage/memory"
	pgstore "github.com/JakeFAU/clipbrief/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/clipbrief/internal/storage/sqlite"
	"github.com/JakeFAU/clipbrief/internal/telegram"
	"github.com/JakeFAU/clipbrief/internal/telemetry"
)

const (
	shutdownTimeout = 15 * time.Second
	drainTimeout    = 2 * time.Minute
)

// App holds the running service and everything that needs closing.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          *queueMemory.Queue
	progressHub    *progress.Hub
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	stores         *Stores
	tracerShutdown telemetry.ShutdownFunc
}

// Stores groups the job and credential backends selected by store.driver.
type Stores struct {
	Jobs        clip.JobStore
	Credentials clip.CredentialStore
	Ping        func(context.Context) error
	Migrate     func(context.Context) error
	Close       func()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("artifacts", cfg.Artifacts.Backend),
		zap.Int("api_keys", len(cfg.Analysis.APIKeys)),
		zap.Strings("models", cfg.Analysis.Models),
	)

	app.tracerShutdown, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()

	if cfg.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required")
	}

	stores, err := OpenStores(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.stores = stores
	if err := stores.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	keys := rotator.New(stores.Credentials, clock, a.logger)
	if err := keys.Sync(ctx, cfg.Analysis.APIKeys); err != nil {
		return err
	}

	artifacts, artifactsDir, err := a.setupArtifacts(ctx)
	if err != nil {
		return err
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}

	messenger, err := telegram.New(telegram.Config{
		Token:    cfg.Telegram.BotToken,
		Endpoint: cfg.Telegram.APIEndpoint,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	downloader, err := ytdlp.New(ytdlp.Config{
		Binary:               cfg.Download.Binary,
		Dir:                  cfg.Download.Dir,
		Format:               cfg.Download.Format,
		MergeFormat:          cfg.Download.MergeFormat,
		SocketTimeoutSeconds: cfg.Download.SocketTimeoutSeconds,
		ExtraArgs:            cfg.Download.ExtraArgs,
	}, a.logger, ytdlp.WithHostLimiter(ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Download.PerHostRPS,
		DefaultBurst: 1,
		Scope:        "download",
	})))
	if err != nil {
		return fmt.Errorf("downloader init failed: %w", err)
	}

	analysis, err := analyzer.New(
		keys,
		gemini.New(gemini.Config{BaseURL: cfg.Analysis.BaseURL}),
		artifacts,
		sha256.New(),
		clock,
		analyzer.Config{Models: cfg.Analysis.Models, Prompt: cfg.Analysis.Prompt, MIMEType: cfg.Analysis.MIMEType},
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("analyzer init failed: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		TargetChatID:   cfg.Telegram.TargetChatID,
		PublicBaseURL:  cfg.Server.PublicBaseURL,
		ServeArtifacts: artifactsDir != "",
		NotifyTopic:    cfg.PubSub.TopicName,
	}, orchestrator.Deps{
		Jobs:       stores.Jobs,
		Artifacts:  artifacts,
		Downloader: downloader,
		Analyzer:   analysis,
		Messenger:  messenger,
		Status:     status.NewFactory(messenger, cfg.HeartbeatInterval(), a.logger),
		Publisher:  publisher,
		Progress:   emitter,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.PerChatRPS,
			DefaultBurst: cfg.RateLimit.Burst,
			Scope:        "chat",
		}),
		Clock: clock,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	a.dispatch = dispatcher.New(a.queue, orch, cfg.Worker.Concurrency, a.logger)
	a.apiServer = api.NewServer(api.Config{
		WebhookPath:    cfg.Server.WebhookPath,
		WebhookSecret:  cfg.Telegram.WebhookSecret,
		RequestTimeout: cfg.RequestTimeout(),
		ArtifactsDir:   artifactsDir,
	}, api.Deps{
		Jobs:   stores.Jobs,
		Intake: a.queue,
		IDs:    uuid.New(),
		Clock:  clock,
		Ready:  map[string]api.ReadyCheck{"store": stores.Ping},
	}, a.logger)
	return nil
}

// OpenStores connects the backend named by store.driver.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Store.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Store.DSN,
			MaxConns:        cfg.Store.MaxConns,
			MinConns:        cfg.Store.MinConns,
			MaxConnLifetime: cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres store")
		return &Stores{Jobs: store, Credentials: store, Ping: store.Ping, Migrate: store.Migrate, Close: store.Close}, nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite store", zap.String("dsn", cfg.Store.DSN))
		closeFn := func() {
			if err := store.Close(); err != nil {
				logger.Warn("sqlite close failed", zap.Error(err))
			}
		}
		return &Stores{Jobs: store, Credentials: store, Ping: store.Ping, Migrate: store.Migrate, Close: closeFn}, nil
	default:
		logger.Warn("using in-memory store; jobs and key rotation reset on restart")
		return &Stores{
			Jobs:        memoryStorage.NewJobStore(),
			Credentials: memoryStorage.NewCredentialStore(),
			Ping:        noop,
			Migrate:     noop,
			Close:       func() {},
		}, nil
	}
}

func (a *App) setupArtifacts(ctx context.Context) (clip.ArtifactStore, string, error) {
	switch a.cfg.Artifacts.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Artifacts.GCSBucket,
			Prefix: a.cfg.Artifacts.Prefix,
		})
		if err != nil {
			return nil, "", fmt.Errorf("gcs artifact store init failed: %w", err)
		}
		a.logger.Info("using GCS artifact store", zap.String("bucket", a.cfg.Artifacts.GCSBucket))
		return store, "", nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Artifacts.Dir})
		if err != nil {
			return nil, "", fmt.Errorf("local artifact store init failed: %w", err)
		}
		a.logger.Info("using local artifact store", zap.String("path", store.BaseDir()))
		return store, store.BaseDir(), nil
	default:
		a.logger.Info("using in-memory artifact store")
		return memoryStorage.NewArtifactStore(), "", nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (clip.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatch,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

// Run serves HTTP and runs the workers until SIGINT/SIGTERM or ctx ends. On
// shutdown the server stops accepting webhooks first, then queued events are
// drained before the stores close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port), zap.String("webhook", a.cfg.Server.WebhookPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
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

	a.queue.Close()
	select {
	case <-workersDone:
	case <-time.After(drainTimeout):
		a.logger.Warn("worker drain timed out", zap.Int("queued", a.queue.Len()))
		cancelWorkers()
		<-workersDone
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	a.Close(closeCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource held by the app.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		stats := a.progressHub.Stats()
		a.logger.Info("progress hub closed",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("batches", stats.Batches),
		)
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.stores != nil {
		a.stores.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Migrate applies the store schema and seeds the configured API keys.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	if err := stores.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := rotator.New(stores.Credentials, system.New(), logger).Sync(ctx, cfg.Analysis.APIKeys); err != nil {
		return err
	}
	logger.Info("store migrated", zap.String("driver", cfg.Store.Driver))
	return nil
}

// Package app assembles configuration, persistence, the fetch pipeline,
// and the HTTP surface into one runnable scraper process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jpns3334444/scraper-sub000/internal/api"
	"github.com/jpns3334444/scraper-sub000/internal/clock/system"
	"github.com/jpns3334444/scraper-sub000/internal/config"
	"github.com/jpns3334444/scraper-sub000/internal/dispatcher"
	"github.com/jpns3334444/scraper-sub000/internal/extract"
	"github.com/jpns3334444/scraper-sub000/internal/fetch"
	"github.com/jpns3334444/scraper-sub000/internal/fetch/headless"
	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/hash/sha256"
	iduuid "github.com/jpns3334444/scraper-sub000/internal/id/uuid"
	"github.com/jpns3334444/scraper-sub000/internal/ingest"
	"github.com/jpns3334444/scraper-sub000/internal/logging"
	"github.com/jpns3334444/scraper-sub000/internal/metrics"
	"github.com/jpns3334444/scraper-sub000/internal/policy/breaker"
	"github.com/jpns3334444/scraper-sub000/internal/policy/ratelimit"
	"github.com/jpns3334444/scraper-sub000/internal/pricing"
	"github.com/jpns3334444/scraper-sub000/internal/progress"
	progresssinks "github.com/jpns3334444/scraper-sub000/internal/progress/sinks"
	memorypublisher "github.com/jpns3334444/scraper-sub000/internal/publisher/memory"
	gcppublisher "github.com/jpns3334444/scraper-sub000/internal/publisher/pubsub"
	"github.com/jpns3334444/scraper-sub000/internal/session"
	gcsstorage "github.com/jpns3334444/scraper-sub000/internal/storage/gcs"
	localstorage "github.com/jpns3334444/scraper-sub000/internal/storage/local"
	memorystorage "github.com/jpns3334444/scraper-sub000/internal/storage/memory"
	pgstore "github.com/jpns3334444/scraper-sub000/internal/storage/postgres"
	"github.com/jpns3334444/scraper-sub000/internal/store"
	"github.com/jpns3334444/scraper-sub000/internal/worker"
)

const serverShutdownTimeout = 10 * time.Second

// App holds the wired subsystems of one scraper process. Build constructs
// it; the entry points RunCrawl, Serve, Ingest, and Seed each run one mode
// of the process, and Close releases everything afterwards.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	claims    harvest.ClaimStore
	listings  harvest.ListingStore
	runs      store.RunRepository
	snapshots harvest.SnapshotStore
	publisher harvest.Publisher

	sessions *session.Pool
	headless *headless.Fetcher
	dispatch *dispatcher.Dispatcher
	hub      *progress.Hub
	api      *api.Server

	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Build constructs a fully wired App from cfg. The context bounds
// construction only; long-running work is tied to the contexts passed to
// the entry points.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.String("database", cfg.Database.Backend),
		zap.String("snapshots", cfg.Snapshots.Backend))

	if err := a.setupStores(ctx); err != nil {
		return nil, err
	}
	if err := a.setupSnapshots(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	a.setupProgress()
	if err := a.setupPipeline(ctx); err != nil {
		return nil, err
	}

	a.api = api.NewServer(api.Deps{
		Runs:     a.runs,
		Listings: a.listings,
		Claims:   a.claims,
		Logger:   logger.Named("api"),
	}, api.Config{
		APIKey:         apiKey(cfg.Auth),
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	return a, nil
}

func apiKey(auth config.AuthConfig) string {
	if !auth.Enabled {
		return ""
	}
	return auth.APIKey
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres pool init failed: %w", err)
		}
		// Fail fast on unreachable databases; readyz never re-checks.
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("postgres ping failed: %w", err)
		}
		claims, err := pgstore.NewClaimStore(pool, "")
		if err != nil {
			return fmt.Errorf("claim store init failed: %w", err)
		}
		listings, err := pgstore.NewListingStore(pool, "")
		if err != nil {
			return fmt.Errorf("listing store init failed: %w", err)
		}
		runs, err := pgstore.NewRunStore(pool)
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		a.claims, a.listings, a.runs = claims, listings, runs
		a.logger.Info("using postgres persistence")
	default:
		a.claims = memorystorage.NewClaimStore(nil)
		a.listings = memorystorage.NewListingStore()
		a.logger.Info("using in-memory persistence")
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	switch a.cfg.Snapshots.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		snaps, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			return fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.snapshots = snaps
		a.logger.Info("archiving snapshots to gcs", zap.String("bucket", a.cfg.Snapshots.Bucket))
	case "local":
		snaps, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.BaseDir})
		if err != nil {
			return fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.snapshots = snaps
		a.logger.Info("archiving snapshots locally", zap.String("base_dir", a.cfg.Snapshots.BaseDir))
	case "memory":
		a.snapshots = memorystorage.NewSnapshotStore()
	default:
		a.logger.Info("snapshot archiving disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID != "" && (a.cfg.PubSub.Topic != "" || a.cfg.PubSub.Subscription != "") {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
	}
	if a.pubsubClient == nil || a.cfg.PubSub.Topic == "" {
		a.publisher = memorypublisher.New()
		a.logger.Info("no pub/sub topic configured, price events stay in memory")
		return nil
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient)
	a.publisher = a.pubsubPublisher
	a.logger.Info("publishing price events to pub/sub",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

func (a *App) setupProgress() {
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
	}
	// Registration collides when several Apps share one process, as they
	// do under test; the run still works without the sink.
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus sink init failed", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	if a.runs != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:    a.cfg.Progress.BufferSize,
		MaxBatch:      a.cfg.Progress.MaxBatch,
		FlushInterval: a.cfg.Progress.FlushInterval,
		SinkTimeout:   a.cfg.Progress.SinkTimeout,
		Logger:        a.logger.Named("progress_hub"),
	}, sinks...)
}

func (a *App) setupPipeline(ctx context.Context) error {
	clk := system.New()

	bucket, err := ratelimit.NewTokenBucket(a.cfg.RateLimit.RatePerSec, a.cfg.RateLimit.Burst)
	if err != nil {
		return fmt.Errorf("token bucket init failed: %w", err)
	}
	var perHost *ratelimit.PerHost
	if a.cfg.RateLimit.PerHostRPS > 0 {
		perHost = ratelimit.NewPerHost(a.cfg.RateLimit.PerHostRPS, a.cfg.RateLimit.PerHostBurst)
	}
	gate := ratelimit.NewGate(bucket, perHost)
	a.logger.Info("rate limiter ready",
		zap.Float64("rate_per_sec", a.cfg.RateLimit.RatePerSec),
		zap.Float64("per_host_rps", a.cfg.RateLimit.PerHostRPS))

	sessions, err := session.NewPool(ctx, session.Config{
		Size:            a.cfg.Session.Size,
		MaxAge:          a.cfg.Session.MaxAge,
		CheckoutTimeout: a.cfg.Session.CheckoutTimeout,
		RequestTimeout:  a.cfg.Target.RequestTimeout,
	}, nil, a.logger)
	if err != nil {
		return fmt.Errorf("session pool init failed: %w", err)
	}
	a.sessions = sessions

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  a.cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
	}, clk, a.logger)
	if err != nil {
		return fmt.Errorf("circuit breaker init failed: %w", err)
	}

	var headlessTarget harvest.Target
	var heuristic *fetch.RenderHeuristic
	if a.cfg.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		}, a.logger)
		if err != nil {
			a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			a.headless = hf
			headlessTarget = hf
			heuristic = fetch.NewRenderHeuristic(a.cfg.Headless.PromotionThresholdBytes)
			a.logger.Info("headless rendering enabled",
				zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	wkr, err := worker.New(worker.Deps{
		Target:    fetch.NewClient(fetch.Config{Timeout: a.cfg.Target.RequestTimeout}, a.logger),
		Headless:  headlessTarget,
		Heuristic: heuristic,
		AntiBot:   fetch.NewAntiBotDetector(a.cfg.Target.BlockSignatures),
		Extractor: extract.NewGeneric(),
		Detector:  pricing.NewDetector(clk),
		Listings:  a.listings,
		Snapshots: a.snapshots,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		Clock:     clk,
		Policy:    gate,
		Breaker:   brk,
		Sessions:  sessions,
		Retrier: harvest.NewRetrier(harvest.RetryPolicy{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			BaseDelay:   a.cfg.Retry.BaseDelay,
			MaxDelay:    a.cfg.Retry.MaxDelay,
		}),
		Progress: a.hub,
		Logger:   a.logger,
	}, worker.Config{
		RequestTimeout:      a.cfg.Target.RequestTimeout,
		SnapshotPrefix:      a.cfg.Snapshots.Prefix,
		SnapshotContentType: a.cfg.Snapshots.ContentType,
		Topic:               a.cfg.PubSub.Topic,
	})
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	a.dispatch, err = dispatcher.New(dispatcher.Deps{
		Claims:   a.claims,
		Listings: a.listings,
		Runner:   wkr,
		IDs:      iduuid.New(),
		Clock:    clk,
		Progress: a.hub,
		Metrics:  metrics.NewPromSink(a.logger.Named("metrics_sink")),
		Logger:   a.logger,
	}, dispatcher.Config{
		Budget:           a.cfg.Dispatcher.Budget,
		StopMargin:       a.cfg.Dispatcher.StopMargin,
		FinalRetryMargin: a.cfg.Dispatcher.FinalRetryMargin,
		MaxWorkers:       a.cfg.Dispatcher.MaxWorkers,
		BatchSize:        a.cfg.Dispatcher.BatchSize,
		ClaimTTL:         a.cfg.Dispatcher.ClaimTTL,
	})
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return nil
}

// RunCrawl executes one budgeted crawl run and returns its summary.
func (a *App) RunCrawl(ctx context.Context) (harvest.RunSummary, error) {
	return a.dispatch.Run(ctx)
}

// Serve blocks on the status API until ctx is canceled or the listener
// fails, then shuts the server down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Ingest pulls discovery messages into the backlog until ctx is canceled.
func (a *App) Ingest(ctx context.Context) error {
	if a.pubsubClient == nil {
		return errors.New("pubsub.project_id and pubsub.subscription must be configured")
	}
	sub, err := ingest.NewSubscriber(a.pubsubClient, a.claims, ingest.SubscriberConfig{
		Subscription:   a.cfg.PubSub.Subscription,
		MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
	}, a.logger.Named("ingest"))
	if err != nil {
		return err
	}
	err = sub.Run(ctx)
	stats := sub.Stats()
	a.logger.Info("ingest finished",
		zap.Int64("received", stats.Received),
		zap.Int64("added", stats.Added),
		zap.Int64("dropped", stats.Dropped))
	return err
}

// Seed loads a CSV of discovery rows into the backlog.
func (a *App) Seed(ctx context.Context, path string) (ingest.SeedResult, error) {
	return ingest.SeedFile(ctx, a.claims, path, a.logger.Named("seed"))
}

// Close flushes buffered progress events and releases held resources.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	// The postgres stores share one pool, released here through the
	// listing store; the memory stores make this a no-op.
	if a.listings != nil {
		if err := a.listings.Close(); err != nil {
			a.logger.Warn("listing store close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on stderr for some platforms; nothing useful to do.
	_ = a.logger.Sync()
	return nil
}

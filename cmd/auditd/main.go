// Package main wires together the audit service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/siteaudit/audit-pipeline/internal/aggregate"
	"github.com/siteaudit/audit-pipeline/internal/api"
	"github.com/siteaudit/audit-pipeline/internal/audit"
	"github.com/siteaudit/audit-pipeline/internal/batch"
	"github.com/siteaudit/audit-pipeline/internal/clock/system"
	"github.com/siteaudit/audit-pipeline/internal/config"
	"github.com/siteaudit/audit-pipeline/internal/discovery"
	"github.com/siteaudit/audit-pipeline/internal/id/uuid"
	"github.com/siteaudit/audit-pipeline/internal/logging"
	"github.com/siteaudit/audit-pipeline/internal/metrics"
	"github.com/siteaudit/audit-pipeline/internal/progress"
	"github.com/siteaudit/audit-pipeline/internal/progress/sinks"
	memorypublisher "github.com/siteaudit/audit-pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/siteaudit/audit-pipeline/internal/publisher/pubsub"
	"github.com/siteaudit/audit-pipeline/internal/queue"
	"github.com/siteaudit/audit-pipeline/internal/sources"
	"github.com/siteaudit/audit-pipeline/internal/storage/gcs"
	"github.com/siteaudit/audit-pipeline/internal/storage/local"
	memorystorage "github.com/siteaudit/audit-pipeline/internal/storage/memory"
	"github.com/siteaudit/audit-pipeline/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	jobStore := memorystorage.NewJobStore()

	var scoreStore audit.ScoreStore
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.NewScoreStore(ctx, postgres.ScoreStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if err != nil {
			logger.Fatal("postgres score store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		scoreStore = pgStore
	} else {
		scoreStore = memorystorage.NewScoreStore()
	}

	var blobStore audit.BlobStore
	switch {
	case cfg.Archive.GCSBucket != "":
		gcsClient, err := gcpstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		defer gcsClient.Close() //nolint:errcheck // best-effort close
		blobStore, err = gcs.New(gcsClient, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			logger.Fatal("gcs blob store init failed", zap.Error(err))
		}
	case cfg.Archive.LocalDir != "":
		localStore, err := local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			logger.Fatal("local blob store init failed", zap.Error(err))
		}
		blobStore = localStore
	default:
		blobStore = memorystorage.NewBlobStore()
	}

	var publisher audit.Publisher
	if cfg.PubSub.ProjectID != "" {
		psClient, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer psClient.Close() //nolint:errcheck // best-effort close
		publisher = pubsubpublisher.New(psClient)
	} else {
		publisher = memorypublisher.New()
	}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}
	hub := progress.NewHub(
		progress.Config{Logger: logging.ForComponent(logger, "progress")},
		sinks.NewLogSink(logging.ForComponent(logger, "progress")),
		promSink,
	)

	discTimeout := time.Duration(cfg.Discovery.TimeoutSeconds) * time.Second
	collectorCfg := discovery.CollectorConfig{
		UserAgent:  cfg.Discovery.UserAgent,
		Timeout:    discTimeout,
		CrawlDepth: cfg.Discovery.CrawlDepth,
	}
	disc := discovery.New(
		logging.ForComponent(logger, "discovery"),
		discovery.NewSitemapStrategy(&http.Client{Timeout: discTimeout}, cfg.Discovery.UserAgent),
		discovery.NewNavStrategy(collectorCfg),
		discovery.NewCrawlStrategy(collectorCfg),
	)

	sourceSet := sources.Defaults(sources.Config{
		UserAgent: cfg.Discovery.UserAgent,
		Timeout:   discTimeout,
	})
	aggregator := aggregate.New(cfg.AggregatorDeadline(), logging.ForComponent(logger, "aggregate"))
	auditFn := func(ctx context.Context, url string) (*audit.CombinedResult, error) {
		return aggregator.Aggregate(ctx, url, sourceSet, cfg.Aggregator.RequireAll)
	}

	// The scheduler doubles as the runner's result cache and memory
	// governor, so the two are built with a late-bound runner hook.
	var runner *batch.Runner
	scheduler := queue.New(
		queue.Config{
			PollInterval:    cfg.PollInterval(),
			MinActive:       cfg.Queue.MinActive,
			MaxActive:       cfg.Queue.MaxActive,
			DepthPerSlot:    cfg.Queue.DepthPerSlot,
			CacheTTL:        time.Duration(cfg.Queue.CacheTTLMinutes) * time.Minute,
			CacheMaxEntries: cfg.Queue.CacheMaxEntries,
			RetainFinished:  time.Duration(cfg.Queue.RetainHours) * time.Hour,
			PublishTopic:    cfg.PubSub.TopicName,
			ArchivePrefix:   cfg.Archive.Prefix,
		},
		func(ctx context.Context, job audit.Job, cb batch.Callbacks) ([]audit.PageAudit, error) {
			return runner.Run(ctx, job, cb)
		},
		jobStore,
		publisher,
		blobStore,
		hub,
		clock,
		idGen,
		logging.ForComponent(logger, "queue"),
	)
	runner = batch.New(
		batch.Config{
			BatchSize:      cfg.Batch.BatchSize,
			MaxConcurrency: cfg.Batch.MaxConcurrency,
			MemoryLimit:    cfg.MemoryLimitBytes(),
			CacheWindow:    time.Duration(cfg.Queue.CacheTTLMinutes) * time.Minute,
		},
		disc,
		auditFn,
		scheduler,
		scoreStore,
		scheduler,
		hub,
		clock,
		logging.ForComponent(logger, "batch"),
	)

	apiServer := api.NewServer(scheduler, cfg, logging.ForComponent(logger, "api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started")
		scheduler.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

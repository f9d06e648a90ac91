package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fleetops/fleetops/internal/app"
	"github.com/fleetops/fleetops/internal/curb"
	"github.com/fleetops/fleetops/internal/fleet"
	jobmetrics "github.com/fleetops/fleetops/internal/jobs"
	"github.com/fleetops/fleetops/internal/platform/archive"
	"github.com/fleetops/fleetops/internal/platform/cache"
	"github.com/fleetops/fleetops/internal/platform/db"
	"github.com/fleetops/fleetops/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	location, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		logger.Error("load business timezone", slog.Any("error", err))
		os.Exit(1)
	}

	epoch, err := time.ParseInLocation("2006-01-02", cfg.BackfillEpoch, location)
	if err != nil {
		logger.Error("parse backfill epoch", slog.Any("error", err))
		os.Exit(1)
	}

	sealKey, err := cfg.CredentialKey()
	if err != nil {
		logger.Error("decode credential key", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	curbRepo := curb.NewRepository(pool)
	resolver := fleet.NewResolver(pool)
	store := archive.NewFileStore(cfg.ArchiveRoot)
	clients := curb.NewClientFactory(sealKey, cfg.CurbRequestTimeout)

	importer := curb.NewImportService(curbRepo, resolver, store, clients, logger, cfg.ImportBatchSize)
	poster := curb.NewPostingService(curbRepo, logger, cfg.PostingFlushSize)
	reconciler := curb.NewReconcileService(curbRepo, clients, logger, cfg.ReconcileBatchSize)

	metrics := jobmetrics.NewMetrics(nil)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	importJob := jobs.NewCurbImportJob(importer, reconciler, curbRepo, queueClient, location, logger, metrics)
	postJob := jobs.NewCurbPostLedgerJob(poster, logger, metrics)
	reconcileJob := jobs.NewCurbReconcileJob(reconciler, curbRepo, logger, metrics)
	backfillJob := jobs.NewCurbBackfillJob(importer, redisClient, jobs.BackfillConfig{
		Epoch:         epoch,
		SafetyBuffer:  cfg.BackfillSafetyBuffer,
		WindowRetries: cfg.BackfillWindowRetries,
		RetryBackoff:  cfg.BackfillRetryBackoff,
		SweepCycles:   cfg.BackfillSweepCycles,
		Pacing:        cfg.BackfillPacing,
		LockTTL:       cfg.BackfillLockTTL,
	}, logger, metrics)

	importTask, err := jobs.NewCurbImportTask(jobs.CurbImportPayload{})
	if err != nil {
		logger.Error("build import task", slog.Any("error", err))
		os.Exit(1)
	}
	backfillTask, err := jobs.NewCurbBackfillTask(jobs.CurbBackfillPayload{})
	if err != nil {
		logger.Error("build backfill task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewCurbReconcileTask(jobs.CurbReconcilePayload{})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Location:  location,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCurbImport, Handler: importJob.Handle},
			{Type: jobs.TaskCurbPostLedger, Handler: postJob.Handle},
			{Type: jobs.TaskCurbBackfill, Handler: backfillJob.Handle},
			{Type: jobs.TaskCurbReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			// Imports fire at the top of every 3-hour bucket; the midnight run
			// covers the previous evening's final bucket.
			{Spec: "0 0,3,6,9,12,15,18,21 * * *", Task: importTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			// The backfill owns its retries; the queue never replays a sweep.
			{Spec: "30 2 * * *", Task: backfillTask, Options: []asynq.Option{
				asynq.MaxRetry(0), asynq.Timeout(cfg.BackfillTaskTimeout),
			}},
			{Spec: "0 6 * * 0", Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fleetops/fleetops/internal/curb"
	jobmetrics "github.com/fleetops/fleetops/internal/jobs"
	"github.com/fleetops/fleetops/internal/schedule"
)

// TripImporter is the slice of the import service the jobs need.
type TripImporter interface {
	ImportTripsFromAccounts(ctx context.Context, in curb.ImportInput) (curb.ImportSummary, error)
}

// TripPoster is the slice of the posting service the jobs need.
type TripPoster interface {
	PostTripsToLedger(ctx context.Context, in curb.PostTripsInput) (curb.PostingSummary, error)
}

// AccountReconciler is the slice of the reconcile service the jobs need.
type AccountReconciler interface {
	ReconcileAccounts(ctx context.Context, accounts []curb.Account) curb.ReconcileSummary
}

// AccountSource resolves which accounts a job run covers.
type AccountSource interface {
	ListActiveAccounts(ctx context.Context) ([]curb.Account, error)
	ListAccountsByIDs(ctx context.Context, ids []int64) ([]curb.Account, error)
}

// PostingEnqueuer chains a posting task after a successful import.
type PostingEnqueuer interface {
	EnqueuePostTrips(ctx context.Context, payload CurbPostLedgerPayload) (*asynq.TaskInfo, error)
}

// CurbImportJob runs the periodic trip import. Each run covers the 3-hour
// bucket its own run time falls into, so a task delayed in the queue still
// imports the bucket it was scheduled for as long as it runs inside it.
type CurbImportJob struct {
	Importer   TripImporter
	Reconciler AccountReconciler
	Accounts   AccountSource
	Enqueuer   PostingEnqueuer
	Location   *time.Location
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewCurbImportJob initialises the import handler.
func NewCurbImportJob(
	importer TripImporter,
	reconciler AccountReconciler,
	accounts AccountSource,
	enqueuer PostingEnqueuer,
	loc *time.Location,
	logger *slog.Logger,
	metrics *jobmetrics.Metrics,
) *CurbImportJob {
	return &CurbImportJob{
		Importer:   importer,
		Reconciler: reconciler,
		Accounts:   accounts,
		Enqueuer:   enqueuer,
		Location:   loc,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one import cycle: fetch the aligned window, reconcile, and
// chain a posting task when new trips landed. Chaining is decoupled from the
// import transaction; a lost posting task is recovered by the next manual or
// scheduled posting over the same range.
func (j *CurbImportJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("curb import: handler not configured")
	}
	var payload CurbImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCurbImport)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	window := schedule.AlignedWindow(j.now(), j.location())
	logger := j.logger().With(
		slog.Time("from", window.From),
		slog.Time("to", window.To),
	)
	logger.Info("starting curb import")

	summary, err := j.Importer.ImportTripsFromAccounts(ctx, curb.ImportInput{
		AccountIDs: payload.AccountIDs,
		From:       window.From,
		To:         window.To,
	})
	if err != nil {
		resultErr = err
		logger.Error("curb import failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddTrips("imported", summary.Imported)
	j.metrics().AddTrips("updated", summary.Updated)

	accounts, err := j.resolveAccounts(ctx, payload.AccountIDs)
	if err != nil {
		logger.Error("curb account resolution failed", slog.Any("error", err))
	} else if len(accounts) > 0 {
		recon := j.Reconciler.ReconcileAccounts(ctx, accounts)
		j.metrics().AddTrips("reconciled", recon.TotalReconciled)
		logger.Info("curb reconciliation pass",
			slog.Int("server", recon.ServerReconciled),
			slog.Int("local", recon.LocalReconciled),
			slog.Int("errors", len(recon.Errors)),
		)
	}

	if summary.Imported > 0 && j.Enqueuer != nil {
		_, err := j.Enqueuer.EnqueuePostTrips(ctx, CurbPostLedgerPayload{
			Start: window.From,
			End:   window.To.Add(time.Second),
		})
		if err != nil {
			resultErr = err
			logger.Error("posting chain enqueue failed", slog.Any("error", err))
			return resultErr
		}
	}

	logger.Info("completed curb import",
		slog.Int("fetched", summary.TotalFetched),
		slog.Int("imported", summary.Imported),
		slog.Int("updated", summary.Updated),
		slog.Int("errors", len(summary.Errors)),
		slog.Duration("duration", summary.Elapsed),
	)
	return resultErr
}

func (j *CurbImportJob) resolveAccounts(ctx context.Context, ids []int64) ([]curb.Account, error) {
	if len(ids) > 0 {
		return j.Accounts.ListAccountsByIDs(ctx, ids)
	}
	return j.Accounts.ListActiveAccounts(ctx)
}

func (j *CurbImportJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *CurbImportJob) location() *time.Location {
	if j.Location != nil {
		return j.Location
	}
	return time.UTC
}

func (j *CurbImportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *CurbImportJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}

// CurbPostLedgerJob posts a range of imported trips to the ledger.
type CurbPostLedgerJob struct {
	Poster  TripPoster
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCurbPostLedgerJob initialises the posting handler.
func NewCurbPostLedgerJob(poster TripPoster, logger *slog.Logger, metrics *jobmetrics.Metrics) *CurbPostLedgerJob {
	return &CurbPostLedgerJob{Poster: poster, Logger: logger, Metrics: metrics}
}

// Handle executes one posting run.
func (j *CurbPostLedgerJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("curb post ledger: handler not configured")
	}
	var payload CurbPostLedgerPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Start.IsZero() || payload.End.IsZero() || !payload.Start.Before(payload.End) {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskCurbPostLedger)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	summary, err := j.Poster.PostTripsToLedger(ctx, curb.PostTripsInput{
		Start: payload.Start,
		End:   payload.End,
	})
	if err != nil {
		resultErr = err
		return resultErr
	}
	j.Metrics.AddTrips("posted", summary.EarningsPosted+summary.RefundsPosted)
	j.Metrics.AddTrips("skipped", summary.SkippedZero)
	j.Metrics.AddTrips("failed", summary.Failed)

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("completed curb ledger posting",
		slog.Int("earnings", summary.EarningsPosted),
		slog.Int("refunds", summary.RefundsPosted),
		slog.Int("skipped", summary.SkippedZero),
		slog.Int("failed", summary.Failed),
	)
	return resultErr
}

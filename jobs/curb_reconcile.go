package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fleetops/fleetops/internal/curb"
	jobmetrics "github.com/fleetops/fleetops/internal/jobs"
)

// CurbReconcileJob is the weekly safety net behind the per-import passes: it
// sweeps every account for trips the import-time reconciliation missed.
type CurbReconcileJob struct {
	Reconciler AccountReconciler
	Accounts   AccountSource
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewCurbReconcileJob initialises the reconcile handler.
func NewCurbReconcileJob(reconciler AccountReconciler, accounts AccountSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *CurbReconcileJob {
	return &CurbReconcileJob{
		Reconciler: reconciler,
		Accounts:   accounts,
		Logger:     logger,
		Metrics:    metrics,
	}
}

// Handle executes one reconciliation sweep.
func (j *CurbReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("curb reconcile: handler not configured")
	}
	var payload CurbReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskCurbReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	accounts, err := j.resolveAccounts(ctx, payload.AccountIDs)
	if err != nil {
		resultErr = err
		return resultErr
	}

	summary := j.Reconciler.ReconcileAccounts(ctx, accounts)
	j.Metrics.AddTrips("reconciled", summary.TotalReconciled)

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("completed curb reconcile sweep",
		slog.Int("server", summary.ServerReconciled),
		slog.Int("local", summary.LocalReconciled),
		slog.Int("errors", len(summary.Errors)),
	)
	return resultErr
}

func (j *CurbReconcileJob) resolveAccounts(ctx context.Context, ids []int64) ([]curb.Account, error) {
	if len(ids) > 0 {
		return j.Accounts.ListAccountsByIDs(ctx, ids)
	}
	return j.Accounts.ListActiveAccounts(ctx)
}

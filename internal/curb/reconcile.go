package curb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultReconcileBatchSize caps how many trips one reconciliation pass flags
// per account.
const DefaultReconcileBatchSize = 1000

// ReconcileSummary reports one reconciliation sweep.
type ReconcileSummary struct {
	ServerReconciled int              `json:"server_reconciled"`
	LocalReconciled  int              `json:"local_reconciled"`
	TotalReconciled  int              `json:"total_reconciled"`
	Errors           []ReconcileIssue `json:"errors,omitempty"`
}

// ReconcileIssue is one account's failed pass.
type ReconcileIssue struct {
	AccountName string `json:"account"`
	Error       string `json:"error"`
}

// ReconcileService flags imported trips as seen, either against the provider
// or locally.
type ReconcileService struct {
	repo      Repository
	clients   ClientFactory
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewReconcileService builds the reconcile service.
func NewReconcileService(repo Repository, clients ClientFactory, logger *slog.Logger, batchSize int) *ReconcileService {
	if batchSize <= 0 {
		batchSize = DefaultReconcileBatchSize
	}
	return &ReconcileService{
		repo:      repo,
		clients:   clients,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ReconcileAccounts runs one pass per account. Failures are captured per
// account; the sweep always completes.
func (s *ReconcileService) ReconcileAccounts(ctx context.Context, accounts []Account) ReconcileSummary {
	var summary ReconcileSummary
	for _, account := range accounts {
		var (
			count int
			err   error
		)
		if account.ReconciliationMode == ReconcileServer {
			count, err = s.reconcileWithServer(ctx, account)
			summary.ServerReconciled += count
		} else {
			count, err = s.reconcileLocally(ctx, account)
			summary.LocalReconciled += count
		}
		summary.TotalReconciled += count
		if err != nil {
			s.logger.Error("curb reconciliation failed",
				"account", account.Name, "error", err)
			summary.Errors = append(summary.Errors, ReconcileIssue{
				AccountName: account.Name,
				Error:       err.Error(),
			})
		}
	}
	return summary
}

// reconcileWithServer round-trips a batch id through the provider, then flags
// the same trips locally in one transaction. A provider failure leaves the
// local rows untouched so the next pass retries them.
func (s *ReconcileService) reconcileWithServer(ctx context.Context, account Account) (int, error) {
	trips, err := s.repo.UnreconciledTrips(ctx, account.ID, s.batchSize)
	if err != nil {
		return 0, &ReconcileError{Account: account.Name, Err: err}
	}
	if len(trips) == 0 {
		return 0, nil
	}

	client, err := s.clients(account)
	if err != nil {
		return 0, &ReconcileError{Account: account.Name, Err: err}
	}

	now := s.now()
	batchID := "BAT-" + now.UTC().Format("20060102150405")
	externalIDs := make([]string, len(trips))
	internalIDs := make([]int64, len(trips))
	for i, t := range trips {
		// External ids are PERIOD-ID; the provider wants the bare ID part.
		externalIDs[i] = bareTripID(t.CurbTripID)
		internalIDs[i] = t.ID
	}

	if err := client.ReconcileTrips(ctx, externalIDs, batchID, now); err != nil {
		return 0, &ReconcileError{Account: account.Name, Err: err}
	}

	var count int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err := tx.MarkTripsReconciled(ctx, internalIDs, batchID, now)
		count = n
		return err
	})
	if err != nil {
		return 0, &ReconcileError{Account: account.Name, Err: fmt.Errorf("flag after server ack: %w", err)}
	}

	s.logger.Info("curb trips reconciled",
		"mode", "server", "account", account.Name, "batch_id", batchID, "count", count)
	return count, nil
}

// reconcileLocally flags trips with a LOCAL batch id and no provider call.
func (s *ReconcileService) reconcileLocally(ctx context.Context, account Account) (int, error) {
	trips, err := s.repo.UnreconciledTrips(ctx, account.ID, s.batchSize)
	if err != nil {
		return 0, &ReconcileError{Account: account.Name, Err: err}
	}
	if len(trips) == 0 {
		return 0, nil
	}

	now := s.now()
	batchID := "LOCAL-" + now.UTC().Format("20060102150405")
	internalIDs := make([]int64, len(trips))
	for i, t := range trips {
		internalIDs[i] = t.ID
	}

	var count int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err := tx.MarkTripsReconciled(ctx, internalIDs, batchID, now)
		count = n
		return err
	})
	if err != nil {
		return 0, &ReconcileError{Account: account.Name, Err: err}
	}

	s.logger.Info("curb trips reconciled",
		"mode", "local", "account", account.Name, "batch_id", batchID, "count", count)
	return count, nil
}

func bareTripID(curbTripID string) string {
	if i := strings.Index(curbTripID, "-"); i >= 0 {
		return curbTripID[i+1:]
	}
	return curbTripID
}

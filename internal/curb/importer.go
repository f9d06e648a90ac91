package curb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetops/fleetops/internal/fleet"
	"github.com/fleetops/fleetops/internal/platform/archive"
)

const (
	// DefaultImportBatchSize is how many trips go into one upsert batch.
	DefaultImportBatchSize = 100
	// maxSummaryErrors caps the error list carried in summaries.
	maxSummaryErrors = 10
	// archiveCategory prefixes archive keys for this provider.
	archiveCategory = "curb"
)

// ImportInput selects what to import. Empty AccountIDs means all active
// accounts.
type ImportInput struct {
	AccountIDs []int64
	From       time.Time
	To         time.Time
}

// AccountImportResult is one account's slice of an import run.
type AccountImportResult struct {
	AccountID    int64  `json:"account_id"`
	AccountName  string `json:"account_name"`
	TripsFetched int    `json:"trips_fetched"`
	Status       string `json:"status"`
}

// ImportError is one captured failure, scoped to an account or feed.
type ImportError struct {
	AccountID   int64  `json:"account_id"`
	AccountName string `json:"account_name"`
	Feed        string `json:"feed,omitempty"`
	Error       string `json:"error"`
}

// ImportSummary reports one import run.
type ImportSummary struct {
	Status            string                `json:"status"`
	From              time.Time             `json:"from"`
	To                time.Time             `json:"to"`
	AccountsProcessed []AccountImportResult `json:"accounts_processed"`
	TotalFetched      int                   `json:"total_trips_fetched"`
	Imported          int                   `json:"trips_imported"`
	Updated           int                   `json:"trips_updated"`
	Skipped           int                   `json:"trips_skipped"`
	Errors            []ImportError         `json:"errors,omitempty"`
	Elapsed           time.Duration         `json:"-"`
	ElapsedSeconds    float64               `json:"processing_time_seconds"`
}

// ImportService pulls trip and transaction feeds into the trips table.
type ImportService struct {
	repo      Repository
	resolver  fleet.Resolver
	archive   archive.Store
	clients   ClientFactory
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewImportService builds the import service. batchSize <= 0 falls back to
// the default.
func NewImportService(
	repo Repository,
	resolver fleet.Resolver,
	store archive.Store,
	clients ClientFactory,
	logger *slog.Logger,
	batchSize int,
) *ImportService {
	if batchSize <= 0 {
		batchSize = DefaultImportBatchSize
	}
	return &ImportService{
		repo:      repo,
		resolver:  resolver,
		archive:   store,
		clients:   clients,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ImportTripsFromAccounts fetches, parses, maps and persists trips for the
// window. Accounts are processed independently; one account's failure never
// blocks the others. All surviving trips land in a single transaction so a
// crash mid-run leaves no partial window.
func (s *ImportService) ImportTripsFromAccounts(ctx context.Context, in ImportInput) (ImportSummary, error) {
	started := s.now()
	summary := ImportSummary{Status: "success", From: in.From, To: in.To}

	accounts, err := s.resolveAccounts(ctx, in.AccountIDs)
	if err != nil {
		return ImportSummary{}, err
	}
	if len(accounts) == 0 {
		summary.Status = "no_accounts"
		return summary, nil
	}

	s.logger.Info("curb import starting",
		"accounts", len(accounts), "from", in.From, "to", in.To)

	var allTrips []Trip
	for _, account := range accounts {
		trips, feedErrs := s.importFromAccount(ctx, account, in.From, in.To)
		for _, fe := range feedErrs {
			s.recordError(&summary, fe)
		}
		status := "success"
		if len(trips) == 0 && len(feedErrs) > 0 {
			status = "failed"
		}
		summary.AccountsProcessed = append(summary.AccountsProcessed, AccountImportResult{
			AccountID:    account.ID,
			AccountName:  account.Name,
			TripsFetched: len(trips),
			Status:       status,
		})
		allTrips = append(allTrips, trips...)
		s.logger.Info("curb account fetched",
			"account", account.Name, "trips", len(trips), "errors", len(feedErrs))
	}

	summary.TotalFetched = len(allTrips)
	if len(allTrips) > 0 {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			for start := 0; start < len(allTrips); start += s.batchSize {
				end := min(start+s.batchSize, len(allTrips))
				ins, upd, err := tx.UpsertTrips(ctx, allTrips[start:end])
				summary.Imported += ins
				summary.Updated += upd
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return ImportSummary{}, fmt.Errorf("persist trips: %w", err)
		}
	}
	summary.Skipped = summary.TotalFetched - summary.Imported - summary.Updated

	summary.Elapsed = s.now().Sub(started)
	summary.ElapsedSeconds = summary.Elapsed.Seconds()
	s.logger.Info("curb import finished",
		"fetched", summary.TotalFetched,
		"imported", summary.Imported,
		"updated", summary.Updated,
		"elapsed", summary.Elapsed)
	return summary, nil
}

func (s *ImportService) resolveAccounts(ctx context.Context, ids []int64) ([]Account, error) {
	if len(ids) > 0 {
		return s.repo.ListAccountsByIDs(ctx, ids)
	}
	return s.repo.ListActiveAccounts(ctx)
}

func (s *ImportService) recordError(summary *ImportSummary, ie ImportError) {
	if len(summary.Errors) < maxSummaryErrors {
		summary.Errors = append(summary.Errors, ie)
	}
}

// importFromAccount fetches both feeds, deduplicates and maps one account's
// records. Each feed fails independently; a bad card feed still lets the trip
// log land.
func (s *ImportService) importFromAccount(ctx context.Context, account Account, from, to time.Time) ([]Trip, []ImportError) {
	client, err := s.clients(account)
	if err != nil {
		return nil, []ImportError{{
			AccountID: account.ID, AccountName: account.Name, Error: err.Error(),
		}}
	}

	var (
		all      []Trip
		feedErrs []ImportError
	)
	fail := func(feed string, err error) {
		s.logger.Error("curb feed failed",
			"account", account.Name, "feed", feed, "error", err)
		feedErrs = append(feedErrs, ImportError{
			AccountID: account.ID, AccountName: account.Name, Feed: feed, Error: err.Error(),
		})
	}

	if payload, err := client.FetchTripsLog(ctx, from, to, -1); err != nil {
		fail(FeedTrips, err)
	} else {
		s.archivePayload(account, FeedTrips, from, payload)
		trips, err := ParseTripsLog(payload, account.ID, s.now())
		if err != nil {
			fail(FeedTrips, err)
		} else {
			all = append(all, trips...)
		}
	}

	if payload, err := client.FetchTransactions(ctx, from, to); err != nil {
		fail(FeedTransactions, err)
	} else {
		s.archivePayload(account, FeedTransactions, from, payload)
		trans, err := ParseTransactions(payload, account.ID, s.now())
		if err != nil {
			fail(FeedTransactions, err)
		} else {
			all = append(all, trans...)
		}
	}

	deduped := dedupTrips(all)
	mapped := s.mapTrips(ctx, deduped)
	return mapped, feedErrs
}

// archivePayload stores the raw feed bytes. Archive failures are logged and
// swallowed; losing the replay copy must not lose the import.
func (s *ImportService) archivePayload(account Account, feed string, capturedAt time.Time, payload []byte) {
	key, err := s.archive.Put(archiveCategory, feed, account.Name, capturedAt, payload)
	if err != nil {
		s.logger.Error("curb archive failed",
			"account", account.Name, "feed", feed, "error", err)
		return
	}
	s.logger.Debug("curb payload archived", "key", key)
}

// dedupTrips collapses records sharing an external id. The card-transaction
// feed carries settlement data the trip log lacks, so a non-cash record wins
// over a cash one.
func dedupTrips(trips []Trip) []Trip {
	unique := make(map[string]Trip, len(trips))
	order := make([]string, 0, len(trips))
	for _, t := range trips {
		if t.CurbTripID == "" || t.CurbTripID == "-" {
			continue
		}
		existing, seen := unique[t.CurbTripID]
		if !seen {
			unique[t.CurbTripID] = t
			order = append(order, t.CurbTripID)
			continue
		}
		if existing.PaymentType == PaymentCash || t.PaymentType != PaymentCash {
			unique[t.CurbTripID] = t
		}
	}
	out := make([]Trip, 0, len(order))
	for _, id := range order {
		out = append(out, unique[id])
	}
	return out
}

// mapTrips resolves fleet entities. Driver and lease land together or not at
// all; a trip with a driver but no active lease stays unmapped and is held
// back from posting.
func (s *ImportService) mapTrips(ctx context.Context, trips []Trip) []Trip {
	out := make([]Trip, 0, len(trips))
	for _, t := range trips {
		mapped, err := s.mapTrip(ctx, t)
		if err != nil {
			s.logger.Warn("curb trip mapping failed",
				"curb_trip_id", t.CurbTripID, "error", err)
			out = append(out, t)
			continue
		}
		out = append(out, mapped)
	}
	return out
}

func (s *ImportService) mapTrip(ctx context.Context, t Trip) (Trip, error) {
	if t.CurbDriverID == "" {
		return t, nil
	}
	driver, found, err := s.resolver.DriverByLicense(ctx, t.CurbDriverID)
	if err != nil || !found {
		return t, err
	}
	lease, found, err := s.resolver.ActiveLease(ctx, driver.ID, t.CurbCabNumber, t.StartTime)
	if err != nil || !found {
		return t, err
	}
	t.DriverID = &driver.ID
	t.LeaseID = &lease.ID
	t.VehicleID = &lease.VehicleID
	t.MedallionID = &lease.MedallionID
	return t, nil
}

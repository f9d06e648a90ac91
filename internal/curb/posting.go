package curb

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetops/fleetops/internal/ledger"
	"github.com/fleetops/fleetops/internal/shared"
)

const (
	// DefaultPostingFlushSize is how many trips share one transaction.
	DefaultPostingFlushSize = 100
	// SkippedZeroAmountRef marks trips closed without a posting because
	// their net amount was zero.
	SkippedZeroAmountRef = "SKIPPED-ZERO-AMOUNT"
	// tripReferencePrefix and refundReferencePrefix build ledger reference
	// ids from external trip ids.
	tripReferencePrefix   = "CURB-TRIP-"
	refundReferencePrefix = "CURB-REFUND-"
)

// PostTripsInput selects which imported trips to post. Start is inclusive,
// End exclusive. Empty filters post everything ready in the range.
type PostTripsInput struct {
	Start     time.Time
	End       time.Time
	DriverIDs []int64
	LeaseIDs  []int64
}

// PostingRef is one created posting, for the summary.
type PostingRef struct {
	CurbTripID string  `json:"trip_id"`
	DriverID   *int64  `json:"driver_id"`
	Amount     string  `json:"amount"`
	Kind       string  `json:"type"`
	PostingID  string  `json:"posting_id"`
}

// PostingError is one trip that failed to post.
type PostingError struct {
	CurbTripID string `json:"trip_id"`
	Amount     string `json:"amount"`
	Error      string `json:"error"`
}

// PostingSummary reports one posting run. TotalAmount keeps refund signs so
// the net matches what the drivers actually earned.
type PostingSummary struct {
	Status         string          `json:"status"`
	EarningsPosted int             `json:"trips_processed"`
	RefundsPosted  int             `json:"refunds_processed"`
	SkippedZero    int             `json:"trips_skipped"`
	Failed         int             `json:"trips_failed"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Postings       []PostingRef    `json:"postings_created,omitempty"`
	Errors         []PostingError  `json:"errors,omitempty"`
}

// PostingService moves imported trips into the ledger.
type PostingService struct {
	repo      Repository
	logger    *slog.Logger
	flushSize int
	now       func() time.Time
}

// NewPostingService builds the posting service.
func NewPostingService(repo Repository, logger *slog.Logger, flushSize int) *PostingService {
	if flushSize <= 0 {
		flushSize = DefaultPostingFlushSize
	}
	return &PostingService{
		repo:      repo,
		logger:    logger,
		flushSize: flushSize,
		now:       time.Now,
	}
}

// PostTripsToLedger posts every ready trip in the range. Zero-amount trips
// close with a sentinel reference and no posting row; negative amounts post
// as refunds. Each trip's posting and status flip share one unit of work, and
// a failing trip rolls back alone while the rest of its flush batch commits.
func (s *PostingService) PostTripsToLedger(ctx context.Context, in PostTripsInput) (PostingSummary, error) {
	summary := PostingSummary{Status: "success", TotalAmount: decimal.Zero}

	trips, err := s.repo.TripsReadyForLedger(ctx, in.Start, in.End, in.DriverIDs, in.LeaseIDs)
	if err != nil {
		return PostingSummary{}, err
	}
	if len(trips) == 0 {
		summary.Status = "no_trips"
		return summary, nil
	}

	s.logger.Info("curb ledger posting starting",
		"trips", len(trips), "start", in.Start, "end", in.End)

	for start := 0; start < len(trips); start += s.flushSize {
		batch := trips[start:min(start+s.flushSize, len(trips))]
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			for _, trip := range batch {
				s.postOne(ctx, tx, trip, &summary)
			}
			return nil
		})
		if err != nil {
			return PostingSummary{}, err
		}
		s.logger.Info("curb ledger posting progress",
			"earnings", summary.EarningsPosted,
			"refunds", summary.RefundsPosted,
			"skipped", summary.SkippedZero,
			"failed", summary.Failed)
	}

	s.logger.Info("curb ledger posting finished",
		"earnings", summary.EarningsPosted,
		"refunds", summary.RefundsPosted,
		"skipped", summary.SkippedZero,
		"failed", summary.Failed,
		"total", shared.FormatUSD(summary.TotalAmount))
	return summary, nil
}

// postOne handles a single trip inside its own savepoint. Failures are
// recorded and swallowed so the batch keeps going.
func (s *PostingService) postOne(ctx context.Context, tx TxRepository, trip Trip, summary *PostingSummary) {
	err := tx.Nested(ctx, func(ctx context.Context, nested TxRepository) error {
		now := s.now()

		if trip.TotalAmount.IsZero() {
			s.logger.Info("skipping zero-amount trip",
				"curb_trip_id", trip.CurbTripID, "fees", trip.Fees())
			return nested.MarkTripPosted(ctx, trip.ID, SkippedZeroAmountRef, now)
		}

		kind := "EARNING"
		reference := tripReferencePrefix + trip.CurbTripID
		if trip.TotalAmount.IsNegative() {
			kind = "REFUND"
			reference = refundReferencePrefix + trip.CurbTripID
			s.logger.Warn("posting trip refund",
				"curb_trip_id", trip.CurbTripID,
				"amount", shared.FormatUSD(trip.TotalAmount),
				"fees", trip.Fees())
		}

		posting, _, err := ledger.PostObligation(ctx, nested.Ledger(), ledger.ObligationInput{
			Category:    ledger.CategoryEarnings,
			Amount:      trip.TotalAmount,
			ReferenceID: reference,
			Description: "CURB trip " + trip.CurbTripID,
			DriverID:    trip.DriverID,
			LeaseID:     trip.LeaseID,
			VehicleID:   trip.VehicleID,
			MedallionID: trip.MedallionID,
		}, now)
		if err != nil {
			return err
		}
		if err := nested.MarkTripPosted(ctx, trip.ID, posting.PostingID, now); err != nil {
			return err
		}

		if kind == "REFUND" {
			summary.RefundsPosted++
		} else {
			summary.EarningsPosted++
		}
		summary.TotalAmount = summary.TotalAmount.Add(trip.TotalAmount)
		if len(summary.Postings) < maxSummaryErrors {
			summary.Postings = append(summary.Postings, PostingRef{
				CurbTripID: trip.CurbTripID,
				DriverID:   trip.DriverID,
				Amount:     trip.TotalAmount.StringFixed(2),
				Kind:       kind,
				PostingID:  posting.PostingID,
			})
		}
		return nil
	})
	if err == nil {
		if trip.TotalAmount.IsZero() {
			summary.SkippedZero++
		}
		return
	}

	summary.Failed++
	s.logger.Error("failed to post trip",
		"curb_trip_id", trip.CurbTripID,
		"amount", shared.FormatUSD(trip.TotalAmount),
		"error", err)
	if len(summary.Errors) < maxSummaryErrors {
		summary.Errors = append(summary.Errors, PostingError{
			CurbTripID: trip.CurbTripID,
			Amount:     trip.TotalAmount.StringFixed(2),
			Error:      err.Error(),
		})
	}
}

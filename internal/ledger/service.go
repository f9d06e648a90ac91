package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fleetops/fleetops/internal/shared"
)

// ObligationInput describes one charge or earning to post. Amount carries the
// source sign: positive posts in the category's natural direction, negative
// posts the reversal direction.
type ObligationInput struct {
	Category    Category
	Amount      decimal.Decimal
	ReferenceID string
	Description string
	DriverID    *int64
	LeaseID     *int64
	VehicleID   *int64
	MedallionID *int64
}

// ManualCreditInput reduces an existing open balance by hand, for payments
// collected outside the automated feeds.
type ManualCreditInput struct {
	Category    Category
	ReferenceID string
	Amount      decimal.Decimal
	Description string
}

// Service exposes ledger operations.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the ledger service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// PostObligation writes one posting and folds it into the running balance for
// its (category, reference) pair, inside the caller's transaction. DEBIT adds
// the amount, CREDIT subtracts it; a balance dropping to zero or below closes.
// Callers own reference uniqueness; the same reference posted twice stacks.
// The updated balance is returned alongside the posting.
func PostObligation(ctx context.Context, tx TxRepository, in ObligationInput, now time.Time) (Posting, Balance, error) {
	if !in.Category.Valid() {
		return Posting{}, Balance{}, fmt.Errorf("category %q: %w", in.Category, shared.ErrValidation)
	}
	if in.Amount.IsZero() {
		return Posting{}, Balance{}, fmt.Errorf("zero amount for %s: %w", in.ReferenceID, shared.ErrValidation)
	}
	if in.ReferenceID == "" {
		return Posting{}, Balance{}, fmt.Errorf("missing reference id: %w", shared.ErrValidation)
	}

	entry := EntryFor(in.Category, in.Amount)
	p := Posting{
		PostingID:   uuid.NewString(),
		Category:    in.Category,
		EntryType:   entry,
		Amount:      in.Amount.Abs(),
		ReferenceID: in.ReferenceID,
		Status:      PostingPosted,
		Description: in.Description,
		DriverID:    in.DriverID,
		LeaseID:     in.LeaseID,
		VehicleID:   in.VehicleID,
		MedallionID: in.MedallionID,
		CreatedAt:   now,
	}
	id, err := tx.InsertPosting(ctx, p)
	if err != nil {
		return Posting{}, Balance{}, fmt.Errorf("insert posting %s: %w", in.ReferenceID, err)
	}
	p.ID = id

	bal, err := applyToBalance(ctx, tx, p, now)
	if err != nil {
		return Posting{}, Balance{}, err
	}
	return p, bal, nil
}

func applyToBalance(ctx context.Context, tx TxRepository, p Posting, now time.Time) (Balance, error) {
	delta := p.Amount
	if p.EntryType == EntryCredit {
		delta = delta.Neg()
	}

	bal, err := tx.GetBalanceForUpdate(ctx, p.Category, p.ReferenceID)
	switch {
	case err == nil:
		next := bal.Balance.Add(delta)
		status := BalanceOpen
		if !next.IsPositive() {
			status = BalanceClosed
		}
		if err := tx.UpdateBalance(ctx, bal.ID, next, status); err != nil {
			return Balance{}, err
		}
		bal.Balance = next
		bal.Status = status
		bal.UpdatedAt = now
		return bal, nil
	case shared.IsNotFound(err):
		b := Balance{
			Category:       p.Category,
			ReferenceID:    p.ReferenceID,
			OriginalAmount: delta,
			Balance:        delta,
			Status:         BalanceOpen,
			DriverID:       p.DriverID,
			LeaseID:        p.LeaseID,
			VehicleID:      p.VehicleID,
			MedallionID:    p.MedallionID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		id, err := tx.InsertBalance(ctx, b)
		if err != nil {
			return Balance{}, fmt.Errorf("create balance %s/%s: %w", p.Category, p.ReferenceID, err)
		}
		b.ID = id
		return b, nil
	default:
		return Balance{}, err
	}
}

// CreateObligation posts one obligation in its own transaction and returns
// the posting together with the balance it touched.
func (s *Service) CreateObligation(ctx context.Context, in ObligationInput) (Posting, Balance, error) {
	var (
		posted  Posting
		balance Balance
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, b, err := PostObligation(ctx, tx, in, s.now())
		if err != nil {
			return err
		}
		posted = p
		balance = b
		return nil
	})
	if err != nil {
		return Posting{}, Balance{}, err
	}
	s.logger.Info("ledger posting created",
		"posting_id", posted.PostingID,
		"category", posted.Category,
		"entry_type", posted.EntryType,
		"reference_id", posted.ReferenceID,
		"amount", shared.FormatUSD(posted.Amount),
		"balance", shared.FormatUSD(balance.Balance))
	return posted, balance, nil
}

// CreateManualCredit reduces an existing open balance. The balance must
// already exist; crediting an unknown reference is a caller mistake, not a
// new obligation.
func (s *Service) CreateManualCredit(ctx context.Context, in ManualCreditInput) (Posting, error) {
	if !in.Amount.IsPositive() {
		return Posting{}, fmt.Errorf("credit amount must be positive: %w", shared.ErrValidation)
	}
	var posted Posting
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetBalanceForUpdate(ctx, in.Category, in.ReferenceID); err != nil {
			return err
		}
		now := s.now()
		p := Posting{
			PostingID:   uuid.NewString(),
			Category:    in.Category,
			EntryType:   EntryCredit,
			Amount:      in.Amount,
			ReferenceID: in.ReferenceID,
			Status:      PostingPosted,
			Description: in.Description,
			CreatedAt:   now,
		}
		id, err := tx.InsertPosting(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		if _, err := applyToBalance(ctx, tx, p, now); err != nil {
			return err
		}
		posted = p
		return nil
	})
	if err != nil {
		return Posting{}, err
	}
	s.logger.Info("manual credit posted",
		"posting_id", posted.PostingID,
		"category", posted.Category,
		"reference_id", posted.ReferenceID,
		"amount", shared.FormatUSD(posted.Amount))
	return posted, nil
}

// VoidPosting marks a posting VOIDED and backs its amount out of the balance.
// Already-voided postings return not found so a retry cannot double-reverse.
func (s *Service) VoidPosting(ctx context.Context, postingID, reason string) error {
	p, err := s.repo.GetPosting(ctx, postingID)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now()
		if err := tx.MarkPostingVoided(ctx, postingID, reason, now); err != nil {
			return err
		}
		bal, err := tx.GetBalanceForUpdate(ctx, p.Category, p.ReferenceID)
		if err != nil {
			return err
		}
		reversal := p.Amount
		if p.EntryType == EntryDebit {
			reversal = reversal.Neg()
		}
		next := bal.Balance.Add(reversal)
		status := BalanceOpen
		if !next.IsPositive() {
			status = BalanceClosed
		}
		return tx.UpdateBalance(ctx, bal.ID, next, status)
	})
	if err != nil {
		return err
	}
	s.logger.Info("ledger posting voided", "posting_id", postingID, "reason", reason)
	return nil
}

// GetPosting returns one posting by its public id.
func (s *Service) GetPosting(ctx context.Context, postingID string) (Posting, error) {
	return s.repo.GetPosting(ctx, postingID)
}

// ListPostings returns postings matching the filter.
func (s *Service) ListPostings(ctx context.Context, req ListPostingsRequest) ([]Posting, error) {
	return s.repo.ListPostings(ctx, req)
}

// GetBalance returns the balance for one (category, reference) pair.
func (s *Service) GetBalance(ctx context.Context, category Category, referenceID string) (Balance, error) {
	return s.repo.GetBalance(ctx, category, referenceID)
}

// ListBalances returns balances matching the filter.
func (s *Service) ListBalances(ctx context.Context, req ListBalancesRequest) ([]Balance, error) {
	return s.repo.ListBalances(ctx, req)
}

package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category enumerates what an obligation or earning is for.
type Category string

const (
	CategoryEarnings Category = "EARNINGS"
	CategoryEZPass   Category = "EZPASS"
	CategoryPVB      Category = "PVB"
	CategoryTLC      Category = "TLC"
	CategoryLease    Category = "LEASE"
	CategoryLoan     Category = "LOAN"
	CategoryRepair   Category = "REPAIR"
	CategoryDeposit  Category = "DEPOSIT"
	CategoryMisc     Category = "MISC"
)

// Valid reports whether the category is a member of the closed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryEarnings, CategoryEZPass, CategoryPVB, CategoryTLC,
		CategoryLease, CategoryLoan, CategoryRepair, CategoryDeposit, CategoryMisc:
		return true
	}
	return false
}

// EarningsLike reports whether positive amounts in this category flow toward
// the driver. Earnings and deposits credit the driver; tolls, violations,
// lease fees, loans and repairs are charges owed by the driver.
func (c Category) EarningsLike() bool {
	return c == CategoryEarnings || c == CategoryDeposit
}

// EntryType is the direction of a posting. DEBIT increases what the driver
// owes, CREDIT decreases it.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Valid reports whether the entry type is DEBIT or CREDIT.
func (e EntryType) Valid() bool {
	return e == EntryDebit || e == EntryCredit
}

// EntryFor resolves the entry direction for a signed source amount in the
// given category. Positive amounts post in the category's natural direction;
// negative amounts (refunds, chargebacks) post the opposite direction with
// the absolute value.
func EntryFor(category Category, amount decimal.Decimal) EntryType {
	natural := EntryDebit
	if category.EarningsLike() {
		natural = EntryCredit
	}
	if amount.IsNegative() {
		if natural == EntryCredit {
			return EntryDebit
		}
		return EntryCredit
	}
	return natural
}

// PostingStatus tracks whether a posting is live or voided.
type PostingStatus string

const (
	PostingPosted PostingStatus = "POSTED"
	PostingVoided PostingStatus = "VOIDED"
)

// Posting is one immutable DEBIT/CREDIT ledger entry. Postings are never
// updated or deleted; corrections happen through reversal postings.
type Posting struct {
	ID          int64
	PostingID   string
	Category    Category
	EntryType   EntryType
	Amount      decimal.Decimal
	ReferenceID string
	Status      PostingStatus
	Description string
	DriverID    *int64
	LeaseID     *int64
	VehicleID   *int64
	MedallionID *int64
	VoidedAt    *time.Time
	VoidReason  string
	CreatedAt   time.Time
}

// BalanceStatus tracks whether a balance is still open.
type BalanceStatus string

const (
	BalanceOpen   BalanceStatus = "OPEN"
	BalanceClosed BalanceStatus = "CLOSED"
)

// Balance is the mutable running sum for one (category, reference) pair.
// DEBIT postings raise it, CREDIT postings lower it; a balance at exactly
// zero is closed but kept for the audit trail.
type Balance struct {
	ID             int64
	Category       Category
	ReferenceID    string
	OriginalAmount decimal.Decimal
	Balance        decimal.Decimal
	Status         BalanceStatus
	DriverID       *int64
	LeaseID        *int64
	VehicleID      *int64
	MedallionID    *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

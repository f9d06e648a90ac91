// Package curb imports trip and card-transaction data from the CURB provider
// and posts it into the driver ledger.
package curb

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationMode selects how imported trips are flagged as seen.
type ReconciliationMode string

const (
	// ReconcileServer round-trips a batch id through the provider API.
	ReconcileServer ReconciliationMode = "server"
	// ReconcileLocal flags trips locally without calling the provider.
	ReconcileLocal ReconciliationMode = "local"
)

// Valid reports whether the mode is server or local.
func (m ReconciliationMode) Valid() bool {
	return m == ReconcileServer || m == ReconcileLocal
}

// Account holds the connection settings for one CURB merchant account.
// The API password is sealed at rest; see credentials.go.
type Account struct {
	ID                 int64
	Name               string
	MerchantID         string
	Username           string
	SealedPassword     []byte
	APIURL             string
	Active             bool
	ReconciliationMode ReconciliationMode
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PaymentType classifies how a trip was paid.
type PaymentType string

const (
	PaymentCash       PaymentType = "CASH"
	PaymentCreditCard PaymentType = "CREDIT_CARD"
	PaymentUnknown    PaymentType = "UNKNOWN"
)

// TripStatus is the trip lifecycle state.
type TripStatus string

const (
	// TripImported means the trip is persisted but not yet in the ledger.
	TripImported TripStatus = "IMPORTED"
	// TripPosted means the trip has been posted (or deliberately skipped).
	TripPosted TripStatus = "POSTED_TO_LEDGER"
)

// Trip is one imported provider record, either a trip-log entry or a card
// transaction. CurbTripID is the external identity and dedup key.
type Trip struct {
	ID            int64
	AccountID     int64
	CurbTripID    string
	CurbDriverID  string
	CurbCabNumber string
	Status        TripStatus
	PaymentType   PaymentType

	StartTime       time.Time
	EndTime         time.Time
	TransactionTime time.Time

	Fare        decimal.Decimal
	Tips        decimal.Decimal
	Tolls       decimal.Decimal
	Extras      decimal.Decimal
	TotalAmount decimal.Decimal

	Surcharge            decimal.Decimal
	ImprovementSurcharge decimal.Decimal
	CongestionFee        decimal.Decimal
	AirportFee           decimal.Decimal
	CBDTollingFee        decimal.Decimal

	DistanceMiles decimal.Decimal
	NumPassengers int
	NumServices   int

	StartLat decimal.Decimal
	StartLon decimal.Decimal
	EndLat   decimal.Decimal
	EndLon   decimal.Decimal

	DriverID    *int64
	LeaseID     *int64
	VehicleID   *int64
	MedallionID *int64

	ReconciliationID *string
	ReconciledAt     *time.Time
	LedgerPostingRef *string
	PostedToLedgerAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fees sums the tax and fee components of a trip. The provider already folds
// them into TotalAmount; this is for log lines and summaries only.
func (t Trip) Fees() decimal.Decimal {
	return t.Surcharge.
		Add(t.ImprovementSurcharge).
		Add(t.CongestionFee).
		Add(t.AirportFee).
		Add(t.CBDTollingFee)
}

// Mapped reports whether the trip has been tied to a driver and lease, the
// precondition for ledger posting.
func (t Trip) Mapped() bool {
	return t.DriverID != nil && t.LeaseID != nil
}

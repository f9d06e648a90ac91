package curb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/fleetops/internal/ledger"
	"github.com/fleetops/fleetops/internal/shared"
)

// ListTripsRequest filters and pages the trip list.
type ListTripsRequest struct {
	AccountID *int64
	Status    TripStatus
	DriverID  *int64
	From      *time.Time
	To        *time.Time
	SortBy    string
	SortDesc  bool
	Limit     int
	Offset    int
}

// Repository defines curb data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetAccount(ctx context.Context, id int64) (Account, error)
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	ListAccountsByIDs(ctx context.Context, ids []int64) ([]Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	CreateAccount(ctx context.Context, a Account) (int64, error)
	UpdateAccount(ctx context.Context, a Account) error

	GetTripByExternalID(ctx context.Context, curbTripID string) (Trip, error)
	ListTrips(ctx context.Context, req ListTripsRequest) ([]Trip, error)
	UnreconciledTrips(ctx context.Context, accountID int64, limit int) ([]Trip, error)
	TripsReadyForLedger(ctx context.Context, start, end time.Time, driverIDs, leaseIDs []int64) ([]Trip, error)
}

// TxRepository defines curb writes within a transaction. Ledger exposes the
// ledger writer bound to the same transaction so a trip status flip and its
// posting commit or roll back together; Nested isolates one record inside a
// larger flush batch via a savepoint.
type TxRepository interface {
	UpsertTrips(ctx context.Context, trips []Trip) (inserted, updated int, err error)
	MarkTripsReconciled(ctx context.Context, tripIDs []int64, batchID string, at time.Time) (int, error)
	MarkTripPosted(ctx context.Context, tripID int64, ref string, at time.Time) error

	Ledger() ledger.TxRepository
	Nested(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the postgres-backed curb repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTxRepository{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const accountColumns = `id, name, merchant_id, username, sealed_password, api_url,
	active, reconciliation_mode, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Name, &a.MerchantID, &a.Username, &a.SealedPassword, &a.APIURL,
		&a.Active, &a.ReconciliationMode, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (r *pgRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM curb_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return a, err
}

func (r *pgRepository) listAccounts(ctx context.Context, q string, args ...any) ([]Account, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return r.listAccounts(ctx,
		`SELECT `+accountColumns+` FROM curb_accounts WHERE active ORDER BY id`)
}

func (r *pgRepository) ListAccountsByIDs(ctx context.Context, ids []int64) ([]Account, error) {
	return r.listAccounts(ctx,
		`SELECT `+accountColumns+` FROM curb_accounts WHERE id = ANY($1) ORDER BY id`, ids)
}

func (r *pgRepository) ListAccounts(ctx context.Context) ([]Account, error) {
	return r.listAccounts(ctx,
		`SELECT `+accountColumns+` FROM curb_accounts ORDER BY id`)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *pgRepository) CreateAccount(ctx context.Context, a Account) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO curb_accounts
			(name, merchant_id, username, sealed_password, api_url, active,
			 reconciliation_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING id`,
		a.Name, a.MerchantID, a.Username, a.SealedPassword, a.APIURL, a.Active,
		a.ReconciliationMode,
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("account %q: %w", a.Name, shared.ErrDuplicate)
	}
	return id, err
}

func (r *pgRepository) UpdateAccount(ctx context.Context, a Account) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE curb_accounts
		SET name = $2, merchant_id = $3, username = $4, sealed_password = $5,
			api_url = $6, active = $7, reconciliation_mode = $8, updated_at = now()
		WHERE id = $1`,
		a.ID, a.Name, a.MerchantID, a.Username, a.SealedPassword, a.APIURL,
		a.Active, a.ReconciliationMode)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %q: %w", a.Name, shared.ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", a.ID, ErrAccountNotFound)
	}
	return nil
}

const tripColumns = `id, account_id, curb_trip_id, curb_driver_id, curb_cab_number,
	status, payment_type, start_time, end_time, transaction_time,
	fare, tips, tolls, extras, total_amount,
	surcharge, improvement_surcharge, congestion_fee, airport_fee, cbd_tolling_fee,
	distance_miles, num_passengers, num_services,
	start_lat, start_lon, end_lat, end_lon,
	driver_id, lease_id, vehicle_id, medallion_id,
	reconciliation_id, reconciled_at, ledger_posting_ref, posted_to_ledger_at,
	created_at, updated_at`

func scanTrip(row pgx.Row) (Trip, error) {
	var t Trip
	err := row.Scan(
		&t.ID, &t.AccountID, &t.CurbTripID, &t.CurbDriverID, &t.CurbCabNumber,
		&t.Status, &t.PaymentType, &t.StartTime, &t.EndTime, &t.TransactionTime,
		&t.Fare, &t.Tips, &t.Tolls, &t.Extras, &t.TotalAmount,
		&t.Surcharge, &t.ImprovementSurcharge, &t.CongestionFee, &t.AirportFee, &t.CBDTollingFee,
		&t.DistanceMiles, &t.NumPassengers, &t.NumServices,
		&t.StartLat, &t.StartLon, &t.EndLat, &t.EndLon,
		&t.DriverID, &t.LeaseID, &t.VehicleID, &t.MedallionID,
		&t.ReconciliationID, &t.ReconciledAt, &t.LedgerPostingRef, &t.PostedToLedgerAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (r *pgRepository) GetTripByExternalID(ctx context.Context, curbTripID string) (Trip, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM curb_trips WHERE curb_trip_id = $1`, curbTripID)
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trip{}, fmt.Errorf("trip %s: %w", curbTripID, ErrTripNotFound)
	}
	return t, err
}

var tripSortKeys = map[string]string{
	"":           "start_time",
	"start_time": "start_time",
	"total":      "total_amount",
	"created_at": "created_at",
}

func (r *pgRepository) ListTrips(ctx context.Context, req ListTripsRequest) ([]Trip, error) {
	col, ok := tripSortKeys[req.SortBy]
	if !ok {
		return nil, fmt.Errorf("sort key %q: %w", req.SortBy, shared.ErrInvalidSortKey)
	}

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if req.AccountID != nil {
		add("account_id = $%d", *req.AccountID)
	}
	if req.Status != "" {
		add("status = $%d", req.Status)
	}
	if req.DriverID != nil {
		add("driver_id = $%d", *req.DriverID)
	}
	if req.From != nil {
		add("start_time >= $%d", *req.From)
	}
	if req.To != nil {
		add("start_time <= $%d", *req.To)
	}

	q := `SELECT ` + tripColumns + ` FROM curb_trips`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + col
	if req.SortDesc {
		q += " DESC"
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if req.Offset > 0 {
		args = append(args, req.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryTrips(ctx, q, args...)
}

func (r *pgRepository) queryTrips(ctx context.Context, q string, args ...any) ([]Trip, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *pgRepository) UnreconciledTrips(ctx context.Context, accountID int64, limit int) ([]Trip, error) {
	return r.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM curb_trips
		 WHERE account_id = $1 AND reconciliation_id IS NULL
		 ORDER BY id LIMIT $2`,
		accountID, limit)
}

// TripsReadyForLedger selects imported trips in [start, end) that have both a
// driver and a lease mapped. Unmapped trips stay out until fleet data catches
// up; already posted trips never reappear.
func (r *pgRepository) TripsReadyForLedger(ctx context.Context, start, end time.Time, driverIDs, leaseIDs []int64) ([]Trip, error) {
	q := `SELECT ` + tripColumns + ` FROM curb_trips
		WHERE status = $1 AND start_time >= $2 AND start_time < $3
		AND driver_id IS NOT NULL AND lease_id IS NOT NULL`
	args := []any{TripImported, start, end}
	if len(driverIDs) > 0 {
		args = append(args, driverIDs)
		q += fmt.Sprintf(" AND driver_id = ANY($%d)", len(args))
	}
	if len(leaseIDs) > 0 {
		args = append(args, leaseIDs)
		q += fmt.Sprintf(" AND lease_id = ANY($%d)", len(args))
	}
	q += " ORDER BY start_time"
	return r.queryTrips(ctx, q, args...)
}

type pgTxRepository struct {
	tx pgx.Tx
}

// upsertTripSQL updates only provider-owned fields on conflict. Status,
// entity mapping, reconciliation and ledger columns survive re-imports.
const upsertTripSQL = `
	INSERT INTO curb_trips
		(account_id, curb_trip_id, curb_driver_id, curb_cab_number, status, payment_type,
		 start_time, end_time, transaction_time,
		 fare, tips, tolls, extras, total_amount,
		 surcharge, improvement_surcharge, congestion_fee, airport_fee, cbd_tolling_fee,
		 distance_miles, num_passengers, num_services,
		 start_lat, start_lon, end_lat, end_lon,
		 driver_id, lease_id, vehicle_id, medallion_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, now(), now())
	ON CONFLICT (curb_trip_id) DO UPDATE SET
		curb_driver_id = EXCLUDED.curb_driver_id,
		curb_cab_number = EXCLUDED.curb_cab_number,
		payment_type = EXCLUDED.payment_type,
		start_time = EXCLUDED.start_time,
		end_time = EXCLUDED.end_time,
		transaction_time = EXCLUDED.transaction_time,
		fare = EXCLUDED.fare,
		tips = EXCLUDED.tips,
		tolls = EXCLUDED.tolls,
		extras = EXCLUDED.extras,
		total_amount = EXCLUDED.total_amount,
		surcharge = EXCLUDED.surcharge,
		improvement_surcharge = EXCLUDED.improvement_surcharge,
		congestion_fee = EXCLUDED.congestion_fee,
		airport_fee = EXCLUDED.airport_fee,
		cbd_tolling_fee = EXCLUDED.cbd_tolling_fee,
		distance_miles = EXCLUDED.distance_miles,
		num_passengers = EXCLUDED.num_passengers,
		num_services = EXCLUDED.num_services,
		start_lat = EXCLUDED.start_lat,
		start_lon = EXCLUDED.start_lon,
		end_lat = EXCLUDED.end_lat,
		end_lon = EXCLUDED.end_lon,
		updated_at = now()
	RETURNING (xmax = 0) AS inserted`

func (r *pgTxRepository) UpsertTrips(ctx context.Context, trips []Trip) (int, int, error) {
	var inserted, updated int
	for _, t := range trips {
		var isInsert bool
		err := r.tx.QueryRow(ctx, upsertTripSQL,
			t.AccountID, t.CurbTripID, t.CurbDriverID, t.CurbCabNumber, t.Status, t.PaymentType,
			t.StartTime, t.EndTime, t.TransactionTime,
			t.Fare, t.Tips, t.Tolls, t.Extras, t.TotalAmount,
			t.Surcharge, t.ImprovementSurcharge, t.CongestionFee, t.AirportFee, t.CBDTollingFee,
			t.DistanceMiles, t.NumPassengers, t.NumServices,
			t.StartLat, t.StartLon, t.EndLat, t.EndLon,
			t.DriverID, t.LeaseID, t.VehicleID, t.MedallionID,
		).Scan(&isInsert)
		if err != nil {
			return inserted, updated, fmt.Errorf("upsert trip %s: %w", t.CurbTripID, err)
		}
		if isInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func (r *pgTxRepository) MarkTripsReconciled(ctx context.Context, tripIDs []int64, batchID string, at time.Time) (int, error) {
	tag, err := r.tx.Exec(ctx, `
		UPDATE curb_trips
		SET reconciliation_id = $2, reconciled_at = $3, updated_at = now()
		WHERE id = ANY($1) AND reconciliation_id IS NULL`,
		tripIDs, batchID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgTxRepository) MarkTripPosted(ctx context.Context, tripID int64, ref string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE curb_trips
		SET status = $2, ledger_posting_ref = $3, posted_to_ledger_at = $4, updated_at = now()
		WHERE id = $1 AND status = $5`,
		tripID, TripPosted, ref, at, TripImported)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trip id %d not in importable state: %w", tripID, ErrTripNotFound)
	}
	return nil
}

func (r *pgTxRepository) Ledger() ledger.TxRepository {
	return &ledger.PgTxRepository{Tx: r.tx}
}

func (r *pgTxRepository) Nested(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	nested, err := r.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTxRepository{tx: nested}); err != nil {
		_ = nested.Rollback(ctx)
		return err
	}
	return nested.Commit(ctx)
}

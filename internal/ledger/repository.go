package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fleetops/fleetops/internal/shared"
)

// ListPostingsRequest filters and pages the posting list.
type ListPostingsRequest struct {
	Category    Category
	ReferenceID string
	DriverID    *int64
	Status      PostingStatus
	From        *time.Time
	To          *time.Time
	SortBy      string
	SortDesc    bool
	Limit       int
	Offset      int
}

// ListBalancesRequest filters and pages the balance list.
type ListBalancesRequest struct {
	Category Category
	DriverID *int64
	Status   BalanceStatus
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// Repository defines ledger data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetPosting(ctx context.Context, postingID string) (Posting, error)
	ListPostings(ctx context.Context, req ListPostingsRequest) ([]Posting, error)
	GetBalance(ctx context.Context, category Category, referenceID string) (Balance, error)
	ListBalances(ctx context.Context, req ListBalancesRequest) ([]Balance, error)
}

// TxRepository defines ledger writes within a transaction.
type TxRepository interface {
	InsertPosting(ctx context.Context, p Posting) (int64, error)
	GetBalanceForUpdate(ctx context.Context, category Category, referenceID string) (Balance, error)
	InsertBalance(ctx context.Context, b Balance) (int64, error)
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, status BalanceStatus) error
	MarkPostingVoided(ctx context.Context, postingID, reason string, at time.Time) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*PgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the postgres-backed ledger repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, &PgTxRepository{Tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const postingColumns = `id, posting_id, category, entry_type, amount, reference_id, status,
	description, driver_id, lease_id, vehicle_id, medallion_id, voided_at, void_reason, created_at`

func scanPosting(row pgx.Row) (Posting, error) {
	var p Posting
	var voidReason *string
	err := row.Scan(
		&p.ID, &p.PostingID, &p.Category, &p.EntryType, &p.Amount, &p.ReferenceID, &p.Status,
		&p.Description, &p.DriverID, &p.LeaseID, &p.VehicleID, &p.MedallionID,
		&p.VoidedAt, &voidReason, &p.CreatedAt,
	)
	if err != nil {
		return Posting{}, err
	}
	if voidReason != nil {
		p.VoidReason = *voidReason
	}
	return p, nil
}

func (r *pgRepository) GetPosting(ctx context.Context, postingID string) (Posting, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+postingColumns+` FROM ledger_postings WHERE posting_id = $1`, postingID)
	p, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Posting{}, fmt.Errorf("posting %s: %w", postingID, shared.ErrNotFound)
	}
	return p, err
}

// postingSortKeys whitelists ORDER BY columns for posting lists.
var postingSortKeys = map[string]string{
	"":           "created_at",
	"created_at": "created_at",
	"amount":     "amount",
	"category":   "category",
}

func (r *pgRepository) ListPostings(ctx context.Context, req ListPostingsRequest) ([]Posting, error) {
	col, ok := postingSortKeys[req.SortBy]
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
	if req.Category != "" {
		add("category = $%d", req.Category)
	}
	if req.ReferenceID != "" {
		add("reference_id = $%d", req.ReferenceID)
	}
	if req.DriverID != nil {
		add("driver_id = $%d", *req.DriverID)
	}
	if req.Status != "" {
		add("status = $%d", req.Status)
	}
	if req.From != nil {
		add("created_at >= $%d", *req.From)
	}
	if req.To != nil {
		add("created_at <= $%d", *req.To)
	}

	q := `SELECT ` + postingColumns + ` FROM ledger_postings`
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

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const balanceColumns = `id, category, reference_id, original_amount, balance, status,
	driver_id, lease_id, vehicle_id, medallion_id, created_at, updated_at`

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	err := row.Scan(
		&b.ID, &b.Category, &b.ReferenceID, &b.OriginalAmount, &b.Balance, &b.Status,
		&b.DriverID, &b.LeaseID, &b.VehicleID, &b.MedallionID, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

func (r *pgRepository) GetBalance(ctx context.Context, category Category, referenceID string) (Balance, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM ledger_balances WHERE category = $1 AND reference_id = $2`,
		category, referenceID)
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, fmt.Errorf("balance %s/%s: %w", category, referenceID, shared.ErrNotFound)
	}
	return b, err
}

var balanceSortKeys = map[string]string{
	"":           "updated_at",
	"updated_at": "updated_at",
	"balance":    "balance",
	"category":   "category",
}

func (r *pgRepository) ListBalances(ctx context.Context, req ListBalancesRequest) ([]Balance, error) {
	col, ok := balanceSortKeys[req.SortBy]
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
	if req.Category != "" {
		add("category = $%d", req.Category)
	}
	if req.DriverID != nil {
		add("driver_id = $%d", *req.DriverID)
	}
	if req.Status != "" {
		add("status = $%d", req.Status)
	}

	q := `SELECT ` + balanceColumns + ` FROM ledger_balances`
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

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PgTxRepository runs ledger writes on an open pgx transaction. It is exported
// so the trip posting orchestrator can share one transaction across domains.
type PgTxRepository struct {
	Tx pgx.Tx
}

func (r *PgTxRepository) InsertPosting(ctx context.Context, p Posting) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO ledger_postings
			(posting_id, category, entry_type, amount, reference_id, status,
			 description, driver_id, lease_id, vehicle_id, medallion_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		p.PostingID, p.Category, p.EntryType, p.Amount, p.ReferenceID, p.Status,
		p.Description, p.DriverID, p.LeaseID, p.VehicleID, p.MedallionID, p.CreatedAt,
	).Scan(&id)
	return id, err
}

func (r *PgTxRepository) GetBalanceForUpdate(ctx context.Context, category Category, referenceID string) (Balance, error) {
	row := r.Tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM ledger_balances
		 WHERE category = $1 AND reference_id = $2 FOR UPDATE`,
		category, referenceID)
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, fmt.Errorf("balance %s/%s: %w", category, referenceID, shared.ErrNotFound)
	}
	return b, err
}

func (r *PgTxRepository) InsertBalance(ctx context.Context, b Balance) (int64, error) {
	var id int64
	err := r.Tx.QueryRow(ctx, `
		INSERT INTO ledger_balances
			(category, reference_id, original_amount, balance, status,
			 driver_id, lease_id, vehicle_id, medallion_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		b.Category, b.ReferenceID, b.OriginalAmount, b.Balance, b.Status,
		b.DriverID, b.LeaseID, b.VehicleID, b.MedallionID, b.CreatedAt, b.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *PgTxRepository) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, status BalanceStatus) error {
	tag, err := r.Tx.Exec(ctx,
		`UPDATE ledger_balances SET balance = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, balance, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance id %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *PgTxRepository) MarkPostingVoided(ctx context.Context, postingID, reason string, at time.Time) error {
	tag, err := r.Tx.Exec(ctx, `
		UPDATE ledger_postings
		SET status = $2, voided_at = $3, void_reason = $4
		WHERE posting_id = $1 AND status = $5`,
		postingID, PostingVoided, at, reason, PostingPosted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("posting %s not voidable: %w", postingID, shared.ErrNotFound)
	}
	return nil
}

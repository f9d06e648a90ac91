// Package fleet resolves driver and lease records owned by the fleet
// management system, so imported trips can be tied back to the people and
// contracts they bill against.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Driver is the subset of the fleet driver record needed for posting.
type Driver struct {
	ID            int64
	HackLicenseNo string
	FullName      string
}

// Lease identifies the active lease contract for a driver, with the vehicle
// and medallion it covers.
type Lease struct {
	ID          int64
	DriverID    int64
	VehicleID   int64
	MedallionID int64
}

// Resolver looks up fleet entities referenced by imported trips. A miss is
// not an error: unmapped trips stay importable and are excluded from ledger
// posting until the fleet data catches up.
type Resolver interface {
	DriverByLicense(ctx context.Context, hackLicenseNo string) (Driver, bool, error)
	ActiveLease(ctx context.Context, driverID int64, cabNumber string, at time.Time) (Lease, bool, error)
}

type pgResolver struct {
	pool *pgxpool.Pool
}

// NewResolver builds the postgres-backed resolver.
func NewResolver(pool *pgxpool.Pool) Resolver {
	return &pgResolver{pool: pool}
}

func (r *pgResolver) DriverByLicense(ctx context.Context, hackLicenseNo string) (Driver, bool, error) {
	var d Driver
	err := r.pool.QueryRow(ctx,
		`SELECT id, hack_license_no, full_name FROM drivers WHERE hack_license_no = $1`,
		hackLicenseNo,
	).Scan(&d.ID, &d.HackLicenseNo, &d.FullName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Driver{}, false, nil
	}
	if err != nil {
		return Driver{}, false, err
	}
	return d, true, nil
}

// ActiveLease matches on both the driver and the cab the provider reported.
// A driver can hold concurrent leases on different cabs, so the cab number is
// what picks the contract the trip bills against.
func (r *pgResolver) ActiveLease(ctx context.Context, driverID int64, cabNumber string, at time.Time) (Lease, bool, error) {
	var l Lease
	err := r.pool.QueryRow(ctx, `
		SELECT l.id, l.driver_id, l.vehicle_id, l.medallion_id
		FROM leases l
		JOIN medallions m ON m.id = l.medallion_id
		WHERE l.driver_id = $1
		  AND m.medallion_number = $2
		  AND l.start_date <= $3 AND (l.end_date IS NULL OR l.end_date >= $3)
		ORDER BY l.start_date DESC
		LIMIT 1`,
		driverID, cabNumber, at,
	).Scan(&l.ID, &l.DriverID, &l.VehicleID, &l.MedallionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return l, true, nil
}

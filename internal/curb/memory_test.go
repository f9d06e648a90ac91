package curb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetops/fleetops/internal/fleet"
	"github.com/fleetops/fleetops/internal/ledger"
	"github.com/fleetops/fleetops/internal/shared"
)

// memoryCurbRepo backs the service tests. It keeps trips, postings and
// balances in maps and supports the nested-transaction semantics the posting
// orchestrator relies on via copy-on-write snapshots.
type memoryCurbRepo struct {
	accounts map[int64]Account
	trips    map[int64]Trip
	tripIdx  map[string]int64
	postings map[string]ledger.Posting
	balances map[string]ledger.Balance

	nextTripID    int64
	nextPostingID int64
	nextBalanceID int64

	// failPostingRefs makes InsertPosting fail for these reference ids.
	failPostingRefs map[string]bool
}

func newMemoryCurbRepo() *memoryCurbRepo {
	return &memoryCurbRepo{
		accounts:        make(map[int64]Account),
		trips:           make(map[int64]Trip),
		tripIdx:         make(map[string]int64),
		postings:        make(map[string]ledger.Posting),
		balances:        make(map[string]ledger.Balance),
		failPostingRefs: make(map[string]bool),
	}
}

func (r *memoryCurbRepo) addAccount(a Account) Account {
	if a.ID == 0 {
		a.ID = int64(len(r.accounts) + 1)
	}
	r.accounts[a.ID] = a
	return a
}

func (r *memoryCurbRepo) addTrip(t Trip) Trip {
	r.nextTripID++
	t.ID = r.nextTripID
	r.trips[t.ID] = t
	r.tripIdx[t.CurbTripID] = t.ID
	return t
}

type memorySnapshot struct {
	trips    map[int64]Trip
	tripIdx  map[string]int64
	postings map[string]ledger.Posting
	balances map[string]ledger.Balance
}

func (r *memoryCurbRepo) snapshot() memorySnapshot {
	s := memorySnapshot{
		trips:    make(map[int64]Trip, len(r.trips)),
		tripIdx:  make(map[string]int64, len(r.tripIdx)),
		postings: make(map[string]ledger.Posting, len(r.postings)),
		balances: make(map[string]ledger.Balance, len(r.balances)),
	}
	for k, v := range r.trips {
		s.trips[k] = v
	}
	for k, v := range r.tripIdx {
		s.tripIdx[k] = v
	}
	for k, v := range r.postings {
		s.postings[k] = v
	}
	for k, v := range r.balances {
		s.balances[k] = v
	}
	return s
}

func (r *memoryCurbRepo) restore(s memorySnapshot) {
	r.trips = s.trips
	r.tripIdx = s.tripIdx
	r.postings = s.postings
	r.balances = s.balances
}

func (r *memoryCurbRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := r.snapshot()
	if err := fn(ctx, &memoryCurbTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryCurbRepo) GetAccount(ctx context.Context, id int64) (Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (r *memoryCurbRepo) sortedAccounts(keep func(Account) bool) []Account {
	var out []Account
	for _, a := range r.accounts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryCurbRepo) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return r.sortedAccounts(func(a Account) bool { return a.Active }), nil
}

func (r *memoryCurbRepo) ListAccountsByIDs(ctx context.Context, ids []int64) ([]Account, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.sortedAccounts(func(a Account) bool { return want[a.ID] }), nil
}

func (r *memoryCurbRepo) ListAccounts(ctx context.Context) ([]Account, error) {
	return r.sortedAccounts(func(Account) bool { return true }), nil
}

func (r *memoryCurbRepo) CreateAccount(ctx context.Context, a Account) (int64, error) {
	for _, existing := range r.accounts {
		if existing.Name == a.Name {
			return 0, shared.ErrDuplicate
		}
	}
	a = r.addAccount(a)
	return a.ID, nil
}

func (r *memoryCurbRepo) UpdateAccount(ctx context.Context, a Account) error {
	if _, ok := r.accounts[a.ID]; !ok {
		return ErrAccountNotFound
	}
	r.accounts[a.ID] = a
	return nil
}

func (r *memoryCurbRepo) GetTripByExternalID(ctx context.Context, curbTripID string) (Trip, error) {
	id, ok := r.tripIdx[curbTripID]
	if !ok {
		return Trip{}, ErrTripNotFound
	}
	return r.trips[id], nil
}

func (r *memoryCurbRepo) sortedTrips(keep func(Trip) bool) []Trip {
	var out []Trip
	for _, t := range r.trips {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryCurbRepo) ListTrips(ctx context.Context, req ListTripsRequest) ([]Trip, error) {
	return r.sortedTrips(func(t Trip) bool {
		if req.AccountID != nil && t.AccountID != *req.AccountID {
			return false
		}
		if req.Status != "" && t.Status != req.Status {
			return false
		}
		return true
	}), nil
}

func (r *memoryCurbRepo) UnreconciledTrips(ctx context.Context, accountID int64, limit int) ([]Trip, error) {
	trips := r.sortedTrips(func(t Trip) bool {
		return t.AccountID == accountID && t.ReconciliationID == nil
	})
	if len(trips) > limit {
		trips = trips[:limit]
	}
	return trips, nil
}

func (r *memoryCurbRepo) TripsReadyForLedger(ctx context.Context, start, end time.Time, driverIDs, leaseIDs []int64) ([]Trip, error) {
	return r.sortedTrips(func(t Trip) bool {
		if t.Status != TripImported || !t.Mapped() {
			return false
		}
		if t.StartTime.Before(start) || !t.StartTime.Before(end) {
			return false
		}
		if len(driverIDs) > 0 && !containsID(driverIDs, *t.DriverID) {
			return false
		}
		if len(leaseIDs) > 0 && !containsID(leaseIDs, *t.LeaseID) {
			return false
		}
		return true
	}), nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type memoryCurbTx struct {
	repo *memoryCurbRepo
}

func (t *memoryCurbTx) UpsertTrips(ctx context.Context, trips []Trip) (int, int, error) {
	var inserted, updated int
	for _, trip := range trips {
		if id, ok := t.repo.tripIdx[trip.CurbTripID]; ok {
			existing := t.repo.trips[id]
			trip.ID = existing.ID
			trip.Status = existing.Status
			trip.DriverID = existing.DriverID
			trip.LeaseID = existing.LeaseID
			trip.VehicleID = existing.VehicleID
			trip.MedallionID = existing.MedallionID
			trip.ReconciliationID = existing.ReconciliationID
			trip.ReconciledAt = existing.ReconciledAt
			trip.LedgerPostingRef = existing.LedgerPostingRef
			trip.PostedToLedgerAt = existing.PostedToLedgerAt
			t.repo.trips[id] = trip
			updated++
			continue
		}
		t.repo.addTrip(trip)
		inserted++
	}
	return inserted, updated, nil
}

func (t *memoryCurbTx) MarkTripsReconciled(ctx context.Context, tripIDs []int64, batchID string, at time.Time) (int, error) {
	var count int
	for _, id := range tripIDs {
		trip, ok := t.repo.trips[id]
		if !ok || trip.ReconciliationID != nil {
			continue
		}
		trip.ReconciliationID = &batchID
		reconciledAt := at
		trip.ReconciledAt = &reconciledAt
		t.repo.trips[id] = trip
		count++
	}
	return count, nil
}

func (t *memoryCurbTx) MarkTripPosted(ctx context.Context, tripID int64, ref string, at time.Time) error {
	trip, ok := t.repo.trips[tripID]
	if !ok || trip.Status != TripImported {
		return ErrTripNotFound
	}
	trip.Status = TripPosted
	trip.LedgerPostingRef = &ref
	postedAt := at
	trip.PostedToLedgerAt = &postedAt
	t.repo.trips[tripID] = trip
	return nil
}

func (t *memoryCurbTx) Ledger() ledger.TxRepository {
	return &memoryLedgerTx{repo: t.repo}
}

func (t *memoryCurbTx) Nested(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := t.repo.snapshot()
	if err := fn(ctx, &memoryCurbTx{repo: t.repo}); err != nil {
		t.repo.restore(snap)
		return err
	}
	return nil
}

type memoryLedgerTx struct {
	repo *memoryCurbRepo
}

func ledgerBalanceKey(category ledger.Category, referenceID string) string {
	return string(category) + "/" + referenceID
}

func (t *memoryLedgerTx) InsertPosting(ctx context.Context, p ledger.Posting) (int64, error) {
	if t.repo.failPostingRefs[p.ReferenceID] {
		return 0, fmt.Errorf("insert posting %s: forced failure", p.ReferenceID)
	}
	t.repo.nextPostingID++
	p.ID = t.repo.nextPostingID
	t.repo.postings[p.PostingID] = p
	return p.ID, nil
}

func (t *memoryLedgerTx) GetBalanceForUpdate(ctx context.Context, category ledger.Category, referenceID string) (ledger.Balance, error) {
	b, ok := t.repo.balances[ledgerBalanceKey(category, referenceID)]
	if !ok {
		return ledger.Balance{}, shared.ErrNotFound
	}
	return b, nil
}

func (t *memoryLedgerTx) InsertBalance(ctx context.Context, b ledger.Balance) (int64, error) {
	t.repo.nextBalanceID++
	b.ID = t.repo.nextBalanceID
	t.repo.balances[ledgerBalanceKey(b.Category, b.ReferenceID)] = b
	return b.ID, nil
}

func (t *memoryLedgerTx) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, status ledger.BalanceStatus) error {
	for k, b := range t.repo.balances {
		if b.ID == id {
			b.Balance = balance
			b.Status = status
			t.repo.balances[k] = b
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *memoryLedgerTx) MarkPostingVoided(ctx context.Context, postingID, reason string, at time.Time) error {
	p, ok := t.repo.postings[postingID]
	if !ok || p.Status != ledger.PostingPosted {
		return shared.ErrNotFound
	}
	p.Status = ledger.PostingVoided
	p.VoidedAt = &at
	p.VoidReason = reason
	t.repo.postings[postingID] = p
	return nil
}

// fakeResolver maps licenses to drivers and (driver, cab) pairs to leases.
type fakeResolver struct {
	drivers map[string]fleet.Driver
	leases  map[string]fleet.Lease
}

func leaseKey(driverID int64, cabNumber string) string {
	return fmt.Sprintf("%d/%s", driverID, cabNumber)
}

func (f *fakeResolver) DriverByLicense(ctx context.Context, license string) (fleet.Driver, bool, error) {
	d, ok := f.drivers[license]
	return d, ok, nil
}

func (f *fakeResolver) ActiveLease(ctx context.Context, driverID int64, cabNumber string, at time.Time) (fleet.Lease, bool, error) {
	l, ok := f.leases[leaseKey(driverID, cabNumber)]
	return l, ok, nil
}

// fakeArchive records puts; failing toggles total failure.
type fakeArchive struct {
	puts    int
	failing bool
}

func (f *fakeArchive) Put(category, feed, account string, capturedAt time.Time, payload []byte) (string, error) {
	if f.failing {
		return "", fmt.Errorf("archive unavailable")
	}
	f.puts++
	return fmt.Sprintf("%s/%s/%s", category, feed, account), nil
}

// fakeClient serves canned payloads and counts calls.
type fakeClient struct {
	tripsPayload []byte
	transPayload []byte
	tripsErr     error
	transErr     error

	reconcileErr   error
	reconcileCalls int
	reconciledIDs  []string
	batchIDs       []string
	fetchCalls     int
}

func (f *fakeClient) FetchTripsLog(ctx context.Context, from, to time.Time, reconStat int) ([]byte, error) {
	f.fetchCalls++
	return f.tripsPayload, f.tripsErr
}

func (f *fakeClient) FetchTransactions(ctx context.Context, from, to time.Time) ([]byte, error) {
	f.fetchCalls++
	return f.transPayload, f.transErr
}

func (f *fakeClient) ReconcileTrips(ctx context.Context, tripIDs []string, batchID string, asOf time.Time) error {
	f.reconcileCalls++
	if f.reconcileErr != nil {
		return f.reconcileErr
	}
	f.reconciledIDs = append(f.reconciledIDs, tripIDs...)
	f.batchIDs = append(f.batchIDs, batchID)
	return nil
}

func staticClientFactory(clients map[int64]*fakeClient) ClientFactory {
	return func(account Account) (APIClient, error) {
		c, ok := clients[account.ID]
		if !ok {
			return nil, fmt.Errorf("no client for account %d", account.ID)
		}
		return c, nil
	}
}

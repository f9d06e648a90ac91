package curb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetops/internal/fleet"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tripsPayload(records string) []byte {
	return soapWrap(methodTripsLog, "<TRIPS>"+records+"</TRIPS>")
}

func tripRecordXML(period, id, driver, cab, code, total string) string {
	return fmt.Sprintf(`<RECORD PERIOD=%q ID=%q DRIVER=%q CABNUMBER=%q T=%q
		START_DATE="06/10/2025 03:15:00" END_DATE="06/10/2025 03:42:00"
		TOTAL_AMOUNT=%q/>`, period, id, driver, cab, code, total)
}

func emptyTransPayload() []byte {
	return soapWrap(methodTransactions, "")
}

func newImportFixture() (*memoryCurbRepo, *fakeResolver, *fakeArchive, map[int64]*fakeClient) {
	repo := newMemoryCurbRepo()
	resolver := &fakeResolver{
		drivers: map[string]fleet.Driver{
			"5412876": {ID: 11, HackLicenseNo: "5412876", FullName: "A Driver"},
		},
		leases: map[string]fleet.Lease{
			leaseKey(11, "2B34"): {ID: 21, DriverID: 11, VehicleID: 31, MedallionID: 41},
		},
	}
	return repo, resolver, &fakeArchive{}, map[int64]*fakeClient{}
}

func importWindow() (time.Time, time.Time) {
	from := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	return from, from.Add(3 * time.Hour)
}

func TestImportPersistsAndMapsTrips(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	account := repo.addAccount(Account{Name: "main", Active: true})
	clients[account.ID] = &fakeClient{
		tripsPayload: tripsPayload(
			tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25") +
				tripRecordXML("20250610", "78", "9999999", "2B35", "C", "26.40")),
		transPayload: emptyTransPayload(),
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	summary, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Equal(t, "success", summary.Status)
	require.Equal(t, 2, summary.TotalFetched)
	require.Equal(t, 2, summary.Imported)
	require.Zero(t, summary.Updated)
	require.Empty(t, summary.Errors)
	require.Equal(t, 2, store.puts)

	mapped, err := repo.GetTripByExternalID(context.Background(), "20250610-77")
	require.NoError(t, err)
	require.True(t, mapped.Mapped())
	require.Equal(t, int64(11), *mapped.DriverID)
	require.Equal(t, int64(21), *mapped.LeaseID)
	require.Equal(t, int64(31), *mapped.VehicleID)
	require.Equal(t, int64(41), *mapped.MedallionID)

	// Unknown license: record lands but stays unmapped.
	unmapped, err := repo.GetTripByExternalID(context.Background(), "20250610-78")
	require.NoError(t, err)
	require.False(t, unmapped.Mapped())
	require.Nil(t, unmapped.DriverID)
}

func TestImportMapsLeaseByDriverAndCab(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	// Same driver holds a second concurrent lease on a different cab.
	resolver.leases[leaseKey(11, "7X01")] = fleet.Lease{ID: 22, DriverID: 11, VehicleID: 32, MedallionID: 42}
	account := repo.addAccount(Account{Name: "main", Active: true})
	clients[account.ID] = &fakeClient{
		tripsPayload: tripsPayload(
			tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25") +
				tripRecordXML("20250610", "79", "5412876", "7X01", "$", "22.10")),
		transPayload: emptyTransPayload(),
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	_, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)

	first, err := repo.GetTripByExternalID(context.Background(), "20250610-77")
	require.NoError(t, err)
	require.Equal(t, int64(21), *first.LeaseID)
	require.Equal(t, int64(41), *first.MedallionID)

	second, err := repo.GetTripByExternalID(context.Background(), "20250610-79")
	require.NoError(t, err)
	require.Equal(t, int64(22), *second.LeaseID)
	require.Equal(t, int64(42), *second.MedallionID)
}

func TestImportIsIdempotent(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	account := repo.addAccount(Account{Name: "main", Active: true})
	clients[account.ID] = &fakeClient{
		tripsPayload: tripsPayload(tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25")),
		transPayload: emptyTransPayload(),
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	first, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Equal(t, 1, first.Imported)

	second, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Zero(t, second.Imported)
	require.Equal(t, 1, second.Updated)
	require.Len(t, repo.trips, 1)
}

func TestImportAccountFailureIsolated(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	good := repo.addAccount(Account{ID: 1, Name: "good", Active: true})
	bad := repo.addAccount(Account{ID: 2, Name: "bad", Active: true})
	clients[good.ID] = &fakeClient{
		tripsPayload: tripsPayload(tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25")),
		transPayload: emptyTransPayload(),
	}
	clients[bad.ID] = &fakeClient{
		tripsErr: &APIError{Account: "bad", Method: methodTripsLog, Err: fmt.Errorf("connection refused")},
		transErr: &APIError{Account: "bad", Method: methodTransactions, Err: fmt.Errorf("connection refused")},
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	summary, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Imported)
	require.Len(t, summary.Errors, 2)
	require.Len(t, summary.AccountsProcessed, 2)
	require.Equal(t, "success", summary.AccountsProcessed[0].Status)
	require.Equal(t, "failed", summary.AccountsProcessed[1].Status)
}

func TestImportFeedFailureKeepsOtherFeed(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	account := repo.addAccount(Account{Name: "main", Active: true})
	clients[account.ID] = &fakeClient{
		tripsPayload: tripsPayload(tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25")),
		transErr:     &APIError{Account: "main", Method: methodTransactions, Err: fmt.Errorf("timeout")},
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	summary, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Imported)
	require.Len(t, summary.Errors, 1)
	require.Equal(t, FeedTransactions, summary.Errors[0].Feed)
}

func TestImportArchiveFailureSwallowed(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	store.failing = true
	account := repo.addAccount(Account{Name: "main", Active: true})
	clients[account.ID] = &fakeClient{
		tripsPayload: tripsPayload(tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25")),
		transPayload: emptyTransPayload(),
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	summary, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Imported)
	require.Empty(t, summary.Errors)
}

func TestImportNoAccounts(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	summary, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{From: from, To: to})
	require.NoError(t, err)
	require.Equal(t, "no_accounts", summary.Status)
}

func TestImportExplicitAccountSelection(t *testing.T) {
	repo, resolver, store, clients := newImportFixture()
	one := repo.addAccount(Account{ID: 1, Name: "one", Active: true})
	two := repo.addAccount(Account{ID: 2, Name: "two", Active: true})
	clients[one.ID] = &fakeClient{
		tripsPayload: tripsPayload(tripRecordXML("20250610", "77", "5412876", "2B34", "$", "18.25")),
		transPayload: emptyTransPayload(),
	}
	clients[two.ID] = &fakeClient{
		tripsPayload: tripsPayload(tripRecordXML("20250610", "88", "5412876", "2B34", "$", "12.00")),
		transPayload: emptyTransPayload(),
	}
	svc := NewImportService(repo, resolver, store, staticClientFactory(clients), discardLogger(), 0)

	from, to := importWindow()
	summary, err := svc.ImportTripsFromAccounts(context.Background(), ImportInput{
		AccountIDs: []int64{two.ID}, From: from, To: to,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Imported)
	require.Zero(t, clients[one.ID].fetchCalls)

	_, err = repo.GetTripByExternalID(context.Background(), "20250610-88")
	require.NoError(t, err)
}

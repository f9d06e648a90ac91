package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetops/internal/curb"
	jobmetrics "github.com/fleetops/fleetops/internal/jobs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type fakeTripImporter struct {
	calls   []curb.ImportInput
	summary curb.ImportSummary
	err     error
}

func (f *fakeTripImporter) ImportTripsFromAccounts(_ context.Context, in curb.ImportInput) (curb.ImportSummary, error) {
	f.calls = append(f.calls, in)
	return f.summary, f.err
}

type fakeReconciler struct {
	accounts [][]curb.Account
	summary  curb.ReconcileSummary
}

func (f *fakeReconciler) ReconcileAccounts(_ context.Context, accounts []curb.Account) curb.ReconcileSummary {
	f.accounts = append(f.accounts, accounts)
	return f.summary
}

type fakeAccountSource struct {
	active []curb.Account
	byIDs  []curb.Account
}

func (f *fakeAccountSource) ListActiveAccounts(context.Context) ([]curb.Account, error) {
	return f.active, nil
}

func (f *fakeAccountSource) ListAccountsByIDs(context.Context, []int64) ([]curb.Account, error) {
	return f.byIDs, nil
}

type fakeEnqueuer struct {
	payloads []CurbPostLedgerPayload
	err      error
}

func (f *fakeEnqueuer) EnqueuePostTrips(_ context.Context, payload CurbPostLedgerPayload) (*asynq.TaskInfo, error) {
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{}, f.err
}

type fakeTripPoster struct {
	calls   []curb.PostTripsInput
	summary curb.PostingSummary
	err     error
}

func (f *fakeTripPoster) PostTripsToLedger(_ context.Context, in curb.PostTripsInput) (curb.PostingSummary, error) {
	f.calls = append(f.calls, in)
	return f.summary, f.err
}

func newImportJob(importer *fakeTripImporter, reconciler *fakeReconciler, source *fakeAccountSource, enqueuer *fakeEnqueuer) *CurbImportJob {
	job := NewCurbImportJob(importer, reconciler, source, enqueuer, time.UTC, discardLogger(), testMetrics())
	job.clock = func() time.Time {
		return time.Date(2025, 6, 10, 5, 17, 0, 0, time.UTC)
	}
	return job
}

func mustTask(t *testing.T, task *asynq.Task, err error) *asynq.Task {
	t.Helper()
	require.NoError(t, err)
	return task
}

func TestImportJobCoversAlignedWindowAndChainsPosting(t *testing.T) {
	importer := &fakeTripImporter{summary: curb.ImportSummary{Status: "success", Imported: 2}}
	reconciler := &fakeReconciler{}
	source := &fakeAccountSource{active: []curb.Account{{ID: 1, Name: "main"}}}
	enqueuer := &fakeEnqueuer{}
	job := newImportJob(importer, reconciler, source, enqueuer)

	task, taskErr := NewCurbImportTask(CurbImportPayload{})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	// 05:17 falls in the 03:00 bucket.
	require.Len(t, importer.calls, 1)
	require.Equal(t, time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC), importer.calls[0].From)
	require.Equal(t, time.Date(2025, 6, 10, 5, 59, 59, 0, time.UTC), importer.calls[0].To)

	// New trips chain a posting task over the same range, half-open.
	require.Len(t, enqueuer.payloads, 1)
	require.Equal(t, importer.calls[0].From, enqueuer.payloads[0].Start)
	require.Equal(t, time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC), enqueuer.payloads[0].End)

	require.Len(t, reconciler.accounts, 1)
	require.Equal(t, "main", reconciler.accounts[0][0].Name)
}

func TestImportJobDoesNotChainWithoutNewTrips(t *testing.T) {
	importer := &fakeTripImporter{summary: curb.ImportSummary{Status: "success", Updated: 4}}
	enqueuer := &fakeEnqueuer{}
	job := newImportJob(importer, &fakeReconciler{}, &fakeAccountSource{}, enqueuer)

	task, taskErr := NewCurbImportTask(CurbImportPayload{})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Empty(t, enqueuer.payloads)
}

func TestImportJobForwardsAccountSelection(t *testing.T) {
	importer := &fakeTripImporter{summary: curb.ImportSummary{Status: "success"}}
	source := &fakeAccountSource{byIDs: []curb.Account{{ID: 7, Name: "picked"}}}
	reconciler := &fakeReconciler{}
	job := newImportJob(importer, reconciler, source, &fakeEnqueuer{})

	task, taskErr := NewCurbImportTask(CurbImportPayload{AccountIDs: []int64{7}})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, []int64{7}, importer.calls[0].AccountIDs)
	require.Equal(t, "picked", reconciler.accounts[0][0].Name)
}

func TestImportJobRejectsMalformedPayload(t *testing.T) {
	job := newImportJob(&fakeTripImporter{}, &fakeReconciler{}, &fakeAccountSource{}, &fakeEnqueuer{})
	err := job.Handle(context.Background(), asynq.NewTask(TaskCurbImport, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPostLedgerJobForwardsRange(t *testing.T) {
	poster := &fakeTripPoster{summary: curb.PostingSummary{Status: "success", EarningsPosted: 3}}
	job := NewCurbPostLedgerJob(poster, discardLogger(), testMetrics())

	start := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)
	task, taskErr := NewCurbPostLedgerTask(CurbPostLedgerPayload{Start: start, End: end})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, poster.calls, 1)
	require.Equal(t, start, poster.calls[0].Start)
	require.Equal(t, end, poster.calls[0].End)
}

func TestPostLedgerJobRejectsEmptyRange(t *testing.T) {
	poster := &fakeTripPoster{}
	job := NewCurbPostLedgerJob(poster, discardLogger(), testMetrics())

	task, taskErr := NewCurbPostLedgerTask(CurbPostLedgerPayload{})
	task = mustTask(t, task, taskErr)
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, poster.calls)
}

func TestReconcileJobSweepsActiveAccounts(t *testing.T) {
	reconciler := &fakeReconciler{summary: curb.ReconcileSummary{LocalReconciled: 2, TotalReconciled: 2}}
	source := &fakeAccountSource{active: []curb.Account{{ID: 1}, {ID: 2}}}
	job := NewCurbReconcileJob(reconciler, source, discardLogger(), testMetrics())

	task, taskErr := NewCurbReconcileTask(CurbReconcilePayload{})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, reconciler.accounts, 1)
	require.Len(t, reconciler.accounts[0], 2)
}

package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetops/internal/curb"
	"github.com/fleetops/fleetops/internal/shared"
)

// failingImporter fails the windows in failures the configured number of
// times before succeeding.
type failingImporter struct {
	calls    []curb.ImportInput
	failures map[time.Time]int
}

func (f *failingImporter) ImportTripsFromAccounts(_ context.Context, in curb.ImportInput) (curb.ImportSummary, error) {
	f.calls = append(f.calls, in)
	if remaining := f.failures[in.From]; remaining > 0 {
		f.failures[in.From] = remaining - 1
		return curb.ImportSummary{}, fmt.Errorf("provider unavailable")
	}
	return curb.ImportSummary{Status: "success", Imported: 1}, nil
}

func backfillRange() (time.Time, time.Time) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func newBackfillFixture(t *testing.T, importer *failingImporter) (*CurbBackfillJob, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := BackfillConfig{
		WindowRetries: 3,
		SweepCycles:   2,
		LockTTL:       time.Minute,
	}
	job := NewCurbBackfillJob(importer, rdb, cfg, discardLogger(), testMetrics())
	job.sleep = func(time.Duration) {}
	return job, mr
}

func TestBackfillWalksEveryWindow(t *testing.T) {
	importer := &failingImporter{}
	job, mr := newBackfillFixture(t, importer)
	start, end := backfillRange()

	task, taskErr := NewCurbBackfillTask(CurbBackfillPayload{Start: start, End: end})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	// One day splits into 16 sequential 90-minute windows.
	require.Len(t, importer.calls, 16)
	require.Equal(t, start, importer.calls[0].From)
	require.Equal(t, start.Add(90*time.Minute-time.Second), importer.calls[0].To)
	require.Equal(t, start.Add(15*90*time.Minute), importer.calls[15].From)

	// The lock is released once the sweep completes.
	require.False(t, mr.Exists(shared.BackfillLockKey(start, end)))
}

func TestBackfillSkipsWhenRangeLocked(t *testing.T) {
	importer := &failingImporter{}
	job, mr := newBackfillFixture(t, importer)
	start, end := backfillRange()
	require.NoError(t, mr.Set(shared.BackfillLockKey(start, end), "other-holder"))

	task, taskErr := NewCurbBackfillTask(CurbBackfillPayload{Start: start, End: end})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	// Skipped entirely: no import work, foreign lock untouched.
	require.Empty(t, importer.calls)
	holder, err := mr.Get(shared.BackfillLockKey(start, end))
	require.NoError(t, err)
	require.Equal(t, "other-holder", holder)
}

func TestBackfillRetriesWindowInPlace(t *testing.T) {
	start, end := backfillRange()
	flaky := start.Add(3 * 90 * time.Minute)
	importer := &failingImporter{failures: map[time.Time]int{flaky: 2}}
	job, _ := newBackfillFixture(t, importer)

	task, taskErr := NewCurbBackfillTask(CurbBackfillPayload{Start: start, End: end})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	// Two failures plus the succeeding attempt, all within the first pass.
	require.Len(t, importer.calls, 18)
}

func TestBackfillSweepRecoversWindow(t *testing.T) {
	start, end := backfillRange()
	flaky := start.Add(5 * 90 * time.Minute)
	// Exhausts the first pass budget of 3, succeeds in the sweep cycle.
	importer := &failingImporter{failures: map[time.Time]int{flaky: 3}}
	job, _ := newBackfillFixture(t, importer)

	task, taskErr := NewCurbBackfillTask(CurbBackfillPayload{Start: start, End: end})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))
	// 15 clean windows, 3 exhausted attempts, then one sweep retry.
	require.Len(t, importer.calls, 19)
}

func TestBackfillReportsLeftoverWindows(t *testing.T) {
	start, end := backfillRange()
	dead := start.Add(7 * 90 * time.Minute)
	importer := &failingImporter{failures: map[time.Time]int{dead: 1000}}
	job, mr := newBackfillFixture(t, importer)

	task, taskErr := NewCurbBackfillTask(CurbBackfillPayload{Start: start, End: end})
	task = mustTask(t, task, taskErr)
	err := job.Handle(context.Background(), task)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 windows failed")

	// First pass: 15 successes + 3 attempts. Each sweep cycle retries only
	// the failed window with its own budget of 3.
	require.Len(t, importer.calls, 24)

	// The lock is released on the failure path too.
	require.False(t, mr.Exists(shared.BackfillLockKey(start, end)))
}

func TestBackfillDefaultsToEpochAndSafetyBuffer(t *testing.T) {
	importer := &failingImporter{}
	job, _ := newBackfillFixture(t, importer)
	epoch := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	job.Config.Epoch = epoch
	job.Config.SafetyBuffer = 6 * time.Hour
	job.clock = func() time.Time { return now }

	task, taskErr := NewCurbBackfillTask(CurbBackfillPayload{})
	task = mustTask(t, task, taskErr)
	require.NoError(t, job.Handle(context.Background(), task))

	require.NotEmpty(t, importer.calls)
	require.Equal(t, epoch, importer.calls[0].From)
	last := importer.calls[len(importer.calls)-1]
	// The final window never crosses now minus the safety buffer.
	require.False(t, last.To.After(now.Add(-6*time.Hour)))
}

func TestBackfillRejectsMalformedPayload(t *testing.T) {
	job, _ := newBackfillFixture(t, &failingImporter{})
	err := job.Handle(context.Background(), asynq.NewTask(TaskCurbBackfill, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

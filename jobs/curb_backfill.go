package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/fleetops/internal/curb"
	jobmetrics "github.com/fleetops/fleetops/internal/jobs"
	"github.com/fleetops/fleetops/internal/schedule"
	"github.com/fleetops/fleetops/internal/shared"
)

const (
	// BackfillSafetyBuffer keeps the sweep away from windows the provider may
	// still be writing.
	BackfillSafetyBuffer = 15 * time.Minute
	// BackfillWindowRetries bounds the attempts per window within one pass.
	BackfillWindowRetries = 3
	// BackfillRetryBackoff is multiplied by the attempt number between retries.
	BackfillRetryBackoff = 30 * time.Second
	// BackfillSweepCycles bounds how many times the failed set is re-walked.
	BackfillSweepCycles = 5
	// BackfillPacing is the fixed delay between windows, keeping the sweep
	// under the provider's rate limit.
	BackfillPacing = 2 * time.Second
	// BackfillLockTTL must outlive the longest conceivable sweep.
	BackfillLockTTL = 26 * time.Hour
	// BackfillTaskTimeout is the asynq hard ceiling for one sweep.
	BackfillTaskTimeout = 25 * time.Hour
)

// BackfillConfig carries the knobs of a historical sweep. Zero values fall
// back to the package defaults, except Pacing and RetryBackoff which tests
// set to zero on purpose.
type BackfillConfig struct {
	Epoch         time.Time
	SafetyBuffer  time.Duration
	WindowRetries int
	RetryBackoff  time.Duration
	SweepCycles   int
	Pacing        time.Duration
	LockTTL       time.Duration
}

func (c BackfillConfig) windowRetries() int {
	if c.WindowRetries > 0 {
		return c.WindowRetries
	}
	return BackfillWindowRetries
}

func (c BackfillConfig) sweepCycles() int {
	if c.SweepCycles > 0 {
		return c.SweepCycles
	}
	return BackfillSweepCycles
}

func (c BackfillConfig) lockTTL() time.Duration {
	if c.LockTTL > 0 {
		return c.LockTTL
	}
	return BackfillLockTTL
}

func (c BackfillConfig) safetyBuffer() time.Duration {
	if c.SafetyBuffer > 0 {
		return c.SafetyBuffer
	}
	return BackfillSafetyBuffer
}

// CurbBackfillJob walks a historical range in 90-minute windows. The task is
// registered with MaxRetry(0): retries happen per window inside the handler,
// never by replaying the whole sweep.
type CurbBackfillJob struct {
	Importer TripImporter
	Redis    *redis.Client
	Config   BackfillConfig
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
	sleep    func(time.Duration)
}

// NewCurbBackfillJob initialises the backfill handler.
func NewCurbBackfillJob(importer TripImporter, rdb *redis.Client, cfg BackfillConfig, logger *slog.Logger, metrics *jobmetrics.Metrics) *CurbBackfillJob {
	return &CurbBackfillJob{
		Importer: importer,
		Redis:    rdb,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		sleep: time.Sleep,
	}
}

// Handle executes one historical sweep. A busy lock means another sweep over
// the same range is in flight; that is a skip, not a failure.
func (j *CurbBackfillJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("curb backfill: handler not configured")
	}
	var payload CurbBackfillPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCurbBackfill)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := payload.Start
	if start.IsZero() {
		start = j.Config.Epoch
	}
	end := payload.End
	if end.IsZero() {
		end = j.now().Add(-j.Config.safetyBuffer())
	}
	logger := j.logger().With(slog.Time("start", start), slog.Time("end", end))

	windows := schedule.BackfillWindows(start, end)
	if len(windows) == 0 {
		logger.Info("backfill range empty")
		return resultErr
	}

	mutex := shared.NewMutex(j.Redis, shared.BackfillLockKey(start, end), j.Config.lockTTL())
	locked, err := mutex.TryLock(ctx)
	if err != nil {
		resultErr = err
		return resultErr
	}
	if !locked {
		logger.Info("backfill already running, skipping")
		return resultErr
	}
	defer func() {
		if err := mutex.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Error("backfill lock release failed", slog.Any("error", err))
		}
	}()

	logger.Info("starting backfill sweep", slog.Int("windows", len(windows)))

	failed := j.runPass(ctx, logger, windows)
	for cycle := 1; cycle <= j.Config.sweepCycles() && len(failed) > 0; cycle++ {
		if ctx.Err() != nil {
			break
		}
		logger.Info("backfill sweep cycle over failed windows",
			slog.Int("cycle", cycle),
			slog.Int("remaining", len(failed)),
		)
		failed = j.runPass(ctx, logger, failed)
	}

	if err := ctx.Err(); err != nil {
		resultErr = fmt.Errorf("curb backfill: interrupted with %d windows left: %w", len(failed), err)
		return resultErr
	}
	if len(failed) > 0 {
		first := failed[0]
		resultErr = fmt.Errorf("curb backfill: %d windows failed, first [%s, %s]",
			len(failed), first.From.Format(time.RFC3339), first.To.Format(time.RFC3339))
		return resultErr
	}

	logger.Info("completed backfill sweep", slog.Int("windows", len(windows)))
	return resultErr
}

// runPass walks each window once, retrying in place up to the per-window
// budget, and returns the windows that still failed.
func (j *CurbBackfillJob) runPass(ctx context.Context, logger *slog.Logger, windows []schedule.Window) []schedule.Window {
	var failed []schedule.Window
	for _, window := range windows {
		if ctx.Err() != nil {
			failed = append(failed, window)
			continue
		}
		if err := j.importWindow(ctx, logger, window); err != nil {
			logger.Error("backfill window failed",
				slog.Time("from", window.From),
				slog.Time("to", window.To),
				slog.Any("error", err),
			)
			failed = append(failed, window)
		}
		j.pause(j.Config.Pacing)
	}
	return failed
}

func (j *CurbBackfillJob) importWindow(ctx context.Context, logger *slog.Logger, window schedule.Window) error {
	var lastErr error
	for attempt := 1; attempt <= j.Config.windowRetries(); attempt++ {
		summary, err := j.Importer.ImportTripsFromAccounts(ctx, curb.ImportInput{
			From: window.From,
			To:   window.To,
		})
		if err == nil {
			j.metrics().AddTrips("backfilled", summary.Imported)
			return nil
		}
		lastErr = err
		if attempt < j.Config.windowRetries() {
			logger.Warn("backfill window attempt failed",
				slog.Time("from", window.From),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			j.pause(time.Duration(attempt) * j.Config.RetryBackoff)
		}
	}
	return lastErr
}

func (j *CurbBackfillJob) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if j.sleep != nil {
		j.sleep(d)
		return
	}
	time.Sleep(d)
}

func (j *CurbBackfillJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *CurbBackfillJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *CurbBackfillJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}

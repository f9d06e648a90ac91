package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskCurbImport pulls the current 3-hour window from the provider.
	TaskCurbImport = "curb:import_trips"
	// TaskCurbPostLedger posts imported trips to the ledger.
	TaskCurbPostLedger = "curb:post_trips"
	// TaskCurbBackfill replays a historical range in 90-minute slices.
	TaskCurbBackfill = "curb:backfill"
	// TaskCurbReconcile flags imported trips as seen.
	TaskCurbReconcile = "curb:reconcile"
)

// CurbImportPayload scopes an import run. Empty AccountIDs means all active
// accounts; the handler computes the aligned window itself so a delayed task
// still imports the right bucket for its run time.
type CurbImportPayload struct {
	AccountIDs []int64 `json:"account_ids,omitempty"`
}

// CurbPostLedgerPayload carries the half-open [Start, End) posting range.
type CurbPostLedgerPayload struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CurbBackfillPayload carries the historical range to replay. Zero values
// fall back to the configured epoch and the safety-buffered present.
type CurbBackfillPayload struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// CurbReconcilePayload scopes a reconciliation sweep.
type CurbReconcilePayload struct {
	AccountIDs []int64 `json:"account_ids,omitempty"`
}

// NewCurbImportTask constructs the periodic import task.
func NewCurbImportTask(payload CurbImportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCurbImport, data), nil
}

// NewCurbPostLedgerTask constructs a ledger posting task.
func NewCurbPostLedgerTask(payload CurbPostLedgerPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCurbPostLedger, data), nil
}

// NewCurbBackfillTask constructs a historical backfill task.
func NewCurbBackfillTask(payload CurbBackfillPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCurbBackfill, data), nil
}

// NewCurbReconcileTask constructs a reconciliation sweep task.
func NewCurbReconcileTask(payload CurbReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCurbReconcile, data), nil
}

package curb

import (
	"fmt"

	"github.com/fleetops/fleetops/internal/shared"
)

// Package sentinels wrap shared.ErrNotFound so the HTTP layer maps them
// without knowing about this package.
var (
	// ErrAccountNotFound indicates an unknown or inactive account id.
	ErrAccountNotFound = fmt.Errorf("curb account: %w", shared.ErrNotFound)
	// ErrTripNotFound indicates an unknown trip id.
	ErrTripNotFound = fmt.Errorf("curb trip: %w", shared.ErrNotFound)
)

// APIError reports a failed provider call. It covers transport failures and
// non-2xx responses; the window-level retry in the backfill job keys off it.
type APIError struct {
	Account string
	Method  string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("curb api %s for account %s: %v", e.Method, e.Account, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// ParseError reports an unparseable feed payload. It fails only the feed it
// came from; the other feed and other accounts proceed.
type ParseError struct {
	Feed string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("curb parse %s feed: %v", e.Feed, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ReconcileError reports a failed reconciliation pass for one account.
type ReconcileError struct {
	Account string
	Err     error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("curb reconcile account %s: %v", e.Account, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

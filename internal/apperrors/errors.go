// Package apperrors defines the shared error taxonomy used across the worker
// fleet so callers can distinguish infrastructure faults (retryable) from
// business errors (surfaced synchronously) with errors.Is/errors.As.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel taxonomy values. Wrap these with fmt.Errorf("...: %w", ErrX) to
// attach context while keeping errors.Is(err, ErrX) working.
var (
	// ErrConfig indicates missing/invalid configuration. Fatal at startup,
	// never raised at runtime.
	ErrConfig = errors.New("config error")

	// ErrAuth indicates broker authentication/authorization failure that
	// survived the broker port's internal refresh+retry.
	ErrAuth = errors.New("broker auth error")

	// ErrTransientBroker indicates a timeout, 5xx, or rate-limit response
	// that exhausted the broker port's internal retry budget.
	ErrTransientBroker = errors.New("transient broker error")

	// ErrBrokerReject indicates an explicit, non-retryable broker rejection
	// (risk limit, bad symbol, insufficient buying power, ...).
	ErrBrokerReject = errors.New("broker rejected order")

	// ErrLockAcquisition indicates the symbol is already owned by another
	// worker. Non-retryable; the caller picks a different candidate.
	ErrLockAcquisition = errors.New("lock acquisition failed")

	// ErrLockExpired indicates the caller's lock was preempted by the
	// sweeper before being released or renewed.
	ErrLockExpired = errors.New("lock expired")

	// ErrLockNotFound indicates there is no lock row for the symbol at all.
	ErrLockNotFound = errors.New("lock not found")

	// ErrStore indicates a persistence-layer failure. Retryable at the
	// caller with bounded backoff; persistent failure should drive the
	// worker into EXITING.
	ErrStore = errors.New("store error")

	// ErrInvariantViolation indicates a data invariant was about to be
	// broken (e.g. a fill that would exceed order quantity). The triggering
	// mutation is rejected and local state is left untouched.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrWorkerConflict indicates start() was called for a worker_id that is
	// already registered in a non-TERMINATED status.
	ErrWorkerConflict = errors.New("worker already registered")

	// ErrWorkerNotFound indicates no WorkerProcess row exists for the given
	// worker_id.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrIllegalTransition indicates a requested state change is not in the
	// allowed transition graph for the entity's current state.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Transient reports whether err represents a retryable infrastructure fault.
func Transient(err error) bool {
	return errors.Is(err, ErrTransientBroker) || errors.Is(err, ErrStore)
}

// Wrap annotates err with a message while preserving errors.Is/As against
// the given sentinel.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, sentinel)...)
}

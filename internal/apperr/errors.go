// Package apperr holds the shared error taxonomy every core component
// returns. Names are conceptual categories, not wrappers around any one
// store's native errors — callers use errors.Is against these sentinels.
package apperr

import "errors"

var (
	// ErrConfigMissing: a required default+override config table failed to
	// decode at all (not merely partially).
	ErrConfigMissing = errors.New("apperr: config table missing or invalid")

	// ErrValidation: caller-supplied input failed shape/range validation
	// before any lock was taken.
	ErrValidation = errors.New("apperr: validation failed")

	// ErrDomain: an invariant of the domain model would be violated by the
	// requested mutation (e.g. planting on non-empty land).
	ErrDomain = errors.New("apperr: domain invariant violated")

	// ErrInsufficientResources: not enough coins, items, or inventory
	// capacity to complete the operation.
	ErrInsufficientResources = errors.New("apperr: insufficient resources")

	// ErrItemLocked: the target inventory stack is locked.
	ErrItemLocked = errors.New("apperr: item stack is locked")

	// ErrLockTimeout: LockManager exhausted its retry budget.
	ErrLockTimeout = errors.New("apperr: lock acquisition timed out")

	// ErrConcurrencyAborted: the caller's context was cancelled while
	// waiting on a lock or I/O.
	ErrConcurrencyAborted = errors.New("apperr: operation aborted by caller")

	// ErrStorageIO: an underlying KV/file write or read failed.
	ErrStorageIO = errors.New("apperr: storage I/O failure")

	// ErrStorageCorrupt: a persisted record could not be decoded into its
	// typed shape.
	ErrStorageCorrupt = errors.New("apperr: storage record corrupt")

	// ErrTaskTimeout: a TaskLoop job run exceeded its configured timeout.
	ErrTaskTimeout = errors.New("apperr: task run timed out")

	// ErrNotFound: the requested aggregate/record does not exist.
	ErrNotFound = errors.New("apperr: not found")

	// ErrInvariant: a LandCore mutation was rejected because it would
	// violate a land invariant.
	ErrInvariant = errors.New("apperr: land invariant would be violated")
)

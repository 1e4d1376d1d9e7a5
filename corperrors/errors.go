// Package corperrors defines the sentinel error values surfaced to
// callers of the orchestration core. Components wrap these with
// fmt.Errorf("%w: ...") so callers can still recover the code via
// errors.Is.
package corperrors

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist in the store.
	ErrNotFound = errors.New("not_found")

	// ErrInvalidState indicates an operation was attempted against an entity
	// whose current status does not permit it.
	ErrInvalidState = errors.New("invalid_state")

	// ErrRouting indicates a channel message violated tier/hierarchy routing
	// rules (downchain, upchain, or peer).
	ErrRouting = errors.New("routing_error")

	// ErrClaimConflict indicates a hook work item was already claimed.
	ErrClaimConflict = errors.New("claim_conflict")

	// ErrNotReady indicates a step's dependencies are not all satisfied.
	ErrNotReady = errors.New("not_ready")

	// ErrCapabilityMismatch indicates no agent satisfies the required
	// capability set (and/or tier) for a work item.
	ErrCapabilityMismatch = errors.New("capability_mismatch")

	// ErrCostCapExceeded indicates a molecule's actual_cost would exceed its
	// configured cost cap.
	ErrCostCapExceeded = errors.New("cost_cap_exceeded")

	// ErrRetriesExhausted indicates a work item or step has exceeded its
	// maximum retry count.
	ErrRetriesExhausted = errors.New("retries_exhausted")

	// ErrStorage indicates a durable-storage I/O failure.
	ErrStorage = errors.New("storage_error")

	// ErrCancelled indicates an operation was cancelled via context or an
	// explicit cancellation signal.
	ErrCancelled = errors.New("cancelled")

	// ErrDeadlineExceeded indicates a deadline fired before completion.
	ErrDeadlineExceeded = errors.New("deadline_exceeded")

	// ErrSchemaMismatch indicates a persisted record was written by an
	// incompatible schema version and cannot be loaded.
	ErrSchemaMismatch = errors.New("schema_mismatch")
)

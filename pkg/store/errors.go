package store

import "errors"

var (
	// ErrUnauthorizedWorkspace rejects a draft whose workspace differs
	// from the bound workspace.
	ErrUnauthorizedWorkspace = errors.New("unauthorized_workspace")

	// ErrIdempotencyConflict marks an idempotency key reuse with a
	// different actor or payload.
	ErrIdempotencyConflict = errors.New("idempotency_conflict_unresolved")

	// ErrStreamSeqConflict marks a uniqueness violation on
	// (stream_type, stream_id, stream_seq).
	ErrStreamSeqConflict = errors.New("stream_seq_conflict")

	// ErrStreamBusy is surfaced on sentinel lock contention; callers map
	// it to a 429 and retry.
	ErrStreamBusy = errors.New("stream append contention")

	// ErrLeaseBusy is surfaced on lease row lock contention.
	ErrLeaseBusy = errors.New("lease row contention")

	// ErrNotFound is the generic row-absent sentinel.
	ErrNotFound = errors.New("not found")

	// ErrCronLockLost marks a fencing-token mismatch mid-tick.
	ErrCronLockLost = errors.New("cron_lock_lost")
)

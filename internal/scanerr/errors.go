// Package scanerr defines the error taxonomy shared by the scheduler, the
// stores, and the public scan API.
package scanerr

import "errors"

var (
	// ErrUnknownAccount is returned when a scan request names an address
	// that is not present in the account registry. Caller error, not retried.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrBackpressure is returned when the task queue has reached its depth
	// cap. Callers should retry later with backoff.
	ErrBackpressure = errors.New("scan queue at capacity")

	// ErrNotYetIngested is reported by the block store when a requested
	// range extends past the locally ingested chain head. Tasks hitting it
	// are held and re-evaluated, never surfaced to the caller.
	ErrNotYetIngested = errors.New("blocks not yet ingested")

	// ErrWorkerLost marks a task whose assigned worker disconnected or
	// stopped heartbeating before replying.
	ErrWorkerLost = errors.New("worker lost")

	// ErrStoreUnavailable is a retryable registry failure. The commit path
	// retries it with backoff; only budget exhaustion surfaces a failure.
	ErrStoreUnavailable = errors.New("account store unavailable")

	// ErrConflict indicates the account head moved outside the scheduler's
	// single-writer path. It is never expected in normal operation.
	ErrConflict = errors.New("account head conflict")

	// ErrRetryExhausted wraps the terminal failure of a scan after the
	// retry budget for its tasks or commits has been spent.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

/*
errors.go - Centralized error taxonomy for the pipeline engine

PURPOSE:
  All engine error types in one place. Stage packages wrap these with
  additional context; the orchestrator classifies them to decide whether to
  retry, skip, or halt.

ERROR CATEGORIES:
  1. Ledger errors   - claim contention, invalid transitions
  2. Upstream errors - transient network/source failures (retryable)
  3. Load errors     - transactional batch failures (retryable)
  4. Replay errors   - changeset already applied (treated as success)

PROPAGATION POLICY:
  - ErrAlreadyRunning means "skip, not error": another worker holds the scope.
  - ErrInvalidTransition signals ledger corruption or a programming bug and
    halts the orchestrator; it is never retried.
  - Transient upstream and batch-load errors go through the ledger's
    retry path.
*/
package etl

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyRunning is returned by Claim when no eligible unit exists or
	// another worker holds it. Callers must treat this as "skip, not error."
	ErrAlreadyRunning = errors.New("job already running or not eligible")

	// ErrInvalidTransition is returned when a state change is requested from
	// a state that does not allow it (e.g. Complete on a unit that is not
	// running). This is a ledger-corruption signal: fatal, not retried.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrRetriesExhausted is returned when a unit has failed more than the
	// configured maximum and stays in error until manually reset.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrJobNotFound is returned when the ledger has no row for a scope/stage.
	ErrJobNotFound = errors.New("job not found")

	// ErrTransientUpstream is the base for retryable upstream failures.
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrBatchLoad is the base for transactional batch failures. The whole
	// batch has been rolled back; nothing was partially applied.
	ErrBatchLoad = errors.New("batch load failed")

	// ErrReplayConflict is returned when a changeset has already been
	// applied. Treated as success/no-op by callers.
	ErrReplayConflict = errors.New("changeset already applied")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransientUpstreamError wraps a retryable source failure with scope context.
type TransientUpstreamError struct {
	Scope Scope
	Cause error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("upstream failure for %s: %v", e.Scope, e.Cause)
}

func (e *TransientUpstreamError) Unwrap() error { return ErrTransientUpstream }

// BatchLoadError reports a rolled-back batch as a single failure.
type BatchLoadError struct {
	Entity    Entity
	BatchSize int
	Cause     error
}

func (e *BatchLoadError) Error() string {
	return fmt.Sprintf("batch of %d %s records rolled back: %v", e.BatchSize, e.Entity, e.Cause)
}

func (e *BatchLoadError) Unwrap() error { return ErrBatchLoad }

// InvalidTransitionError records which transition was attempted.
type InvalidTransitionError struct {
	Scope Scope
	Stage Stage
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s→%s for %s/%s", e.From, e.To, e.Scope, e.Stage)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientUpstream) || errors.Is(err, ErrBatchLoad)
}

// IsSkip returns true if the error means "nothing to do here", not a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrReplayConflict)
}

// IsFatal returns true if the error should halt the orchestrator process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

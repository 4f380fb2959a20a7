/*
ledger.go - The job ledger state machine

PURPOSE:
  Tracks every (scope, stage) unit of pipeline work through
  pending → running → {done | error}, with error → pending while retries
  remain. The ledger is the only coordination mechanism between concurrent
  orchestrator processes: there is no in-process lock that matters across a
  deployment, only the store's atomic conditional claim.

CLAIM CONTRACT:
  JobStore.Claim must be a single atomic conditional update (in SQL, one
  UPDATE ... WHERE status is eligible), never a SELECT followed by an UPDATE.
  Two workers racing on the same scope/stage must see exactly one success and
  one ErrAlreadyRunning.

RETRY POLICY:
  fail() increments retries and leaves the unit in error. A unit whose
  retries are below the configured maximum is claim-eligible again; the
  orchestrator delays re-dispatch by RetryDelay(retries), exponential with
  full jitter. Beyond the maximum the unit stays in error until Reset.

SEE ALSO:
  - store/sqlite: production JobStore
  - etl/store/memory.go: in-memory JobStore for tests
*/
package etl

import (
	"context"
	"math/rand"
	"time"
)

// =============================================================================
// JOB STORE - Persistence interface for the ledger
// =============================================================================

// JobFilter narrows List queries. Zero values match everything.
type JobFilter struct {
	Entity Entity
	Year   int
	Stage  Stage
	Status Status
}

// JobStore persists job units. Implementations must make Claim atomic.
type JobStore interface {
	// Ensure creates the unit as pending if no row exists for (scope, stage).
	// Existing rows are left untouched.
	Ensure(ctx context.Context, scope Scope, stage Stage) error

	// Claim atomically transitions an eligible unit to running and sets
	// started_at. Eligible means status pending, or status error with
	// retries < maxRetries. Returns ErrAlreadyRunning when no eligible unit
	// exists or another worker holds it.
	Claim(ctx context.Context, scope Scope, stage Stage, maxRetries int) (JobUnit, error)

	// Complete transitions running → done and sets finished_at.
	// Returns ErrInvalidTransition if the unit is not running.
	Complete(ctx context.Context, scope Scope, stage Stage) error

	// Fail transitions running → error, increments retries and records the
	// reason. Returns the updated unit.
	Fail(ctx context.Context, scope Scope, stage Stage, reason string) (JobUnit, error)

	// Reset returns an error or done unit to pending with zero retries.
	// Used for manual intervention on terminal errors and for re-arming
	// recurring stages between cycles.
	Reset(ctx context.Context, scope Scope, stage Stage) error

	// Get returns the unit for (scope, stage), or ErrJobNotFound.
	Get(ctx context.Context, scope Scope, stage Stage) (JobUnit, error)

	// List returns units matching the filter, most recently updated first.
	List(ctx context.Context, filter JobFilter) ([]JobUnit, error)
}

// =============================================================================
// LEDGER - State machine over a JobStore
// =============================================================================

// LedgerConfig holds the retry tunables. The upstream documentation gives a
// default of 3 retries but no inter-retry timing, so the backoff is
// configuration rather than a guessed constant.
type LedgerConfig struct {
	MaxRetries   int
	RetryBase    time.Duration // first-retry delay before jitter
	RetryCap     time.Duration // upper bound on any delay
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MaxRetries: 3,
		RetryBase:  2 * time.Second,
		RetryCap:   5 * time.Minute,
	}
}

// Ledger is the engine-facing view of the job ledger.
type Ledger struct {
	store  JobStore
	config LedgerConfig
}

func NewLedger(store JobStore, config LedgerConfig) *Ledger {
	if config.MaxRetries <= 0 {
		config = DefaultLedgerConfig()
	}
	return &Ledger{store: store, config: config}
}

// Schedule registers a scope/stage as pending work if it is not yet tracked.
func (l *Ledger) Schedule(ctx context.Context, scope Scope, stage Stage) error {
	return l.store.Ensure(ctx, scope, stage)
}

// Claim attempts to take ownership of one unit of work.
// ErrAlreadyRunning is the expected answer under contention; callers skip.
func (l *Ledger) Claim(ctx context.Context, scope Scope, stage Stage) (JobUnit, error) {
	return l.store.Claim(ctx, scope, stage, l.config.MaxRetries)
}

// Complete marks a claimed unit done.
func (l *Ledger) Complete(ctx context.Context, scope Scope, stage Stage) error {
	return l.store.Complete(ctx, scope, stage)
}

// Fail records a failure. The returned error is ErrRetriesExhausted when the
// unit has gone terminal and will need manual review.
func (l *Ledger) Fail(ctx context.Context, scope Scope, stage Stage, reason string) error {
	unit, err := l.store.Fail(ctx, scope, stage, reason)
	if err != nil {
		return err
	}
	if unit.Terminal(l.config.MaxRetries) {
		return ErrRetriesExhausted
	}
	return nil
}

// Reset clears an error or done unit back to pending. Used for manual
// intervention and for re-arming recurring stages between cycles.
func (l *Ledger) Reset(ctx context.Context, scope Scope, stage Stage) error {
	return l.store.Reset(ctx, scope, stage)
}

// Get returns the current state of a unit.
func (l *Ledger) Get(ctx context.Context, scope Scope, stage Stage) (JobUnit, error) {
	return l.store.Get(ctx, scope, stage)
}

// List returns units matching the filter.
func (l *Ledger) List(ctx context.Context, filter JobFilter) ([]JobUnit, error) {
	return l.store.List(ctx, filter)
}

// MaxRetries exposes the configured retry bound.
func (l *Ledger) MaxRetries() int { return l.config.MaxRetries }

// RetryDelay returns how long to wait before re-dispatching a unit that has
// failed `retries` times: exponential backoff with full jitter, capped.
func (l *Ledger) RetryDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	delay := l.config.RetryBase
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= l.config.RetryCap {
			delay = l.config.RetryCap
			break
		}
	}
	// Full jitter: uniform in [0, delay].
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

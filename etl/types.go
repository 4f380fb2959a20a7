/*
Package etl provides the core pipeline engine.

PURPOSE:
  This package contains the domain-agnostic machinery for running a staged
  extract→transform→load pipeline over a moving upstream dataset: the job
  ledger state machine, scope/stage identifiers, the incident log types, and
  run reporting. Domain packages (grants) define what the records are; this
  package defines how work on them is tracked.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scope: an (entity, year, month?, type?) tuple identifying one unit of work
  - Stage: a pipeline phase (extract, transform, load, sync)
  - JobUnit: one ledger row, (scope, stage) plus status/retries/timestamps
  - Incident: a recorded, non-fatal data-quality failure

DESIGN PRINCIPLES:
  1. The ledger is the single source of truth: workers never cache status
     across runs, they re-read the ledger.
  2. Claiming is a single atomic conditional update in the store, never
     read-then-write, so concurrent orchestrators cannot double-claim.
  3. Incidents never block a batch: unresolved references are logged and the
     pipeline continues.

SEE ALSO:
  - ledger.go: claim/complete/fail state machine
  - errors.go: error taxonomy
  - report.go: run reports and exit codes
*/
package etl

import (
	"fmt"
	"time"
)

// =============================================================================
// SCOPE - Unit of ledger-tracked work
// =============================================================================

// Entity identifies one upstream dataset (awards, calls, beneficiaries, ...).
// Concrete values are defined by the domain package.
type Entity string

// Scope identifies one unit of pipeline work. Month and Type are optional:
// zero values mean "whole year" and "all types".
type Scope struct {
	Entity Entity
	Year   int
	Month  time.Month // 0 = unscoped
	Type   string     // one-letter registry type code, "" = unscoped
}

func (s Scope) String() string {
	out := fmt.Sprintf("%s/%d", s.Entity, s.Year)
	if s.Month != 0 {
		out += fmt.Sprintf("-%02d", int(s.Month))
	}
	if s.Type != "" {
		out += "/" + s.Type
	}
	return out
}

// Key returns a stable identifier usable as an artifact name fragment.
func (s Scope) Key() string {
	return fmt.Sprintf("%s_%d_%02d_%s", s.Entity, s.Year, int(s.Month), s.Type)
}

// =============================================================================
// RAW RECORD - Upstream representation, opaque to the store
// =============================================================================

// RawRecord is one upstream record as extracted: a flat field map. Only the
// transformer interprets it; the ledger and artifact layers treat it as
// opaque payload.
type RawRecord map[string]string

// =============================================================================
// STAGE & STATUS
// =============================================================================

type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
	StageSync      Stage = "sync" // reconciliation apply; exclusive per entity
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// =============================================================================
// JOB UNIT - One ledger row
// =============================================================================

// JobUnit is the durable record of one (scope, stage) pipeline execution.
// Identity (Scope, Stage) is unique in the ledger; that uniqueness is the
// concurrency-safety primitive guaranteeing at most one active execution.
type JobUnit struct {
	Scope Scope
	Stage Stage

	Status    Status
	Retries   int
	LastError string

	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the unit will never be retried automatically.
func (j JobUnit) Terminal(maxRetries int) bool {
	return j.Status == StatusError && j.Retries >= maxRetries
}

// =============================================================================
// INCIDENT - Non-fatal data-quality failure
// =============================================================================

// IncidentKind classifies what went wrong with a record.
type IncidentKind string

const (
	IncidentMissingReference IncidentKind = "missing_reference"
	IncidentMalformedField   IncidentKind = "malformed_field"
	IncidentPendingCatalog   IncidentKind = "pending_catalog"
)

// Incident is one append-only record of an unresolved reference or malformed
// field. Incidents are consumed by a manual-review process, never by the
// pipeline itself.
type Incident struct {
	ID         string
	Entity     Entity
	NaturalKey string
	Kind       IncidentKind
	Detail     string
	RecordedAt time.Time
}

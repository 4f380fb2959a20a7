/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface the pipeline consumes: the job
  ledger, the record store the loader writes through, the reference lookups
  the transformer reads, the aggregate table the stats package owns, and
  the incident/sync-run audit tables. In production the same patterns apply
  to PostgreSQL; only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  etl.JobStore:              ledger rows with the atomic conditional claim
  load.Store:                transactional batch writes
  load.IncidentStore:        append-only incident log
  transform.ReferenceStore:  natural-key → surrogate lookups
  stats.Store:               aggregate recompute and shadow rebuild
  stats.AuthorityResolver:   call → authority
  reconcile.LocalStore:      windowed award fingerprints
  reconcile.RunStore:        reconciliation audit rows

CLAIM ATOMICITY:
  The ledger claim is one conditional UPDATE whose WHERE clause encodes
  eligibility; a raced claim simply affects zero rows. There is never a
  SELECT-then-UPDATE on ledger status.

TRANSACTION BOUNDARIES:
  Batch writes (award inserts, beneficiary upserts) run inside one
  BEGIN/COMMIT; any row error rolls back the whole batch. Monetary values
  are stored as TEXT and folded with decimal arithmetic in Go; SQLite's
  floating SUM is not acceptable for money.

WAL MODE:
  Opened with WAL and foreign keys on. Multiple readers don't block; a
  single writer at a time, serialized by an in-process mutex.

USAGE:
  store, err := sqlite.New("./data/grants.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - etl/ledger.go: the state machine over JobStore
  - store/memory: reference implementation of the same contracts
*/
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Job ledger: one row per (scope, stage). The unique index is the
	-- concurrency primitive behind the atomic claim.
	CREATE TABLE IF NOT EXISTS etl_jobs (
		entity TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		started_at TEXT,
		finished_at TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(entity, year, month, type, stage)
	);

	CREATE INDEX IF NOT EXISTS idx_etl_jobs_status
		ON etl_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_etl_jobs_entity_year
		ON etl_jobs(entity, year);

	-- Granting authorities (hierarchical catalog)
	CREATE TABLE IF NOT EXISTS authorities (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		name TEXT NOT NULL,
		kind TEXT
	);

	-- Aid instruments (static catalog)
	CREATE TABLE IF NOT EXISTS instruments (
		id INTEGER PRIMARY KEY,
		description TEXT NOT NULL
	);

	-- Calls for proposals. id is the surrogate; code is the upstream
	-- registry code awards reference.
	CREATE TABLE IF NOT EXISTS calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code INTEGER NOT NULL UNIQUE,
		title TEXT,
		authority_id TEXT REFERENCES authorities(id),
		budget TEXT,
		open INTEGER NOT NULL DEFAULT 0,
		received_at TEXT,
		created_by TEXT,
		updated_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_calls_authority
		ON calls(authority_id);

	-- Beneficiaries. id is the surrogate; external_id is the upstream
	-- person identifier.
	CREATE TABLE IF NOT EXISTS beneficiaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id INTEGER NOT NULL UNIQUE,
		tax_id TEXT,
		name TEXT NOT NULL,
		name_norm TEXT NOT NULL,
		legal_form TEXT,
		created_by TEXT,
		updated_by TEXT
	);

	-- De-minimis aid programs
	CREATE TABLE IF NOT EXISTS aid_programs (
		id INTEGER PRIMARY KEY,
		beneficiary_id INTEGER REFERENCES beneficiaries(id),
		year INTEGER NOT NULL,
		amount TEXT NOT NULL,
		regulation TEXT
	);

	-- Alternate names. Append-only; the unique index makes re-observing
	-- a known pseudonym a no-op.
	CREATE TABLE IF NOT EXISTS pseudonyms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		beneficiary_id INTEGER NOT NULL REFERENCES beneficiaries(id),
		name TEXT NOT NULL,
		name_norm TEXT NOT NULL,
		UNIQUE(beneficiary_id, name_norm)
	);

	-- Awards. id is the upstream registry identifier; inserts are
	-- first-seen (ON CONFLICT DO NOTHING), mutation happens only through
	-- the reconciler.
	CREATE TABLE IF NOT EXISTS awards (
		id INTEGER PRIMARY KEY,
		call_id INTEGER REFERENCES calls(id),
		call_code INTEGER NOT NULL,
		beneficiary_id INTEGER REFERENCES beneficiaries(id),
		instrument_id INTEGER,
		grant_date TEXT,
		amount TEXT NOT NULL,
		equivalent_aid TEXT,
		record_url TEXT,
		has_project INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		updated_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_awards_beneficiary_date
		ON awards(beneficiary_id, grant_date);
	CREATE INDEX IF NOT EXISTS idx_awards_call
		ON awards(call_id);
	CREATE INDEX IF NOT EXISTS idx_awards_grant_date
		ON awards(grant_date);

	-- Denormalized aggregates, owned by the stats package. Never written
	-- by the loader directly.
	CREATE TABLE IF NOT EXISTS beneficiary_year_stats (
		beneficiary_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		authority_id TEXT NOT NULL,
		num_grants INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		average_amount TEXT NOT NULL,
		first_grant_date TEXT NOT NULL,
		last_grant_date TEXT NOT NULL,
		PRIMARY KEY(beneficiary_id, year, authority_id)
	);

	-- Append-only incident log, consumed by manual review.
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_entity_kind
		ON incidents(entity, kind);

	-- One audit row per reconciliation run.
	CREATE TABLE IF NOT EXISTS sync_runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		added INTEGER NOT NULL DEFAULT 0,
		modified INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		detail TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time, layout string) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(layout), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func parseNullTime(v sql.NullString, layout string) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(layout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

/*
Package reconcile detects and repairs drift between the upstream registry
and the local store.

PURPOSE:
  The upstream registry mutates history: records are corrected or retracted
  months after first publication, outside any incremental feed. The
  reconciler runs on a schedule against a trailing window (default 48
  months), compares upstream content hashes against local ones, and turns
  the difference into a changeset:

    added    = upstream − local
    removed  = local − upstream
    modified = intersection where the hash differs

  The changeset is persisted to disk for audit BEFORE it is applied;
  applying routes every mutation through the ordinary loader so aggregate
  maintenance fires uniformly: a delete is a change event, not a special
  case.

DESIGN PRINCIPLES:
  - Idempotent apply: the changeset file carries an applied marker, and
    each mutation is individually replay-safe, so a crash mid-apply is
    repaired by re-running the same file.
  - Both sides of the diff are hashed with the same fingerprint function;
    a hash mismatch is the only definition of "modified".

SEE ALSO:
  - grants.Fingerprint: the shared content hash
  - load/: the only write path the apply step uses
*/
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/load"
	"github.com/grantsync/etl-engine/transform"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Source is the upstream side of the diff.
type Source interface {
	// WindowFingerprints returns upstream award identifiers with content
	// hashes for grant dates in [from, to).
	WindowFingerprints(ctx context.Context, from, to time.Time) (map[int64]string, error)

	// FetchByID returns the raw records for the given award identifiers.
	FetchByID(ctx context.Context, ids []int64) ([]etl.RawRecord, error)
}

// LocalStore is the local side of the diff.
type LocalStore interface {
	LocalFingerprints(ctx context.Context, from, to time.Time) (map[int64]string, error)
}

// RunStore persists one audit row per reconciliation run.
type RunStore interface {
	RecordSyncRun(ctx context.Context, run SyncRun) error
}

// =============================================================================
// CHANGESET
// =============================================================================

// Changeset is the persisted outcome of one detection run. Applied is the
// replay-safety marker: an applied changeset left on disk is skipped.
type Changeset struct {
	RunID       string     `json:"run_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	WindowFrom  time.Time  `json:"window_from"`
	WindowTo    time.Time  `json:"window_to"`
	Added       []int64    `json:"added"`
	Modified    []int64    `json:"modified"`
	Removed     []int64    `json:"removed"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// Empty reports whether the changeset carries no work.
func (c *Changeset) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// SyncRun is the audit record of one reconciliation.
type SyncRun struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Added      int
	Modified   int
	Removed    int
	Status     string // detected | applied | failed
	Detail     string
}

// =============================================================================
// RECONCILER
// =============================================================================

type Config struct {
	WindowMonths int    // trailing window, default 48
	ChangesetDir string // where changeset files land
}

func DefaultConfig(dir string) Config {
	return Config{WindowMonths: 48, ChangesetDir: dir}
}

type Reconciler struct {
	cfg         Config
	source      Source
	local       LocalStore
	runs        RunStore
	transformer *transform.Transformer
	loader      *load.Loader
	refs        transform.ReferenceStore
	ledger      *etl.Ledger
	now         func() time.Time
}

func New(cfg Config, source Source, local LocalStore, runs RunStore,
	transformer *transform.Transformer, loader *load.Loader,
	refs transform.ReferenceStore, ledger *etl.Ledger) *Reconciler {
	if cfg.WindowMonths <= 0 {
		cfg.WindowMonths = 48
	}
	return &Reconciler{
		cfg:         cfg,
		source:      source,
		local:       local,
		runs:        runs,
		transformer: transformer,
		loader:      loader,
		refs:        refs,
		ledger:      ledger,
		now:         time.Now,
	}
}

// syncScope identifies the apply stage's ledger unit. The window spans
// years, so the unit is unscoped by year: one exclusive unit per entity.
func syncScope() etl.Scope {
	return etl.Scope{Entity: grants.EntityAward}
}

// Window returns the [from, to) interval the reconciler currently covers.
func (r *Reconciler) Window() (time.Time, time.Time) {
	to := r.now().UTC()
	from := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, -r.cfg.WindowMonths, 0)
	return from, to
}

// Detect diffs upstream against local for the window and persists the
// resulting changeset file. Returns the changeset and the file path; the
// file exists even when the changeset is empty, for audit.
func (r *Reconciler) Detect(ctx context.Context) (*Changeset, string, error) {
	from, to := r.Window()
	started := r.now().UTC()

	upstream, err := r.source.WindowFingerprints(ctx, from, to)
	if err != nil {
		return nil, "", fmt.Errorf("fetching upstream fingerprints: %w", err)
	}
	local, err := r.local.LocalFingerprints(ctx, from, to)
	if err != nil {
		return nil, "", fmt.Errorf("fetching local fingerprints: %w", err)
	}

	cs := &Changeset{
		RunID:       uuid.NewString(),
		GeneratedAt: started,
		WindowFrom:  from,
		WindowTo:    to,
	}
	for id, hash := range upstream {
		localHash, exists := local[id]
		switch {
		case !exists:
			cs.Added = append(cs.Added, id)
		case localHash != hash:
			cs.Modified = append(cs.Modified, id)
		}
	}
	for id := range local {
		if _, exists := upstream[id]; !exists {
			cs.Removed = append(cs.Removed, id)
		}
	}
	sortIDs(cs.Added)
	sortIDs(cs.Modified)
	sortIDs(cs.Removed)

	path := filepath.Join(r.cfg.ChangesetDir, started.Format("changes_20060102_150405.json"))
	if err := writeChangeset(path, cs); err != nil {
		return nil, "", err
	}
	log.Printf("[Reconciler] detected %d added, %d modified, %d removed (window %s..%s)",
		len(cs.Added), len(cs.Modified), len(cs.Removed),
		from.Format("2006-01"), to.Format("2006-01"))

	if r.runs != nil {
		run := SyncRun{
			RunID: cs.RunID, StartedAt: started, FinishedAt: r.now().UTC(),
			Added: len(cs.Added), Modified: len(cs.Modified), Removed: len(cs.Removed),
			Status: "detected",
		}
		if err := r.runs.RecordSyncRun(ctx, run); err != nil {
			return nil, "", err
		}
	}
	return cs, path, nil
}

// Apply executes the changeset at path. A changeset already marked applied
// returns ErrReplayConflict; callers treat that as a no-op. Every mutation
// inside is individually replay-safe, so re-running a half-applied file
// completes it without double effects.
//
// Apply runs under the sync stage of the job ledger: the unit is claimed
// before any mutation, so a concurrent apply (or anything else holding the
// stage) is refused with ErrAlreadyRunning.
func (r *Reconciler) Apply(ctx context.Context, path string) error {
	cs, err := readChangeset(path)
	if err != nil {
		return err
	}
	if cs.Applied {
		return fmt.Errorf("changeset %s: %w", filepath.Base(path), etl.ErrReplayConflict)
	}
	started := r.now().UTC()

	if r.ledger != nil {
		if err := r.claimSyncUnit(ctx); err != nil {
			return err
		}
	}
	if err := r.applyChangeset(ctx, cs, path, started); err != nil {
		if r.ledger != nil {
			if failErr := r.ledger.Fail(ctx, syncScope(), etl.StageSync, err.Error()); failErr != nil && !errors.Is(failErr, etl.ErrRetriesExhausted) {
				log.Printf("[Reconciler] recording sync failure: %v", failErr)
			}
		}
		return err
	}
	if r.ledger != nil {
		return r.ledger.Complete(ctx, syncScope(), etl.StageSync)
	}
	return nil
}

// claimSyncUnit takes the per-entity sync unit. The unit is recurring: a
// previous cycle leaves it done, which re-arms back to pending before the
// claim. Any other ineligible state means the stage is genuinely held or
// needs manual reset.
func (r *Reconciler) claimSyncUnit(ctx context.Context) error {
	scope := syncScope()
	if err := r.ledger.Schedule(ctx, scope, etl.StageSync); err != nil {
		return err
	}
	_, err := r.ledger.Claim(ctx, scope, etl.StageSync)
	if err == nil {
		return nil
	}
	if !errors.Is(err, etl.ErrAlreadyRunning) {
		return err
	}

	unit, getErr := r.ledger.Get(ctx, scope, etl.StageSync)
	if getErr != nil || unit.Status != etl.StatusDone {
		return fmt.Errorf("sync stage for %s: %w", scope.Entity, etl.ErrAlreadyRunning)
	}
	if resetErr := r.ledger.Reset(ctx, scope, etl.StageSync); resetErr != nil {
		// Lost the re-arm race to another applier.
		return fmt.Errorf("sync stage for %s: %w", scope.Entity, etl.ErrAlreadyRunning)
	}
	if _, err := r.ledger.Claim(ctx, scope, etl.StageSync); err != nil {
		return fmt.Errorf("sync stage for %s: %w", scope.Entity, err)
	}
	return nil
}

func (r *Reconciler) applyChangeset(ctx context.Context, cs *Changeset, path string, started time.Time) error {
	lookups, err := transform.LoadLookups(ctx, r.refs)
	if err != nil {
		return err
	}

	if err := r.applyUpserts(ctx, cs.Added, lookups, false); err != nil {
		return r.failRun(ctx, cs, started, err)
	}
	if err := r.applyUpserts(ctx, cs.Modified, lookups, true); err != nil {
		return r.failRun(ctx, cs, started, err)
	}
	for _, id := range cs.Removed {
		if err := r.loader.DeleteAward(ctx, id); err != nil {
			return r.failRun(ctx, cs, started, err)
		}
	}

	now := r.now().UTC()
	cs.Applied = true
	cs.AppliedAt = &now
	if err := writeChangeset(path, cs); err != nil {
		return err
	}
	log.Printf("[Reconciler] applied changeset %s: +%d ~%d -%d",
		cs.RunID, len(cs.Added), len(cs.Modified), len(cs.Removed))

	if r.runs != nil {
		return r.runs.RecordSyncRun(ctx, SyncRun{
			RunID: cs.RunID, StartedAt: started, FinishedAt: now,
			Added: len(cs.Added), Modified: len(cs.Modified), Removed: len(cs.Removed),
			Status: "applied",
		})
	}
	return nil
}

// Run is the scheduled entry point: detect, then apply the fresh changeset.
func (r *Reconciler) Run(ctx context.Context) (*Changeset, error) {
	cs, path, err := r.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if cs.Empty() {
		return cs, nil
	}
	if err := r.Apply(ctx, path); err != nil {
		return cs, err
	}
	return cs, nil
}

// PendingChangesets lists unapplied changeset files in the changeset
// directory, oldest first. A crash between write and apply leaves the file
// behind for replay.
func (r *Reconciler) PendingChangesets() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.cfg.ChangesetDir, "changes_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var pending []string
	for _, path := range matches {
		cs, err := readChangeset(path)
		if err != nil {
			return nil, err
		}
		if !cs.Applied {
			pending = append(pending, path)
		}
	}
	return pending, nil
}

// applyUpserts fetches raw records by id, runs them through the ordinary
// transformer, and loads them. Updates reuse the same surrogate row.
func (r *Reconciler) applyUpserts(ctx context.Context, ids []int64, lookups *transform.Lookups, update bool) error {
	if len(ids) == 0 {
		return nil
	}
	raw, err := r.source.FetchByID(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetching %d records: %w", len(ids), err)
	}
	out := r.transformer.TransformAwards(raw, lookups)

	if !update {
		_, err := r.loader.LoadAwards(ctx, grants.EntityAward, out)
		return err
	}
	if len(out.Incidents) > 0 {
		// Modified records that no longer resolve are dropped like any
		// other transform failure; the incident trail records them.
		log.Printf("[Reconciler] %d modified records failed transform", len(out.Incidents))
	}
	for _, batch := range out.Batches {
		for _, award := range batch {
			if err := r.loader.UpdateAward(ctx, award); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) failRun(ctx context.Context, cs *Changeset, started time.Time, cause error) error {
	if r.runs != nil {
		_ = r.runs.RecordSyncRun(ctx, SyncRun{
			RunID: cs.RunID, StartedAt: started, FinishedAt: r.now().UTC(),
			Added: len(cs.Added), Modified: len(cs.Modified), Removed: len(cs.Removed),
			Status: "failed", Detail: cause.Error(),
		})
	}
	return cause
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// =============================================================================
// CHANGESET FILES
// =============================================================================

func writeChangeset(path string, cs *Changeset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readChangeset(path string) (*Changeset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cs Changeset
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parsing changeset %s: %w", filepath.Base(path), err)
	}
	return &cs, nil
}

/*
Package load commits enriched batches to the store.

PURPOSE:
  The loader is the only path from transformed records into the relational
  store. Its contract is deliberately narrow:

    - One batch, one transaction. A failure on any row rolls the whole
      batch back and surfaces as a single BatchLoadError; there are no
      partial commits.
    - First-seen semantics for awards: an insert that conflicts with an
      existing row is a no-op, so replaying an enriched artifact is safe.
    - After every committed change the Stats Aggregator's incremental hook
      is invoked for each affected award, immediately and synchronously.
      The loader never writes aggregate rows itself.

DESIGN PRINCIPLES:
  - Updates and deletes exist for the reconciler: an ordinary load only
    inserts, but a changeset apply routes modifications and removals
    through the same loader so the stats hook fires uniformly.

SEE ALSO:
  - transform/: produces the batches this package consumes
  - stats/: aggregate maintenance invoked per change
*/
package load

import (
	"context"
	"log"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/stats"
	"github.com/grantsync/etl-engine/transform"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is the transactional surface the loader writes through. Batch
// methods run in a single transaction; any row failure rolls back the
// whole call.
type Store interface {
	// InsertAwards inserts the batch with first-seen semantics and returns
	// the rows actually inserted (conflicting rows are silently skipped).
	InsertAwards(ctx context.Context, batch []grants.Award) ([]grants.Award, error)

	// UpdateAward replaces an existing award in place, preserving its
	// surrogate identifier, and returns the prior row.
	UpdateAward(ctx context.Context, award grants.Award) (grants.Award, error)

	// DeleteAward removes an award and returns the deleted row; found is
	// false when no such award exists.
	DeleteAward(ctx context.Context, id int64) (grants.Award, bool, error)

	// UpsertBeneficiaries inserts or refreshes beneficiary rows, assigning
	// surrogate identifiers to new external identifiers, and appends any
	// pseudonyms not yet on file. Pseudonyms are append-only.
	UpsertBeneficiaries(ctx context.Context, batch []transform.BeneficiaryUpsert) error
}

// IncidentStore persists unresolved-reference incidents for manual review.
type IncidentStore interface {
	RecordIncidents(ctx context.Context, incidents []etl.Incident) error
}

// =============================================================================
// LOADER
// =============================================================================

const defaultBatchSize = 1000

type Loader struct {
	store      Store
	incidents  IncidentStore
	aggregator *stats.Aggregator
	writtenBy  string
	batchSize  int
}

func New(store Store, incidents IncidentStore, aggregator *stats.Aggregator, writtenBy string) *Loader {
	if writtenBy == "" {
		writtenBy = "etl_system"
	}
	return &Loader{
		store:      store,
		incidents:  incidents,
		aggregator: aggregator,
		writtenBy:  writtenBy,
		batchSize:  defaultBatchSize,
	}
}

// LoadAwards commits the transformed output batch by batch. Returns the
// number of rows actually inserted across all batches. A batch failure
// stops the load at that batch; earlier batches stay committed, which is
// safe because a rerun replays them as no-ops.
func (l *Loader) LoadAwards(ctx context.Context, entity etl.Entity, out transform.AwardOutput) (int, error) {
	if err := l.recordIncidents(ctx, out.Incidents); err != nil {
		return 0, err
	}

	inserted := 0
	for _, batch := range out.Batches {
		if len(batch) == 0 {
			continue
		}
		stamped := make([]grants.Award, len(batch))
		for i, award := range batch {
			award.CreatedBy = l.writtenBy
			award.UpdatedBy = l.writtenBy
			stamped[i] = award
		}
		rows, err := l.store.InsertAwards(ctx, stamped)
		if err != nil {
			return inserted, &etl.BatchLoadError{Entity: entity, BatchSize: len(batch), Cause: err}
		}
		inserted += len(rows)
		for i := range rows {
			if err := l.aggregator.OnAwardChange(ctx, nil, &rows[i]); err != nil {
				return inserted, err
			}
		}
	}
	if inserted > 0 {
		log.Printf("[Loader] %s: inserted %d rows in %d batches", entity, inserted, len(out.Batches))
	}
	return inserted, nil
}

// UpdateAward applies a reconciler modification in place, keeping the
// surrogate identifier, and recomputes aggregates on both sides of the
// change.
func (l *Loader) UpdateAward(ctx context.Context, award grants.Award) error {
	award.UpdatedBy = l.writtenBy
	old, err := l.store.UpdateAward(ctx, award)
	if err != nil {
		return &etl.BatchLoadError{Entity: grants.EntityAward, BatchSize: 1, Cause: err}
	}
	return l.aggregator.OnAwardChange(ctx, &old, &award)
}

// DeleteAward removes an award and decrements its aggregate through the
// same change hook as any other mutation. Deleting an absent award is a
// no-op so a replayed changeset cannot fail here.
func (l *Loader) DeleteAward(ctx context.Context, id int64) error {
	old, found, err := l.store.DeleteAward(ctx, id)
	if err != nil {
		return &etl.BatchLoadError{Entity: grants.EntityAward, BatchSize: 1, Cause: err}
	}
	if !found {
		return nil
	}
	return l.aggregator.OnAwardChange(ctx, &old, nil)
}

// LoadBeneficiaries commits the beneficiary upserts batch by batch.
func (l *Loader) LoadBeneficiaries(ctx context.Context, out transform.BeneficiaryOutput) (int, error) {
	if err := l.recordIncidents(ctx, out.Incidents); err != nil {
		return 0, err
	}

	loaded := 0
	for start := 0; start < len(out.Upserts); start += l.batchSize {
		end := start + l.batchSize
		if end > len(out.Upserts) {
			end = len(out.Upserts)
		}
		batch := make([]transform.BeneficiaryUpsert, end-start)
		for i, up := range out.Upserts[start:end] {
			up.Beneficiary.CreatedBy = l.writtenBy
			up.Beneficiary.UpdatedBy = l.writtenBy
			batch[i] = up
		}
		if err := l.store.UpsertBeneficiaries(ctx, batch); err != nil {
			return loaded, &etl.BatchLoadError{Entity: grants.EntityBeneficiary, BatchSize: len(batch), Cause: err}
		}
		loaded += len(batch)
	}
	return loaded, nil
}

func (l *Loader) recordIncidents(ctx context.Context, incidents []etl.Incident) error {
	if len(incidents) == 0 || l.incidents == nil {
		return nil
	}
	return l.incidents.RecordIncidents(ctx, incidents)
}

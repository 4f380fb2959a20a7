/*
Package stats maintains the denormalized per-beneficiary aggregates.

PURPOSE:
  Keeps the (beneficiary × year × authority) aggregate rows (grant count,
  total/average amount, first/last grant date) in step with the award
  table. Two entry points:

    OnAwardChange(old, new): incremental maintenance. Every affected triple
    is recomputed from its current award rows, never adjusted by delta
    arithmetic, so repeated or reordered events cannot drift the totals.

    RebuildAll(): full recompute, the always-correct fallback. The rebuild
    lands in a shadow table that is swapped in at the end, so concurrent
    readers see either the old or the new aggregates, never a partial mix.

OWNERSHIP:
  This package is the only writer of aggregate rows. The loader and
  reconciler report changes here; they never touch the table themselves.
  A delete is a change event like any other, not a special case.

SEE ALSO:
  - load/: invokes OnAwardChange after every committed batch
  - store/sqlite: StatsStore implementation
*/
package stats

import (
	"context"
	"fmt"
	"log"

	"github.com/grantsync/etl-engine/grants"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is what the aggregator needs from persistence.
type Store interface {
	// RecomputeTriple rederives one aggregate row from the current award
	// rows for the key, upserting the result, or deleting the row when no
	// awards remain for the key.
	RecomputeTriple(ctx context.Context, key grants.StatsKey) error

	// RebuildAll recomputes every aggregate into a shadow table and swaps
	// it in. Returns the number of aggregate rows produced.
	RebuildAll(ctx context.Context) (int, error)

	// Stats returns the stored aggregate for a key, if present.
	Stats(ctx context.Context, key grants.StatsKey) (grants.YearStats, bool, error)

	// AllStats returns every stored aggregate row.
	AllStats(ctx context.Context) ([]grants.YearStats, error)

	// ComputedStats derives every aggregate directly from award rows,
	// bypassing the stored table. Used by Verify.
	ComputedStats(ctx context.Context) ([]grants.YearStats, error)
}

// AuthorityResolver maps a call surrogate to its granting authority; the
// aggregate key's authority comes from the award's call.
type AuthorityResolver interface {
	AuthorityOfCall(ctx context.Context, callID int64) (string, error)
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	store    Store
	resolver AuthorityResolver
}

func New(store Store, resolver AuthorityResolver) *Aggregator {
	return &Aggregator{store: store, resolver: resolver}
}

// OnAwardChange reacts to one award insert (old nil), update (both set) or
// delete (new nil). Every triple touched by either side is recomputed from
// current award rows.
func (a *Aggregator) OnAwardChange(ctx context.Context, old, new *grants.Award) error {
	keys := make(map[grants.StatsKey]bool)

	for _, award := range []*grants.Award{old, new} {
		if award == nil {
			continue
		}
		key, ok, err := a.keyOf(ctx, *award)
		if err != nil {
			return err
		}
		if ok {
			keys[key] = true
		}
	}

	for key := range keys {
		if err := a.store.RecomputeTriple(ctx, key); err != nil {
			return fmt.Errorf("recomputing stats for beneficiary %d / %d / %s: %w",
				key.BeneficiaryID, key.Year, key.AuthorityID, err)
		}
	}
	return nil
}

// keyOf derives the aggregate key for an award. Awards without a grant date
// or an resolvable authority are excluded from aggregates.
func (a *Aggregator) keyOf(ctx context.Context, award grants.Award) (grants.StatsKey, bool, error) {
	if award.GrantDate == nil || award.BeneficiaryID == 0 || award.CallID == 0 {
		return grants.StatsKey{}, false, nil
	}
	authority, err := a.resolver.AuthorityOfCall(ctx, award.CallID)
	if err != nil {
		return grants.StatsKey{}, false, err
	}
	if authority == "" {
		return grants.StatsKey{}, false, nil
	}
	return grants.StatsKey{
		BeneficiaryID: award.BeneficiaryID,
		Year:          award.Year(),
		AuthorityID:   authority,
	}, true, nil
}

// RebuildAll truncate-and-recomputes every aggregate from award rows.
// Used for recovery and when a bulk load bypassed the incremental hooks.
func (a *Aggregator) RebuildAll(ctx context.Context) (int, error) {
	count, err := a.store.RebuildAll(ctx)
	if err != nil {
		return 0, err
	}
	log.Printf("[Stats] rebuilt %d aggregate rows", count)
	return count, nil
}

// Verify compares stored aggregates against a fresh recomputation and
// returns the keys that differ. An empty result means the incremental
// state matches the ground truth.
func (a *Aggregator) Verify(ctx context.Context) ([]grants.StatsKey, error) {
	stored, err := a.store.AllStats(ctx)
	if err != nil {
		return nil, err
	}
	computed, err := a.store.ComputedStats(ctx)
	if err != nil {
		return nil, err
	}

	storedBy := make(map[grants.StatsKey]grants.YearStats, len(stored))
	for _, s := range stored {
		storedBy[keyFor(s)] = s
	}

	var drifted []grants.StatsKey
	seen := make(map[grants.StatsKey]bool, len(computed))
	for _, want := range computed {
		key := keyFor(want)
		seen[key] = true
		got, ok := storedBy[key]
		if !ok || !equalStats(got, want) {
			drifted = append(drifted, key)
		}
	}
	for key := range storedBy {
		if !seen[key] {
			drifted = append(drifted, key) // stored row with no awards behind it
		}
	}
	return drifted, nil
}

func keyFor(s grants.YearStats) grants.StatsKey {
	return grants.StatsKey{BeneficiaryID: s.BeneficiaryID, Year: s.Year, AuthorityID: s.AuthorityID}
}

func equalStats(a, b grants.YearStats) bool {
	return a.NumGrants == b.NumGrants &&
		a.TotalAmount.Equal(b.TotalAmount) &&
		a.AverageAmount.Equal(b.AverageAmount) &&
		a.FirstGrantDate.Equal(b.FirstGrantDate) &&
		a.LastGrantDate.Equal(b.LastGrantDate)
}

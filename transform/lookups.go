/*
Package transform turns raw artifacts into enriched, FK-resolved records.

PURPOSE:
  The transformer reads raw records for one scope, resolves every foreign
  key against reference data already loaded in the store, derives computed
  fields (legal form from the tax identifier, canonical-name/pseudonym
  resolution for beneficiaries), and emits fixed-size enriched batches plus
  an incident per unresolved reference. Incidents never block the batch.

FK POLICY:
  Whether an unresolvable reference drops the record or null-fills the FK is
  configuration per (entity, reference), not code: awards with an
  unresolvable call or beneficiary are dropped and logged, an unresolvable
  instrument is null-filled. See FKPolicy.

SEE ALSO:
  - lookups.go: in-memory reference lookups, loaded once per run
  - beneficiary.go: beneficiary-specific dedup sub-step
*/
package transform

import (
	"context"
)

// =============================================================================
// REFERENCE LOOKUPS - Small dimension tables held in memory for one run
// =============================================================================

// CallRef is the slice of a call the transformer needs: the surrogate FK
// target and the authority the stats aggregator keys on.
type CallRef struct {
	ID          int64
	AuthorityID string
}

// Lookups are the reference indexes the transformer resolves against.
// Loaded once per run; dimension tables are small and static.
type Lookups struct {
	CallsByCode           map[int64]CallRef
	BeneficiaryByExternal map[int64]int64 // external person id -> surrogate
	Instruments           map[int64]bool
	Authorities           map[string]bool
}

// ReferenceStore is what the transformer needs from persistence to build
// its lookups.
type ReferenceStore interface {
	CallRefs(ctx context.Context) (map[int64]CallRef, error)
	BeneficiarySurrogates(ctx context.Context) (map[int64]int64, error)
	InstrumentIDs(ctx context.Context) (map[int64]bool, error)
	AuthorityIDs(ctx context.Context) (map[string]bool, error)
}

// LoadLookups builds the in-memory indexes from the store.
func LoadLookups(ctx context.Context, store ReferenceStore) (*Lookups, error) {
	calls, err := store.CallRefs(ctx)
	if err != nil {
		return nil, err
	}
	beneficiaries, err := store.BeneficiarySurrogates(ctx)
	if err != nil {
		return nil, err
	}
	instruments, err := store.InstrumentIDs(ctx)
	if err != nil {
		return nil, err
	}
	authorities, err := store.AuthorityIDs(ctx)
	if err != nil {
		return nil, err
	}
	return &Lookups{
		CallsByCode:           calls,
		BeneficiaryByExternal: beneficiaries,
		Instruments:           instruments,
		Authorities:           authorities,
	}, nil
}

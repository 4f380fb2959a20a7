/*
Package memory is an in-memory record store.

PURPOSE:
  Backs the loader, stats and reconciler tests without touching disk, and
  doubles as a reference implementation of the store contracts: batch
  methods are all-or-nothing, award inserts are first-seen, pseudonyms are
  append-only. The sqlite store must behave identically.

DESIGN PRINCIPLES:
  - Everything under one mutex; this store is for tests and small runs,
    not throughput.
  - Aggregates are always derived from award rows on demand or on
    recompute, never adjusted arithmetically.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/transform"
)

type Store struct {
	mu sync.Mutex

	authorities   map[string]grants.Authority
	instruments   map[int64]grants.Instrument
	calls         map[int64]grants.Call // by surrogate id
	beneficiaries map[int64]grants.Beneficiary
	pseudonyms    []grants.Pseudonym
	awards        map[int64]grants.Award
	stats         map[grants.StatsKey]grants.YearStats
	incidents     []etl.Incident

	nextCallID        int64
	nextBeneficiaryID int64
	nextPseudonymID   int64

	// FailAwardID makes InsertAwards fail when the batch contains this
	// award id, leaving nothing committed. Test hook for batch atomicity.
	FailAwardID int64
}

func New() *Store {
	return &Store{
		authorities:   make(map[string]grants.Authority),
		instruments:   make(map[int64]grants.Instrument),
		calls:         make(map[int64]grants.Call),
		beneficiaries: make(map[int64]grants.Beneficiary),
		awards:        make(map[int64]grants.Award),
		stats:         make(map[grants.StatsKey]grants.YearStats),
	}
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) PutAuthority(a grants.Authority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorities[a.ID] = a
}

func (s *Store) PutInstrument(in grants.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[in.ID] = in
}

// PutCall stores a call, assigning a surrogate id when absent.
func (s *Store) PutCall(c grants.Call) grants.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		s.nextCallID++
		c.ID = s.nextCallID
	} else if c.ID > s.nextCallID {
		s.nextCallID = c.ID
	}
	s.calls[c.ID] = c
	return c
}

func (s *Store) CallRefs(ctx context.Context) (map[int64]transform.CallRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make(map[int64]transform.CallRef, len(s.calls))
	for _, c := range s.calls {
		refs[c.Code] = transform.CallRef{ID: c.ID, AuthorityID: c.AuthorityID}
	}
	return refs, nil
}

func (s *Store) BeneficiarySurrogates(ctx context.Context) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int64, len(s.beneficiaries))
	for _, b := range s.beneficiaries {
		out[b.ExternalID] = b.ID
	}
	return out, nil
}

func (s *Store) InstrumentIDs(ctx context.Context) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool, len(s.instruments))
	for id := range s.instruments {
		out[id] = true
	}
	return out, nil
}

func (s *Store) AuthorityIDs(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.authorities))
	for id := range s.authorities {
		out[id] = true
	}
	return out, nil
}

func (s *Store) AuthorityOfCall(ctx context.Context, callID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return "", nil
	}
	return c.AuthorityID, nil
}

// =============================================================================
// AWARDS
// =============================================================================

func (s *Store) InsertAwards(ctx context.Context, batch []grants.Award) ([]grants.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before committing any of it.
	for _, a := range batch {
		if s.FailAwardID != 0 && a.ID == s.FailAwardID {
			return nil, fmt.Errorf("award %d: injected failure", a.ID)
		}
		if a.ID == 0 {
			return nil, fmt.Errorf("award without identifier")
		}
	}

	var inserted []grants.Award
	for _, a := range batch {
		if _, exists := s.awards[a.ID]; exists {
			continue // first-seen: conflicts are no-ops
		}
		s.awards[a.ID] = a
		inserted = append(inserted, a)
	}
	return inserted, nil
}

func (s *Store) UpdateAward(ctx context.Context, award grants.Award) (grants.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.awards[award.ID]
	if !ok {
		return grants.Award{}, fmt.Errorf("award %d: not found", award.ID)
	}
	s.awards[award.ID] = award
	return old, nil
}

func (s *Store) DeleteAward(ctx context.Context, id int64) (grants.Award, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.awards[id]
	if !ok {
		return grants.Award{}, false, nil
	}
	delete(s.awards, id)
	return old, true, nil
}

func (s *Store) Award(ctx context.Context, id int64) (grants.Award, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.awards[id]
	return a, ok, nil
}

func (s *Store) AwardCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.awards)
}

// LocalFingerprints hashes every stored award whose grant date falls inside
// [from, to). Awards without a grant date are outside every window.
func (s *Store) LocalFingerprints(ctx context.Context, from, to time.Time) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string)
	for id, a := range s.awards {
		if a.GrantDate == nil || a.GrantDate.Before(from) || !a.GrantDate.Before(to) {
			continue
		}
		external := int64(0)
		if b, ok := s.beneficiaries[a.BeneficiaryID]; ok {
			external = b.ExternalID
		}
		out[id] = grants.Fingerprint(id, a.CallCode, external, a.Amount, a.GrantDate)
	}
	return out, nil
}

// =============================================================================
// BENEFICIARIES & PSEUDONYMS
// =============================================================================

func (s *Store) UpsertBeneficiaries(ctx context.Context, batch []transform.BeneficiaryUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byExternal := make(map[int64]int64, len(s.beneficiaries))
	for _, b := range s.beneficiaries {
		byExternal[b.ExternalID] = b.ID
	}

	for _, up := range batch {
		b := up.Beneficiary
		if id, exists := byExternal[b.ExternalID]; exists {
			b.ID = id
			prior := s.beneficiaries[id]
			b.CreatedBy = prior.CreatedBy
		} else {
			s.nextBeneficiaryID++
			b.ID = s.nextBeneficiaryID
			byExternal[b.ExternalID] = b.ID
		}
		s.beneficiaries[b.ID] = b

		for _, name := range up.Pseudonyms {
			norm := grants.NormalizeName(name)
			if s.hasPseudonymLocked(b.ID, norm) {
				continue
			}
			s.nextPseudonymID++
			s.pseudonyms = append(s.pseudonyms, grants.Pseudonym{
				ID: s.nextPseudonymID, BeneficiaryID: b.ID, Name: name, NameNorm: norm,
			})
		}
	}
	return nil
}

func (s *Store) hasPseudonymLocked(beneficiaryID int64, norm string) bool {
	for _, p := range s.pseudonyms {
		if p.BeneficiaryID == beneficiaryID && p.NameNorm == norm {
			return true
		}
	}
	return false
}

func (s *Store) Beneficiaries() []grants.Beneficiary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]grants.Beneficiary, 0, len(s.beneficiaries))
	for _, b := range s.beneficiaries {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Pseudonyms(beneficiaryID int64) []grants.Pseudonym {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []grants.Pseudonym
	for _, p := range s.pseudonyms {
		if p.BeneficiaryID == beneficiaryID {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// INCIDENTS
// =============================================================================

func (s *Store) RecordIncidents(ctx context.Context, incidents []etl.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, incidents...)
	return nil
}

func (s *Store) Incidents() []etl.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]etl.Incident(nil), s.incidents...)
}

// =============================================================================
// STATS
// =============================================================================

func (s *Store) RecomputeTriple(ctx context.Context, key grants.StatsKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.computeTripleLocked(key)
	if !ok {
		delete(s.stats, key)
		return nil
	}
	s.stats[key] = row
	return nil
}

func (s *Store) RebuildAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rebuilt := make(map[grants.StatsKey]grants.YearStats)
	for _, row := range s.computedStatsLocked() {
		rebuilt[grants.StatsKey{BeneficiaryID: row.BeneficiaryID, Year: row.Year, AuthorityID: row.AuthorityID}] = row
	}
	s.stats = rebuilt // swap, readers never see a partial table
	return len(rebuilt), nil
}

func (s *Store) Stats(ctx context.Context, key grants.StatsKey) (grants.YearStats, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.stats[key]
	return row, ok, nil
}

func (s *Store) AllStats(ctx context.Context) ([]grants.YearStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]grants.YearStats, 0, len(s.stats))
	for _, row := range s.stats {
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) ComputedStats(ctx context.Context) ([]grants.YearStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computedStatsLocked(), nil
}

func (s *Store) computedStatsLocked() []grants.YearStats {
	keys := make(map[grants.StatsKey]bool)
	for _, a := range s.awards {
		if key, ok := s.keyOfLocked(a); ok {
			keys[key] = true
		}
	}
	var out []grants.YearStats
	for key := range keys {
		if row, ok := s.computeTripleLocked(key); ok {
			out = append(out, row)
		}
	}
	return out
}

func (s *Store) keyOfLocked(a grants.Award) (grants.StatsKey, bool) {
	if a.GrantDate == nil || a.BeneficiaryID == 0 {
		return grants.StatsKey{}, false
	}
	c, ok := s.calls[a.CallID]
	if !ok || c.AuthorityID == "" {
		return grants.StatsKey{}, false
	}
	return grants.StatsKey{BeneficiaryID: a.BeneficiaryID, Year: a.Year(), AuthorityID: c.AuthorityID}, true
}

func (s *Store) computeTripleLocked(key grants.StatsKey) (grants.YearStats, bool) {
	row := grants.YearStats{
		BeneficiaryID: key.BeneficiaryID,
		Year:          key.Year,
		AuthorityID:   key.AuthorityID,
		TotalAmount:   decimal.Zero,
	}
	for _, a := range s.awards {
		k, ok := s.keyOfLocked(a)
		if !ok || k != key {
			continue
		}
		row.NumGrants++
		row.TotalAmount = row.TotalAmount.Add(a.Amount)
		if row.NumGrants == 1 || a.GrantDate.Before(row.FirstGrantDate) {
			row.FirstGrantDate = *a.GrantDate
		}
		if row.NumGrants == 1 || a.GrantDate.After(row.LastGrantDate) {
			row.LastGrantDate = *a.GrantDate
		}
	}
	if row.NumGrants == 0 {
		return grants.YearStats{}, false
	}
	row.AverageAmount = row.TotalAmount.Div(decimal.NewFromInt(int64(row.NumGrants))).Round(2)
	return row, true
}

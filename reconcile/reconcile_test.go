package reconcile_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantsync/etl-engine/etl"
	jobstore "github.com/grantsync/etl-engine/etl/store"
	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/load"
	"github.com/grantsync/etl-engine/reconcile"
	"github.com/grantsync/etl-engine/stats"
	"github.com/grantsync/etl-engine/store/memory"
	"github.com/grantsync/etl-engine/transform"
)

// fakeSource serves raw award records and fingerprints them the same way
// the local side does.
type fakeSource struct {
	records map[int64]etl.RawRecord
}

func (f *fakeSource) WindowFingerprints(ctx context.Context, from, to time.Time) (map[int64]string, error) {
	out := make(map[int64]string, len(f.records))
	for id, rec := range f.records {
		date, err := time.Parse("2006-01-02", rec["fechaConcesion"])
		if err != nil {
			continue
		}
		if date.Before(from) || !date.Before(to) {
			continue
		}
		callCode, _ := parseInt(rec["codigoBDNS"])
		external, _ := parseInt(rec["idPersona"])
		amount := decimal.RequireFromString(rec["importe"])
		out[id] = grants.Fingerprint(id, callCode, external, amount, &date)
	}
	return out, nil
}

func (f *fakeSource) FetchByID(ctx context.Context, ids []int64) ([]etl.RawRecord, error) {
	var out []etl.RawRecord
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

type runRecorder struct{ runs []reconcile.SyncRun }

func (r *runRecorder) RecordSyncRun(ctx context.Context, run reconcile.SyncRun) error {
	r.runs = append(r.runs, run)
	return nil
}

func rawAward(id, amount, date string) etl.RawRecord {
	return etl.RawRecord{
		"idConcesion":    id,
		"codigoBDNS":     "400001",
		"idPersona":      "777",
		"importe":        amount,
		"fechaConcesion": date,
	}
}

type fixture struct {
	store      *memory.Store
	source     *fakeSource
	runs       *runRecorder
	reconciler *reconcile.Reconciler
	loader     *load.Loader
	ledger     *etl.Ledger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.PutAuthority(grants.Authority{ID: "E04921"})
	store.PutCall(grants.Call{ID: 1, Code: 400001, AuthorityID: "E04921"})
	require.NoError(t, store.UpsertBeneficiaries(context.Background(), []transform.BeneficiaryUpsert{{
		Beneficiary: grants.Beneficiary{ExternalID: 777, Name: "ACME CORP SL", NameNorm: "ACME CORP SL"},
	}}))

	aggregator := stats.New(store, store)
	loader := load.New(store, store, aggregator, "sync_system")
	transformer := transform.New(transform.Config{})
	source := &fakeSource{records: make(map[int64]etl.RawRecord)}
	runs := &runRecorder{}

	ledger := etl.NewLedger(jobstore.NewMemory(), etl.LedgerConfig{
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		RetryCap:   time.Millisecond,
	})

	cfg := reconcile.DefaultConfig(t.TempDir())
	return &fixture{
		store:      store,
		source:     source,
		runs:       runs,
		reconciler: reconcile.New(cfg, source, store, runs, transformer, loader, store, ledger),
		loader:     loader,
		ledger:     ledger,
	}
}

// syncScope mirrors the unit the reconciler claims while applying.
func syncScope() etl.Scope {
	return etl.Scope{Entity: grants.EntityAward}
}

// seedLocal loads a raw record through the ordinary transform/load path so
// the local store holds its current shape.
func seedLocal(t *testing.T, f *fixture, recs ...etl.RawRecord) {
	t.Helper()
	ctx := context.Background()
	lookups, err := transform.LoadLookups(ctx, f.store)
	require.NoError(t, err)
	out := transform.New(transform.Config{}).TransformAwards(recs, lookups)
	require.Empty(t, out.Incidents)
	_, err = f.loader.LoadAwards(ctx, grants.EntityAward, out)
	require.NoError(t, err)
}

func TestDetect_ClassifiesAddedModifiedRemoved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Local universe: A, B, C. Upstream: A unchanged, B with a new
	// amount, C gone, D new.
	a := rawAward("100", "1000.00", "2024-03-01")
	b := rawAward("101", "2000.00", "2024-04-01")
	c := rawAward("102", "3000.00", "2024-05-01")
	seedLocal(t, f, a, b, c)

	bPrime := rawAward("101", "2500.00", "2024-04-01")
	d := rawAward("103", "4000.00", "2024-06-01")
	f.source.records = map[int64]etl.RawRecord{100: a, 101: bPrime, 103: d}

	cs, path, err := f.reconciler.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{103}, cs.Added)
	assert.Equal(t, []int64{101}, cs.Modified)
	assert.Equal(t, []int64{102}, cs.Removed)
	assert.False(t, cs.Applied)
	assert.FileExists(t, path)

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, "detected", f.runs.runs[0].Status)
}

func TestDetect_IdenticalUniversesYieldEmptyChangeset(t *testing.T) {
	f := setup(t)

	a := rawAward("100", "1000.00", "2024-03-01")
	seedLocal(t, f, a)
	f.source.records = map[int64]etl.RawRecord{100: a}

	cs, _, err := f.reconciler.Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestApply_RoutesEverythingThroughLoader(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := rawAward("100", "1000.00", "2024-03-01")
	b := rawAward("101", "2000.00", "2024-04-01")
	c := rawAward("102", "3000.00", "2024-05-01")
	seedLocal(t, f, a, b, c)

	bPrime := rawAward("101", "2500.00", "2024-04-01")
	d := rawAward("103", "4000.00", "2024-06-01")
	f.source.records = map[int64]etl.RawRecord{100: a, 101: bPrime, 103: d}

	_, path, err := f.reconciler.Detect(ctx)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Apply(ctx, path))

	// D inserted, B amended in place, C gone.
	assert.Equal(t, 3, f.store.AwardCount())
	_, found, err := f.store.Award(ctx, 102)
	require.NoError(t, err)
	assert.False(t, found)
	amended, found, err := f.store.Award(ctx, 101)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, amended.Amount.Equal(decimal.RequireFromString("2500.00")))
	assert.Equal(t, "sync_system", amended.UpdatedBy)

	// Stats track the post-apply universe: 1000 + 2500 + 4000 in 2024.
	row, ok, err := f.store.Stats(ctx, grants.StatsKey{BeneficiaryID: 1, Year: 2024, AuthorityID: "E04921"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, row.NumGrants)
	assert.True(t, row.TotalAmount.Equal(decimal.RequireFromString("7500.00")), "total %s", row.TotalAmount)
}

func TestApply_ReplayedChangesetIsRefused(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := rawAward("100", "1000.00", "2024-03-01")
	seedLocal(t, f, a)
	f.source.records = map[int64]etl.RawRecord{100: a, 103: rawAward("103", "4000.00", "2024-06-01")}

	_, path, err := f.reconciler.Detect(ctx)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Apply(ctx, path))
	countAfterFirst := f.store.AwardCount()

	err = f.reconciler.Apply(ctx, path)
	require.ErrorIs(t, err, etl.ErrReplayConflict)
	assert.True(t, etl.IsSkip(err), "replay must be skippable, not fatal")
	assert.Equal(t, countAfterFirst, f.store.AwardCount(), "replay must not change the store")
}

func TestPendingChangesets_ListsOnlyUnapplied(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := rawAward("100", "1000.00", "2024-03-01")
	f.source.records = map[int64]etl.RawRecord{100: a}

	_, path, err := f.reconciler.Detect(ctx)
	require.NoError(t, err)

	pending, err := f.reconciler.PendingChangesets()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, pending)

	require.NoError(t, f.reconciler.Apply(ctx, path))
	pending, err = f.reconciler.PendingChangesets()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApply_SyncStageHeldElsewhere_RefusesToMutate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := rawAward("100", "1000.00", "2024-03-01")
	seedLocal(t, f, a)
	f.source.records = map[int64]etl.RawRecord{
		100: a,
		103: rawAward("103", "4000.00", "2024-06-01"),
	}

	// Another worker holds the apply stage for awards.
	require.NoError(t, f.ledger.Schedule(ctx, syncScope(), etl.StageSync))
	_, err := f.ledger.Claim(ctx, syncScope(), etl.StageSync)
	require.NoError(t, err)

	_, path, err := f.reconciler.Detect(ctx)
	require.NoError(t, err)

	err = f.reconciler.Apply(ctx, path)
	require.ErrorIs(t, err, etl.ErrAlreadyRunning)
	assert.True(t, etl.IsSkip(err), "contended apply must be skippable, not fatal")

	// No mutation happened and the foreign claim is untouched.
	assert.Equal(t, 1, f.store.AwardCount())
	unit, err := f.ledger.Get(ctx, syncScope(), etl.StageSync)
	require.NoError(t, err)
	assert.Equal(t, etl.StatusRunning, unit.Status)
}

func TestApply_CompletesSyncUnit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.source.records = map[int64]etl.RawRecord{
		103: rawAward("103", "4000.00", "2024-06-01"),
	}

	_, path, err := f.reconciler.Detect(ctx)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Apply(ctx, path))

	unit, err := f.ledger.Get(ctx, syncScope(), etl.StageSync)
	require.NoError(t, err)
	assert.Equal(t, etl.StatusDone, unit.Status)
}

func TestRun_SyncUnitReArmsBetweenCycles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.source.records = map[int64]etl.RawRecord{
		103: rawAward("103", "4000.00", "2024-06-01"),
	}
	_, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.store.AwardCount())

	// A later upstream change must still be appliable: the done unit from
	// the first cycle re-arms rather than blocking forever.
	f.source.records[104] = rawAward("104", "5000.00", "2024-07-01")
	cs, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{104}, cs.Added)
	assert.Equal(t, 2, f.store.AwardCount())
}

func TestRun_DetectsAndApplies(t *testing.T) {
	f := setup(t)
	f.source.records = map[int64]etl.RawRecord{
		103: rawAward("103", "4000.00", "2024-06-01"),
	}

	cs, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{103}, cs.Added)
	assert.Equal(t, 1, f.store.AwardCount())

	// Second scheduled run has nothing to do.
	cs, err = f.reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/store/sqlite"
	"github.com/grantsync/etl-engine/transform"
)

func newTestServer(t *testing.T) (*sqlite.Store, *httptest.Server) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	server := httptest.NewServer(NewRouter(NewHandler(store)))
	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return store, server
}

func get(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	_, server := newTestServer(t)
	var body map[string]string
	resp := get(t, server.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListJobs_FiltersByStatus(t *testing.T) {
	store, server := newTestServer(t)
	ctx := context.Background()

	scope := etl.Scope{Entity: "award", Year: 2024}
	require.NoError(t, store.Ensure(ctx, scope, etl.StageExtract))
	require.NoError(t, store.Ensure(ctx, scope, etl.StageTransform))
	_, err := store.Claim(ctx, scope, etl.StageExtract, 3)
	require.NoError(t, err)

	var jobs []JobDTO
	get(t, server.URL+"/api/jobs/?status=running", &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "extract", jobs[0].Stage)
	assert.NotEmpty(t, jobs[0].StartedAt)

	get(t, server.URL+"/api/jobs/?year=2024", &jobs)
	assert.Len(t, jobs, 2)

	resp := get(t, server.URL+"/api/jobs/?year=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListIncidents(t *testing.T) {
	store, server := newTestServer(t)
	require.NoError(t, store.RecordIncidents(context.Background(), []etl.Incident{
		{ID: "inc-1", Entity: "award", NaturalKey: "X123", Kind: etl.IncidentMissingReference, RecordedAt: time.Now()},
	}))

	var incidents []IncidentDTO
	get(t, server.URL+"/api/incidents/?entity=award", &incidents)
	require.Len(t, incidents, 1)
	assert.Equal(t, "X123", incidents[0].NaturalKey)
	assert.Equal(t, "missing_reference", incidents[0].Kind)
}

func TestGetAward(t *testing.T) {
	store, server := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAuthorities(ctx, []grants.Authority{{ID: "E04921", Name: "Ministerio"}}))
	require.NoError(t, store.UpsertCalls(ctx, []grants.Call{{Code: 400001, AuthorityID: "E04921"}}))
	require.NoError(t, store.UpsertBeneficiaries(ctx, []transform.BeneficiaryUpsert{{
		Beneficiary: grants.Beneficiary{ExternalID: 777, Name: "ACME", NameNorm: "ACME"},
	}}))
	refs, err := store.CallRefs(ctx)
	require.NoError(t, err)
	surrogates, err := store.BeneficiarySurrogates(ctx)
	require.NoError(t, err)

	grantDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.InsertAwards(ctx, []grants.Award{{
		ID: 10, CallID: refs[400001].ID, CallCode: 400001, BeneficiaryID: surrogates[777],
		Amount: decimal.RequireFromString("1000.00"), GrantDate: &grantDate,
	}})
	require.NoError(t, err)

	var award AwardDTO
	resp := get(t, server.URL+"/api/awards/10", &award)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000.00", award.Amount)
	assert.Equal(t, "2024-03-01", award.GrantDate)

	resp = get(t, server.URL+"/api/awards/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetBeneficiaryStats(t *testing.T) {
	store, server := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAuthorities(ctx, []grants.Authority{{ID: "E04921", Name: "Ministerio"}}))
	require.NoError(t, store.UpsertCalls(ctx, []grants.Call{{Code: 400001, AuthorityID: "E04921"}}))
	require.NoError(t, store.UpsertBeneficiaries(ctx, []transform.BeneficiaryUpsert{{
		Beneficiary: grants.Beneficiary{ExternalID: 777, Name: "ACME", NameNorm: "ACME"},
	}}))
	refs, err := store.CallRefs(ctx)
	require.NoError(t, err)
	surrogates, err := store.BeneficiarySurrogates(ctx)
	require.NoError(t, err)
	benID := surrogates[777]

	grantDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.InsertAwards(ctx, []grants.Award{{
		ID: 10, CallID: refs[400001].ID, CallCode: 400001, BeneficiaryID: benID,
		Amount: decimal.RequireFromString("1000.00"), GrantDate: &grantDate,
	}})
	require.NoError(t, err)
	require.NoError(t, store.RecomputeTriple(ctx, grants.StatsKey{
		BeneficiaryID: benID, Year: 2024, AuthorityID: "E04921",
	}))

	var stats []YearStatsDTO
	get(t, server.URL+"/api/stats/beneficiaries/"+strconv.FormatInt(benID, 10), &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, 2024, stats[0].Year)
	assert.Equal(t, 1, stats[0].NumGrants)
	assert.Equal(t, "1000.00", stats[0].TotalAmount)
}

package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testLookups() *Lookups {
	return &Lookups{
		CallsByCode: map[int64]CallRef{
			100: {ID: 1, AuthorityID: "ORG-1"},
			200: {ID: 2, AuthorityID: "ORG-2"},
		},
		BeneficiaryByExternal: map[int64]int64{
			777: 10,
			888: 11,
		},
		Instruments: map[int64]bool{5: true},
		Authorities: map[string]bool{"ORG-1": true, "ORG-2": true},
	}
}

func rawAward(id, call, person string) etl.RawRecord {
	return etl.RawRecord{
		"idConcesion":    id,
		"codigoBDNS":     call,
		"idPersona":      person,
		"importe":        "1500.50",
		"fechaConcesion": "2024-03-10T00:00:00",
		"tieneProyecto":  "true",
	}
}

// =============================================================================
// AWARD FK RESOLUTION
// =============================================================================

func TestTransformAwards_ResolvesSurrogateFKs(t *testing.T) {
	out := New(DefaultConfig()).TransformAwards([]etl.RawRecord{rawAward("1", "100", "777")}, testLookups())

	require.Len(t, out.Batches, 1)
	require.Len(t, out.Batches[0], 1)
	assert.Empty(t, out.Incidents)

	award := out.Batches[0][0]
	assert.Equal(t, int64(1), award.ID)
	assert.Equal(t, int64(1), award.CallID, "call code 100 resolves to surrogate 1")
	assert.Equal(t, int64(100), award.CallCode)
	assert.Equal(t, int64(10), award.BeneficiaryID, "external 777 resolves to surrogate 10")
	assert.Equal(t, "1500.5", award.Amount.String())
	require.NotNil(t, award.GrantDate)
	assert.Equal(t, "2024-03-10", award.GrantDate.Format("2006-01-02"))
	assert.True(t, award.HasProject)
}

func TestTransformAwards_UnresolvableCallDropsRecordWithIncident(t *testing.T) {
	// Raw award references call "X123" not present in the call table:
	// the award is dropped, one incident carries the natural key, and the
	// loader never sees the record.
	out := New(DefaultConfig()).TransformAwards([]etl.RawRecord{rawAward("1", "X123", "777")}, testLookups())

	assert.Empty(t, out.Batches, "dropped record must not reach any batch")
	assert.Equal(t, 1, out.Dropped)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, grants.EntityAward, out.Incidents[0].Entity)
	assert.Equal(t, "X123", out.Incidents[0].NaturalKey)
	assert.Equal(t, etl.IncidentMissingReference, out.Incidents[0].Kind)
}

func TestTransformAwards_UnresolvableInstrumentNullFills(t *testing.T) {
	rec := rawAward("1", "100", "777")
	rec["instrumento"] = "999" // not in the instrument catalog

	out := New(DefaultConfig()).TransformAwards([]etl.RawRecord{rec}, testLookups())

	require.Len(t, out.Batches, 1)
	assert.Nil(t, out.Batches[0][0].InstrumentID, "non-critical FK null-fills")
}

func TestTransformAwards_ResolvableInstrumentKept(t *testing.T) {
	rec := rawAward("1", "100", "777")
	rec["idInstrumento"] = "5"

	out := New(DefaultConfig()).TransformAwards([]etl.RawRecord{rec}, testLookups())

	require.Len(t, out.Batches, 1)
	require.NotNil(t, out.Batches[0][0].InstrumentID)
	assert.Equal(t, int64(5), *out.Batches[0][0].InstrumentID)
}

func TestTransformAwards_PolicyIsConfiguration(t *testing.T) {
	// Flipping the call policy to null-fill keeps the record.
	config := DefaultConfig()
	config.FKPolicy = FKPolicy{
		grants.EntityAward: {"call": RefNull, "beneficiary": RefDrop, "instrument": RefNull},
	}

	out := New(config).TransformAwards([]etl.RawRecord{rawAward("1", "X123", "777")}, testLookups())

	require.Len(t, out.Batches, 1, "null-fill policy keeps the record")
	assert.Zero(t, out.Batches[0][0].CallID)
	assert.Len(t, out.Incidents, 1, "incident is still recorded")
}

func TestTransformAwards_BatchingBoundsLoaderTransactions(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 2

	var raw []etl.RawRecord
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		raw = append(raw, rawAward(id, "100", "777"))
	}
	out := New(config).TransformAwards(raw, testLookups())

	require.Len(t, out.Batches, 3)
	assert.Len(t, out.Batches[0], 2)
	assert.Len(t, out.Batches[1], 2)
	assert.Len(t, out.Batches[2], 1)
}

func TestTransformAwards_MalformedIDDropped(t *testing.T) {
	out := New(DefaultConfig()).TransformAwards([]etl.RawRecord{rawAward("", "100", "777")}, testLookups())

	assert.Empty(t, out.Batches)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, etl.IncidentMalformedField, out.Incidents[0].Kind)
}

// =============================================================================
// BENEFICIARY DEDUP
// =============================================================================

func TestTransformBeneficiaries_CanonicalAndPseudonym(t *testing.T) {
	// Identifier 777 appears as "Acme Corp" and "ACME CORP SL": canonical is
	// the longer normalized form, the other is retained as a pseudonym.
	raw := []etl.RawRecord{
		{"idPersona": "777", "nombre": "Acme Corp", "nif": "B76365789"},
		{"idPersona": "777", "nombre": "ACME CORP SL", "nif": "B76365789"},
	}
	out := New(DefaultConfig()).TransformBeneficiaries(raw)

	require.Len(t, out.Upserts, 1)
	up := out.Upserts[0]
	assert.Equal(t, int64(777), up.Beneficiary.ExternalID)
	assert.Equal(t, "ACME CORP SL", up.Beneficiary.Name)
	assert.Equal(t, grants.LegalFormLimitedCo, up.Beneficiary.LegalForm)
	assert.Equal(t, []string{"Acme Corp"}, up.Pseudonyms)
}

func TestTransformBeneficiaries_NaturalPersonFromTaxID(t *testing.T) {
	raw := []etl.RawRecord{
		{"idPersona": "555", "nombre": "María García López", "nif": "12345678Z"},
	}
	out := New(DefaultConfig()).TransformBeneficiaries(raw)

	require.Len(t, out.Upserts, 1)
	assert.Equal(t, grants.LegalFormNaturalPerson, out.Upserts[0].Beneficiary.LegalForm)
	assert.Equal(t, "MARIA GARCIA LOPEZ", out.Upserts[0].Beneficiary.NameNorm)
}

func TestTransformBeneficiaries_MissingIdentifierDropped(t *testing.T) {
	raw := []etl.RawRecord{
		{"idPersona": "", "nombre": "Ghost SL"},
		{"idPersona": "777", "nombre": "Acme Corp"},
	}
	out := New(DefaultConfig()).TransformBeneficiaries(raw)

	assert.Len(t, out.Upserts, 1)
	assert.Equal(t, 1, out.Dropped)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, grants.EntityBeneficiary, out.Incidents[0].Entity)
}

func TestTransformBeneficiaries_NoUsableName(t *testing.T) {
	out := New(DefaultConfig()).TransformBeneficiaries([]etl.RawRecord{{"idPersona": "9"}})

	assert.Empty(t, out.Upserts)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, "9", out.Incidents[0].NaturalKey)
}

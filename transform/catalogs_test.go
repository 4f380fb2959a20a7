package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// CALLS
// =============================================================================

func TestTransformCalls_ResolvesAuthorityFromCatalog(t *testing.T) {
	out := New(DefaultConfig()).TransformCalls([]etl.RawRecord{{
		"numeroConvocatoria": "400001",
		"descripcion":        "Ayudas a la innovación",
		"idOrgano":           "ORG-1",
		"presupuestoTotal":   "250000.00",
		"abierto":            "true",
		"fechaRecepcion":     "2024-01-15",
	}}, testLookups())

	require.Len(t, out.Calls, 1)
	assert.Empty(t, out.Incidents)

	call := out.Calls[0]
	assert.Equal(t, int64(400001), call.Code)
	assert.Equal(t, "ORG-1", call.AuthorityID)
	assert.Equal(t, "250000", call.Budget.String())
	assert.True(t, call.Open)
	require.NotNil(t, call.ReceivedAt)
	assert.Equal(t, "2024-01-15", call.ReceivedAt.Format("2006-01-02"))
}

func TestTransformCalls_UnknownAuthorityIsPendingCatalog(t *testing.T) {
	out := New(DefaultConfig()).TransformCalls([]etl.RawRecord{{
		"numeroConvocatoria": "400002",
		"idOrgano":           "ORG-MISSING",
	}}, testLookups())

	assert.Empty(t, out.Calls)
	assert.Equal(t, 1, out.Dropped)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, etl.IncidentPendingCatalog, out.Incidents[0].Kind)
	assert.Equal(t, "400002", out.Incidents[0].NaturalKey)
}

func TestTransformCalls_MissingCodeIsMalformed(t *testing.T) {
	out := New(DefaultConfig()).TransformCalls([]etl.RawRecord{{
		"descripcion": "sin código",
		"idOrgano":    "ORG-1",
	}}, testLookups())

	assert.Empty(t, out.Calls)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, etl.IncidentMalformedField, out.Incidents[0].Kind)
}

// =============================================================================
// AUTHORITIES & INSTRUMENTS
// =============================================================================

func TestTransformAuthorities_KeepsHierarchicalCodes(t *testing.T) {
	out := New(DefaultConfig()).TransformAuthorities([]etl.RawRecord{
		{"idOrgano": "E04921", "descripcion": "Ministerio de Ciencia", "ambito": "state"},
		{"idOrgano": "E04921-01", "idPadre": "E04921", "descripcion": "Secretaría General"},
		{"descripcion": "huérfano sin código"},
	})

	require.Len(t, out.Authorities, 2)
	assert.Equal(t, "E04921", out.Authorities[0].ID)
	assert.Equal(t, "E04921", out.Authorities[1].ParentID)
	assert.Equal(t, 1, out.Dropped)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, etl.IncidentMalformedField, out.Incidents[0].Kind)
}

func TestTransformInstruments_RequiresNumericID(t *testing.T) {
	out := New(DefaultConfig()).TransformInstruments([]etl.RawRecord{
		{"idInstrumento": "5", "descripcion": "Subvención"},
		{"idInstrumento": "abc"},
	})

	require.Len(t, out.Instruments, 1)
	assert.Equal(t, int64(5), out.Instruments[0].ID)
	assert.Equal(t, 1, out.Dropped)
}

// =============================================================================
// AID PROGRAMS
// =============================================================================

func TestTransformAidPrograms_ResolvesBeneficiarySurrogate(t *testing.T) {
	out := New(DefaultConfig()).TransformAidPrograms([]etl.RawRecord{
		{"idAyuda": "9001", "idPersona": "777", "ejercicio": "2024", "importe": "12000.00", "reglamento": "1407/2013"},
		{"idAyuda": "9002", "idPersona": "999", "ejercicio": "2024", "importe": "500.00"},
	}, testLookups())

	require.Len(t, out.Programs, 1)
	program := out.Programs[0]
	assert.Equal(t, int64(9001), program.ID)
	assert.Equal(t, int64(10), program.BeneficiaryID, "external 777 resolves to surrogate 10")
	assert.Equal(t, 2024, program.Year)
	assert.Equal(t, "1407/2013", program.Regulation)

	assert.Equal(t, 1, out.Dropped)
	require.Len(t, out.Incidents, 1)
	assert.Equal(t, etl.IncidentMissingReference, out.Incidents[0].Kind)
}

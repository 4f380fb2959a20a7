/*
catalogs.go - Reference catalog transformation

PURPOSE:
  Parses the small dimension catalogs the awards pipeline resolves against:
  granting authorities, aid instruments, calls-for-proposals and de-minimis
  aid register entries. Catalogs are small enough to come out as one slice;
  batching only matters for awards.

  A call naming an authority the catalog does not carry is recorded as a
  pending_catalog incident so a manual process can extend the authority
  catalog, then dropped; the call reappears on the next run once the
  catalog knows the authority.
*/
package transform

import (
	"fmt"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
)

// =============================================================================
// AUTHORITIES
// =============================================================================

type AuthorityOutput struct {
	Authorities []grants.Authority
	Incidents   []etl.Incident
	Dropped     int
}

// TransformAuthorities parses raw granting-body records. Authority codes are
// upstream hierarchical identifiers, kept as-is.
func (t *Transformer) TransformAuthorities(raw []etl.RawRecord) AuthorityOutput {
	var out AuthorityOutput
	for _, rec := range raw {
		id := firstNonEmpty(rec["idOrgano"], rec["id"])
		if id == "" {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityAuthority, "",
				etl.IncidentMalformedField, "authority record without an identifier"))
			out.Dropped++
			continue
		}
		out.Authorities = append(out.Authorities, grants.Authority{
			ID:       id,
			ParentID: firstNonEmpty(rec["idPadre"], rec["parentId"]),
			Name:     firstNonEmpty(rec["descripcion"], rec["nombre"]),
			Kind:     firstNonEmpty(rec["ambito"], rec["tipo"]),
		})
	}
	return out
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

type InstrumentOutput struct {
	Instruments []grants.Instrument
	Incidents   []etl.Incident
	Dropped     int
}

func (t *Transformer) TransformInstruments(raw []etl.RawRecord) InstrumentOutput {
	var out InstrumentOutput
	for _, rec := range raw {
		id, err := parseID(firstNonEmpty(rec["idInstrumento"], rec["id"]))
		if err != nil {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityInstrument, rec["idInstrumento"],
				etl.IncidentMalformedField, "instrument record without a numeric identifier"))
			out.Dropped++
			continue
		}
		out.Instruments = append(out.Instruments, grants.Instrument{
			ID:          id,
			Description: rec["descripcion"],
		})
	}
	return out
}

// =============================================================================
// CALLS
// =============================================================================

type CallOutput struct {
	Calls     []grants.Call
	Incidents []etl.Incident
	Dropped   int
}

// TransformCalls parses raw call-for-proposals records. The registry code is
// the natural key; the authority must already be in the authority catalog or
// the call is held back with a pending_catalog incident.
func (t *Transformer) TransformCalls(raw []etl.RawRecord, lookups *Lookups) CallOutput {
	var out CallOutput
	for _, rec := range raw {
		code, err := parseID(firstNonEmpty(rec["numeroConvocatoria"], rec["codigoBDNS"]))
		if err != nil {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityCall, rec["numeroConvocatoria"],
				etl.IncidentMalformedField, "call record without a registry code"))
			out.Dropped++
			continue
		}

		authority := firstNonEmpty(rec["idOrgano"], rec["organo"])
		if authority == "" || !lookups.Authorities[authority] {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityCall, formatID(code),
				etl.IncidentPendingCatalog,
				fmt.Sprintf("authority %q not in catalog for call %d", authority, code)))
			out.Dropped++
			continue
		}

		out.Calls = append(out.Calls, grants.Call{
			Code:        code,
			Title:       rec["descripcion"],
			AuthorityID: authority,
			Budget:      parseAmount(rec["presupuestoTotal"]),
			Open:        parseBool(rec["abierto"]),
			ReceivedAt:  parseDate(rec["fechaRecepcion"]),
			CreatedBy:   "etl_system",
		})
	}
	return out
}

// =============================================================================
// AID PROGRAMS
// =============================================================================

type AidProgramOutput struct {
	Programs  []grants.AidProgram
	Incidents []etl.Incident
	Dropped   int
}

// TransformAidPrograms parses de-minimis register entries. The beneficiary
// must already be loaded; there is no null-fill for the register.
func (t *Transformer) TransformAidPrograms(raw []etl.RawRecord, lookups *Lookups) AidProgramOutput {
	var out AidProgramOutput
	for _, rec := range raw {
		id, err := parseID(firstNonEmpty(rec["idAyuda"], rec["id"]))
		if err != nil {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityAidProgram, rec["idAyuda"],
				etl.IncidentMalformedField, "aid register entry without an identifier"))
			out.Dropped++
			continue
		}

		external, err := parseID(rec["idPersona"])
		beneficiaryID, ok := lookups.BeneficiaryByExternal[external]
		if err != nil || !ok {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityAidProgram, rec["idPersona"],
				etl.IncidentMissingReference,
				fmt.Sprintf("beneficiary %q not loaded for aid register entry %d", rec["idPersona"], id)))
			out.Dropped++
			continue
		}

		year, err := parseID(rec["ejercicio"])
		if err != nil {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityAidProgram, formatID(id),
				etl.IncidentMalformedField, "aid register entry without an exercise year"))
			out.Dropped++
			continue
		}

		out.Programs = append(out.Programs, grants.AidProgram{
			ID:            id,
			BeneficiaryID: beneficiaryID,
			Year:          int(year),
			Amount:        parseAmount(rec["importe"]),
			Regulation:    rec["reglamento"],
		})
	}
	return out
}

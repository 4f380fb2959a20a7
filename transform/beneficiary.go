/*
beneficiary.go - Beneficiary dedup, legal form and pseudonym capture

PURPOSE:
  Raw beneficiary records repeat the same external identifier under varying
  spellings. This sub-step groups observations by external id, derives the
  legal form from the tax identifier, picks the canonical name (longest
  normalized form), and files the losing spellings as pseudonyms. Pseudonyms
  are appended, never deleted: they are historical observations.
*/
package transform

import (
	"sort"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
)

// BeneficiaryUpsert is one deduplicated beneficiary plus the alternate
// names observed in this scope. Surrogate IDs are assigned by the loader;
// ExternalID carries the natural key.
type BeneficiaryUpsert struct {
	Beneficiary grants.Beneficiary
	Pseudonyms  []string // display forms; loader normalizes and dedups
}

// BeneficiaryOutput is the enriched result for one scope of raw
// beneficiaries.
type BeneficiaryOutput struct {
	Upserts   []BeneficiaryUpsert
	Incidents []etl.Incident
	Dropped   int
}

// TransformBeneficiaries deduplicates raw beneficiary records by external
// identifier. Records without a parseable identifier are dropped with an
// incident; a missing name is an incident but keeps the record if some
// other observation of the same identifier names it.
func (t *Transformer) TransformBeneficiaries(raw []etl.RawRecord) BeneficiaryOutput {
	var out BeneficiaryOutput

	type observation struct {
		names []string
		taxID string
	}
	byExternal := make(map[int64]*observation)
	var order []int64

	for _, rec := range raw {
		external, err := parseID(rec["idPersona"])
		if err != nil {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityBeneficiary, rec["idPersona"],
				etl.IncidentMalformedField, "missing or malformed beneficiary identifier"))
			out.Dropped++
			continue
		}

		obs := byExternal[external]
		if obs == nil {
			obs = &observation{}
			byExternal[external] = obs
			order = append(order, external)
		}
		if name := rec["nombre"]; name != "" {
			obs.names = append(obs.names, name)
		}
		if obs.taxID == "" {
			obs.taxID = rec["nif"]
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, external := range order {
		obs := byExternal[external]
		resolution := grants.ResolveNames(obs.names)
		if resolution.Canonical == "" {
			out.Incidents = append(out.Incidents, newIncident(grants.EntityBeneficiary,
				formatID(external), etl.IncidentMalformedField, "beneficiary has no usable name"))
			out.Dropped++
			continue
		}

		out.Upserts = append(out.Upserts, BeneficiaryUpsert{
			Beneficiary: grants.Beneficiary{
				ExternalID: external,
				TaxID:      obs.taxID,
				Name:       resolution.Canonical,
				NameNorm:   resolution.CanonicalNorm,
				LegalForm:  grants.LegalFormFromTaxID(obs.taxID),
				CreatedBy:  "etl_system",
			},
			Pseudonyms: resolution.Pseudonyms,
		})
	}
	return out
}

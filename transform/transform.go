/*
transform.go - Award transformation: parse, resolve FKs, batch

PURPOSE:
  Validates and enriches raw award records. Every record either comes out
  with all required surrogate FKs resolved or is excluded with an incident;
  optional FKs null-fill per policy. Output is partitioned into fixed-size
  batches so the loader can keep one batch inside one transaction.
*/
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/grants"
)

// =============================================================================
// FK POLICY - Drop vs null-fill per (entity, reference)
// =============================================================================

type RefAction string

const (
	RefDrop RefAction = "drop" // exclude the record, emit an incident
	RefNull RefAction = "null" // load with the FK null, emit an incident
)

// FKPolicy maps entity → reference name → action for unresolvable FKs.
type FKPolicy map[etl.Entity]map[string]RefAction

func DefaultFKPolicy() FKPolicy {
	return FKPolicy{
		grants.EntityAward: {
			"call":        RefDrop,
			"beneficiary": RefDrop,
			"instrument":  RefNull,
		},
	}
}

func (p FKPolicy) action(entity etl.Entity, ref string) RefAction {
	if byRef, ok := p[entity]; ok {
		if action, ok := byRef[ref]; ok {
			return action
		}
	}
	return RefDrop
}

// =============================================================================
// TRANSFORMER
// =============================================================================

type Config struct {
	BatchSize int // records per enriched batch (loader transaction bound)
	FKPolicy  FKPolicy
}

func DefaultConfig() Config {
	return Config{BatchSize: 1000, FKPolicy: DefaultFKPolicy()}
}

type Transformer struct {
	config Config
}

func New(config Config) *Transformer {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.FKPolicy == nil {
		config.FKPolicy = DefaultFKPolicy()
	}
	return &Transformer{config: config}
}

// AwardOutput is the enriched result for one scope of raw awards.
type AwardOutput struct {
	Batches   [][]grants.Award
	Incidents []etl.Incident
	Dropped   int
}

// TransformAwards resolves and batches raw award records.
func (t *Transformer) TransformAwards(raw []etl.RawRecord, lookups *Lookups) AwardOutput {
	var out AwardOutput
	var current []grants.Award

	flush := func() {
		if len(current) > 0 {
			out.Batches = append(out.Batches, current)
			current = nil
		}
	}

	for _, rec := range raw {
		award, incidents, ok := t.transformAward(rec, lookups)
		out.Incidents = append(out.Incidents, incidents...)
		if !ok {
			out.Dropped++
			continue
		}
		current = append(current, award)
		if len(current) >= t.config.BatchSize {
			flush()
		}
	}
	flush()
	return out
}

func (t *Transformer) transformAward(rec etl.RawRecord, lookups *Lookups) (grants.Award, []etl.Incident, bool) {
	var incidents []etl.Incident

	id, err := parseID(rec["idConcesion"])
	if err != nil {
		incidents = append(incidents, newIncident(grants.EntityAward, rec["idConcesion"],
			etl.IncidentMalformedField, "missing or malformed award id"))
		return grants.Award{}, incidents, false
	}

	// Required FK: call-for-proposals by registry code.
	callCode, err := parseID(rec["codigoBDNS"])
	callRef, callOK := lookups.CallsByCode[callCode]
	if err != nil || !callOK {
		incidents = append(incidents, newIncident(grants.EntityAward, rec["codigoBDNS"],
			etl.IncidentMissingReference, fmt.Sprintf("call %q not loaded for award %d", rec["codigoBDNS"], id)))
		if t.config.FKPolicy.action(grants.EntityAward, "call") == RefDrop {
			return grants.Award{}, incidents, false
		}
	}

	// Required FK: beneficiary by external person id.
	external, err := parseID(rec["idPersona"])
	beneficiaryID, benOK := lookups.BeneficiaryByExternal[external]
	if err != nil || !benOK {
		incidents = append(incidents, newIncident(grants.EntityAward, rec["idPersona"],
			etl.IncidentMissingReference, fmt.Sprintf("beneficiary %q not loaded for award %d", rec["idPersona"], id)))
		if t.config.FKPolicy.action(grants.EntityAward, "beneficiary") == RefDrop {
			return grants.Award{}, incidents, false
		}
	}

	award := grants.Award{
		ID:            id,
		CallID:        callRef.ID,
		CallCode:      callCode,
		BeneficiaryID: beneficiaryID,
		GrantDate:     parseDate(rec["fechaConcesion"]),
		Amount:        parseAmount(rec["importe"]),
		EquivalentAid: parseAmount(rec["ayudaEquivalente"]),
		RecordURL:     rec["urlBR"],
		HasProject:    parseBool(rec["tieneProyecto"]),
		CreatedBy:     "etl_system",
	}

	// Optional FK: instrument. Null-fill on failure per default policy.
	if instRaw := firstNonEmpty(rec["instrumento"], rec["idInstrumento"]); instRaw != "" {
		instID, err := parseID(instRaw)
		if err == nil && lookups.Instruments[instID] {
			award.InstrumentID = &instID
		} else if t.config.FKPolicy.action(grants.EntityAward, "instrument") == RefDrop {
			incidents = append(incidents, newIncident(grants.EntityAward, instRaw,
				etl.IncidentMissingReference, fmt.Sprintf("instrument %q not loaded for award %d", instRaw, id)))
			return grants.Award{}, incidents, false
		}
	}

	return award, incidents, true
}

// =============================================================================
// FIELD PARSERS
// =============================================================================

func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty identifier")
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseDate keeps only the date part; upstream sends both bare dates and
// full timestamps.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return nil
	}
	t, err := time.Parse("2006-01-02", s[:10])
	if err != nil {
		return nil
	}
	return &t
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "s", "si":
		return true
	}
	return false
}

func formatID(v int64) string {
	return strconv.FormatInt(v, 10)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func newIncident(entity etl.Entity, naturalKey string, kind etl.IncidentKind, detail string) etl.Incident {
	return etl.Incident{
		ID:         uuid.NewString(),
		Entity:     entity,
		NaturalKey: naturalKey,
		Kind:       kind,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
}

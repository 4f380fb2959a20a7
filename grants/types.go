/*
Package grants defines the domain model for the national grants registry.

PURPOSE:
  Typed records for everything the pipeline moves: reference catalogs
  (authorities, instruments, aid programs), calls-for-proposals, awards,
  beneficiaries with their pseudonyms, and the denormalized per-year
  aggregates. The etl package knows nothing about these; stage packages
  (transform, load, reconcile, stats) operate on them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Natural vs surrogate keys: calls and beneficiaries carry an upstream
    natural key (registry code / external person id) plus an internally
    generated surrogate ID used as the FK target. Awards keep the upstream
    registry id as their primary key; nothing references an award.
  - Fingerprint: the content hash the reconciler compares against upstream.

DESIGN PRINCIPLES:
  1. Money is decimal.Decimal, never float.
  2. Pseudonyms are append-only historical observations.
  3. Aggregates are owned by the stats package; nothing else writes them.

SEE ALSO:
  - beneficiary.go: name normalization, legal-form derivation
  - transform/: FK resolution producing these records
*/
package grants

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// ENTITIES
// =============================================================================

const (
	EntityAuthority   etl.Entity = "authority"
	EntityInstrument  etl.Entity = "instrument"
	EntityAidProgram  etl.Entity = "aid_program"
	EntityCall        etl.Entity = "call"
	EntityBeneficiary etl.Entity = "beneficiary"
	EntityAward       etl.Entity = "award"
)

// =============================================================================
// REFERENCE CATALOGS - Small, static dimension tables
// =============================================================================

// Authority is a granting body. IDs are the upstream hierarchical codes.
type Authority struct {
	ID       string
	ParentID string
	Name     string
	Kind     string // state / regional / local
}

// Instrument is an aid instrument catalog entry (subsidy, loan, guarantee...).
type Instrument struct {
	ID          int64
	Description string
}

// =============================================================================
// CALL - A call-for-proposals
// =============================================================================

// Call is one call-for-proposals. Code is the upstream registry code (the
// natural key raw awards reference); ID is the local surrogate FK target.
type Call struct {
	ID          int64
	Code        int64
	Title       string
	AuthorityID string
	Budget      decimal.Decimal
	Open        bool
	ReceivedAt  *time.Time

	CreatedBy string
	UpdatedBy string
}

// =============================================================================
// BENEFICIARY & PSEUDONYM
// =============================================================================

// LegalForm is derived from the structure of the tax identifier.
type LegalForm string

const (
	LegalFormNaturalPerson LegalForm = "natural_person"
	LegalFormPublicCompany LegalForm = "public_company"
	LegalFormLimitedCo     LegalForm = "limited_company"
	LegalFormPartnership   LegalForm = "partnership"
	LegalFormCooperative   LegalForm = "cooperative"
	LegalFormAssociation   LegalForm = "association"
	LegalFormCommunity     LegalForm = "property_community"
	LegalFormCivilSociety  LegalForm = "civil_society"
	LegalFormPublicBody    LegalForm = "public_body"
	LegalFormForeign       LegalForm = "foreign_entity"
	LegalFormOther         LegalForm = "other"
	LegalFormUnknown       LegalForm = ""
)

// Beneficiary is a grant recipient. ExternalID is the upstream person/entity
// identifier (the natural key); ID is the local surrogate.
type Beneficiary struct {
	ID         int64
	ExternalID int64
	TaxID      string
	Name       string // canonical: longest normalized form observed
	NameNorm   string
	LegalForm  LegalForm

	CreatedBy string
	UpdatedBy string
}

// Pseudonym is an alternate name observed for a beneficiary. Pseudonyms are
// never deleted, only appended: they are historical observations.
type Pseudonym struct {
	ID            int64
	BeneficiaryID int64
	Name          string
	NameNorm      string
}

// =============================================================================
// AWARD - A granted subsidy
// =============================================================================

// Award is one granted subsidy. ID is the upstream registry identifier.
// CallID and BeneficiaryID are resolved surrogate FKs; InstrumentID is
// optional and null when the reference could not be resolved.
type Award struct {
	ID            int64
	CallID        int64
	CallCode      int64 // retained natural key, used in the fingerprint
	BeneficiaryID int64
	InstrumentID  *int64
	GrantDate     *time.Time
	Amount        decimal.Decimal
	EquivalentAid decimal.Decimal
	RecordURL     string
	HasProject    bool

	CreatedBy string
	UpdatedBy string
}

// Year returns the award's exercise year, or 0 when the date is missing.
func (a Award) Year() int {
	if a.GrantDate == nil {
		return 0
	}
	return a.GrantDate.Year()
}

// =============================================================================
// AID PROGRAM - De-minimis register entry
// =============================================================================

// AidProgram is one de-minimis aid register entry tied to a beneficiary.
type AidProgram struct {
	ID            int64
	BeneficiaryID int64
	Year          int
	Amount        decimal.Decimal
	Regulation    string
}

// =============================================================================
// AGGREGATE - beneficiary × year × authority
// =============================================================================

// YearStats is the denormalized aggregate row maintained by the stats
// package. It must always equal a full recomputation from award rows.
type YearStats struct {
	BeneficiaryID  int64
	Year           int
	AuthorityID    string
	NumGrants      int
	TotalAmount    decimal.Decimal
	AverageAmount  decimal.Decimal
	FirstGrantDate time.Time
	LastGrantDate  time.Time
}

// StatsKey identifies one aggregate row.
type StatsKey struct {
	BeneficiaryID int64
	Year          int
	AuthorityID   string
}

// =============================================================================
// FINGERPRINT - Content hash for reconciliation
// =============================================================================

// Fingerprint hashes the fields whose upstream mutation must trigger a
// modified-record event. Both sides of the diff (upstream snapshot and local
// rows) must be hashed with this same function.
func Fingerprint(awardID, callCode, beneficiaryExternal int64, amount decimal.Decimal, grantDate *time.Time) string {
	date := ""
	if grantDate != nil {
		date = grantDate.Format("2006-01-02")
	}
	parts := []string{
		strconv.FormatInt(awardID, 10),
		strconv.FormatInt(callCode, 10),
		strconv.FormatInt(beneficiaryExternal, 10),
		amount.String(),
		date,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

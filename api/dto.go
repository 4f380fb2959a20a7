/*
dto.go - API response data structures

PURPOSE:
  JSON shapes for the status API. Dates are YYYY-MM-DD, timestamps
  RFC3339, monetary values decimal strings, never floats.
*/
package api

// JobDTO is one job ledger row.
type JobDTO struct {
	Entity     string `json:"entity"`
	Year       int    `json:"year"`
	Month      int    `json:"month,omitempty"`
	Type       string `json:"type,omitempty"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	LastError  string `json:"last_error,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// IncidentDTO is one incident log row.
type IncidentDTO struct {
	ID         string `json:"id"`
	Entity     string `json:"entity"`
	NaturalKey string `json:"natural_key"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

// SyncRunDTO is one reconciliation audit row.
type SyncRunDTO struct {
	RunID      string `json:"run_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Added      int    `json:"added"`
	Modified   int    `json:"modified"`
	Removed    int    `json:"removed"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// AwardDTO is one award row.
type AwardDTO struct {
	ID            int64  `json:"id"`
	CallID        int64  `json:"call_id,omitempty"`
	CallCode      int64  `json:"call_code"`
	BeneficiaryID int64  `json:"beneficiary_id,omitempty"`
	InstrumentID  *int64 `json:"instrument_id,omitempty"`
	GrantDate     string `json:"grant_date,omitempty"`
	Amount        string `json:"amount"`
	EquivalentAid string `json:"equivalent_aid"`
	RecordURL     string `json:"record_url,omitempty"`
	HasProject    bool   `json:"has_project"`
}

// YearStatsDTO is one aggregate row.
type YearStatsDTO struct {
	BeneficiaryID  int64  `json:"beneficiary_id"`
	Year           int    `json:"year"`
	AuthorityID    string `json:"authority_id"`
	NumGrants      int    `json:"num_grants"`
	TotalAmount    string `json:"total_amount"`
	AverageAmount  string `json:"average_amount"`
	FirstGrantDate string `json:"first_grant_date"`
	LastGrantDate  string `json:"last_grant_date"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

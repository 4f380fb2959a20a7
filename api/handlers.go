/*
handlers.go - HTTP API handlers for the pipeline status surface

PURPOSE:
  Exposes ledger state, incidents, reconciliation runs and aggregates
  over REST. Read-only: every mutation goes through the pipeline, never
  through HTTP.

ENDPOINTS:
  GET /api/jobs                       Job ledger (filter: entity, year, stage, status)
  GET /api/incidents                  Incident log (filter: entity, kind, limit)
  GET /api/sync-runs                  Reconciliation runs (filter: limit)
  GET /api/awards/{id}                Single award
  GET /api/stats/beneficiaries/{id}   Aggregates for one beneficiary
  GET /api/health                     Liveness

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: bad path/query parameters
  - 404: row not found
  - 500: store errors

SEE ALSO:
  - dto.go: response data structures
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/store/sqlite"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store *sqlite.Store
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store) *Handler {
	return &Handler{Store: store}
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListJobs returns job ledger rows.
// GET /api/jobs?entity=award&year=2024&stage=extract&status=error
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := etl.JobFilter{
		Entity: etl.Entity(q.Get("entity")),
		Stage:  etl.Stage(q.Get("stage")),
		Status: etl.Status(q.Get("status")),
	}
	if yearStr := q.Get("year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		filter.Year = year
	}

	units, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list jobs", err)
		return
	}

	dtos := make([]JobDTO, len(units))
	for i, u := range units {
		dto := JobDTO{
			Entity:    string(u.Scope.Entity),
			Year:      u.Scope.Year,
			Month:     int(u.Scope.Month),
			Type:      u.Scope.Type,
			Stage:     string(u.Stage),
			Status:    string(u.Status),
			Retries:   u.Retries,
			LastError: u.LastError,
			UpdatedAt: u.UpdatedAt.Format(time.RFC3339),
		}
		if u.StartedAt != nil {
			dto.StartedAt = u.StartedAt.Format(time.RFC3339)
		}
		if u.FinishedAt != nil {
			dto.FinishedAt = u.FinishedAt.Format(time.RFC3339)
		}
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListIncidents returns incident log rows, newest first.
// GET /api/incidents?entity=award&kind=missing_reference&limit=100
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	incidents, err := h.Store.ListIncidents(r.Context(),
		etl.Entity(q.Get("entity")), etl.IncidentKind(q.Get("kind")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list incidents", err)
		return
	}

	dtos := make([]IncidentDTO, len(incidents))
	for i, inc := range incidents {
		dtos[i] = IncidentDTO{
			ID:         inc.ID,
			Entity:     string(inc.Entity),
			NaturalKey: inc.NaturalKey,
			Kind:       string(inc.Kind),
			Detail:     inc.Detail,
			RecordedAt: inc.RecordedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListSyncRuns returns reconciliation audit rows, newest first.
// GET /api/sync-runs?limit=50
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sync runs", err)
		return
	}

	dtos := make([]SyncRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = SyncRunDTO{
			RunID:      run.RunID,
			StartedAt:  run.StartedAt.Format(time.RFC3339),
			FinishedAt: run.FinishedAt.Format(time.RFC3339),
			Added:      run.Added,
			Modified:   run.Modified,
			Removed:    run.Removed,
			Status:     run.Status,
			Detail:     run.Detail,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAward returns one award by registry identifier.
// GET /api/awards/{id}
func (h *Handler) GetAward(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid award id", err)
		return
	}

	award, found, err := h.Store.Award(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get award", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Award not found", nil)
		return
	}

	dto := AwardDTO{
		ID:            award.ID,
		CallID:        award.CallID,
		CallCode:      award.CallCode,
		BeneficiaryID: award.BeneficiaryID,
		InstrumentID:  award.InstrumentID,
		Amount:        award.Amount.StringFixed(2),
		EquivalentAid: award.EquivalentAid.StringFixed(2),
		RecordURL:     award.RecordURL,
		HasProject:    award.HasProject,
	}
	if award.GrantDate != nil {
		dto.GrantDate = award.GrantDate.Format("2006-01-02")
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetBeneficiaryStats returns the aggregate rows for one beneficiary.
// GET /api/stats/beneficiaries/{id}
func (h *Handler) GetBeneficiaryStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid beneficiary id", err)
		return
	}

	stats, err := h.Store.StatsForBeneficiary(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stats", err)
		return
	}

	dtos := make([]YearStatsDTO, len(stats))
	for i, row := range stats {
		dtos[i] = YearStatsDTO{
			BeneficiaryID:  row.BeneficiaryID,
			Year:           row.Year,
			AuthorityID:    row.AuthorityID,
			NumGrants:      row.NumGrants,
			TotalAmount:    row.TotalAmount.StringFixed(2),
			AverageAmount:  row.AverageAmount.StringFixed(2),
			FirstGrantDate: row.FirstGrantDate.Format("2006-01-02"),
			LastGrantDate:  row.LastGrantDate.Format("2006-01-02"),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

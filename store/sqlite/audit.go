package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/reconcile"
)

// =============================================================================
// INCIDENT LOG (load.IncidentStore interface)
// =============================================================================

// RecordIncidents appends the batch in one transaction. Incidents are
// never updated or deleted.
func (s *Store) RecordIncidents(ctx context.Context, incidents []etl.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, inc := range incidents {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO incidents (id, entity, natural_key, kind, detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			inc.ID, inc.Entity, inc.NaturalKey, inc.Kind, inc.Detail,
			inc.RecordedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to record incident %s: %w", inc.ID, err)
		}
	}
	return sqlTx.Commit()
}

// ListIncidents returns incidents, newest first, optionally filtered by
// entity and kind. limit <= 0 means no limit.
func (s *Store) ListIncidents(ctx context.Context, entity etl.Entity, kind etl.IncidentKind, limit int) ([]etl.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, entity, natural_key, kind, COALESCE(detail, ''), recorded_at
		FROM incidents WHERE 1=1`
	var args []any
	if entity != "" {
		query += " AND entity = ?"
		args = append(args, entity)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY recorded_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []etl.Incident
	for rows.Next() {
		var inc etl.Incident
		var recorded string
		if err := rows.Scan(&inc.ID, &inc.Entity, &inc.NaturalKey, &inc.Kind, &inc.Detail, &recorded); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, recorded); err == nil {
			inc.RecordedAt = t
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// =============================================================================
// SYNC RUNS (reconcile.RunStore interface)
// =============================================================================

// RecordSyncRun upserts by run id: a run's row progresses from detected to
// applied or failed.
func (s *Store) RecordSyncRun(ctx context.Context, run reconcile.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, started_at, finished_at, added, modified, removed, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			added = excluded.added,
			modified = excluded.modified,
			removed = excluded.removed,
			status = excluded.status,
			detail = excluded.detail`,
		run.RunID, run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.Added, run.Modified, run.Removed, run.Status, nullString(run.Detail),
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run %s: %w", run.RunID, err)
	}
	return nil
}

// ListSyncRuns returns reconciliation runs, newest first. limit <= 0 means
// no limit.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]reconcile.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT run_id, started_at, finished_at, added, modified, removed, status, COALESCE(detail, '')
		FROM sync_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var out []reconcile.SyncRun
	for rows.Next() {
		var run reconcile.SyncRun
		var started, finished string
		if err := rows.Scan(&run.RunID, &started, &finished,
			&run.Added, &run.Modified, &run.Removed, &run.Status, &run.Detail); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			run.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, finished); err == nil {
			run.FinishedAt = t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// JOB LEDGER (etl.JobStore interface)
// =============================================================================

func (s *Store) Ensure(ctx context.Context, scope etl.Scope, stage etl.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO etl_jobs (entity, year, month, type, stage, status, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(entity, year, month, type, stage) DO NOTHING`,
		scope.Entity, scope.Year, int(scope.Month), scope.Type, stage,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure job %s/%s: %w", scope, stage, err)
	}
	return nil
}

// Claim is the single conditional update the whole concurrency model rests
// on: eligibility lives in the WHERE clause, so two racing workers see one
// affected row and one zero-row no-op.
func (s *Store) Claim(ctx context.Context, scope etl.Scope, stage etl.Stage, maxRetries int) (etl.JobUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'running', started_at = ?, finished_at = NULL, updated_at = ?
		WHERE entity = ? AND year = ? AND month = ? AND type = ? AND stage = ?
		  AND (status = 'pending' OR (status = 'error' AND retries < ?))`,
		now, now,
		scope.Entity, scope.Year, int(scope.Month), scope.Type, stage,
		maxRetries,
	)
	if err != nil {
		return etl.JobUnit{}, fmt.Errorf("failed to claim job %s/%s: %w", scope, stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return etl.JobUnit{}, err
	}
	if affected == 0 {
		return etl.JobUnit{}, etl.ErrAlreadyRunning
	}
	return s.getLocked(ctx, scope, stage)
}

func (s *Store) Complete(ctx context.Context, scope etl.Scope, stage etl.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'done', finished_at = ?, last_error = NULL, updated_at = ?
		WHERE entity = ? AND year = ? AND month = ? AND type = ? AND stage = ?
		  AND status = 'running'`,
		now, now,
		scope.Entity, scope.Year, int(scope.Month), scope.Type, stage,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s/%s: %w", scope, stage, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		unit, err := s.getLocked(ctx, scope, stage)
		if err != nil {
			return err
		}
		return &etl.InvalidTransitionError{Scope: scope, Stage: stage, From: unit.Status, To: etl.StatusDone}
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, scope etl.Scope, stage etl.Stage, reason string) (etl.JobUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'error', retries = retries + 1, last_error = ?, finished_at = ?, updated_at = ?
		WHERE entity = ? AND year = ? AND month = ? AND type = ? AND stage = ?
		  AND status = 'running'`,
		reason, now, now,
		scope.Entity, scope.Year, int(scope.Month), scope.Type, stage,
	)
	if err != nil {
		return etl.JobUnit{}, fmt.Errorf("failed to record failure for %s/%s: %w", scope, stage, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		unit, err := s.getLocked(ctx, scope, stage)
		if err != nil {
			return etl.JobUnit{}, err
		}
		return etl.JobUnit{}, &etl.InvalidTransitionError{Scope: scope, Stage: stage, From: unit.Status, To: etl.StatusError}
	}
	return s.getLocked(ctx, scope, stage)
}

func (s *Store) Reset(ctx context.Context, scope etl.Scope, stage etl.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE etl_jobs
		SET status = 'pending', retries = 0, last_error = NULL,
		    started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE entity = ? AND year = ? AND month = ? AND type = ? AND stage = ?
		  AND status IN ('error', 'done')`,
		time.Now().UTC().Format(time.RFC3339),
		scope.Entity, scope.Year, int(scope.Month), scope.Type, stage,
	)
	if err != nil {
		return fmt.Errorf("failed to reset job %s/%s: %w", scope, stage, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		unit, err := s.getLocked(ctx, scope, stage)
		if err != nil {
			return err
		}
		return &etl.InvalidTransitionError{Scope: scope, Stage: stage, From: unit.Status, To: etl.StatusPending}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, scope etl.Scope, stage etl.Stage) (etl.JobUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, scope, stage)
}

func (s *Store) getLocked(ctx context.Context, scope etl.Scope, stage etl.Stage) (etl.JobUnit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity, year, month, type, stage, status, retries,
		       COALESCE(last_error, ''), started_at, finished_at, updated_at
		FROM etl_jobs
		WHERE entity = ? AND year = ? AND month = ? AND type = ? AND stage = ?`,
		scope.Entity, scope.Year, int(scope.Month), scope.Type, stage,
	)
	unit, err := scanJobUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return etl.JobUnit{}, etl.ErrJobNotFound
	}
	return unit, err
}

func (s *Store) List(ctx context.Context, filter etl.JobFilter) ([]etl.JobUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT entity, year, month, type, stage, status, retries,
		       COALESCE(last_error, ''), started_at, finished_at, updated_at
		FROM etl_jobs WHERE 1=1`
	var args []any
	if filter.Entity != "" {
		query += " AND entity = ?"
		args = append(args, filter.Entity)
	}
	if filter.Year != 0 {
		query += " AND year = ?"
		args = append(args, filter.Year)
	}
	if filter.Stage != "" {
		query += " AND stage = ?"
		args = append(args, filter.Stage)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var units []etl.JobUnit
	for rows.Next() {
		unit, err := scanJobUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobUnit(row rowScanner) (etl.JobUnit, error) {
	var unit etl.JobUnit
	var month int
	var startedAt, finishedAt sql.NullString
	var updatedAt string

	err := row.Scan(
		&unit.Scope.Entity, &unit.Scope.Year, &month, &unit.Scope.Type,
		&unit.Stage, &unit.Status, &unit.Retries, &unit.LastError,
		&startedAt, &finishedAt, &updatedAt,
	)
	if err != nil {
		return etl.JobUnit{}, err
	}
	unit.Scope.Month = time.Month(month)
	unit.StartedAt = parseNullTime(startedAt, time.RFC3339)
	unit.FinishedAt = parseNullTime(finishedAt, time.RFC3339)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		unit.UpdatedAt = t
	}
	return unit, nil
}

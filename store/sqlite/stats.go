package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grantsync/etl-engine/grants"
)

// =============================================================================
// AGGREGATES (stats.Store interface)
// =============================================================================
//
// Amounts are stored as TEXT, so summation happens in Go with decimal
// arithmetic: the rows for a key are selected and folded, never SUM()ed.

// RecomputeTriple rederives one aggregate row from current award rows.
func (s *Store) RecomputeTriple(ctx context.Context, key grants.StatsKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.amount, a.grant_date
		FROM awards a
		JOIN calls c ON c.id = a.call_id
		WHERE a.beneficiary_id = ? AND c.authority_id = ?
		  AND a.grant_date IS NOT NULL
		  AND CAST(strftime('%Y', a.grant_date) AS INTEGER) = ?`,
		key.BeneficiaryID, key.AuthorityID, key.Year,
	)
	if err != nil {
		return fmt.Errorf("failed to read awards for aggregate: %w", err)
	}
	row, ok, err := foldStats(key, rows)
	if err != nil {
		return err
	}

	if !ok {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM beneficiary_year_stats
			WHERE beneficiary_id = ? AND year = ? AND authority_id = ?`,
			key.BeneficiaryID, key.Year, key.AuthorityID,
		)
		return err
	}
	return upsertStats(ctx, s.db, "beneficiary_year_stats", row)
}

// RebuildAll recomputes every aggregate into a shadow table, then swaps it
// in inside one transaction so readers never see a partial rebuild.
func (s *Store) RebuildAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	computed, err := s.computedStatsLocked(ctx)
	if err != nil {
		return 0, err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer sqlTx.Rollback()

	statements := []string{
		`DROP TABLE IF EXISTS beneficiary_year_stats_rebuild`,
		`CREATE TABLE beneficiary_year_stats_rebuild (
			beneficiary_id INTEGER NOT NULL,
			year INTEGER NOT NULL,
			authority_id TEXT NOT NULL,
			num_grants INTEGER NOT NULL,
			total_amount TEXT NOT NULL,
			average_amount TEXT NOT NULL,
			first_grant_date TEXT NOT NULL,
			last_grant_date TEXT NOT NULL,
			PRIMARY KEY(beneficiary_id, year, authority_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to prepare shadow table: %w", err)
		}
	}
	for _, row := range computed {
		if err := upsertStats(ctx, sqlTx, "beneficiary_year_stats_rebuild", row); err != nil {
			return 0, err
		}
	}
	swap := []string{
		`DROP TABLE beneficiary_year_stats`,
		`ALTER TABLE beneficiary_year_stats_rebuild RENAME TO beneficiary_year_stats`,
	}
	for _, stmt := range swap {
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to swap aggregate tables: %w", err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return len(computed), nil
}

func (s *Store) Stats(ctx context.Context, key grants.StatsKey) (grants.YearStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := scanStats(s.db.QueryRowContext(ctx, statsSelect+`
		WHERE beneficiary_id = ? AND year = ? AND authority_id = ?`,
		key.BeneficiaryID, key.Year, key.AuthorityID,
	))
	if err == sql.ErrNoRows {
		return grants.YearStats{}, false, nil
	}
	if err != nil {
		return grants.YearStats{}, false, err
	}
	return row, true, nil
}

func (s *Store) AllStats(ctx context.Context) ([]grants.YearStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, statsSelect+`
		ORDER BY beneficiary_id, year, authority_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	defer rows.Close()

	var out []grants.YearStats
	for rows.Next() {
		row, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// StatsForBeneficiary returns every aggregate row for one beneficiary,
// ordered by year then authority.
func (s *Store) StatsForBeneficiary(ctx context.Context, beneficiaryID int64) ([]grants.YearStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, statsSelect+`
		WHERE beneficiary_id = ? ORDER BY year, authority_id`, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to read beneficiary aggregates: %w", err)
	}
	defer rows.Close()

	var out []grants.YearStats
	for rows.Next() {
		row, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ComputedStats(ctx context.Context) ([]grants.YearStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.computedStatsLocked(ctx)
}

// computedStatsLocked derives every aggregate straight from award rows.
func (s *Store) computedStatsLocked(ctx context.Context) ([]grants.YearStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.beneficiary_id, CAST(strftime('%Y', a.grant_date) AS INTEGER),
		       c.authority_id, a.amount, a.grant_date
		FROM awards a
		JOIN calls c ON c.id = a.call_id
		WHERE a.grant_date IS NOT NULL
		  AND a.beneficiary_id IS NOT NULL
		  AND c.authority_id IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read awards for rebuild: %w", err)
	}
	defer rows.Close()

	byKey := make(map[grants.StatsKey]*grants.YearStats)
	for rows.Next() {
		var key grants.StatsKey
		var amountStr, dateStr string
		if err := rows.Scan(&key.BeneficiaryID, &key.Year, &key.AuthorityID, &amountStr, &dateStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("bad stored amount %q: %w", amountStr, err)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("bad stored grant date %q: %w", dateStr, err)
		}

		agg, ok := byKey[key]
		if !ok {
			agg = &grants.YearStats{
				BeneficiaryID: key.BeneficiaryID, Year: key.Year, AuthorityID: key.AuthorityID,
				TotalAmount: decimal.Zero, FirstGrantDate: date, LastGrantDate: date,
			}
			byKey[key] = agg
		}
		agg.NumGrants++
		agg.TotalAmount = agg.TotalAmount.Add(amount)
		if date.Before(agg.FirstGrantDate) {
			agg.FirstGrantDate = date
		}
		if date.After(agg.LastGrantDate) {
			agg.LastGrantDate = date
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]grants.YearStats, 0, len(byKey))
	for _, agg := range byKey {
		agg.AverageAmount = agg.TotalAmount.Div(decimal.NewFromInt(int64(agg.NumGrants))).Round(2)
		out = append(out, *agg)
	}
	return out, nil
}

// foldStats folds the (amount, grant_date) rows for one key; ok is false
// when no awards remain.
func foldStats(key grants.StatsKey, rows *sql.Rows) (grants.YearStats, bool, error) {
	defer rows.Close()

	row := grants.YearStats{
		BeneficiaryID: key.BeneficiaryID, Year: key.Year, AuthorityID: key.AuthorityID,
		TotalAmount: decimal.Zero,
	}
	for rows.Next() {
		var amountStr, dateStr string
		if err := rows.Scan(&amountStr, &dateStr); err != nil {
			return grants.YearStats{}, false, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return grants.YearStats{}, false, fmt.Errorf("bad stored amount %q: %w", amountStr, err)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return grants.YearStats{}, false, fmt.Errorf("bad stored grant date %q: %w", dateStr, err)
		}
		row.NumGrants++
		row.TotalAmount = row.TotalAmount.Add(amount)
		if row.NumGrants == 1 || date.Before(row.FirstGrantDate) {
			row.FirstGrantDate = date
		}
		if row.NumGrants == 1 || date.After(row.LastGrantDate) {
			row.LastGrantDate = date
		}
	}
	if err := rows.Err(); err != nil {
		return grants.YearStats{}, false, err
	}
	if row.NumGrants == 0 {
		return grants.YearStats{}, false, nil
	}
	row.AverageAmount = row.TotalAmount.Div(decimal.NewFromInt(int64(row.NumGrants))).Round(2)
	return row, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStats(ctx context.Context, db execer, table string, row grants.YearStats) error {
	query := fmt.Sprintf(`
		INSERT INTO %s
		(beneficiary_id, year, authority_id, num_grants, total_amount,
		 average_amount, first_grant_date, last_grant_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(beneficiary_id, year, authority_id) DO UPDATE SET
			num_grants = excluded.num_grants,
			total_amount = excluded.total_amount,
			average_amount = excluded.average_amount,
			first_grant_date = excluded.first_grant_date,
			last_grant_date = excluded.last_grant_date`, table)

	_, err := db.ExecContext(ctx, query,
		row.BeneficiaryID, row.Year, row.AuthorityID, row.NumGrants,
		row.TotalAmount.String(), row.AverageAmount.String(),
		row.FirstGrantDate.Format(dateLayout), row.LastGrantDate.Format(dateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to write aggregate row: %w", err)
	}
	return nil
}

const statsSelect = `
	SELECT beneficiary_id, year, authority_id, num_grants, total_amount,
	       average_amount, first_grant_date, last_grant_date
	FROM beneficiary_year_stats`

func scanStats(row rowScanner) (grants.YearStats, error) {
	var out grants.YearStats
	var total, average, first, last string
	err := row.Scan(&out.BeneficiaryID, &out.Year, &out.AuthorityID,
		&out.NumGrants, &total, &average, &first, &last)
	if err != nil {
		return grants.YearStats{}, err
	}
	if out.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return grants.YearStats{}, fmt.Errorf("bad stored total %q: %w", total, err)
	}
	if out.AverageAmount, err = decimal.NewFromString(average); err != nil {
		return grants.YearStats{}, fmt.Errorf("bad stored average %q: %w", average, err)
	}
	if out.FirstGrantDate, err = time.Parse(dateLayout, first); err != nil {
		return grants.YearStats{}, fmt.Errorf("bad stored first date %q: %w", first, err)
	}
	if out.LastGrantDate, err = time.Parse(dateLayout, last); err != nil {
		return grants.YearStats{}, fmt.Errorf("bad stored last date %q: %w", last, err)
	}
	return out, nil
}

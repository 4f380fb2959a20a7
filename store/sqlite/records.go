package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/transform"
)

// =============================================================================
// REFERENCE LOOKUPS (transform.ReferenceStore interface)
// =============================================================================

func (s *Store) CallRefs(ctx context.Context) (map[int64]transform.CallRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT code, id, COALESCE(authority_id, '') FROM calls`)
	if err != nil {
		return nil, fmt.Errorf("failed to load call refs: %w", err)
	}
	defer rows.Close()

	refs := make(map[int64]transform.CallRef)
	for rows.Next() {
		var code int64
		var ref transform.CallRef
		if err := rows.Scan(&code, &ref.ID, &ref.AuthorityID); err != nil {
			return nil, err
		}
		refs[code] = ref
	}
	return refs, rows.Err()
}

func (s *Store) BeneficiarySurrogates(ctx context.Context) (map[int64]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT external_id, id FROM beneficiaries`)
	if err != nil {
		return nil, fmt.Errorf("failed to load beneficiary surrogates: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var external, id int64
		if err := rows.Scan(&external, &id); err != nil {
			return nil, err
		}
		out[external] = id
	}
	return out, rows.Err()
}

func (s *Store) InstrumentIDs(ctx context.Context) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM instruments`)
	if err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) AuthorityIDs(ctx context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM authorities`)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) AuthorityOfCall(ctx context.Context, callID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var authority sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT authority_id FROM calls WHERE id = ?`, callID).Scan(&authority)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return authority.String, nil
}

// =============================================================================
// AWARDS (load.Store interface)
// =============================================================================

// InsertAwards writes the batch in one transaction with first-seen
// semantics: a conflicting id is skipped, any error rolls back everything.
func (s *Store) InsertAwards(ctx context.Context, batch []grants.Award) ([]grants.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var inserted []grants.Award
	for _, a := range batch {
		if a.ID == 0 {
			return nil, fmt.Errorf("award without identifier")
		}
		res, err := sqlTx.ExecContext(ctx, `
			INSERT INTO awards
			(id, call_id, call_code, beneficiary_id, instrument_id, grant_date,
			 amount, equivalent_aid, record_url, has_project, created_by, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			a.ID, zeroNull(a.CallID), a.CallCode, zeroNull(a.BeneficiaryID),
			nullInt(a.InstrumentID), nullTime(a.GrantDate, dateLayout),
			a.Amount.String(), a.EquivalentAid.String(), a.RecordURL,
			a.HasProject, a.CreatedBy, a.UpdatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert award %d: %w", a.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted = append(inserted, a)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit award batch: %w", err)
	}
	return inserted, nil
}

func (s *Store) UpdateAward(ctx context.Context, award grants.Award) (grants.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grants.Award{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	old, err := scanAward(sqlTx.QueryRowContext(ctx, awardSelect+` WHERE id = ?`, award.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Award{}, fmt.Errorf("award %d: not found", award.ID)
	}
	if err != nil {
		return grants.Award{}, err
	}

	_, err = sqlTx.ExecContext(ctx, `
		UPDATE awards
		SET call_id = ?, call_code = ?, beneficiary_id = ?, instrument_id = ?,
		    grant_date = ?, amount = ?, equivalent_aid = ?, record_url = ?,
		    has_project = ?, updated_by = ?
		WHERE id = ?`,
		zeroNull(award.CallID), award.CallCode, zeroNull(award.BeneficiaryID),
		nullInt(award.InstrumentID), nullTime(award.GrantDate, dateLayout),
		award.Amount.String(), award.EquivalentAid.String(), award.RecordURL,
		award.HasProject, award.UpdatedBy, award.ID,
	)
	if err != nil {
		return grants.Award{}, fmt.Errorf("failed to update award %d: %w", award.ID, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return grants.Award{}, err
	}
	return old, nil
}

func (s *Store) DeleteAward(ctx context.Context, id int64) (grants.Award, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grants.Award{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	old, err := scanAward(sqlTx.QueryRowContext(ctx, awardSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Award{}, false, nil
	}
	if err != nil {
		return grants.Award{}, false, err
	}

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM awards WHERE id = ?`, id); err != nil {
		return grants.Award{}, false, fmt.Errorf("failed to delete award %d: %w", id, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return grants.Award{}, false, err
	}
	return old, true, nil
}

// Award returns one award by registry identifier.
func (s *Store) Award(ctx context.Context, id int64) (grants.Award, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAward(s.db.QueryRowContext(ctx, awardSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Award{}, false, nil
	}
	if err != nil {
		return grants.Award{}, false, err
	}
	return a, true, nil
}

// LocalFingerprints hashes stored awards with a grant date in [from, to).
// The beneficiary join recovers the external identifier the upstream side
// hashes with.
func (s *Store) LocalFingerprints(ctx context.Context, from, to time.Time) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.call_code, COALESCE(b.external_id, 0), a.amount, a.grant_date
		FROM awards a
		LEFT JOIN beneficiaries b ON b.id = a.beneficiary_id
		WHERE a.grant_date IS NOT NULL AND a.grant_date >= ? AND a.grant_date < ?`,
		from.Format(dateLayout), to.Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load local fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id, callCode, external int64
		var amountStr, dateStr string
		if err := rows.Scan(&id, &callCode, &external, &amountStr, &dateStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("award %d: bad stored amount %q", id, amountStr)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("award %d: bad stored grant date %q", id, dateStr)
		}
		out[id] = grants.Fingerprint(id, callCode, external, amount, &date)
	}
	return out, rows.Err()
}

const awardSelect = `
	SELECT id, COALESCE(call_id, 0), call_code, COALESCE(beneficiary_id, 0),
	       instrument_id, grant_date, amount, COALESCE(equivalent_aid, '0'),
	       COALESCE(record_url, ''), has_project,
	       COALESCE(created_by, ''), COALESCE(updated_by, '')
	FROM awards`

func scanAward(row rowScanner) (grants.Award, error) {
	var a grants.Award
	var instrument sql.NullInt64
	var grantDate sql.NullString
	var amount, equivalent string

	err := row.Scan(&a.ID, &a.CallID, &a.CallCode, &a.BeneficiaryID,
		&instrument, &grantDate, &amount, &equivalent,
		&a.RecordURL, &a.HasProject, &a.CreatedBy, &a.UpdatedBy)
	if err != nil {
		return grants.Award{}, err
	}
	if instrument.Valid {
		a.InstrumentID = &instrument.Int64
	}
	a.GrantDate = parseNullTime(grantDate, dateLayout)
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return grants.Award{}, fmt.Errorf("award %d: bad stored amount %q", a.ID, amount)
	}
	if a.EquivalentAid, err = decimal.NewFromString(equivalent); err != nil {
		return grants.Award{}, fmt.Errorf("award %d: bad stored equivalent aid %q", a.ID, equivalent)
	}
	return a, nil
}

// zeroNull maps the zero surrogate (unresolved FK under a null policy) to
// SQL NULL so the foreign key constraint holds.
func zeroNull(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

// =============================================================================
// BENEFICIARIES (load.Store interface)
// =============================================================================

// UpsertBeneficiaries runs the batch in one transaction: insert or refresh
// by external identifier, keeping existing surrogates, then append any
// unseen pseudonyms.
func (s *Store) UpsertBeneficiaries(ctx context.Context, batch []transform.BeneficiaryUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, up := range batch {
		b := up.Beneficiary
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO beneficiaries
			(external_id, tax_id, name, name_norm, legal_form, created_by, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				tax_id = excluded.tax_id,
				name = excluded.name,
				name_norm = excluded.name_norm,
				legal_form = excluded.legal_form,
				updated_by = excluded.updated_by`,
			b.ExternalID, b.TaxID, b.Name, b.NameNorm, string(b.LegalForm),
			b.CreatedBy, b.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert beneficiary %d: %w", b.ExternalID, err)
		}

		var surrogate int64
		err = sqlTx.QueryRowContext(ctx,
			`SELECT id FROM beneficiaries WHERE external_id = ?`, b.ExternalID).Scan(&surrogate)
		if err != nil {
			return err
		}

		for _, name := range up.Pseudonyms {
			_, err := sqlTx.ExecContext(ctx, `
				INSERT INTO pseudonyms (beneficiary_id, name, name_norm)
				VALUES (?, ?, ?)
				ON CONFLICT(beneficiary_id, name_norm) DO NOTHING`,
				surrogate, name, grants.NormalizeName(name),
			)
			if err != nil {
				return fmt.Errorf("failed to append pseudonym for beneficiary %d: %w", surrogate, err)
			}
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit beneficiary batch: %w", err)
	}
	return nil
}

// =============================================================================
// STATIC CATALOGS
// =============================================================================

func (s *Store) UpsertAuthorities(ctx context.Context, batch []grants.Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, a := range batch {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO authorities (id, parent_id, name, kind)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				parent_id = excluded.parent_id,
				name = excluded.name,
				kind = excluded.kind`,
			a.ID, nullString(a.ParentID), a.Name, a.Kind,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert authority %s: %w", a.ID, err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) UpsertInstruments(ctx context.Context, batch []grants.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, in := range batch {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO instruments (id, description) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET description = excluded.description`,
			in.ID, in.Description,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert instrument %d: %w", in.ID, err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) UpsertAidPrograms(ctx context.Context, batch []grants.AidProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, p := range batch {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO aid_programs (id, beneficiary_id, year, amount, regulation)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				beneficiary_id = excluded.beneficiary_id,
				year = excluded.year,
				amount = excluded.amount,
				regulation = excluded.regulation`,
			p.ID, zeroNull(p.BeneficiaryID), p.Year, p.Amount.String(), p.Regulation,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert aid program %d: %w", p.ID, err)
		}
	}
	return sqlTx.Commit()
}

// UpsertCalls inserts or refreshes calls by registry code, keeping existing
// surrogate ids.
func (s *Store) UpsertCalls(ctx context.Context, batch []grants.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, c := range batch {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO calls (code, title, authority_id, budget, open, received_at, created_by, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET
				title = excluded.title,
				authority_id = excluded.authority_id,
				budget = excluded.budget,
				open = excluded.open,
				received_at = excluded.received_at,
				updated_by = excluded.updated_by`,
			c.Code, c.Title, nullString(c.AuthorityID), c.Budget.String(),
			c.Open, nullTime(c.ReceivedAt, dateLayout), c.CreatedBy, c.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert call %d: %w", c.Code, err)
		}
	}
	return sqlTx.Commit()
}

package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

func (r Repo) InsertApprovalEntryTx(ctx context.Context, tx *sql.Tx, e domain.ApprovalEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_entries(id,phase_id,submitted_at,submitted_by,version_snapshot_json,stakeholders_json) VALUES (?,?,?,?,?,?)`,
		e.ID, e.PhaseID, e.SubmittedAt, e.SubmittedBy, e.VersionSnapshotJSON, nullable(e.StakeholdersJSON))
	return err
}

// ListApprovalEntries returns a phase's submission ledger oldest first.
func (r Repo) ListApprovalEntries(ctx context.Context, phaseID string) ([]domain.ApprovalEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,phase_id,submitted_at,submitted_by,version_snapshot_json,stakeholders_json FROM approval_entries WHERE phase_id=? ORDER BY submitted_at ASC, id ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalEntry
	for rows.Next() {
		var e domain.ApprovalEntry
		var stakeholders sql.NullString
		if err := rows.Scan(&e.ID, &e.PhaseID, &e.SubmittedAt, &e.SubmittedBy, &e.VersionSnapshotJSON, &stakeholders); err != nil {
			return nil, err
		}
		e.StakeholdersJSON = stakeholders.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestSubmissionTime returns the most recent submission timestamp for a
// phase, or "" when it was never submitted.
func (r Repo) LatestSubmissionTime(ctx context.Context, phaseID string) (string, error) {
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(submitted_at) FROM approval_entries WHERE phase_id=?`, phaseID).Scan(&ts)
	if err != nil {
		return "", err
	}
	return ts.String, nil
}

func (r Repo) CountApprovalEntries(ctx context.Context, phaseID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_entries WHERE phase_id=?`, phaseID).Scan(&n)
	return n, err
}

func (r Repo) ListStakeholders(ctx context.Context, phaseID string) ([]domain.Stakeholder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase_id,role,name,status,position FROM stakeholders WHERE phase_id=? ORDER BY position ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stakeholder
	for rows.Next() {
		var s domain.Stakeholder
		if err := rows.Scan(&s.PhaseID, &s.Role, &s.Name, &s.Status, &s.Position); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListStakeholdersTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.Stakeholder, error) {
	rows, err := tx.QueryContext(ctx, `SELECT phase_id,role,name,status,position FROM stakeholders WHERE phase_id=? ORDER BY position ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stakeholder
	for rows.Next() {
		var s domain.Stakeholder
		if err := rows.Scan(&s.PhaseID, &s.Role, &s.Name, &s.Status, &s.Position); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertStakeholderTx(ctx context.Context, tx *sql.Tx, s domain.Stakeholder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stakeholders(phase_id,role,name,status,position) VALUES (?,?,?,?,?)`,
		s.PhaseID, s.Role, s.Name, s.Status, s.Position)
	return err
}

// NextStakeholderPositionTx returns the append position for a new stakeholder.
func (r Repo) NextStakeholderPositionTx(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(position) FROM stakeholders WHERE phase_id=?`, phaseID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// SetStakeholderStatusesTx moves every stakeholder of a phase to one status,
// as happens on submit, approve, and reject.
func (r Repo) SetStakeholderStatusesTx(ctx context.Context, tx *sql.Tx, phaseID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stakeholders SET status=? WHERE phase_id=?`, status, phaseID)
	return err
}

func (r Repo) DeleteStakeholderTx(ctx context.Context, tx *sql.Tx, phaseID string, position int) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM stakeholders WHERE phase_id=? AND position=?`, phaseID, position)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

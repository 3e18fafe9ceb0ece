package repo

import (
	"context"
	"database/sql"
	"strings"

	"phaseline/internal/domain"
)

// ErrVersionExists signals a losing writer in a version-append race: the
// (phase, artifact, version) primary key already holds a row.
var ErrVersionExists = &versionExistsError{}

type versionExistsError struct{}

func (*versionExistsError) Error() string { return "version already exists" }

// InsertVersionEntryTx appends a version row. The primary key on
// (phase_id, artifact_type, version) makes duplicate version numbers
// impossible; a constraint violation is reported as ErrVersionExists so the
// engine can translate it into its VersionConflict taxonomy.
func (r Repo) InsertVersionEntryTx(ctx context.Context, tx *sql.Tx, e domain.VersionEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO version_entries(phase_id,artifact_type,version,edited_at,edited_by,change_type,summary,content) VALUES (?,?,?,?,?,?,?,?)`,
		e.PhaseID, e.ArtifactType, e.Version, e.EditedAt, e.EditedBy, e.ChangeType, nullable(e.Summary), nullableStringPtr(e.Content))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrVersionExists
	}
	return err
}

// CountVersionsTx returns the number of entries in one artifact's history.
// The next version number is always 1 + this count.
func (r Repo) CountVersionsTx(ctx context.Context, tx *sql.Tx, phaseID, artifactType string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM version_entries WHERE phase_id=? AND artifact_type=?`, phaseID, artifactType).Scan(&n)
	return n, err
}

func (r Repo) GetVersionEntry(ctx context.Context, phaseID, artifactType string, version int) (domain.VersionEntry, error) {
	var e domain.VersionEntry
	var summary, content sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT phase_id,artifact_type,version,edited_at,edited_by,change_type,summary,content FROM version_entries WHERE phase_id=? AND artifact_type=? AND version=?`,
		phaseID, artifactType, version).
		Scan(&e.PhaseID, &e.ArtifactType, &e.Version, &e.EditedAt, &e.EditedBy, &e.ChangeType, &summary, &content)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Summary = summary.String
	if content.Valid {
		e.Content = &content.String
	}
	return e, nil
}

// ListVersionEntries returns an artifact's history in version order.
func (r Repo) ListVersionEntries(ctx context.Context, phaseID, artifactType string) ([]domain.VersionEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase_id,artifact_type,version,edited_at,edited_by,change_type,summary,content FROM version_entries WHERE phase_id=? AND artifact_type=? ORDER BY version ASC`,
		phaseID, artifactType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VersionEntry
	for rows.Next() {
		var e domain.VersionEntry
		var summary, content sql.NullString
		if err := rows.Scan(&e.PhaseID, &e.ArtifactType, &e.Version, &e.EditedAt, &e.EditedBy, &e.ChangeType, &summary, &content); err != nil {
			return nil, err
		}
		e.Summary = summary.String
		if content.Valid {
			e.Content = &content.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestVersionsTx maps every version-tracked artifact of a phase to its
// current (highest) version number. Used for approval snapshots.
func (r Repo) LatestVersionsTx(ctx context.Context, tx *sql.Tx, phaseID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT artifact_type, MAX(version) FROM version_entries WHERE phase_id=? GROUP BY artifact_type`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var artifactType string
		var version int
		if err := rows.Scan(&artifactType, &version); err != nil {
			return nil, err
		}
		res[artifactType] = version
	}
	return res, rows.Err()
}

func (r Repo) CountVersions(ctx context.Context, phaseID, artifactType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM version_entries WHERE phase_id=? AND artifact_type=?`, phaseID, artifactType).Scan(&n)
	return n, err
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

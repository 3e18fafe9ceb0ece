package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,total_phases,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.TotalPhases, p.CreatedAt)
	return err
}

// projectSelect joins derived progress columns: current_phase is the highest
// phase number that has left draft, completed_phases counts approved phases.
const projectSelect = `SELECT p.id, p.name, COALESCE(p.description,'') AS description, p.total_phases,
	COALESCE((SELECT MAX(ph.phase_number) FROM phases ph WHERE ph.project_id=p.id AND ph.status != 'draft'), 0) AS current_phase,
	(SELECT COUNT(*) FROM phases ph WHERE ph.project_id=p.id AND ph.status='approved') AS completed_phases,
	p.created_at
FROM projects p`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	err := scan(&p.ID, &p.Name, &p.Description, &p.TotalPhases, &p.CurrentPhase, &p.CompletedPhases, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, projectSelect+` WHERE p.id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, projectSelect+` ORDER BY p.created_at DESC, p.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListProjectIDs returns project ids in insertion order; the Approval Center
// iterates these so its aggregation order is deterministic.
func (r Repo) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SingleProject returns the project when exactly one exists; the CLI uses it
// to avoid demanding --project in single-project workspaces.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) != 1 {
		return domain.Project{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const phaseSelect = `SELECT id,project_id,phase_number,phase_name,status,data_json,ai_confidence_score,created_at,updated_at FROM phases`

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var ph domain.Phase
	var score sql.NullInt64
	err := scan(&ph.ID, &ph.ProjectID, &ph.PhaseNumber, &ph.PhaseName, &ph.Status, &ph.DataJSON, &score, &ph.CreatedAt, &ph.UpdatedAt)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	if err != nil {
		return ph, err
	}
	if score.Valid {
		v := int(score.Int64)
		ph.AIConfidenceScore = &v
	}
	return ph, nil
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,project_id,phase_number,phase_name,status,data_json,ai_confidence_score,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		ph.ID, ph.ProjectID, ph.PhaseNumber, ph.PhaseName, ph.Status, ph.DataJSON, nullableIntPtr(ph.AIConfidenceScore), ph.CreatedAt, ph.UpdatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, phaseSelect+` WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, phaseSelect+` WHERE id=?`, id)
	return scanPhase(row.Scan)
}

// GetPhaseByNumber is the registry lookup: phase N of project P, directly.
func (r Repo) GetPhaseByNumber(ctx context.Context, projectID string, phaseNumber int) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, phaseSelect+` WHERE project_id=? AND phase_number=?`, projectID, phaseNumber)
	return scanPhase(row.Scan)
}

func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, phaseSelect+` WHERE project_id=? ORDER BY phase_number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		ph, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

// ListPhasesByStatus returns phases in the given statuses across one project,
// ordered by phase number.
func (r Repo) ListPhasesByStatus(ctx context.Context, projectID string, statuses ...string) ([]domain.Phase, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := []any{projectID}
	for _, s := range statuses {
		args = append(args, s)
	}
	rows, err := r.DB.QueryContext(ctx, phaseSelect+` WHERE project_id=? AND status IN (`+placeholders+`) ORDER BY phase_number ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		ph, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, data_json=?, ai_confidence_score=?, updated_at=? WHERE id=?`,
		ph.Status, ph.DataJSON, nullableIntPtr(ph.AIConfidenceScore), ph.UpdatedAt, ph.ID)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ProjectID = projID.String
		e.EntityID = entID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ProjectID = projID.String
		e.EntityID = entID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a
// project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

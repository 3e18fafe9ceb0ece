package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/genai"
	"phaseline/internal/repo"
)

// Engine executes workflow operations over the store. Every mutation runs in
// its own transaction and appends its events inside that transaction, so a
// phase change and its log line commit or roll back together.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Generator genai.Generator
	Logger    *log.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: log.Default(),
		Now:    time.Now,
	}
}

func (e *Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// projectConfig resolves the phase catalog for a project: the stored copy if
// one exists, the engine default otherwise.
func (e *Engine) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil {
		return e.Config, nil
	}
	return config.Default(projectID), nil
}

type CreateProjectOptions struct {
	ID          string
	Name        string
	Description string
	Config      *config.Config
	ActorID     string
}

// CreateProject inserts the project and pre-creates every catalog phase as an
// empty draft, so the registry can hand out phase IDs immediately.
func (e *Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, fmt.Errorf("project name required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	cfg := opts.Config
	if cfg == nil {
		if e.Config != nil {
			cfg = e.Config
		} else {
			cfg = config.Default(opts.ID)
		}
	}
	now := e.now()
	p := domain.Project{
		ID:          opts.ID,
		Name:        opts.Name,
		Description: opts.Description,
		TotalPhases: cfg.TotalPhases(),
		CreatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, err
	}
	for _, n := range cfg.PhaseNumbers() {
		schema, _ := cfg.Schema(n)
		ph := domain.Phase{
			ID:          uuid.NewString(),
			ProjectID:   p.ID,
			PhaseNumber: n,
			PhaseName:   schema.Name,
			Status:      domain.PhaseStatusDraft,
			DataJSON:    "{}",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			return domain.Project{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"name":         p.Name,
		"total_phases": p.TotalPhases,
	})
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, p.ID)
}

// DeleteProject removes the project; phases, versions, approvals, and
// stakeholders go with it through the cascading foreign keys.
func (e *Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.Events.Append(ctx, tx, "project.deleted", p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, p.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e *Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

func (e *Engine) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	return e.Repo.GetPhase(ctx, id)
}

// GetPhaseByNumber is the registry lookup: phase N of a project, directly,
// without listing.
func (e *Engine) GetPhaseByNumber(ctx context.Context, projectID string, phaseNumber int) (domain.Phase, error) {
	return e.Repo.GetPhaseByNumber(ctx, projectID, phaseNumber)
}

func (e *Engine) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	return e.Repo.ListPhases(ctx, projectID)
}

// decodeData parses a phase's JSON document into a key->value map.
func decodeData(ph domain.Phase) (map[string]json.RawMessage, error) {
	data := map[string]json.RawMessage{}
	raw := ph.DataJSON
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("phase %s data corrupt: %w", ph.ID, err)
	}
	return data, nil
}

func encodeData(data map[string]json.RawMessage) (string, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// emptyValue reports whether an artifact value counts as absent for the
// submission readiness check: missing key, null, "", {}, or [].
func emptyValue(v json.RawMessage) bool {
	switch string(v) {
	case "", "null", `""`, "{}", "[]":
		return true
	}
	return false
}

// adjustStatusForEdit applies the content-mutation transitions: the first
// edit moves a draft to in_progress, an edit to an approved phase demotes it
// back to in_progress, and an edit to a rejected phase re-enters the cycle.
// Edits during pending_approval leave the status alone; the submitted
// snapshot pins what the approver is reviewing.
func adjustStatusForEdit(status string) (newStatus string, demoted bool) {
	switch status {
	case domain.PhaseStatusDraft:
		return domain.PhaseStatusInProgress, false
	case domain.PhaseStatusApproved:
		return domain.PhaseStatusInProgress, true
	case domain.PhaseStatusRejected:
		return domain.PhaseStatusInProgress, false
	default:
		return status, false
	}
}

// ensurePhaseTransition validates an explicit status change request.
func ensurePhaseTransition(old, new string) error {
	if old == new {
		return nil
	}
	allowed := map[string][]string{
		domain.PhaseStatusDraft:           {domain.PhaseStatusInProgress},
		domain.PhaseStatusInProgress:      {domain.PhaseStatusPendingApproval},
		domain.PhaseStatusPendingApproval: {domain.PhaseStatusApproved, domain.PhaseStatusRejected},
		domain.PhaseStatusApproved:        {domain.PhaseStatusInProgress},
		domain.PhaseStatusRejected:        {domain.PhaseStatusInProgress},
	}
	for _, s := range allowed[old] {
		if s == new {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move phase from %s to %s", ErrInvalidState, old, new)
}

// schemaFor returns the phase's catalog entry.
func (e *Engine) schemaFor(ctx context.Context, ph domain.Phase) (config.PhaseSchema, *config.Config, error) {
	cfg, err := e.projectConfig(ctx, ph.ProjectID)
	if err != nil {
		return config.PhaseSchema{}, nil, err
	}
	schema, ok := cfg.Schema(ph.PhaseNumber)
	if !ok {
		return config.PhaseSchema{}, nil, fmt.Errorf("phase number %d not in catalog", ph.PhaseNumber)
	}
	return schema, cfg, nil
}

// SetCurrent replaces the current value of a non-versioned artifact (or
// updates the current value alongside no history). Unknown artifact keys are
// rejected so typos do not silently create document fields.
func (e *Engine) SetCurrent(ctx context.Context, phaseID, artifactType string, value json.RawMessage, actorID string) (domain.Phase, error) {
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	schema, _, err := e.schemaFor(ctx, ph)
	if err != nil {
		return domain.Phase{}, err
	}
	if !schema.Knows(artifactType) {
		return domain.Phase{}, fmt.Errorf("%w: phase %d does not track %q", ErrArtifactNotFound, ph.PhaseNumber, artifactType)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	ph, err = e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	data, err := decodeData(ph)
	if err != nil {
		return domain.Phase{}, err
	}
	data[artifactType] = value
	ph.DataJSON, err = encodeData(data)
	if err != nil {
		return domain.Phase{}, err
	}
	var demoted bool
	ph.Status, demoted = adjustStatusForEdit(ph.Status)
	ph.UpdatedAt = e.now()
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, err
	}
	err = e.Events.Append(ctx, tx, "artifact.set", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"artifact_type": artifactType,
	})
	if err != nil {
		return domain.Phase{}, err
	}
	if demoted {
		err = e.Events.Append(ctx, tx, "phase.demoted", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
			"artifact_type": artifactType,
			"reason":        "edited after approval",
		})
		if err != nil {
			return domain.Phase{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return ph, nil
}

type AppendVersionOptions struct {
	PhaseID      string
	ArtifactType string
	Content      json.RawMessage
	ChangeType   string
	Summary      string
	// Version pins an expected version number; zero lets the engine compute
	// the next one.
	Version int
	ActorID string
}

// AppendVersion records a new immutable version of an artifact and replaces
// its current value in the phase document, in one transaction. Version
// numbers are dense from 1; a pinned number that is not exactly the next one
// fails with ErrVersionConflict. A race lost at the primary key is retried
// once with a recomputed number when the caller did not pin a version.
func (e *Engine) AppendVersion(ctx context.Context, opts AppendVersionOptions) (domain.VersionEntry, domain.Phase, error) {
	entry, ph, err := e.appendVersionOnce(ctx, opts)
	if errors.Is(err, ErrVersionConflict) && opts.Version == 0 {
		entry, ph, err = e.appendVersionOnce(ctx, opts)
	}
	return entry, ph, err
}

func (e *Engine) appendVersionOnce(ctx context.Context, opts AppendVersionOptions) (domain.VersionEntry, domain.Phase, error) {
	var none domain.VersionEntry
	if opts.ChangeType == "" {
		opts.ChangeType = domain.ChangeTypeEdit
	}
	ph, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return none, domain.Phase{}, err
	}
	schema, _, err := e.schemaFor(ctx, ph)
	if err != nil {
		return none, domain.Phase{}, err
	}
	if !schema.Knows(opts.ArtifactType) {
		return none, domain.Phase{}, fmt.Errorf("%w: phase %d does not track %q", ErrArtifactNotFound, ph.PhaseNumber, opts.ArtifactType)
	}
	if !schema.IsVersioned(opts.ArtifactType) {
		return none, domain.Phase{}, fmt.Errorf("artifact %q is not version-tracked; set its current value instead", opts.ArtifactType)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return none, domain.Phase{}, err
	}
	defer tx.Rollback()

	ph, err = e.Repo.GetPhaseTx(ctx, tx, opts.PhaseID)
	if err != nil {
		return none, domain.Phase{}, err
	}
	count, err := e.Repo.CountVersionsTx(ctx, tx, opts.PhaseID, opts.ArtifactType)
	if err != nil {
		return none, domain.Phase{}, err
	}
	next := count + 1
	if opts.Version != 0 && opts.Version != next {
		return none, domain.Phase{}, fmt.Errorf("%w: expected version %d, got %d", ErrVersionConflict, next, opts.Version)
	}
	content := string(opts.Content)
	entry := domain.VersionEntry{
		PhaseID:      opts.PhaseID,
		ArtifactType: opts.ArtifactType,
		Version:      next,
		EditedAt:     e.now(),
		EditedBy:     opts.ActorID,
		ChangeType:   opts.ChangeType,
		Summary:      opts.Summary,
		Content:      &content,
	}
	if err := e.Repo.InsertVersionEntryTx(ctx, tx, entry); err != nil {
		if errors.Is(err, repo.ErrVersionExists) {
			return none, domain.Phase{}, fmt.Errorf("%w: version %d already written", ErrVersionConflict, next)
		}
		return none, domain.Phase{}, err
	}

	data, err := decodeData(ph)
	if err != nil {
		return none, domain.Phase{}, err
	}
	data[opts.ArtifactType] = opts.Content
	ph.DataJSON, err = encodeData(data)
	if err != nil {
		return none, domain.Phase{}, err
	}
	var demoted bool
	ph.Status, demoted = adjustStatusForEdit(ph.Status)
	ph.UpdatedAt = entry.EditedAt
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return none, domain.Phase{}, err
	}
	err = e.Events.Append(ctx, tx, "artifact.version.appended", ph.ProjectID, "phase", ph.ID, opts.ActorID, events.EventPayload{
		"artifact_type": opts.ArtifactType,
		"version":       next,
		"change_type":   opts.ChangeType,
	})
	if err != nil {
		return none, domain.Phase{}, err
	}
	if demoted {
		err = e.Events.Append(ctx, tx, "phase.demoted", ph.ProjectID, "phase", ph.ID, opts.ActorID, events.EventPayload{
			"artifact_type": opts.ArtifactType,
			"reason":        "edited after approval",
		})
		if err != nil {
			return none, domain.Phase{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return none, domain.Phase{}, err
	}
	return entry, ph, nil
}

// GetCurrent returns the current value of an artifact from the phase document.
func (e *Engine) GetCurrent(ctx context.Context, phaseID, artifactType string) (json.RawMessage, error) {
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	data, err := decodeData(ph)
	if err != nil {
		return nil, err
	}
	v, ok := data[artifactType]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no current value", ErrArtifactNotFound, artifactType)
	}
	return v, nil
}

// ListVersions returns an artifact's full history, oldest first.
func (e *Engine) ListVersions(ctx context.Context, phaseID, artifactType string) ([]domain.VersionEntry, error) {
	if _, err := e.Repo.GetPhase(ctx, phaseID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersionEntries(ctx, phaseID, artifactType)
}

// ExportVersion returns the content of one artifact version, or the current
// value when version is zero.
func (e *Engine) ExportVersion(ctx context.Context, phaseID, artifactType string, version int) (string, error) {
	if version == 0 {
		v, err := e.GetCurrent(ctx, phaseID, artifactType)
		if err != nil {
			return "", err
		}
		return string(v), nil
	}
	entry, err := e.Repo.GetVersionEntry(ctx, phaseID, artifactType, version)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("%w: %s version %d", ErrVersionNotFound, artifactType, version)
	}
	if err != nil {
		return "", err
	}
	if entry.Content == nil {
		return "", fmt.Errorf("%w: %s version %d has no content snapshot", ErrVersionNotFound, artifactType, version)
	}
	return *entry.Content, nil
}

type UpdatePhaseOptions struct {
	PhaseID string
	// Status, when set, is validated against the transition table. Only the
	// edit transitions are reachable here; pending_approval, approved and
	// rejected are entered through SubmitForApproval, Approve and Reject.
	Status *string
	// DataJSON, when set, replaces the whole phase document. Callers doing a
	// partial edit must send the full merged document; sending only the
	// changed keys drops the rest.
	DataJSON *string
	ActorID  string
}

// UpdatePhase is the low-level partial update: omitted fields are untouched.
// A data replacement without an explicit status follows the edit transitions.
func (e *Engine) UpdatePhase(ctx context.Context, opts UpdatePhaseOptions) (domain.Phase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, opts.PhaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	var demoted bool
	if opts.DataJSON != nil {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(*opts.DataJSON), &probe); err != nil {
			return domain.Phase{}, fmt.Errorf("data must be a JSON object: %w", err)
		}
		ph.DataJSON = *opts.DataJSON
		if opts.Status == nil {
			ph.Status, demoted = adjustStatusForEdit(ph.Status)
		}
	}
	if opts.Status != nil && *opts.Status != ph.Status {
		// The approval statuses carry ledger entries and stakeholder updates
		// that only the approval flow writes; a raw update may not enter them.
		switch *opts.Status {
		case domain.PhaseStatusPendingApproval, domain.PhaseStatusApproved, domain.PhaseStatusRejected:
			return domain.Phase{}, fmt.Errorf("%w: status %s is set through the approval flow", ErrInvalidState, *opts.Status)
		}
		if err := ensurePhaseTransition(ph.Status, *opts.Status); err != nil {
			return domain.Phase{}, err
		}
		ph.Status = *opts.Status
	}
	ph.UpdatedAt = e.now()
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, err
	}
	err = e.Events.Append(ctx, tx, "phase.updated", ph.ProjectID, "phase", ph.ID, opts.ActorID, events.EventPayload{
		"status": ph.Status,
	})
	if err != nil {
		return domain.Phase{}, err
	}
	if demoted {
		err = e.Events.Append(ctx, tx, "phase.demoted", ph.ProjectID, "phase", ph.ID, opts.ActorID, events.EventPayload{
			"reason": "edited after approval",
		})
		if err != nil {
			return domain.Phase{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return ph, nil
}

// AddStakeholder appends a stakeholder to a phase. This counts as a content
// edit for the status transitions.
func (e *Engine) AddStakeholder(ctx context.Context, phaseID, role, name, actorID string) (domain.Stakeholder, error) {
	if role == "" || name == "" {
		return domain.Stakeholder{}, fmt.Errorf("stakeholder role and name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stakeholder{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Stakeholder{}, err
	}
	pos, err := e.Repo.NextStakeholderPositionTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Stakeholder{}, err
	}
	s := domain.Stakeholder{
		PhaseID:  phaseID,
		Role:     role,
		Name:     name,
		Status:   domain.StakeholderStatusPending,
		Position: pos,
	}
	if err := e.Repo.InsertStakeholderTx(ctx, tx, s); err != nil {
		return domain.Stakeholder{}, err
	}
	var demoted bool
	ph.Status, demoted = adjustStatusForEdit(ph.Status)
	ph.UpdatedAt = e.now()
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Stakeholder{}, err
	}
	err = e.Events.Append(ctx, tx, "stakeholder.added", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"role": role,
		"name": name,
	})
	if err != nil {
		return domain.Stakeholder{}, err
	}
	if demoted {
		err = e.Events.Append(ctx, tx, "phase.demoted", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
			"reason": "edited after approval",
		})
		if err != nil {
			return domain.Stakeholder{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Stakeholder{}, err
	}
	return s, nil
}

func (e *Engine) ListStakeholders(ctx context.Context, phaseID string) ([]domain.Stakeholder, error) {
	if _, err := e.Repo.GetPhase(ctx, phaseID); err != nil {
		return nil, err
	}
	return e.Repo.ListStakeholders(ctx, phaseID)
}

func (e *Engine) RemoveStakeholder(ctx context.Context, phaseID string, position int, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ph, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteStakeholderTx(ctx, tx, phaseID, position); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "stakeholder.removed", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"position": position,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

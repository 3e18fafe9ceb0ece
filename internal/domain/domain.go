package domain

const (
	PhaseStatusDraft           = "draft"
	PhaseStatusInProgress      = "in_progress"
	PhaseStatusPendingApproval = "pending_approval"
	PhaseStatusApproved        = "approved"
	PhaseStatusRejected        = "rejected"
)

const (
	ChangeTypeCreate     = "create"
	ChangeTypeEdit       = "edit"
	ChangeTypeAIGenerate = "ai-generate"
	ChangeTypeManual     = "manual"
	ChangeTypeUpload     = "upload"
)

const (
	StakeholderStatusPending         = "pending"
	StakeholderStatusPendingApproval = "pending_approval"
	StakeholderStatusApproved        = "approved"
	StakeholderStatusRejected        = "rejected"
)

type Project struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CurrentPhase    int    `json:"current_phase"`
	TotalPhases     int    `json:"total_phases"`
	CompletedPhases int    `json:"completed_phases"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID                string `json:"id"`
	ProjectID         string `json:"project_id"`
	PhaseNumber       int    `json:"phase_number"`
	PhaseName         string `json:"phase_name"`
	Status            string `json:"status" enum:"draft,in_progress,pending_approval,approved,rejected"`
	DataJSON          string `json:"data_json,omitempty"`
	AIConfidenceScore *int   `json:"ai_confidence_score,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// VersionEntry is one immutable, numbered snapshot of an artifact's history.
// Versions within a (phase, artifact type) sequence are dense and strictly
// increasing from 1; rows are never edited or removed once written.
type VersionEntry struct {
	PhaseID      string  `json:"phase_id"`
	ArtifactType string  `json:"artifact_type"`
	Version      int     `json:"version"`
	EditedAt     string  `json:"edited_at" format:"date-time"`
	EditedBy     string  `json:"edited_by"`
	ChangeType   string  `json:"change_type" enum:"create,edit,ai-generate,manual,upload"`
	Summary      string  `json:"summary,omitempty"`
	Content      *string `json:"content,omitempty"`
}

// ApprovalEntry records one submission for approval. Appended exactly when a
// phase transitions to pending_approval, never mutated afterward.
type ApprovalEntry struct {
	ID                  string `json:"id"`
	PhaseID             string `json:"phase_id"`
	SubmittedAt         string `json:"submitted_at" format:"date-time"`
	SubmittedBy         string `json:"submitted_by"`
	VersionSnapshotJSON string `json:"version_snapshot_json"`
	StakeholdersJSON    string `json:"stakeholders_json,omitempty"`
}

type Stakeholder struct {
	PhaseID  string `json:"phase_id"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Status   string `json:"status" enum:"pending,pending_approval,approved,rejected"`
	Position int    `json:"position"`
}

// PhaseApproval is the Approval Center read model: a phase joined with its
// project for cross-project listing. Not persisted separately.
type PhaseApproval struct {
	PhaseID       string `json:"phase_id"`
	ProjectID     string `json:"project_id"`
	ProjectName   string `json:"project_name"`
	PhaseName     string `json:"phase_name"`
	PhaseNumber   int    `json:"phase_number"`
	Status        string `json:"status" enum:"pending_approval,approved,rejected"`
	SubmittedDate string `json:"submitted_date,omitempty" format:"date-time"`
	DataJSON      string `json:"data_json,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

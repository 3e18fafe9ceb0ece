package server

import (
	"encoding/json"

	"phaseline/internal/domain"
	"phaseline/internal/github"
	"phaseline/internal/jira"
)

// Request payloads

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	// ConfigYAML overrides the default phase catalog for this project.
	ConfigYAML *string `json:"config_yaml,omitempty"`
}

type UpdatePhaseRequest struct {
	Status *string `json:"status,omitempty" enum:"draft,in_progress,pending_approval,approved,rejected"`
	// Data replaces the whole phase document. Partial edits must send the
	// full merged document; omitted keys are dropped.
	Data map[string]any `json:"data,omitempty"`
}

type SetArtifactRequest struct {
	Value any `json:"value"`
}

type AppendVersionRequest struct {
	Content    any    `json:"content"`
	ChangeType string `json:"change_type,omitempty" enum:"create,edit,ai-generate,manual,upload"`
	Summary    string `json:"summary,omitempty"`
	// Version pins the expected next version; omit to let the server assign.
	Version int `json:"version,omitempty"`
}

type RejectPhaseRequest struct {
	Reason string `json:"reason"`
}

type AddStakeholderRequest struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

type ImportConfigRequest struct {
	ConfigYAML string `json:"config_yaml"`
}

type JiraCredentialsRequest struct {
	URL        string `json:"url"`
	Email      string `json:"email"`
	APIToken   string `json:"api_token"`
	ProjectKey string `json:"project_key,omitempty"`
}

type JiraExportRequest struct {
	Credentials JiraCredentialsRequest `json:"credentials"`
	Issues      []jira.Issue           `json:"issues"`
}

type GitHubListRequest struct {
	Token string `json:"token"`
}

type GitHubBranchesRequest struct {
	Token string `json:"token"`
	Repo  string `json:"repo"`
}

type GitHubFileRequest struct {
	Token string `json:"token"`
	Repo  string `json:"repo"`
	Path  string `json:"path"`
	Ref   string `json:"ref,omitempty"`
}

type GitHubCommitRequest struct {
	Token   string `json:"token"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch,omitempty"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Content string `json:"content"`
}

// Response payloads

type ProjectResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CurrentPhase    int    `json:"current_phase"`
	TotalPhases     int    `json:"total_phases"`
	CompletedPhases int    `json:"completed_phases"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	PhaseNumber       int            `json:"phase_number"`
	PhaseName         string         `json:"phase_name"`
	Status            string         `json:"status" enum:"draft,in_progress,pending_approval,approved,rejected"`
	Data              map[string]any `json:"data"`
	AIConfidenceScore *int           `json:"ai_confidence_score,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type VersionEntryResponse struct {
	ArtifactType string `json:"artifact_type"`
	Version      int    `json:"version"`
	EditedAt     string `json:"edited_at" format:"date-time"`
	EditedBy     string `json:"edited_by"`
	ChangeType   string `json:"change_type" enum:"create,edit,ai-generate,manual,upload"`
	Summary      string `json:"summary,omitempty"`
	Content      any    `json:"content,omitempty"`
}

type ApprovalEntryResponse struct {
	ID              string                `json:"id"`
	PhaseID         string                `json:"phase_id"`
	SubmittedAt     string                `json:"submitted_at" format:"date-time"`
	SubmittedBy     string                `json:"submitted_by"`
	VersionSnapshot map[string]int        `json:"version_snapshot"`
	Stakeholders    []StakeholderResponse `json:"stakeholders,omitempty"`
}

type StakeholderResponse struct {
	Role     string `json:"role"`
	Name     string `json:"name"`
	Status   string `json:"status" enum:"pending,pending_approval,approved,rejected"`
	Position int    `json:"position"`
}

type PhaseApprovalResponse struct {
	PhaseID       string         `json:"phase_id"`
	ProjectID     string         `json:"project_id"`
	ProjectName   string         `json:"project_name"`
	PhaseName     string         `json:"phase_name"`
	PhaseNumber   int            `json:"phase_number"`
	Status        string         `json:"status" enum:"pending_approval,approved,rejected"`
	SubmittedDate string         `json:"submitted_date,omitempty" format:"date-time"`
	Data          map[string]any `json:"data,omitempty"`
}

type ArtifactResponse struct {
	ArtifactType string `json:"artifact_type"`
	Value        any    `json:"value"`
}

type ExportResponse struct {
	ArtifactType string `json:"artifact_type"`
	Version      int    `json:"version"`
	Content      string `json:"content"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type JiraStatsResponse struct {
	ProjectKey string         `json:"project_key"`
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByStatus   map[string]int `json:"by_status"`
}

type JiraExportResponse struct {
	Created []string `json:"created"`
	Failed  []string `json:"failed,omitempty"`
}

type GitHubCommitResponse struct {
	SHA string `json:"sha"`
	URL string `json:"url,omitempty"`
}

type GitHubFileResponse struct {
	Content string `json:"content"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func phaseResponse(ph domain.Phase) PhaseResponse {
	return PhaseResponse{
		ID:                ph.ID,
		ProjectID:         ph.ProjectID,
		PhaseNumber:       ph.PhaseNumber,
		PhaseName:         ph.PhaseName,
		Status:            ph.Status,
		Data:              decodeJSONMap(strPtr(ph.DataJSON)),
		AIConfidenceScore: ph.AIConfidenceScore,
		CreatedAt:         ph.CreatedAt,
		UpdatedAt:         ph.UpdatedAt,
	}
}

func versionEntryResponse(e domain.VersionEntry) VersionEntryResponse {
	res := VersionEntryResponse{
		ArtifactType: e.ArtifactType,
		Version:      e.Version,
		EditedAt:     e.EditedAt,
		EditedBy:     e.EditedBy,
		ChangeType:   e.ChangeType,
		Summary:      e.Summary,
	}
	if e.Content != nil {
		res.Content = decodeAny(*e.Content)
	}
	return res
}

func approvalEntryResponse(e domain.ApprovalEntry) ApprovalEntryResponse {
	res := ApprovalEntryResponse{
		ID:              e.ID,
		PhaseID:         e.PhaseID,
		SubmittedAt:     e.SubmittedAt,
		SubmittedBy:     e.SubmittedBy,
		VersionSnapshot: map[string]int{},
	}
	_ = json.Unmarshal([]byte(e.VersionSnapshotJSON), &res.VersionSnapshot)
	if e.StakeholdersJSON != "" {
		var stakeholders []domain.Stakeholder
		if err := json.Unmarshal([]byte(e.StakeholdersJSON), &stakeholders); err == nil {
			for _, s := range stakeholders {
				res.Stakeholders = append(res.Stakeholders, stakeholderResponse(s))
			}
		}
	}
	return res
}

func stakeholderResponse(s domain.Stakeholder) StakeholderResponse {
	return StakeholderResponse{
		Role:     s.Role,
		Name:     s.Name,
		Status:   s.Status,
		Position: s.Position,
	}
}

func phaseApprovalResponse(a domain.PhaseApproval) PhaseApprovalResponse {
	return PhaseApprovalResponse{
		PhaseID:       a.PhaseID,
		ProjectID:     a.ProjectID,
		ProjectName:   a.ProjectName,
		PhaseName:     a.PhaseName,
		PhaseNumber:   a.PhaseNumber,
		Status:        a.Status,
		SubmittedDate: a.SubmittedDate,
		Data:          decodeJSONMap(strPtr(a.DataJSON)),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func jiraStatsResponse(s jira.Stats) JiraStatsResponse {
	return JiraStatsResponse(s)
}

func githubCommitResponse(r github.CommitResult) GitHubCommitResponse {
	return GitHubCommitResponse(r)
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeAny(raw string) any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return raw
	}
	return tmp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapPhases(items []domain.Phase) []PhaseResponse {
	res := make([]PhaseResponse, 0, len(items))
	for _, ph := range items {
		res = append(res, phaseResponse(ph))
	}
	return res
}

func mapApprovals(items []domain.PhaseApproval) []PhaseApprovalResponse {
	res := make([]PhaseApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, phaseApprovalResponse(a))
	}
	return res
}

func strPtr(in string) *string {
	return &in
}

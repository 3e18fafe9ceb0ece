package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CurrentPhase    int    `json:"current_phase"`
	TotalPhases     int    `json:"total_phases"`
	CompletedPhases int    `json:"completed_phases"`
	CreatedAt       string `json:"created_at"`
}

// Phase represents one workflow step of a project.
type Phase struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	PhaseNumber       int            `json:"phase_number"`
	PhaseName         string         `json:"phase_name"`
	Status            string         `json:"status"`
	Data              map[string]any `json:"data"`
	AIConfidenceScore *int           `json:"ai_confidence_score,omitempty"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

// VersionEntry is one snapshot in an artifact's history.
type VersionEntry struct {
	ArtifactType string `json:"artifact_type"`
	Version      int    `json:"version"`
	EditedAt     string `json:"edited_at"`
	EditedBy     string `json:"edited_by"`
	ChangeType   string `json:"change_type"`
	Summary      string `json:"summary,omitempty"`
	Content      any    `json:"content,omitempty"`
}

// PhaseApproval is one row of the cross-project approval listing.
type PhaseApproval struct {
	PhaseID       string         `json:"phase_id"`
	ProjectID     string         `json:"project_id"`
	ProjectName   string         `json:"project_name"`
	PhaseName     string         `json:"phase_name"`
	PhaseNumber   int            `json:"phase_number"`
	Status        string         `json:"status"`
	SubmittedDate string         `json:"submitted_date,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Stakeholder is one approver attached to a phase.
type Stakeholder struct {
	Role     string `json:"role"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project with the default phase catalog.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeleteProject removes a project and everything under it.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/projects/"+url.PathEscape(id), nil, nil)
}

// ListPhases returns a project's phases in order.
func (c *Client) ListPhases(ctx context.Context, projectID string) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%s/phases", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

// GetPhaseByNumber fetches phase N of a project.
func (c *Client) GetPhaseByNumber(ctx context.Context, projectID string, phaseNumber int) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%s/phases/%d", url.PathEscape(projectID), phaseNumber), nil, &resp)
	return resp, err
}

// GetPhase fetches a phase by id.
func (c *Client) GetPhase(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, "v0/phases/"+url.PathEscape(phaseID), nil, &resp)
	return resp, err
}

// SetArtifact replaces the current value of an artifact.
func (c *Client) SetArtifact(ctx context.Context, phaseID, artifactType string, value any) (Phase, error) {
	var resp Phase
	endpoint := fmt.Sprintf("v0/phases/%s/artifacts/%s", url.PathEscape(phaseID), url.PathEscape(artifactType))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

// AppendVersion records a new tracked version of an artifact.
func (c *Client) AppendVersion(ctx context.Context, phaseID, artifactType string, content any, changeType, summary string) (VersionEntry, error) {
	body := map[string]any{"content": content}
	if changeType != "" {
		body["change_type"] = changeType
	}
	if summary != "" {
		body["summary"] = summary
	}
	var resp VersionEntry
	endpoint := fmt.Sprintf("v0/phases/%s/artifacts/%s/versions", url.PathEscape(phaseID), url.PathEscape(artifactType))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListVersions returns an artifact's history, oldest first.
func (c *Client) ListVersions(ctx context.Context, phaseID, artifactType string) ([]VersionEntry, error) {
	var resp []VersionEntry
	endpoint := fmt.Sprintf("v0/phases/%s/artifacts/%s/versions", url.PathEscape(phaseID), url.PathEscape(artifactType))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Generate asks the server to produce artifact content via its generation
// collaborator.
func (c *Client) Generate(ctx context.Context, phaseID, artifactType string) (Phase, error) {
	var resp Phase
	endpoint := fmt.Sprintf("v0/phases/%s/artifacts/%s/generate", url.PathEscape(phaseID), url.PathEscape(artifactType))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Submit moves a phase to pending_approval.
func (c *Client) Submit(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/phases/%s/submit", url.PathEscape(phaseID)), nil, &resp)
	return resp, err
}

// Approve resolves a pending submission positively.
func (c *Client) Approve(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/phases/%s/approve", url.PathEscape(phaseID)), nil, &resp)
	return resp, err
}

// Reject resolves a pending submission negatively; reason is mandatory.
func (c *Client) Reject(ctx context.Context, phaseID, reason string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/phases/%s/reject", url.PathEscape(phaseID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AddStakeholder attaches an approver to a phase.
func (c *Client) AddStakeholder(ctx context.Context, phaseID, role, name string) (Stakeholder, error) {
	var resp Stakeholder
	endpoint := fmt.Sprintf("v0/phases/%s/stakeholders", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"role": role, "name": name}, &resp)
	return resp, err
}

// PendingApprovals returns every pending submission across projects.
func (c *Client) PendingApprovals(ctx context.Context) ([]PhaseApproval, error) {
	var resp []PhaseApproval
	err := c.do(ctx, http.MethodGet, "v0/approvals/pending", nil, &resp)
	return resp, err
}

// ApprovalHistory returns resolved submissions across projects.
func (c *Client) ApprovalHistory(ctx context.Context) ([]PhaseApproval, error) {
	var resp []PhaseApproval
	err := c.do(ctx, http.MethodGet, "v0/approvals/history", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

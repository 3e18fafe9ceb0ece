package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Credentials identify a Jira site and project. The engine only checks
// presence; validity surfaces as a collaborator error on first use.
type Credentials struct {
	URL        string `json:"url"`
	Email      string `json:"email"`
	APIToken   string `json:"api_token"`
	ProjectKey string `json:"project_key"`
}

func (c Credentials) validate() error {
	if c.URL == "" || c.Email == "" || c.APIToken == "" {
		return fmt.Errorf("jira url, email, and api token are required")
	}
	return nil
}

type Client struct {
	HTTPClient *http.Client
}

func NewClient() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// Stats summarizes the issues of one Jira project.
type Stats struct {
	ProjectKey string         `json:"project_key"`
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByStatus   map[string]int `json:"by_status"`
}

type Project struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Issue is one exported work item. Epics come first in an export, then the
// stories that reference them.
type Issue struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	IssueType   string `json:"issue_type"`
	EpicName    string `json:"epic_name,omitempty"`
}

// ExportResult reports what an export created, keyed the way the caller sent
// the issues in.
type ExportResult struct {
	Created []string `json:"created"`
	Failed  []string `json:"failed,omitempty"`
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, body, out any) error {
	if err := creds.validate(); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, creds.URL+path, reader)
	if err != nil {
		return err
	}
	token := base64.StdEncoding.EncodeToString([]byte(creds.Email + ":" + creds.APIToken))
	req.Header.Set("Authorization", "Basic "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("jira returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// GetStats counts a project's issues by type and status.
func (c *Client) GetStats(ctx context.Context, creds Credentials) (Stats, error) {
	key := creds.ProjectKey
	if key == "" {
		return Stats{}, fmt.Errorf("jira project key required")
	}
	var page struct {
		Total  int `json:"total"`
		Issues []struct {
			Fields struct {
				IssueType struct {
					Name string `json:"name"`
				} `json:"issuetype"`
				Status struct {
					Name string `json:"name"`
				} `json:"status"`
			} `json:"fields"`
		} `json:"issues"`
	}
	path := fmt.Sprintf("/rest/api/3/search?jql=project=%s&maxResults=100&fields=issuetype,status", key)
	if err := c.do(ctx, creds, http.MethodGet, path, nil, &page); err != nil {
		return Stats{}, err
	}
	stats := Stats{ProjectKey: key, Total: page.Total, ByType: map[string]int{}, ByStatus: map[string]int{}}
	for _, issue := range page.Issues {
		stats.ByType[issue.Fields.IssueType.Name]++
		stats.ByStatus[issue.Fields.Status.Name]++
	}
	return stats, nil
}

// ListProjects returns the projects the credentials can see.
func (c *Client) ListProjects(ctx context.Context, creds Credentials) ([]Project, error) {
	var page struct {
		Values []Project `json:"values"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/rest/api/3/project/search", nil, &page); err != nil {
		return nil, err
	}
	return page.Values, nil
}

// ExportIssues creates the given issues in order, epics first so stories can
// link to them. Per-issue failures are collected, not fatal.
func (c *Client) ExportIssues(ctx context.Context, creds Credentials, issues []Issue) (ExportResult, error) {
	if creds.ProjectKey == "" {
		return ExportResult{}, fmt.Errorf("jira project key required")
	}
	var res ExportResult
	for _, issue := range issues {
		fields := map[string]any{
			"project":   map[string]string{"key": creds.ProjectKey},
			"summary":   issue.Summary,
			"issuetype": map[string]string{"name": issue.IssueType},
		}
		if issue.Description != "" {
			fields["description"] = map[string]any{
				"type":    "doc",
				"version": 1,
				"content": []map[string]any{{
					"type":    "paragraph",
					"content": []map[string]any{{"type": "text", "text": issue.Description}},
				}},
			}
		}
		var created struct {
			Key string `json:"key"`
		}
		err := c.do(ctx, creds, http.MethodPost, "/rest/api/3/issue", map[string]any{"fields": fields}, &created)
		if err != nil {
			res.Failed = append(res.Failed, issue.Summary)
			continue
		}
		res.Created = append(res.Created, created.Key)
	}
	return res, nil
}

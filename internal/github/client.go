package github

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

const defaultBaseURL = "https://api.github.com"

// Client is a token-scoped GitHub API client for the code-deliverable flows:
// browsing repositories and branches, reading files, and committing content.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type Repository struct {
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
}

type Branch struct {
	Name string `json:"name"`
}

// CommitRequest puts one file on a branch, creating or updating it.
type CommitRequest struct {
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Content string `json:"content"`
}

type CommitResult struct {
	SHA string `json:"sha"`
	URL string `json:"url,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.Token == "" {
		return fmt.Errorf("github token required")
	}
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
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
		return fmt.Errorf("github returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// ListRepositories returns the repositories the token can reach.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := c.do(ctx, http.MethodGet, "/user/repos?per_page=100&sort=updated", nil, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// ListBranches returns the branches of one repository ("owner/name").
func (c *Client) ListBranches(ctx context.Context, repo string) ([]Branch, error) {
	var branches []Branch
	if err := c.do(ctx, http.MethodGet, "/repos/"+repo+"/branches?per_page=100", nil, &branches); err != nil {
		return nil, err
	}
	return branches, nil
}

// GetFileContent reads a file from a branch.
func (c *Client) GetFileContent(ctx context.Context, repo, path, ref string) (string, error) {
	endpoint := "/repos/" + repo + "/contents/" + path
	if ref != "" {
		endpoint += "?ref=" + ref
	}
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	if out.Encoding != "base64" {
		return out.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return "", fmt.Errorf("decode file content: %w", err)
	}
	return string(decoded), nil
}

// Commit creates or updates one file on a branch.
func (c *Client) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if req.Repo == "" || req.Path == "" || req.Message == "" {
		return CommitResult{}, fmt.Errorf("repo, path, and message are required")
	}
	body := map[string]any{
		"message": req.Message,
		"content": base64.StdEncoding.EncodeToString([]byte(req.Content)),
	}
	if req.Branch != "" {
		body["branch"] = req.Branch
	}
	// Updating an existing file needs its blob SHA; look it up, ignore 404.
	var existing struct {
		SHA string `json:"sha"`
	}
	lookup := "/repos/" + req.Repo + "/contents/" + req.Path
	if req.Branch != "" {
		lookup += "?ref=" + req.Branch
	}
	if err := c.do(ctx, http.MethodGet, lookup, nil, &existing); err == nil && existing.SHA != "" {
		body["sha"] = existing.SHA
	}
	var out struct {
		Commit struct {
			SHA     string `json:"sha"`
			HTMLURL string `json:"html_url"`
		} `json:"commit"`
	}
	err := c.do(ctx, http.MethodPut, "/repos/"+req.Repo+"/contents/"+req.Path, body, &out)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{SHA: out.Commit.SHA, URL: out.Commit.HTMLURL}, nil
}

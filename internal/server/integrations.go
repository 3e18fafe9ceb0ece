package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"phaseline/internal/github"
	"phaseline/internal/jira"
)

// Collaborator endpoints. Credentials ride in the request body and are never
// stored; a bad credential surfaces as a collaborator error on first use.

func registerJira(api huma.API) {
	client := jira.NewClient()

	huma.Register(api, huma.Operation{
		OperationID: "jira-stats",
		Method:      http.MethodPost,
		Path:        "/integrations/jira/stats",
		Summary:     "Jira project statistics",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body JiraCredentialsRequest `json:"body"`
	}) (*struct {
		Body JiraStatsResponse `json:"body"`
	}, error) {
		stats, err := client.GetStats(ctx, jiraCredentials(input.Body))
		if err != nil {
			return nil, jiraError(err)
		}
		return &struct {
			Body JiraStatsResponse `json:"body"`
		}{Body: jiraStatsResponse(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jira-projects",
		Method:      http.MethodPost,
		Path:        "/integrations/jira/projects",
		Summary:     "List Jira projects",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body JiraCredentialsRequest `json:"body"`
	}) (*struct {
		Body []jira.Project `json:"body"`
	}, error) {
		projects, err := client.ListProjects(ctx, jiraCredentials(input.Body))
		if err != nil {
			return nil, jiraError(err)
		}
		return &struct {
			Body []jira.Project `json:"body"`
		}{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jira-export",
		Method:      http.MethodPost,
		Path:        "/integrations/jira/export",
		Summary:     "Export issues to Jira",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body JiraExportRequest `json:"body"`
	}) (*struct {
		Body JiraExportResponse `json:"body"`
	}, error) {
		res, err := client.ExportIssues(ctx, jiraCredentials(input.Body.Credentials), input.Body.Issues)
		if err != nil {
			return nil, jiraError(err)
		}
		return &struct {
			Body JiraExportResponse `json:"body"`
		}{Body: JiraExportResponse(res)}, nil
	})
}

func registerGitHub(api huma.API, baseURL string) {
	newClient := func(token string) *github.Client {
		c := github.NewClient(token)
		if baseURL != "" {
			c.BaseURL = baseURL
		}
		return c
	}

	huma.Register(api, huma.Operation{
		OperationID: "github-repos",
		Method:      http.MethodPost,
		Path:        "/integrations/github/repos",
		Summary:     "List GitHub repositories",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body GitHubListRequest `json:"body"`
	}) (*struct {
		Body []github.Repository `json:"body"`
	}, error) {
		repos, err := newClient(input.Body.Token).ListRepositories(ctx)
		if err != nil {
			return nil, githubError(err)
		}
		return &struct {
			Body []github.Repository `json:"body"`
		}{Body: repos}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "github-branches",
		Method:      http.MethodPost,
		Path:        "/integrations/github/branches",
		Summary:     "List GitHub branches",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body GitHubBranchesRequest `json:"body"`
	}) (*struct {
		Body []github.Branch `json:"body"`
	}, error) {
		branches, err := newClient(input.Body.Token).ListBranches(ctx, input.Body.Repo)
		if err != nil {
			return nil, githubError(err)
		}
		return &struct {
			Body []github.Branch `json:"body"`
		}{Body: branches}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "github-file",
		Method:      http.MethodPost,
		Path:        "/integrations/github/file",
		Summary:     "Read a file from GitHub",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body GitHubFileRequest `json:"body"`
	}) (*struct {
		Body GitHubFileResponse `json:"body"`
	}, error) {
		content, err := newClient(input.Body.Token).GetFileContent(ctx, input.Body.Repo, input.Body.Path, input.Body.Ref)
		if err != nil {
			return nil, githubError(err)
		}
		return &struct {
			Body GitHubFileResponse `json:"body"`
		}{Body: GitHubFileResponse{Content: content}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "github-commit",
		Method:      http.MethodPost,
		Path:        "/integrations/github/commit",
		Summary:     "Commit a file to GitHub",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body GitHubCommitRequest `json:"body"`
	}) (*struct {
		Body GitHubCommitResponse `json:"body"`
	}, error) {
		res, err := newClient(input.Body.Token).Commit(ctx, github.CommitRequest{
			Repo:    input.Body.Repo,
			Branch:  input.Body.Branch,
			Path:    input.Body.Path,
			Message: input.Body.Message,
			Content: input.Body.Content,
		})
		if err != nil {
			return nil, githubError(err)
		}
		return &struct {
			Body GitHubCommitResponse `json:"body"`
		}{Body: githubCommitResponse(res)}, nil
	})
}

func jiraCredentials(req JiraCredentialsRequest) jira.Credentials {
	return jira.Credentials(req)
}

func jiraError(err error) huma.StatusError {
	return collaboratorError("jira", err)
}

func githubError(err error) huma.StatusError {
	return collaboratorError("github", err)
}

func collaboratorError(name string, err error) huma.StatusError {
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusBadGateway, name+"_error", msg, nil)
}

package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testCreds(url string) Credentials {
	return Credentials{URL: url, Email: "dev@example.com", APIToken: "tok", ProjectKey: "PL"}
}

func TestGetStatsAggregatesByTypeAndStatus(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if !strings.HasPrefix(r.URL.Path, "/rest/api/3/search") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"total": 3,
			"issues": []map[string]any{
				{"fields": map[string]any{"issuetype": map[string]string{"name": "Epic"}, "status": map[string]string{"name": "To Do"}}},
				{"fields": map[string]any{"issuetype": map[string]string{"name": "Story"}, "status": map[string]string{"name": "To Do"}}},
				{"fields": map[string]any{"issuetype": map[string]string{"name": "Story"}, "status": map[string]string{"name": "Done"}}},
			},
		})
	}))
	defer srv.Close()

	stats, err := NewClient().GetStats(context.Background(), testCreds(srv.URL))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByType["Story"] != 2 || stats.ByStatus["Done"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("expected basic auth, got %q", gotAuth)
	}
}

func TestCredentialsRequired(t *testing.T) {
	_, err := NewClient().GetStats(context.Background(), Credentials{ProjectKey: "PL"})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected missing-credentials error, got %v", err)
	}
	_, err = NewClient().GetStats(context.Background(), Credentials{URL: "http://x", Email: "a", APIToken: "b"})
	if err == nil || !strings.Contains(err.Error(), "project key") {
		t.Fatalf("expected missing project key error, got %v", err)
	}
}

func TestExportIssuesCollectsPerIssueFailures(t *testing.T) {
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		if n == 2 {
			http.Error(w, `{"errors":{}}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"key": "PL-1"})
	}))
	defer srv.Close()

	res, err := NewClient().ExportIssues(context.Background(), testCreds(srv.URL), []Issue{
		{Summary: "Epic one", IssueType: "Epic"},
		{Summary: "Broken story", IssueType: "Story", Description: "text"},
		{Summary: "Good story", IssueType: "Story"},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(res.Created) != 2 || len(res.Failed) != 1 || res.Failed[0] != "Broken story" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestListProjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"values": []map[string]string{{"key": "PL", "name": "Phaseline"}},
		})
	}))
	defer srv.Close()

	projects, err := NewClient().ListProjects(context.Background(), testCreds(srv.URL))
	if err != nil || len(projects) != 1 || projects[0].Key != "PL" {
		t.Fatalf("unexpected projects: %+v %v", projects, err)
	}
}

package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRoundTrip(t *testing.T) {
	var gotReq generateRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"content":          "generated text",
			"confidence_score": 91,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	res, err := client.Generate(context.Background(), "prd", map[string]json.RawMessage{
		"requirements": json.RawMessage(`"the reqs"`),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(res.Content) != `"generated text"` {
		t.Fatalf("unexpected content %s", res.Content)
	}
	if res.Confidence == nil || *res.Confidence != 91 {
		t.Fatalf("unexpected confidence %v", res.Confidence)
	}
	if gotReq.ContentType != "prd" || string(gotReq.Context["requirements"]) != `"the reqs"` {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestGenerateOmittedConfidenceIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": map[string]string{"title": "doc"}})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "").Generate(context.Background(), "prd", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Confidence != nil {
		t.Fatalf("expected nil confidence, got %v", res.Confidence)
	}
}

func TestGenerateErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Generate(context.Background(), "prd", nil)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestGenerateRejectsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": nil})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Generate(context.Background(), "prd", nil)
	if err == nil || !strings.Contains(err.Error(), "no content") {
		t.Fatalf("expected no-content error, got %v", err)
	}
}

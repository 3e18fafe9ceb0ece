package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("phaseline"))
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(data), err)
	}
	return env
}

func createProject(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   id,
		"name": "Demo",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
}

func phaseID(t *testing.T, srv *testServer, projectID string, n int) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/phases/"+strconv.Itoa(n), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get phase %d: %d %s", n, res.StatusCode, string(data))
	}
	var ph PhaseResponse
	if err := json.Unmarshal(data, &ph); err != nil {
		t.Fatalf("decode phase: %v", err)
	}
	return ph.ID
}

func TestProjectLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "demo")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/demo", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if p.Name != "Demo" || p.TotalPhases != 7 {
		t.Fatalf("unexpected project: %+v", p)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/demo/phases", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list phases: %d %s", res.StatusCode, string(data))
	}
	var phases []PhaseResponse
	if err := json.Unmarshal(data, &phases); err != nil {
		t.Fatalf("decode phases: %v", err)
	}
	if len(phases) != 7 {
		t.Fatalf("expected 7 phases, got %d", len(phases))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "not_found" {
		t.Fatalf("expected not_found code, got %q", code)
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "bad_request" {
		t.Fatalf("expected bad_request, got %q", code)
	}
}

func TestSubmitNotReadyEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "demo")
	id := phaseID(t, srv, "demo", 1)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/phases/"+id+"/submit", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "not_ready" {
		t.Fatalf("expected not_ready, got %q", env.Error.Code)
	}
	missing, _ := env.Error.Details["missing"].([]any)
	if len(missing) != 3 {
		t.Fatalf("expected prd, brd, stakeholders missing, got %v", env.Error.Details)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "demo")
	id := phaseID(t, srv, "demo", 1)
	client := srv.Client()

	for _, art := range []string{"prd", "brd"} {
		res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/phases/"+id+"/artifacts/"+art, map[string]any{
			"value": "doc",
		}, map[string]string{"X-Actor-Id": "author"})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set %s: %d %s", art, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/stakeholders", map[string]any{
		"role": "PM", "name": "Alex",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add stakeholder: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/submit", nil, map[string]string{"X-Actor-Id": "author"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var ph PhaseResponse
	_ = json.Unmarshal(data, &ph)
	if ph.Status != "pending_approval" {
		t.Fatalf("expected pending_approval, got %s", ph.Status)
	}

	// pending list shows it
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending: %d %s", res.StatusCode, string(data))
	}
	var pending []PhaseApprovalResponse
	_ = json.Unmarshal(data, &pending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d: %s", len(pending), string(data))
	}

	// rejecting without a reason is a 400
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/reject", map[string]any{"reason": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on empty reason, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/approve", nil, map[string]string{"X-Actor-Id": "boss"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &ph)
	if ph.Status != "approved" {
		t.Fatalf("expected approved, got %s", ph.Status)
	}

	// double approval is a stale view
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q", code)
	}
}

func TestVersionEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "demo")
	id := phaseID(t, srv, "demo", 1)
	client := srv.Client()

	for _, content := range []string{"one", "two"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/artifacts/prd/versions", map[string]any{
			"content": content,
			"summary": "draft",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append %s: %d %s", content, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/phases/"+id+"/artifacts/prd/versions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list versions: %d %s", res.StatusCode, string(data))
	}
	var entries []VersionEntryResponse
	_ = json.Unmarshal(data, &entries)
	if len(entries) != 2 || entries[0].Version != 1 || entries[1].Version != 2 {
		t.Fatalf("unexpected versions: %s", string(data))
	}

	// stale pinned version conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/phases/"+id+"/artifacts/prd/versions", map[string]any{
		"content": "three",
		"version": 2,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %q", code)
	}

	// export a specific version
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/phases/"+id+"/artifacts/prd/export?version=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var export ExportResponse
	_ = json.Unmarshal(data, &export)
	if export.Version != 1 || export.Content != `"one"` {
		t.Fatalf("unexpected export: %+v", export)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/phases/"+id+"/artifacts/prd/export?version=9", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "version_not_found" {
		t.Fatalf("expected version_not_found, got %q", code)
	}

	// unknown artifact key
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/phases/"+id+"/artifacts/roadmap", map[string]any{"value": "x"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 unknown artifact, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "artifact_not_found" {
		t.Fatalf("expected artifact_not_found, got %q", code)
	}
}

func TestGenerateWithoutServiceIsBadGateway(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "demo")
	id := phaseID(t, srv, "demo", 1)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/phases/"+id+"/artifacts/prd/generate", nil, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "generation_failed" {
		t.Fatalf("expected generation_failed, got %q", code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, "demo")
	id := phaseID(t, srv, "demo", 1)
	doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/phases/"+id+"/artifacts/prd", map[string]any{"value": "doc"}, map[string]string{"X-Actor-Id": "author"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=artifact.set", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	_ = json.Unmarshal(data, &events)
	if len(events) != 1 || events[0].ActorID != "author" {
		t.Fatalf("unexpected events: %s", string(data))
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, err = eng.CreateProject(ctx, engine.CreateProjectOptions{ID: "proj-1", Name: "test", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func phaseNum(t *testing.T, env testEnv, n int) domain.Phase {
	t.Helper()
	ph, err := env.Engine.GetPhaseByNumber(env.Ctx, "proj-1", n)
	if err != nil {
		t.Fatalf("phase %d: %v", n, err)
	}
	return ph
}

func TestCreateProjectPreCreatesPhases(t *testing.T) {
	env := newTestEnv(t)
	phases, err := env.Engine.ListPhases(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	if len(phases) != 7 {
		t.Fatalf("expected 7 phases, got %d", len(phases))
	}
	for i, ph := range phases {
		if ph.PhaseNumber != i+1 {
			t.Fatalf("phase %d out of order: %d", i, ph.PhaseNumber)
		}
		if ph.Status != domain.PhaseStatusDraft {
			t.Fatalf("phase %d not draft: %s", ph.PhaseNumber, ph.Status)
		}
	}
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	// no phase has left draft yet
	if p.CurrentPhase != 0 || p.TotalPhases != 7 || p.CompletedPhases != 0 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestFirstEditMovesDraftToInProgress(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	ph, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`"v1 doc"`), "tester")
	if err != nil {
		t.Fatalf("set prd: %v", err)
	}
	if ph.Status != domain.PhaseStatusInProgress {
		t.Fatalf("expected in_progress, got %s", ph.Status)
	}
}

func TestUnknownArtifactRejected(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	_, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "roadmap", json.RawMessage(`"x"`), "tester")
	if !errors.Is(err, engine.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestVersionNumbersAreDense(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	for i := 1; i <= 3; i++ {
		entry, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
			PhaseID:      ph.ID,
			ArtifactType: "prd",
			Content:      json.RawMessage(`"draft"`),
			ActorID:      "tester",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.Version != i {
			t.Fatalf("expected version %d, got %d", i, entry.Version)
		}
	}
	entries, err := env.Engine.ListVersions(env.Ctx, ph.ID, "prd")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
				PhaseID:      ph.ID,
				ArtifactType: "prd",
				Content:      json.RawMessage(`"draft"`),
				ActorID:      "tester",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := env.Engine.ListVersions(env.Ctx, ph.ID, "prd")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(entries) != workers {
		t.Fatalf("expected %d entries, got %d", workers, len(entries))
	}
	for i, entry := range entries {
		if entry.Version != i+1 {
			t.Fatalf("versions not dense: entry %d has version %d", i, entry.Version)
		}
	}
}

func TestPinnedVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	_, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"a"`), ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// next is 2; pinning 1 (stale) or 3 (skipped) both conflict
	_, _, err = env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"b"`), Version: 1, ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale pin, got %v", err)
	}
	_, _, err = env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"b"`), Version: 3, ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected version conflict on skipped pin, got %v", err)
	}
	_, _, err = env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"b"`), Version: 2, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("expected pinned append at next version: %v", err)
	}
}

func TestAppendOnNonVersionedArtifactFails(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 2)
	// timeline is tracked by current value only
	_, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "timeline", Content: json.RawMessage(`"q3"`), ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected error appending to non-versioned artifact")
	}
	ph, err = env.Engine.SetCurrent(env.Ctx, ph.ID, "timeline", json.RawMessage(`"q3"`), "tester")
	if err != nil {
		t.Fatalf("set timeline: %v", err)
	}
	v, err := env.Engine.GetCurrent(env.Ctx, ph.ID, "timeline")
	if err != nil || string(v) != `"q3"` {
		t.Fatalf("get timeline: %s %v", v, err)
	}
}

func TestExportVersion(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	for _, content := range []string{`"one"`, `"two"`} {
		_, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
			PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(content), ActorID: "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := env.Engine.ExportVersion(env.Ctx, ph.ID, "prd", 1)
	if err != nil || got != `"one"` {
		t.Fatalf("export v1: %q %v", got, err)
	}
	got, err = env.Engine.ExportVersion(env.Ctx, ph.ID, "prd", 0)
	if err != nil || got != `"two"` {
		t.Fatalf("export current: %q %v", got, err)
	}
	_, err = env.Engine.ExportVersion(env.Ctx, ph.ID, "prd", 9)
	if !errors.Is(err, engine.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func readyPhaseOne(t *testing.T, env testEnv) domain.Phase {
	t.Helper()
	ph := phaseNum(t, env, 1)
	var err error
	for _, art := range []string{"prd", "brd"} {
		if ph, err = env.Engine.SetCurrent(env.Ctx, ph.ID, art, json.RawMessage(`"content"`), "tester"); err != nil {
			t.Fatalf("set %s: %v", art, err)
		}
	}
	if _, err := env.Engine.AddStakeholder(env.Ctx, ph.ID, "PM", "Alex", "tester"); err != nil {
		t.Fatalf("add stakeholder: %v", err)
	}
	return ph
}

func TestEditAfterApprovalDemotes(t *testing.T) {
	env := newTestEnv(t)
	ph := readyPhaseOne(t, env)
	ph, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ph, err = env.Engine.Approve(env.Ctx, ph.ID, "approver")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, _, err = env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"revised"`), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("append after approval: %v", err)
	}
	ph, err = env.Engine.GetPhase(env.Ctx, ph.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ph.Status != domain.PhaseStatusInProgress {
		t.Fatalf("expected demotion to in_progress, got %s", ph.Status)
	}
	// history and approval ledger survive the demotion
	entries, err := env.Engine.ListVersions(env.Ctx, ph.ID, "prd")
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected surviving versions: %v", err)
	}
	approvals, err := env.Engine.ListApprovalEntries(env.Ctx, ph.ID)
	if err != nil || len(approvals) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d (%v)", len(approvals), err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='phase.demoted'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count == 0 {
		t.Fatalf("expected phase.demoted event")
	}
}

func TestRejectMergesReasonIntoDocument(t *testing.T) {
	env := newTestEnv(t)
	ph := readyPhaseOne(t, env)
	ph, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ph, err = env.Engine.Reject(env.Ctx, ph.ID, "needs more detail", "approver")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if ph.Status != domain.PhaseStatusRejected {
		t.Fatalf("expected rejected, got %s", ph.Status)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(ph.DataJSON), &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["rejection_reason"] != "needs more detail" || data["rejected_by"] != "approver" {
		t.Fatalf("rejection fields not merged: %v", data)
	}
	// existing keys survive
	if data["prd"] != "content" {
		t.Fatalf("prd clobbered: %v", data["prd"])
	}
	// rejection without a reason is refused
	_, err = env.Engine.Reject(env.Ctx, ph.ID, "   ", "approver")
	if err == nil {
		t.Fatalf("expected missing-reason error")
	}
}

func TestUpdatePhaseDataReplacesWholeDocument(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	ph, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`"keep me"`), "tester")
	if err != nil {
		t.Fatal(err)
	}
	doc := `{"brd":"only key"}`
	ph, err = env.Engine.UpdatePhase(env.Ctx, engine.UpdatePhaseOptions{PhaseID: ph.ID, DataJSON: &doc, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	var data map[string]any
	_ = json.Unmarshal([]byte(ph.DataJSON), &data)
	if _, ok := data["prd"]; ok {
		t.Fatalf("expected prd dropped by full replacement")
	}
	bad := `["not an object"]`
	_, err = env.Engine.UpdatePhase(env.Ctx, engine.UpdatePhaseOptions{PhaseID: ph.ID, DataJSON: &bad, ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected non-object data rejected")
	}
}

func TestInvalidStatusTransition(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	approved := domain.PhaseStatusApproved
	_, err := env.Engine.UpdatePhase(env.Ctx, engine.UpdatePhaseOptions{PhaseID: ph.ID, Status: &approved, ActorID: "tester"})
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestApprovalStatusesUnreachableByRawUpdate(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	ph, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`"doc"`), "tester")
	if err != nil {
		t.Fatal(err)
	}
	// in_progress; only SubmitForApproval may move it into the approval cycle,
	// since it also writes the ledger entry and stakeholder statuses
	for _, status := range []string{
		domain.PhaseStatusPendingApproval,
		domain.PhaseStatusApproved,
		domain.PhaseStatusRejected,
	} {
		s := status
		_, err := env.Engine.UpdatePhase(env.Ctx, engine.UpdatePhaseOptions{PhaseID: ph.ID, Status: &s, ActorID: "tester"})
		if !errors.Is(err, engine.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState for raw %s, got %v", status, err)
		}
	}
	// re-stating the current status stays a no-op
	current := ph.Status
	ph, err = env.Engine.UpdatePhase(env.Ctx, engine.UpdatePhaseOptions{PhaseID: ph.ID, Status: &current, ActorID: "tester"})
	if err != nil || ph.Status != domain.PhaseStatusInProgress {
		t.Fatalf("same-status update: %v %s", err, ph.Status)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	_, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
		PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"x"`), ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetProject(env.Ctx, "proj-1"); err == nil {
		t.Fatalf("expected project gone")
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM phases`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 0 {
		t.Fatalf("expected phases cascaded, %d left", count)
	}
}

func TestFullWorkflowWalkthrough(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("proj-1")
	for _, n := range cfg.PhaseNumbers() {
		schema, _ := cfg.Schema(n)
		ph := phaseNum(t, env, n)
		for _, req := range schema.Requires {
			var err error
			ph, err = env.Engine.SetCurrent(env.Ctx, ph.ID, req, json.RawMessage(`"done"`), "tester")
			if err != nil {
				t.Fatalf("phase %d set %s: %v", n, req, err)
			}
		}
		if schema.RequiresStakeholder {
			if _, err := env.Engine.AddStakeholder(env.Ctx, ph.ID, "PM", "Alex", "tester"); err != nil {
				t.Fatalf("phase %d stakeholder: %v", n, err)
			}
		}
		ph, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
		if err != nil {
			t.Fatalf("phase %d submit: %v", n, err)
		}
		if _, err := env.Engine.Approve(env.Ctx, ph.ID, "approver"); err != nil {
			t.Fatalf("phase %d approve: %v", n, err)
		}
	}
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CompletedPhases != 7 {
		t.Fatalf("expected 7 completed phases, got %d", p.CompletedPhases)
	}
}

package engine_test

import (
	"encoding/json"
	"errors"
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func TestSubmitNotReadyNamesEveryMissingPrerequisite(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	// leave brd empty and skip the stakeholder; prd set to an empty object,
	// which also counts as absent
	if _, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`{}`), "tester"); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
	var notReady engine.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected NotReadyError, got %v", err)
	}
	want := map[string]bool{"prd": true, "brd": true, "stakeholders": true}
	if len(notReady.Missing) != len(want) {
		t.Fatalf("expected %d missing, got %v", len(want), notReady.Missing)
	}
	for _, m := range notReady.Missing {
		if !want[m] {
			t.Fatalf("unexpected missing entry %q in %v", m, notReady.Missing)
		}
	}
}

func TestSubmitRecordsLedgerEntryWithSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	for i := 0; i < 2; i++ {
		if _, _, err := env.Engine.AppendVersion(env.Ctx, engine.AppendVersionOptions{
			PhaseID: ph.ID, ArtifactType: "prd", Content: json.RawMessage(`"doc"`), ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "brd", json.RawMessage(`"brd doc"`), "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddStakeholder(env.Ctx, ph.ID, "PM", "Alex", "tester"); err != nil {
		t.Fatal(err)
	}
	ph, entry, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ph.Status != domain.PhaseStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", ph.Status)
	}
	if entry.SubmittedBy != "author" {
		t.Fatalf("unexpected submitter %q", entry.SubmittedBy)
	}
	var snapshot map[string]int
	if err := json.Unmarshal([]byte(entry.VersionSnapshotJSON), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot["prd"] != 2 {
		t.Fatalf("expected prd snapshot at 2, got %v", snapshot)
	}
	stakeholders, err := env.Engine.ListStakeholders(env.Ctx, ph.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stakeholders) != 1 || stakeholders[0].Status != domain.StakeholderStatusPendingApproval {
		t.Fatalf("expected stakeholder moved to pending_approval: %+v", stakeholders)
	}
}

func TestApproveRequiresPendingApproval(t *testing.T) {
	env := newTestEnv(t)
	ph := phaseNum(t, env, 1)
	_, err := env.Engine.Approve(env.Ctx, ph.ID, "approver")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState approving a draft, got %v", err)
	}
	_, err = env.Engine.Reject(env.Ctx, ph.ID, "nope", "approver")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState rejecting a draft, got %v", err)
	}
}

func TestEditDuringPendingApprovalKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ph := readyPhaseOne(t, env)
	ph, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// the submitted snapshot pins what the approver reviews; a late edit does
	// not move the phase
	ph, err = env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`"late edit"`), "tester")
	if err != nil {
		t.Fatalf("edit during review: %v", err)
	}
	if ph.Status != domain.PhaseStatusPendingApproval {
		t.Fatalf("expected pending_approval kept, got %s", ph.Status)
	}
}

func TestResubmitAfterRejection(t *testing.T) {
	env := newTestEnv(t)
	ph := readyPhaseOne(t, env)
	ph, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, ph.ID, "thin", "approver"); err != nil {
		t.Fatal(err)
	}
	// revising re-enters the cycle
	ph, err = env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`"thicker"`), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if ph.Status != domain.PhaseStatusInProgress {
		t.Fatalf("expected in_progress after revision, got %s", ph.Status)
	}
	if _, _, err := env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	entries, err := env.Engine.ListApprovalEntries(env.Ctx, ph.ID)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d (%v)", len(entries), err)
	}
}

func newProject(t *testing.T, env testEnv, id string) {
	t.Helper()
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		ID: id, Name: id, Config: config.Default(id), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func submitPhaseOne(t *testing.T, env testEnv, projectID string) domain.Phase {
	t.Helper()
	ph, err := env.Engine.GetPhaseByNumber(env.Ctx, projectID, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, art := range []string{"prd", "brd"} {
		if ph, err = env.Engine.SetCurrent(env.Ctx, ph.ID, art, json.RawMessage(`"doc"`), "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.AddStakeholder(env.Ctx, ph.ID, "PM", "Alex", "tester"); err != nil {
		t.Fatal(err)
	}
	ph, _, err = env.Engine.SubmitForApproval(env.Ctx, ph.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return ph
}

func TestApprovalCenterAggregatesAcrossProjects(t *testing.T) {
	env := newTestEnv(t)
	newProject(t, env, "proj-2")
	newProject(t, env, "proj-3")

	a := submitPhaseOne(t, env, "proj-1")
	b := submitPhaseOne(t, env, "proj-2")
	c := submitPhaseOne(t, env, "proj-3")

	pending, err := env.Engine.ListPendingApprovals(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for _, item := range pending {
		if item.SubmittedDate == "" || item.ProjectName == "" {
			t.Fatalf("incomplete approval row: %+v", item)
		}
	}

	if _, err := env.Engine.Approve(env.Ctx, a.ID, "approver"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, b.ID, "thin", "approver"); err != nil {
		t.Fatal(err)
	}

	pending, err = env.Engine.ListPendingApprovals(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].PhaseID != c.ID {
		t.Fatalf("expected only proj-3 pending: %+v", pending)
	}
	history, err := env.Engine.ListApprovalHistory(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 resolved, got %d", len(history))
	}
}

func TestHistoryMembershipFollowsCurrentStatus(t *testing.T) {
	env := newTestEnv(t)
	ph := submitPhaseOne(t, env, "proj-1")
	if _, err := env.Engine.Approve(env.Ctx, ph.ID, "approver"); err != nil {
		t.Fatal(err)
	}
	history, err := env.Engine.ListApprovalHistory(env.Ctx)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected phase in history: %d (%v)", len(history), err)
	}
	// a demoting edit drops the phase out of the history view even though the
	// ledger entry remains
	if _, err := env.Engine.SetCurrent(env.Ctx, ph.ID, "prd", json.RawMessage(`"revised"`), "tester"); err != nil {
		t.Fatal(err)
	}
	history, err = env.Engine.ListApprovalHistory(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history after demotion, got %d", len(history))
	}
	entries, err := env.Engine.ListApprovalEntries(env.Ctx, ph.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected ledger entry to survive: %d (%v)", len(entries), err)
	}
}

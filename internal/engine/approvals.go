package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// SubmitForApproval moves an in-progress phase to pending_approval. The
// readiness check runs first: every required artifact must hold a non-empty
// value, and phases that gate on stakeholders need at least one. A failed
// check names every missing prerequisite at once.
func (e *Engine) SubmitForApproval(ctx context.Context, phaseID, actorID string) (domain.Phase, domain.ApprovalEntry, error) {
	var none domain.ApprovalEntry
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, none, err
	}
	schema, _, err := e.schemaFor(ctx, ph)
	if err != nil {
		return domain.Phase{}, none, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, none, err
	}
	defer tx.Rollback()

	ph, err = e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, none, err
	}
	if err := ensurePhaseTransition(ph.Status, domain.PhaseStatusPendingApproval); err != nil {
		return domain.Phase{}, none, err
	}

	data, err := decodeData(ph)
	if err != nil {
		return domain.Phase{}, none, err
	}
	var missing []string
	for _, req := range schema.Requires {
		if emptyValue(data[req]) {
			missing = append(missing, req)
		}
	}
	stakeholders, err := e.Repo.ListStakeholdersTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, none, err
	}
	if schema.RequiresStakeholder && len(stakeholders) == 0 {
		missing = append(missing, "stakeholders")
	}
	if len(missing) > 0 {
		return domain.Phase{}, none, NotReadyError{PhaseID: phaseID, Missing: missing}
	}

	snapshot, err := e.Repo.LatestVersionsTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, none, err
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return domain.Phase{}, none, err
	}
	stakeholdersJSON := ""
	if len(stakeholders) > 0 {
		b, err := json.Marshal(stakeholders)
		if err != nil {
			return domain.Phase{}, none, err
		}
		stakeholdersJSON = string(b)
	}
	entry := domain.ApprovalEntry{
		ID:                  uuid.NewString(),
		PhaseID:             phaseID,
		SubmittedAt:         e.now(),
		SubmittedBy:         actorID,
		VersionSnapshotJSON: string(snapshotJSON),
		StakeholdersJSON:    stakeholdersJSON,
	}
	if err := e.Repo.InsertApprovalEntryTx(ctx, tx, entry); err != nil {
		return domain.Phase{}, none, err
	}
	if err := e.Repo.SetStakeholderStatusesTx(ctx, tx, phaseID, domain.StakeholderStatusPendingApproval); err != nil {
		return domain.Phase{}, none, err
	}
	ph.Status = domain.PhaseStatusPendingApproval
	ph.UpdatedAt = entry.SubmittedAt
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, none, err
	}
	err = e.Events.Append(ctx, tx, "phase.submitted", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"phase_number":     ph.PhaseNumber,
		"version_snapshot": snapshot,
	})
	if err != nil {
		return domain.Phase{}, none, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, none, err
	}
	return ph, entry, nil
}

// Approve resolves a pending submission positively. Only a phase currently in
// pending_approval can be approved; anything else means the caller's view is
// stale.
func (e *Engine) Approve(ctx context.Context, phaseID, actorID string) (domain.Phase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if ph.Status != domain.PhaseStatusPendingApproval {
		return domain.Phase{}, fmt.Errorf("%w: phase is %s, not pending_approval", ErrInvalidState, ph.Status)
	}
	if err := e.Repo.SetStakeholderStatusesTx(ctx, tx, phaseID, domain.StakeholderStatusApproved); err != nil {
		return domain.Phase{}, err
	}
	ph.Status = domain.PhaseStatusApproved
	ph.UpdatedAt = e.now()
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, err
	}
	err = e.Events.Append(ctx, tx, "phase.approved", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"phase_number": ph.PhaseNumber,
	})
	if err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return ph, nil
}

// Reject resolves a pending submission negatively. The reason is mandatory
// and is merged into the phase document together with who rejected and when;
// every other document key, including version history, survives untouched so
// the author can revise and resubmit.
func (e *Engine) Reject(ctx context.Context, phaseID, reason, actorID string) (domain.Phase, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Phase{}, fmt.Errorf("rejection reason required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if ph.Status != domain.PhaseStatusPendingApproval {
		return domain.Phase{}, fmt.Errorf("%w: phase is %s, not pending_approval", ErrInvalidState, ph.Status)
	}
	data, err := decodeData(ph)
	if err != nil {
		return domain.Phase{}, err
	}
	now := e.now()
	data["rejection_reason"], _ = json.Marshal(reason)
	data["rejected_by"], _ = json.Marshal(actorID)
	data["rejected_at"], _ = json.Marshal(now)
	ph.DataJSON, err = encodeData(data)
	if err != nil {
		return domain.Phase{}, err
	}
	if err := e.Repo.SetStakeholderStatusesTx(ctx, tx, phaseID, domain.StakeholderStatusRejected); err != nil {
		return domain.Phase{}, err
	}
	ph.Status = domain.PhaseStatusRejected
	ph.UpdatedAt = now
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, err
	}
	err = e.Events.Append(ctx, tx, "phase.rejected", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"phase_number": ph.PhaseNumber,
		"reason":       reason,
	})
	if err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return ph, nil
}

// ListApprovalEntries returns a phase's submission ledger, oldest first.
func (e *Engine) ListApprovalEntries(ctx context.Context, phaseID string) ([]domain.ApprovalEntry, error) {
	if _, err := e.Repo.GetPhase(ctx, phaseID); err != nil {
		return nil, err
	}
	return e.Repo.ListApprovalEntries(ctx, phaseID)
}

// ListPendingApprovals aggregates every pending submission across all
// projects. A project that fails to load is logged and skipped; the rest of
// the list still comes back.
func (e *Engine) ListPendingApprovals(ctx context.Context) ([]domain.PhaseApproval, error) {
	return e.collectApprovals(ctx, domain.PhaseStatusPendingApproval)
}

// ListApprovalHistory aggregates resolved submissions (approved or rejected)
// across all projects. Membership reflects current status only: a phase
// demoted by a later edit drops out of the history view.
func (e *Engine) ListApprovalHistory(ctx context.Context) ([]domain.PhaseApproval, error) {
	return e.collectApprovals(ctx, domain.PhaseStatusApproved, domain.PhaseStatusRejected)
}

func (e *Engine) collectApprovals(ctx context.Context, statuses ...string) ([]domain.PhaseApproval, error) {
	ids, err := e.Repo.ListProjectIDs(ctx)
	if err != nil {
		return nil, err
	}
	res := []domain.PhaseApproval{}
	for _, projectID := range ids {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			e.logf("approval center: skipping project %s: %v", projectID, err)
			continue
		}
		phases, err := e.Repo.ListPhasesByStatus(ctx, projectID, statuses...)
		if err != nil {
			e.logf("approval center: skipping project %s: %v", projectID, err)
			continue
		}
		for _, ph := range phases {
			submitted, err := e.Repo.LatestSubmissionTime(ctx, ph.ID)
			if err != nil {
				e.logf("approval center: skipping project %s: %v", projectID, err)
				continue
			}
			res = append(res, domain.PhaseApproval{
				PhaseID:       ph.ID,
				ProjectID:     p.ID,
				ProjectName:   p.Name,
				PhaseName:     ph.PhaseName,
				PhaseNumber:   ph.PhaseNumber,
				Status:        ph.Status,
				SubmittedDate: submitted,
				DataJSON:      ph.DataJSON,
			})
		}
	}
	return res, nil
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// Generate asks the generation collaborator for new content of one artifact
// and records the result. Approved and pending-approval phases refuse
// regeneration; the lock releases when an edit demotes the phase back to
// in_progress. A collaborator failure mutates nothing.
func (e *Engine) Generate(ctx context.Context, phaseID, artifactType, actorID string) (domain.Phase, error) {
	if e.Generator == nil {
		return domain.Phase{}, GenerationFailedError{Err: fmt.Errorf("no generation service configured")}
	}
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	schema, cfg, err := e.schemaFor(ctx, ph)
	if err != nil {
		return domain.Phase{}, err
	}
	if !schema.Knows(artifactType) {
		return domain.Phase{}, fmt.Errorf("%w: phase %d does not track %q", ErrArtifactNotFound, ph.PhaseNumber, artifactType)
	}
	if ph.Status == domain.PhaseStatusApproved || ph.Status == domain.PhaseStatusPendingApproval {
		return domain.Phase{}, fmt.Errorf("%w (status %s)", ErrApprovedLocked, ph.Status)
	}

	input, err := e.generationContext(ctx, ph, cfg.Generation.Context[artifactType])
	if err != nil {
		return domain.Phase{}, err
	}

	// The collaborator call runs outside any transaction; generation can take
	// minutes and must not hold the writer.
	result, err := e.Generator.Generate(ctx, artifactType, input)
	if err != nil {
		return domain.Phase{}, GenerationFailedError{Err: err}
	}
	confidence := cfg.FallbackConfidence()
	if result.Confidence != nil {
		confidence = *result.Confidence
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	// Re-read under the transaction: the phase may have been submitted or
	// approved while the collaborator was working.
	ph, err = e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if ph.Status == domain.PhaseStatusApproved || ph.Status == domain.PhaseStatusPendingApproval {
		return domain.Phase{}, fmt.Errorf("%w (status %s)", ErrApprovedLocked, ph.Status)
	}

	now := e.now()
	versioned := schema.IsVersioned(artifactType) && cfg.PersistGeneration(artifactType)
	if versioned {
		count, err := e.Repo.CountVersionsTx(ctx, tx, phaseID, artifactType)
		if err != nil {
			return domain.Phase{}, err
		}
		content := string(result.Content)
		entry := domain.VersionEntry{
			PhaseID:      phaseID,
			ArtifactType: artifactType,
			Version:      count + 1,
			EditedAt:     now,
			EditedBy:     actorID,
			ChangeType:   domain.ChangeTypeAIGenerate,
			Summary:      "generated",
			Content:      &content,
		}
		if err := e.Repo.InsertVersionEntryTx(ctx, tx, entry); err != nil {
			return domain.Phase{}, err
		}
	}

	data, err := decodeData(ph)
	if err != nil {
		return domain.Phase{}, err
	}
	data[artifactType] = result.Content
	ph.DataJSON, err = encodeData(data)
	if err != nil {
		return domain.Phase{}, err
	}
	ph.AIConfidenceScore = &confidence
	ph.Status, _ = adjustStatusForEdit(ph.Status)
	ph.UpdatedAt = now
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, err
	}
	err = e.Events.Append(ctx, tx, "artifact.generated", ph.ProjectID, "phase", ph.ID, actorID, events.EventPayload{
		"artifact_type": artifactType,
		"confidence":    confidence,
		"versioned":     versioned,
	})
	if err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return ph, nil
}

// generationContext gathers the live current values of the configured source
// artifacts. Each source is looked up in the target phase first, then in the
// rest of the project's phases; sources with no current value are left out
// rather than failing the run.
func (e *Engine) generationContext(ctx context.Context, ph domain.Phase, sources []string) (map[string]json.RawMessage, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	phases, err := e.Repo.ListPhases(ctx, ph.ProjectID)
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]json.RawMessage, 0, len(phases))
	own, err := decodeData(ph)
	if err != nil {
		return nil, err
	}
	docs = append(docs, own)
	for _, other := range phases {
		if other.ID == ph.ID {
			continue
		}
		d, err := decodeData(other)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	input := map[string]json.RawMessage{}
	for _, src := range sources {
		for _, d := range docs {
			if v, ok := d[src]; ok && !emptyValue(v) {
				input[src] = v
				break
			}
		}
	}
	return input, nil
}

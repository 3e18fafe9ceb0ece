package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy surfaced by engine operations. Collaborator and storage
// failures are translated into these before they leave the engine; raw
// transport errors never reach callers undecorated.
var (
	// ErrVersionConflict: a concurrent append claimed the version slot first.
	// Recoverable by recomputing the next version and retrying once.
	ErrVersionConflict = errors.New("version conflict")
	// ErrVersionNotFound: the requested version number is not in history.
	ErrVersionNotFound = errors.New("version not found")
	// ErrArtifactNotFound: the phase does not hold the requested artifact key.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrApprovedLocked: a locked mutation (AI regeneration) was attempted on
	// an approved or pending-approval phase.
	ErrApprovedLocked = errors.New("phase is locked for generation; edit to unlock and resubmit")
	// ErrInvalidState: an approval action hit a phase whose status has moved
	// on; the caller's view is stale and should be refreshed.
	ErrInvalidState = errors.New("phase status has changed; refresh and retry")
)

// NotReadyError reports a failed submission precondition, naming every
// missing prerequisite so the caller can show an actionable message.
type NotReadyError struct {
	PhaseID string
	Missing []string
}

func (e NotReadyError) Error() string {
	return fmt.Sprintf("phase not ready for approval: missing %s", strings.Join(e.Missing, ", "))
}

// GenerationFailedError wraps a generation collaborator failure. No state is
// mutated when it is returned; re-invoking the same call is the retry path.
type GenerationFailedError struct {
	Err error
}

func (e GenerationFailedError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e GenerationFailedError) Unwrap() error { return e.Err }

package engine

import (
	"fmt"
	"strings"

	"teampulse/internal/domain"
)

// ValidationError reports missing or malformed required fields. The
// already-entered fields ride along so the caller can let the actor
// resume instead of retyping.
type ValidationError struct {
	Missing  []string
	Provided map[string]string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
}

// NotFoundError reports a work item or blocker reference that could
// not be resolved. Never treated as success.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

// DuplicateActionError is the deduplicator's soft rejection: the same
// gesture is already being processed.
type DuplicateActionError struct {
	ActionKind ActionKind
}

func (e DuplicateActionError) Error() string {
	return fmt.Sprintf("%s already in progress", e.ActionKind)
}

// UpstreamUnavailableError wraps a failed record-store or gateway call
// on the primary write path. Secondary-effect failures are logged and
// swallowed instead.
type UpstreamUnavailableError struct {
	Op  string
	Err error
}

func (e UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable, please retry: %v", e.Op, e.Err)
}

func (e UpstreamUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError reports a lifecycle action the blocker's
// current state does not allow, carrying the current owner/state so
// the actor sees who got there first.
type InvalidTransitionError struct {
	BlockerID string
	State     domain.BlockerState
	Action    ActionKind
	ClaimedBy string
}

func (e InvalidTransitionError) Error() string {
	if e.Action == ActionClaim && e.ClaimedBy != "" {
		return fmt.Sprintf("blocker %s already claimed by %s", e.BlockerID, e.ClaimedBy)
	}
	return fmt.Sprintf("cannot %s blocker %s in state %s", e.Action, e.BlockerID, e.State)
}

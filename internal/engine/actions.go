package engine

import (
	"context"
	"fmt"
	"time"

	"teampulse/internal/domain"
	"teampulse/internal/escalate"
	"teampulse/internal/followup"
)

// ActionKind names the user gestures a gateway can deliver.
type ActionKind string

const (
	ActionReport     ActionKind = "report"
	ActionClaim      ActionKind = "claim"
	ActionResolve    ActionKind = "resolve"
	ActionReEscalate ActionKind = "reescalate"
)

// Action is one gateway-delivered gesture, a superset of the per-kind
// inputs. Fields a kind does not use are ignored.
type Action struct {
	Kind            ActionKind     `json:"kind" enum:"report,claim,resolve,reescalate"`
	ActorID         string         `json:"actor_id"`
	ActorName       string         `json:"actor_name,omitempty"`
	BlockerID       string         `json:"blocker_id,omitempty"`
	ReporterID      string         `json:"reporter_id,omitempty"`
	WorkItemRef     string         `json:"work_item_ref,omitempty"`
	Description     string         `json:"description,omitempty"`
	Urgency         domain.Urgency `json:"urgency,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	Sprint          *int           `json:"sprint,omitempty"`
}

// ActionResult is the user-facing outcome of a handled action.
type ActionResult struct {
	Message         string            `json:"message"`
	Blocker         *domain.Blocker   `json:"blocker,omitempty"`
	DidYouMean      *domain.Candidate `json:"did_you_mean,omitempty"`
	Receipt         *escalate.Receipt `json:"receipt,omitempty"`
	WorkItemCleared bool              `json:"work_item_cleared,omitempty"`
}

// HandleAction dispatches a gateway gesture to the matching lifecycle
// operation and phrases the outcome for the actor.
func (e *Engine) HandleAction(ctx context.Context, a Action) (ActionResult, error) {
	switch a.Kind {
	case ActionReport:
		res, err := e.Report(ctx, ReportInput{
			ReporterID:   a.ActorID,
			ReporterName: a.ActorName,
			WorkItemRef:  a.WorkItemRef,
			Description:  a.Description,
			Urgency:      a.Urgency,
			Notes:        a.Notes,
			Sprint:       a.Sprint,
		})
		if err != nil {
			return ActionResult{}, err
		}
		msg := fmt.Sprintf("Blocker recorded and escalated to %s.", res.Receipt.Destination)
		if !res.Resolution.Found {
			msg = fmt.Sprintf("Blocker recorded, but no work item matches %q.", a.WorkItemRef)
			if res.DidYouMean != nil {
				msg += fmt.Sprintf(" Did you mean %q?", res.DidYouMean.Name)
			}
		}
		return ActionResult{Message: msg, Blocker: &res.Blocker, DidYouMean: res.DidYouMean, Receipt: &res.Receipt}, nil

	case ActionClaim:
		b, err := e.Claim(ctx, ClaimInput{BlockerID: a.BlockerID, ActorID: a.ActorID, ActorName: a.ActorName})
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{
			Message: fmt.Sprintf("You are now on blocker %s; %s has been told.", b.ID, b.ReporterName),
			Blocker: &b,
		}, nil

	case ActionResolve:
		res, err := e.Resolve(ctx, ResolveInput{
			BlockerID:       a.BlockerID,
			ReporterID:      a.ReporterID,
			WorkItemRef:     a.WorkItemRef,
			Description:     a.Description,
			ActorID:         a.ActorID,
			ActorName:       a.ActorName,
			ResolutionNotes: a.ResolutionNotes,
		})
		if err != nil {
			return ActionResult{}, err
		}
		msg := fmt.Sprintf("Blocker %s resolved.", res.Blocker.ID)
		if res.WorkItemCleared {
			msg += " Work item is back in progress."
		} else if res.SyncFailed {
			msg += " The work item status could not be updated; it will need a manual fix."
		}
		return ActionResult{Message: msg, Blocker: &res.Blocker, WorkItemCleared: res.WorkItemCleared}, nil

	case ActionReEscalate:
		b, receipt, err := e.ReEscalate(ctx, ReEscalateInput{BlockerID: a.BlockerID, ActorID: a.ActorID})
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{
			Message: fmt.Sprintf("Blocker %s escalated again to %s.", b.ID, receipt.Destination),
			Blocker: &b,
			Receipt: &receipt,
		}, nil
	}
	return ActionResult{}, ValidationError{Missing: []string{"kind"}}
}

// HandleTick runs one follow-up pass at the given instant.
func (e *Engine) HandleTick(ctx context.Context, now time.Time) ([]followup.Reminder, error) {
	if e.FollowUps == nil {
		return nil, nil
	}
	return e.FollowUps.Tick(ctx, now)
}

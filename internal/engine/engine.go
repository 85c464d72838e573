// Package engine drives the blocker lifecycle: report, escalate, claim,
// resolve, re-escalate. It owns the consistency rules between blockers
// and work-item status; delivery and storage details live elsewhere.
package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"teampulse/internal/dedup"
	"teampulse/internal/domain"
	"teampulse/internal/escalate"
	"teampulse/internal/events"
	"teampulse/internal/followup"
	"teampulse/internal/repo"
	"teampulse/internal/resolver"
)

const (
	// advisoryThreshold gates the "did you mean" hint. Below this the
	// closest candidate is noise rather than a plausible typo.
	advisoryThreshold = 0.4

	// partialPrefixLen is how many leading characters of two long
	// descriptions must agree to count as the same blocker when no
	// exact description match exists.
	partialPrefixLen = 20
)

type Engine struct {
	Repo      repo.Repo
	Resolver  resolver.Resolver
	Guard     *dedup.Guard
	Router    escalate.Router
	Sync      Synchronizer
	Events    *events.Writer
	FollowUps *followup.Scheduler
	Now       func() time.Time
	Logger    *log.Logger
	FormTTL   time.Duration
	ClickTTL  time.Duration

	locks lockTable
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) formTTL() time.Duration {
	if e.FormTTL > 0 {
		return e.FormTTL
	}
	return dedup.DefaultFormTTL
}

func (e *Engine) clickTTL() time.Duration {
	if e.ClickTTL > 0 {
		return e.ClickTTL
	}
	return dedup.DefaultClickTTL
}

func (e *Engine) append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		e.logger().Printf("engine: append %s event: %v", evtType, err)
	}
}

// ReportInput is the reporter-supplied content of a new blocker.
type ReportInput struct {
	ReporterID   string
	ReporterName string
	WorkItemRef  string
	Description  string
	Urgency      domain.Urgency
	Notes        string
	Sprint       *int
}

// ReportResult is what the gateway shows the reporter after a report.
type ReportResult struct {
	Blocker    domain.Blocker           `json:"blocker"`
	Resolution domain.ResolvedReference `json:"resolution"`
	DidYouMean *domain.Candidate        `json:"did_you_mean,omitempty"`
	Receipt    escalate.Receipt         `json:"receipt"`
}

// Report records a new blocker and escalates it in the same stroke.
// The blocker row is the primary effect: a failure there surfaces.
// Work-item sync and escalation delivery are secondary and degrade to
// log lines, so a flaky channel never loses a report.
func (e *Engine) Report(ctx context.Context, in ReportInput) (ReportResult, error) {
	if err := validateReport(in); err != nil {
		return ReportResult{}, err
	}
	hash := dedup.ContentHash(in.WorkItemRef, in.Description, string(in.Urgency), in.Notes)
	if !e.Guard.ShouldProceed(in.ReporterID, string(ActionReport), hash, e.formTTL()) {
		return ReportResult{}, DuplicateActionError{ActionKind: ActionReport}
	}

	res := ReportResult{Resolution: e.Resolver.Resolve(ctx, in.WorkItemRef)}
	if !res.Resolution.Found {
		if best, ok := resolver.FindBestSimilar(in.WorkItemRef, e.Resolver.Candidates(ctx)); ok && best.Score >= advisoryThreshold {
			res.DidYouMean = &best
		}
	}

	nowStr := e.nowString()
	b := domain.Blocker{
		ReporterID:   in.ReporterID,
		ReporterName: in.ReporterName,
		WorkItemRef:  strings.TrimSpace(in.WorkItemRef),
		Description:  strings.TrimSpace(in.Description),
		Urgency:      in.Urgency,
		Notes:        strings.TrimSpace(in.Notes),
		Sprint:       in.Sprint,
		State:        domain.StateEscalated,
		EscalatedAt:  nowStr,
		UpdatedAt:    nowStr,
	}
	if res.Resolution.Found {
		b.WorkItemID = res.Resolution.WorkItemID
		b.WorkItemShard = res.Resolution.Shard
		b.WorkItemRef = res.Resolution.CanonicalName
	}
	id, err := e.Repo.InsertBlocker(ctx, b)
	if err != nil {
		return ReportResult{}, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	b.ID = id
	b.CreatedAt = nowStr
	e.append(ctx, events.BlockerReported, "blocker", id, in.ReporterID, events.EventPayload{
		"work_item_ref": b.WorkItemRef,
		"work_item_id":  b.WorkItemID,
		"urgency":       string(b.Urgency),
	})
	e.append(ctx, events.BlockerEscalated, "blocker", id, in.ReporterID, nil)

	// The payload carries the item's status only once the store accepted
	// the write; a failed sync leaves it unset rather than claimed.
	workItemStatus := ""
	if b.HasWorkItem() {
		if err := e.Sync.SetBlocked(ctx, b.WorkItemShard, b.WorkItemID, b); err != nil {
			e.logger().Printf("engine: blocker %s recorded but work item sync failed: %v", id, err)
		} else {
			workItemStatus = string(domain.StatusBlocked)
		}
	}

	receipt, err := e.Router.RouteAndNotify(ctx, b, workItemStatus)
	if err != nil {
		e.logger().Printf("engine: blocker %s recorded but escalation delivery failed: %v", id, err)
	}
	res.Blocker = b
	res.Receipt = receipt
	return res, nil
}

func validateReport(in ReportInput) error {
	var missing []string
	if strings.TrimSpace(in.ReporterID) == "" {
		missing = append(missing, "reporter_id")
	}
	if strings.TrimSpace(in.WorkItemRef) == "" {
		missing = append(missing, "work_item_ref")
	}
	if strings.TrimSpace(in.Description) == "" {
		missing = append(missing, "description")
	}
	if !domain.ValidUrgency(in.Urgency) {
		missing = append(missing, "urgency")
	}
	if len(missing) == 0 {
		return nil
	}
	return ValidationError{Missing: missing, Provided: map[string]string{
		"work_item_ref": in.WorkItemRef,
		"description":   in.Description,
		"urgency":       string(in.Urgency),
		"notes":         in.Notes,
	}}
}

// ClaimInput identifies who is taking ownership of which blocker.
type ClaimInput struct {
	BlockerID string
	ActorID   string
	ActorName string
}

// Claim marks a blocker as being worked by the actor. First claimer
// wins; a second claim reports who got there first instead of silently
// stealing ownership.
func (e *Engine) Claim(ctx context.Context, in ClaimInput) (domain.Blocker, error) {
	var missing []string
	if in.BlockerID == "" {
		missing = append(missing, "blocker_id")
	}
	if in.ActorID == "" {
		missing = append(missing, "actor_id")
	}
	if len(missing) > 0 {
		return domain.Blocker{}, ValidationError{Missing: missing}
	}
	if !e.Guard.ShouldProceed(in.ActorID, string(ActionClaim), dedup.ContentHash(in.BlockerID), e.clickTTL()) {
		return domain.Blocker{}, DuplicateActionError{ActionKind: ActionClaim}
	}

	l := e.locks.forID(in.BlockerID)
	l.Lock()
	defer l.Unlock()

	b, err := e.getBlocker(ctx, in.BlockerID)
	if err != nil {
		return domain.Blocker{}, err
	}
	if err := ensureTransition(b, ActionClaim); err != nil {
		return domain.Blocker{}, err
	}
	nowStr := e.nowString()
	b.State = domain.StateClaimed
	b.ClaimedBy = claimerLabel(in)
	b.ClaimedAt = nowStr
	b.UpdatedAt = nowStr
	if err := e.Repo.UpdateBlocker(ctx, b); err != nil {
		return domain.Blocker{}, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	e.append(ctx, events.BlockerClaimed, "blocker", b.ID, in.ActorID, events.EventPayload{"claimed_by": b.ClaimedBy})

	// Courtesy ping so the reporter knows someone picked it up.
	if e.Router.Notifier != nil {
		n := escalate.Notification{
			Destination: "user:" + b.ReporterID,
			Severity:    escalate.SeverityFor(b.Urgency),
			BlockerID:   b.ID,
			ReporterID:  b.ReporterID,
			WorkItemRef: b.WorkItemRef,
			Description: b.Description,
			Urgency:     string(b.Urgency),
			Claimed:     true,
			ClaimedBy:   b.ClaimedBy,
		}
		if err := e.Router.Notifier.Send(ctx, n); err != nil {
			e.logger().Printf("engine: claim notice to reporter %s failed: %v", b.ReporterID, err)
		}
	}
	return b, nil
}

func claimerLabel(in ClaimInput) string {
	if in.ActorName != "" {
		return in.ActorName
	}
	return in.ActorID
}

// ResolveInput addresses a blocker either directly by id or by the
// reporter's own framing (who reported it, against what, saying what).
type ResolveInput struct {
	BlockerID       string
	ReporterID      string
	WorkItemRef     string
	Description     string
	ActorID         string
	ActorName       string
	ResolutionNotes string
}

// ResolveResult reports the closed blocker and whether the work item's
// blocked flag could be cleared alongside it.
type ResolveResult struct {
	Blocker         domain.Blocker `json:"blocker"`
	WorkItemCleared bool           `json:"work_item_cleared"`
	SyncFailed      bool           `json:"sync_failed"`
}

// Resolve closes a blocker. The close itself is the primary effect;
// clearing the work item's blocked flag is secondary, so the blocker
// still resolves when the record store rejects the status write.
func (e *Engine) Resolve(ctx context.Context, in ResolveInput) (ResolveResult, error) {
	var missing []string
	if in.ActorID == "" {
		missing = append(missing, "actor_id")
	}
	if in.BlockerID == "" && in.ReporterID == "" {
		missing = append(missing, "blocker_id or reporter_id")
	}
	if len(missing) > 0 {
		return ResolveResult{}, ValidationError{Missing: missing}
	}
	hash := dedup.ContentHash(in.BlockerID, in.ReporterID, in.WorkItemRef, in.Description, in.ResolutionNotes)
	if !e.Guard.ShouldProceed(in.ActorID, string(ActionResolve), hash, e.formTTL()) {
		return ResolveResult{}, DuplicateActionError{ActionKind: ActionResolve}
	}

	target, err := e.locateBlocker(ctx, in)
	if err != nil {
		return ResolveResult{}, err
	}

	l := e.locks.forID(target.ID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock; the row may have moved since location.
	b, err := e.getBlocker(ctx, target.ID)
	if err != nil {
		return ResolveResult{}, err
	}
	if err := ensureTransition(b, ActionResolve); err != nil {
		return ResolveResult{}, err
	}
	nowStr := e.nowString()
	b.State = domain.StateResolved
	b.ResolvedBy = resolverLabel(in)
	b.ResolvedAt = nowStr
	b.ResolutionNotes = strings.TrimSpace(in.ResolutionNotes)
	b.UpdatedAt = nowStr
	if err := e.Repo.UpdateBlocker(ctx, b); err != nil {
		return ResolveResult{}, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	e.append(ctx, events.BlockerResolved, "blocker", b.ID, in.ActorID, events.EventPayload{
		"resolved_by": b.ResolvedBy,
		"notes":       b.ResolutionNotes,
	})

	res := ResolveResult{Blocker: b}
	if b.HasWorkItem() {
		cleared, err := e.Sync.ReleaseIfUnblocked(ctx, b.WorkItemShard, b.WorkItemID, in.ActorID)
		if err != nil {
			e.logger().Printf("engine: blocker %s resolved but work item sync failed: %v", b.ID, err)
			res.SyncFailed = true
		}
		res.WorkItemCleared = cleared
	}
	return res, nil
}

func resolverLabel(in ResolveInput) string {
	if in.ActorName != "" {
		return in.ActorName
	}
	return in.ActorID
}

// locateBlocker finds the blocker a resolve request addresses. Direct
// id wins. Otherwise the reporter's open blockers are matched against
// the supplied framing: exact description first, then a partial match,
// then the most recent open one. The fallback never touches a row that
// already carries resolution notes.
func (e *Engine) locateBlocker(ctx context.Context, in ResolveInput) (domain.Blocker, error) {
	if in.BlockerID != "" {
		return e.getBlocker(ctx, in.BlockerID)
	}
	open, err := e.Repo.ListBlockers(ctx, repo.BlockerFilters{ReporterID: in.ReporterID, OpenOnly: true})
	if err != nil {
		return domain.Blocker{}, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	if ref := resolver.Normalize(in.WorkItemRef); ref != "" {
		var narrowed []domain.Blocker
		for _, b := range open {
			if resolver.Normalize(b.WorkItemRef) == ref {
				narrowed = append(narrowed, b)
			}
		}
		open = narrowed
	}
	if len(open) == 0 {
		return domain.Blocker{}, NotFoundError{Kind: "blocker", Ref: in.WorkItemRef}
	}

	desc := resolver.Normalize(in.Description)
	if desc != "" {
		for _, b := range open {
			if resolver.Normalize(b.Description) == desc {
				return b, nil
			}
		}
		for _, b := range open {
			if partialDescriptionMatch(desc, resolver.Normalize(b.Description)) {
				return b, nil
			}
		}
	}
	// Most recent open blocker; open is already newest-first.
	for _, b := range open {
		if b.ResolutionNotes == "" {
			return b, nil
		}
	}
	return domain.Blocker{}, NotFoundError{Kind: "blocker", Ref: in.Description}
}

func partialDescriptionMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return len(a) >= partialPrefixLen && len(b) >= partialPrefixLen && a[:partialPrefixLen] == b[:partialPrefixLen]
}

// ReEscalateInput identifies a blocker to push in front of the team again.
type ReEscalateInput struct {
	BlockerID string
	ActorID   string
}

// ReEscalate returns a stalled blocker to the escalated state and rings
// the bell again. A claimed blocker loses its claim: re-escalation
// means the claimed work is not happening.
func (e *Engine) ReEscalate(ctx context.Context, in ReEscalateInput) (domain.Blocker, escalate.Receipt, error) {
	var missing []string
	if in.BlockerID == "" {
		missing = append(missing, "blocker_id")
	}
	if in.ActorID == "" {
		missing = append(missing, "actor_id")
	}
	if len(missing) > 0 {
		return domain.Blocker{}, escalate.Receipt{}, ValidationError{Missing: missing}
	}
	if !e.Guard.ShouldProceed(in.ActorID, string(ActionReEscalate), dedup.ContentHash(in.BlockerID), e.clickTTL()) {
		return domain.Blocker{}, escalate.Receipt{}, DuplicateActionError{ActionKind: ActionReEscalate}
	}

	l := e.locks.forID(in.BlockerID)
	l.Lock()
	defer l.Unlock()

	b, err := e.getBlocker(ctx, in.BlockerID)
	if err != nil {
		return domain.Blocker{}, escalate.Receipt{}, err
	}
	if err := ensureTransition(b, ActionReEscalate); err != nil {
		return domain.Blocker{}, escalate.Receipt{}, err
	}
	nowStr := e.nowString()
	b.State = domain.StateEscalated
	b.ClaimedBy = ""
	b.ClaimedAt = ""
	b.EscalatedAt = nowStr
	b.UpdatedAt = nowStr
	if err := e.Repo.UpdateBlocker(ctx, b); err != nil {
		return domain.Blocker{}, escalate.Receipt{}, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	e.append(ctx, events.BlockerReEscalated, "blocker", b.ID, in.ActorID, nil)

	workItemStatus := ""
	if b.HasWorkItem() {
		if item, err := e.Repo.GetWorkItem(ctx, b.WorkItemShard, b.WorkItemID); err == nil {
			workItemStatus = string(item.Status)
		}
	}
	receipt, err := e.Router.RouteAndNotify(ctx, b, workItemStatus)
	if err != nil {
		e.logger().Printf("engine: blocker %s re-escalated but delivery failed: %v", b.ID, err)
	}
	return b, receipt, nil
}

// ListBlockers exposes the audit view of blockers, newest-first.
func (e *Engine) ListBlockers(ctx context.Context, f repo.BlockerFilters) ([]domain.Blocker, error) {
	blockers, err := e.Repo.ListBlockers(ctx, f)
	if err != nil {
		return nil, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	return blockers, nil
}

func (e *Engine) getBlocker(ctx context.Context, id string) (domain.Blocker, error) {
	b, err := e.Repo.GetBlocker(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Blocker{}, NotFoundError{Kind: "blocker", Ref: id}
	}
	if err != nil {
		return domain.Blocker{}, UpstreamUnavailableError{Op: "record store", Err: err}
	}
	return b, nil
}

// ensureTransition is the single gatekeeper for lifecycle moves.
func ensureTransition(b domain.Blocker, action ActionKind) error {
	switch action {
	case ActionClaim:
		switch b.State {
		case domain.StateReported, domain.StateEscalated:
			return nil
		}
	case ActionResolve:
		if b.Open() {
			return nil
		}
	case ActionReEscalate:
		switch b.State {
		case domain.StateEscalated, domain.StateClaimed:
			return nil
		}
	}
	return InvalidTransitionError{BlockerID: b.ID, State: b.State, Action: action, ClaimedBy: b.ClaimedBy}
}

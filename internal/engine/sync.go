package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"teampulse/internal/domain"
	"teampulse/internal/events"
	"teampulse/internal/repo"
)

// Synchronizer keeps work-item status in the record store consistent
// with the set of open blockers pointing at it.
type Synchronizer struct {
	Repo   repo.Repo
	Events *events.Writer
	Now    func() time.Time
	Logger *log.Logger
}

func (s Synchronizer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s Synchronizer) append(ctx context.Context, evtType, itemID, actorID string, payload events.EventPayload) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Append(ctx, evtType, "work_item", itemID, actorID, payload); err != nil {
		s.logger().Printf("sync: append %s event: %v", evtType, err)
	}
}

// SetBlocked marks a work item Blocked and stamps the blocking
// context. Overwrites any previous context; marking an already-blocked
// item again is a plain update, not an error.
func (s Synchronizer) SetBlocked(ctx context.Context, shard, itemID string, b domain.Blocker) error {
	blockedContext := fmt.Sprintf("[%s] %s", b.Urgency, b.Description)
	if err := s.Repo.UpdateWorkItemStatus(ctx, shard, itemID, domain.StatusBlocked, blockedContext, b.ReporterName); err != nil {
		return fmt.Errorf("mark blocked: %w", err)
	}
	s.append(ctx, events.WorkItemBlocked, itemID, b.ReporterID, events.EventPayload{
		"blocker_id": b.ID,
		"shard":      shard,
	})
	return nil
}

// ClearBlocked restores a work item to In Progress once its last open
// blocker resolves. The caller decides whether other open blockers
// remain; this just performs the write.
func (s Synchronizer) ClearBlocked(ctx context.Context, shard, itemID, actorID string) error {
	if err := s.Repo.UpdateWorkItemStatus(ctx, shard, itemID, domain.StatusInProgress, "", ""); err != nil {
		return fmt.Errorf("clear blocked: %w", err)
	}
	s.append(ctx, events.WorkItemUnblocked, itemID, actorID, events.EventPayload{
		"shard": shard,
	})
	return nil
}

// ReleaseIfUnblocked clears the Blocked status only when no other open
// blocker still points at the work item. Returns whether the status
// was cleared.
func (s Synchronizer) ReleaseIfUnblocked(ctx context.Context, shard, itemID, actorID string) (bool, error) {
	open, err := s.Repo.OpenBlockersForWorkItem(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("list open blockers: %w", err)
	}
	if len(open) > 0 {
		return false, nil
	}
	if err := s.ClearBlocked(ctx, shard, itemID, actorID); err != nil {
		return false, err
	}
	return true, nil
}

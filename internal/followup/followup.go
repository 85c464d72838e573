// Package followup nudges reporters whose blockers have sat escalated
// or claimed past a grace period, at most once per blocker ever.
package followup

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"teampulse/internal/domain"
	"teampulse/internal/escalate"
	"teampulse/internal/events"
	"teampulse/internal/repo"
)

// DefaultGrace is how long a blocker may sit before its reporter is
// asked whether it is still blocking.
const DefaultGrace = 24 * time.Hour

// Reminder is one follow-up emitted by a tick.
type Reminder struct {
	BlockerID   string        `json:"blocker_id"`
	ReporterID  string        `json:"reporter_id"`
	Destination string        `json:"destination"`
	WorkItemRef string        `json:"work_item_ref"`
	Description string        `json:"description"`
	Age         time.Duration `json:"age"`
}

// Locker hands out the per-blocker critical section shared with the
// lifecycle engine, so a tick's mark cannot interleave with a claim or
// resolve on the same blocker. The returned func releases the section.
type Locker interface {
	LockBlocker(id string) func()
}

// Scheduler decides which blockers are due a follow-up. Ticks fully
// serialize behind one mutex: the scan is cheap and a second concurrent
// pass could only produce duplicates.
type Scheduler struct {
	Repo     repo.Repo
	Notifier escalate.Notifier
	Events   *events.Writer
	Locks    Locker
	Grace    time.Duration
	Now      func() time.Time
	Logger   *log.Logger

	mu sync.Mutex
}

func (s *Scheduler) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGrace
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Tick scans open blockers and follows up on every one older than the
// grace period that has never been followed up on. The sent marker is
// written before delivery is attempted, so a blocker is reminded about
// at most once even when delivery fails. The marker itself lands inside
// the per-blocker critical section, after a fresh read of the row.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.Repo.ListBlockers(ctx, repo.BlockerFilters{OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("scan blockers: %w", err)
	}
	var reminders []Reminder
	for _, b := range open {
		if !due(b, now, s.grace()) {
			continue
		}
		b, ok := s.mark(ctx, b, now)
		if !ok {
			continue
		}
		r := Reminder{
			BlockerID:   b.ID,
			ReporterID:  b.ReporterID,
			Destination: "user:" + b.ReporterID,
			WorkItemRef: b.WorkItemRef,
			Description: b.Description,
			Age:         age(b, now),
		}
		if s.Notifier != nil {
			n := escalate.Notification{
				Destination: r.Destination,
				Severity:    escalate.SeverityFor(b.Urgency),
				BlockerID:   b.ID,
				ReporterID:  b.ReporterID,
				WorkItemRef: b.WorkItemRef,
				Description: b.Description,
				Urgency:     string(b.Urgency),
				Claimed:     b.ClaimedBy != "",
				ClaimedBy:   b.ClaimedBy,
				Summary:     fmt.Sprintf("Still blocked on %q? Resolve it or re-escalate.", b.WorkItemRef),
			}
			if err := s.Notifier.Send(ctx, n); err != nil {
				// The marker already landed; the reminder is not retried.
				s.logger().Printf("followup: delivery for %s failed: %v", b.ID, err)
			}
		}
		if s.Events != nil {
			if err := s.Events.Append(ctx, events.FollowUpSent, "blocker", b.ID, "scheduler", events.EventPayload{
				"reporter_id": b.ReporterID,
			}); err != nil {
				s.logger().Printf("followup: append event for %s: %v", b.ID, err)
			}
		}
		reminders = append(reminders, r)
	}
	return reminders, nil
}

// mark writes the follow-up marker for one due blocker. The row is
// re-read first, under the shared lock when one is wired, and the write
// is skipped if a lifecycle action moved the blocker since the scan.
// Writing the scanned copy back here would undo that action.
func (s *Scheduler) mark(ctx context.Context, b domain.Blocker, now time.Time) (domain.Blocker, bool) {
	if s.Locks != nil {
		unlock := s.Locks.LockBlocker(b.ID)
		defer unlock()
	}
	fresh, err := s.Repo.GetBlocker(ctx, b.ID)
	if err != nil {
		s.logger().Printf("followup: reread %s failed, skipping: %v", b.ID, err)
		return b, false
	}
	b = fresh
	if !due(b, now, s.grace()) {
		return b, false
	}
	b.FollowUpSentAt = now.UTC().Format(time.RFC3339)
	b.UpdatedAt = b.FollowUpSentAt
	if err := s.Repo.UpdateBlocker(ctx, b); err != nil {
		s.logger().Printf("followup: mark %s failed, skipping: %v", b.ID, err)
		return b, false
	}
	return b, true
}

func due(b domain.Blocker, now time.Time, grace time.Duration) bool {
	if b.FollowUpSentAt != "" {
		return false
	}
	switch b.State {
	case domain.StateEscalated, domain.StateClaimed:
	default:
		return false
	}
	return age(b, now) >= grace
}

// age measures from escalation, falling back to creation for rows that
// predate the escalated-at column.
func age(b domain.Blocker, now time.Time) time.Duration {
	anchor := b.EscalatedAt
	if anchor == "" {
		anchor = b.CreatedAt
	}
	t, err := time.Parse(time.RFC3339, anchor)
	if err != nil {
		// Unparseable rows never age into a follow-up.
		return 0
	}
	return now.Sub(t)
}

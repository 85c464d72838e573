package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	BlockerReported    = "blocker.reported"
	BlockerEscalated   = "blocker.escalated"
	BlockerClaimed     = "blocker.claimed"
	BlockerResolved    = "blocker.resolved"
	BlockerReEscalated = "blocker.reescalated"
	FollowUpSent       = "followup.sent"
	WorkItemBlocked    = "workitem.blocked"
	WorkItemUnblocked  = "workitem.unblocked"
)

// Writer appends audit rows to the engine-local event log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

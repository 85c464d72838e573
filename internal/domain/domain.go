package domain

// WorkItemStatus is the planning tool's status for a key result.
type WorkItemStatus string

const (
	StatusOpen       WorkItemStatus = "open"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusBlocked    WorkItemStatus = "blocked"
	StatusDone       WorkItemStatus = "done"
)

// WorkItem is a key result row owned by external planning tooling.
// The engine only ever flips Status to/from blocked and maintains the
// BlockedContext/BlockedBy pair alongside it.
type WorkItem struct {
	ID             string         `json:"id"`
	Shard          string         `json:"shard"`
	Name           string         `json:"name"`
	Status         WorkItemStatus `json:"status" enum:"open,in_progress,blocked,done"`
	Sprint         *int           `json:"sprint,omitempty"`
	Owner          string         `json:"owner,omitempty"`
	BlockedContext string         `json:"blocked_context,omitempty"`
	BlockedBy      string         `json:"blocked_by,omitempty"`
}

// BlockerState is the lifecycle state of a reported impediment.
type BlockerState string

const (
	StateReported  BlockerState = "reported"
	StateEscalated BlockerState = "escalated"
	StateClaimed   BlockerState = "claimed"
	StateResolved  BlockerState = "resolved"
)

// Urgency levels as chosen by the reporter.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ValidUrgency reports whether u is one of the four reporter-facing levels.
func ValidUrgency(u Urgency) bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Blocker is a reported impediment against a work item. Terminal state
// is resolved; rows are retained for audit and never hard-deleted.
type Blocker struct {
	ID              string       `json:"id"`
	ReporterID      string       `json:"reporter_id"`
	ReporterName    string       `json:"reporter_name,omitempty"`
	WorkItemRef     string       `json:"work_item_ref"`
	WorkItemID      string       `json:"work_item_id,omitempty"`
	WorkItemShard   string       `json:"work_item_shard,omitempty"`
	Description     string       `json:"description"`
	Urgency         Urgency      `json:"urgency" enum:"low,medium,high,critical"`
	Notes           string       `json:"notes,omitempty"`
	Sprint          *int         `json:"sprint,omitempty"`
	State           BlockerState `json:"state" enum:"reported,escalated,claimed,resolved"`
	ClaimedBy       string       `json:"claimed_by,omitempty"`
	ClaimedAt       string       `json:"claimed_at,omitempty" format:"date-time"`
	ResolvedBy      string       `json:"resolved_by,omitempty"`
	ResolvedAt      string       `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNotes string       `json:"resolution_notes,omitempty"`
	EscalatedAt     string       `json:"escalated_at,omitempty" format:"date-time"`
	FollowUpSentAt  string       `json:"follow_up_sent_at,omitempty" format:"date-time"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

// Open reports whether the blocker still drives its work item's
// blocked status.
func (b Blocker) Open() bool {
	return b.State != StateResolved
}

// HasWorkItem reports whether the free-text reference was matched to a
// canonical record. Unmatched blockers are kept but skipped by the
// status synchronizer.
func (b Blocker) HasWorkItem() bool {
	return b.WorkItemID != ""
}

// ResolvedReference is the ephemeral result of a work-item lookup.
// It is recomputed per lookup and never persisted.
type ResolvedReference struct {
	Found         bool        `json:"found"`
	WorkItemID    string      `json:"work_item_id,omitempty"`
	Shard         string      `json:"shard,omitempty"`
	CanonicalName string      `json:"canonical_name,omitempty"`
	Ambiguous     bool        `json:"ambiguous"`
	Candidates    []Candidate `json:"candidates,omitempty"`
}

// Candidate is a near-miss surfaced for display only. Score < 1.0 is
// never treated as a confirmed match.
type Candidate struct {
	WorkItemID string  `json:"work_item_id"`
	Shard      string  `json:"shard"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
}

// Event is one row of the audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a gateway or operator calling the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

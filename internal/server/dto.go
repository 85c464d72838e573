package server

import (
	"teampulse/internal/domain"
	"teampulse/internal/escalate"
	"teampulse/internal/followup"
)

// Request payloads

type ActionRequest struct {
	Kind            string `json:"kind" enum:"report,claim,resolve,reescalate"`
	BlockerID       string `json:"blocker_id,omitempty"`
	ReporterID      string `json:"reporter_id,omitempty"`
	WorkItemRef     string `json:"work_item_ref,omitempty"`
	Description     string `json:"description,omitempty"`
	Urgency         string `json:"urgency,omitempty" enum:",low,medium,high,critical"`
	Notes           string `json:"notes,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	Sprint          *int   `json:"sprint,omitempty"`
}

type ReportRequest struct {
	WorkItemRef string `json:"work_item_ref"`
	Description string `json:"description"`
	Urgency     string `json:"urgency" enum:"low,medium,high,critical"`
	Notes       string `json:"notes,omitempty"`
	Sprint      *int   `json:"sprint,omitempty"`
}

type ResolveRequest struct {
	BlockerID       string `json:"blocker_id,omitempty"`
	ReporterID      string `json:"reporter_id,omitempty"`
	WorkItemRef     string `json:"work_item_ref,omitempty"`
	Description     string `json:"description,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type BlockerListResponse struct {
	Blockers []domain.Blocker `json:"blockers"`
	Count    int              `json:"count"`
}

type ReEscalateResponse struct {
	Blocker domain.Blocker   `json:"blocker"`
	Receipt escalate.Receipt `json:"receipt"`
}

type WorkItemLookupResponse struct {
	Resolution domain.ResolvedReference `json:"resolution"`
	DidYouMean *domain.Candidate        `json:"did_you_mean,omitempty"`
}

type TickResponse struct {
	Reminders []followup.Reminder `json:"reminders"`
	Count     int                 `json:"count"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
	Count  int            `json:"count"`
}

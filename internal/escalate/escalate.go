// Package escalate decides who hears about a blocker and builds the
// notification payload. Delivery itself belongs to the gateway.
package escalate

import (
	"context"
	"log"

	"teampulse/internal/aitext"
	"teampulse/internal/domain"
)

// Severity is the visual weight a destination renders a notification with.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps reporter urgency onto display severity. The mapping
// is fixed; destinations must not reinterpret it.
func SeverityFor(u domain.Urgency) Severity {
	switch u {
	case domain.UrgencyCritical:
		return SeverityCritical
	case domain.UrgencyHigh:
		return SeverityHigh
	case domain.UrgencyMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Notification is one outbound escalation payload.
type Notification struct {
	Destination    string   `json:"destination"`
	Severity       Severity `json:"severity"`
	BlockerID      string   `json:"blocker_id"`
	ReporterID     string   `json:"reporter_id"`
	ReporterName   string   `json:"reporter_name,omitempty"`
	WorkItemRef    string   `json:"work_item_ref"`
	WorkItemStatus string   `json:"work_item_status,omitempty"`
	Description    string   `json:"description"`
	Urgency        string   `json:"urgency"`
	Notes          string   `json:"notes,omitempty"`
	Claimed        bool     `json:"claimed"`
	ClaimedBy      string   `json:"claimed_by,omitempty"`
	Summary        string   `json:"summary,omitempty"`
}

// Receipt records where a notification landed.
type Receipt struct {
	Destination string `json:"destination"`
	Delivered   bool   `json:"delivered"`
	FellBack    bool   `json:"fell_back"`
}

// Notifier delivers a notification to a destination audience.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// RouteRule optionally picks a more specific destination for a blocker;
// returning "" keeps the default. Injected by configuration, the router
// holds no domain/urgency knowledge of its own.
type RouteRule func(b domain.Blocker) string

type Router struct {
	Default   string
	Fallback  string
	Rule      RouteRule
	Notifier  Notifier
	Explainer aitext.Explainer
	Logger    *log.Logger
}

func (r Router) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// RouteAndNotify chooses the audience, enriches the payload, and sends.
// A failed delivery to the preferred destination retries against the
// fallback: an escalation nobody sees is worse than one sent to the
// wrong channel. Only a failure on both surfaces as an error.
func (r Router) RouteAndNotify(ctx context.Context, b domain.Blocker, workItemStatus string) (Receipt, error) {
	dest := r.Default
	if r.Rule != nil {
		if d := r.Rule(b); d != "" {
			dest = d
		}
	}
	n := Notification{
		Destination:    dest,
		Severity:       SeverityFor(b.Urgency),
		BlockerID:      b.ID,
		ReporterID:     b.ReporterID,
		ReporterName:   b.ReporterName,
		WorkItemRef:    b.WorkItemRef,
		WorkItemStatus: workItemStatus,
		Description:    b.Description,
		Urgency:        string(b.Urgency),
		Notes:          b.Notes,
		Claimed:        b.ClaimedBy != "",
		ClaimedBy:      b.ClaimedBy,
	}
	if r.Explainer != nil {
		summary, err := r.Explainer.Explain(ctx, aitext.Context{
			WorkItemName: b.WorkItemRef,
			Status:       workItemStatus,
			Description:  b.Description,
			Urgency:      string(b.Urgency),
		})
		if err != nil {
			r.logger().Printf("escalate: explainer failed, using plain payload: %v", err)
		} else {
			n.Summary = summary
		}
	}
	if err := r.Notifier.Send(ctx, n); err != nil {
		r.logger().Printf("escalate: delivery to %s failed via %s: %v", dest, r.Notifier.Name(), err)
		if r.Fallback == "" || r.Fallback == dest {
			return Receipt{Destination: dest}, err
		}
		n.Destination = r.Fallback
		if err := r.Notifier.Send(ctx, n); err != nil {
			return Receipt{Destination: r.Fallback, FellBack: true}, err
		}
		return Receipt{Destination: r.Fallback, Delivered: true, FellBack: true}, nil
	}
	return Receipt{Destination: dest, Delivered: true}, nil
}

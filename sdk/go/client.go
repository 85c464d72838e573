// Package teampulsesdk is a minimal Teampulse HTTP API client for
// gateways and bots.
package teampulsesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Teampulse HTTP API client. When ActorID is set
// alongside APIKey, requests act on behalf of that chat user.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	ActorName   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Blocker is the API blocker model.
type Blocker struct {
	ID              string `json:"id"`
	ReporterID      string `json:"reporter_id"`
	ReporterName    string `json:"reporter_name,omitempty"`
	WorkItemRef     string `json:"work_item_ref"`
	WorkItemID      string `json:"work_item_id,omitempty"`
	Description     string `json:"description"`
	Urgency         string `json:"urgency"`
	State           string `json:"state"`
	ClaimedBy       string `json:"claimed_by,omitempty"`
	ResolvedBy      string `json:"resolved_by,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// Candidate is a near-miss work item surfaced for display.
type Candidate struct {
	WorkItemID string  `json:"work_item_id"`
	Shard      string  `json:"shard"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
}

// Resolution is the outcome of a work-item lookup.
type Resolution struct {
	Found         bool   `json:"found"`
	WorkItemID    string `json:"work_item_id,omitempty"`
	Shard         string `json:"shard,omitempty"`
	CanonicalName string `json:"canonical_name,omitempty"`
}

// ReportResult is the response to a report.
type ReportResult struct {
	Blocker    Blocker    `json:"blocker"`
	Resolution Resolution `json:"resolution"`
	DidYouMean *Candidate `json:"did_you_mean,omitempty"`
}

// ResolveResult is the response to a resolve.
type ResolveResult struct {
	Blocker         Blocker `json:"blocker"`
	WorkItemCleared bool    `json:"work_item_cleared"`
	SyncFailed      bool    `json:"sync_failed"`
}

// ActionResult is the user-facing outcome of a dispatched gesture.
type ActionResult struct {
	Message    string     `json:"message"`
	Blocker    *Blocker   `json:"blocker,omitempty"`
	DidYouMean *Candidate `json:"did_you_mean,omitempty"`
}

// Event is one audit-log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Report records and escalates a blocker.
func (c *Client) Report(ctx context.Context, workItemRef, description, urgency, notes string) (ReportResult, error) {
	body := map[string]any{
		"work_item_ref": workItemRef,
		"description":   description,
		"urgency":       urgency,
		"notes":         notes,
	}
	var resp ReportResult
	err := c.do(ctx, http.MethodPost, "v0/blockers", body, &resp)
	return resp, err
}

// Claim takes ownership of a blocker.
func (c *Client) Claim(ctx context.Context, blockerID string) (Blocker, error) {
	var resp Blocker
	endpoint := fmt.Sprintf("v0/blockers/%s/claim", url.PathEscape(blockerID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Resolve closes a blocker, addressed by id or by reporter framing.
func (c *Client) Resolve(ctx context.Context, blockerID, reporterID, workItemRef, description, notes string) (ResolveResult, error) {
	body := map[string]any{
		"blocker_id":       blockerID,
		"reporter_id":      reporterID,
		"work_item_ref":    workItemRef,
		"description":      description,
		"resolution_notes": notes,
	}
	var resp ResolveResult
	err := c.do(ctx, http.MethodPost, "v0/blockers/resolve", body, &resp)
	return resp, err
}

// ReEscalate pushes a stalled blocker in front of the team again.
func (c *Client) ReEscalate(ctx context.Context, blockerID string) (Blocker, error) {
	var resp struct {
		Blocker Blocker `json:"blocker"`
	}
	endpoint := fmt.Sprintf("v0/blockers/%s/reescalate", url.PathEscape(blockerID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp.Blocker, err
}

// Action dispatches a raw gateway gesture.
func (c *Client) Action(ctx context.Context, kind string, fields map[string]any) (ActionResult, error) {
	body := map[string]any{"kind": kind}
	for k, v := range fields {
		body[k] = v
	}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "v0/actions", body, &resp)
	return resp, err
}

// ListBlockers returns blockers, optionally only open ones.
func (c *Client) ListBlockers(ctx context.Context, reporterID string, openOnly bool) ([]Blocker, error) {
	var resp struct {
		Blockers []Blocker `json:"blockers"`
	}
	q := url.Values{}
	if reporterID != "" {
		q.Set("reporter_id", reporterID)
	}
	if openOnly {
		q.Set("open", "true")
	}
	endpoint := "v0/blockers"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Blockers, err
}

// ResolveWorkItem looks up a free-text work-item reference.
func (c *Client) ResolveWorkItem(ctx context.Context, q string) (Resolution, *Candidate, error) {
	var resp struct {
		Resolution Resolution `json:"resolution"`
		DidYouMean *Candidate `json:"did_you_mean,omitempty"`
	}
	endpoint := "v0/workitems/resolve?q=" + url.QueryEscape(q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Resolution, resp.DidYouMean, err
}

// Tick runs one follow-up pass on the server.
func (c *Client) Tick(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tick", map[string]any{}, &resp)
	return resp.Count, err
}

// Events returns the newest audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	endpoint := fmt.Sprintf("v0/events?limit=%d", limit)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
		if c.ActorID != "" {
			req.Header.Set("X-Actor-Id", c.ActorID)
		}
		if c.ActorName != "" {
			req.Header.Set("X-Actor-Name", c.ActorName)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

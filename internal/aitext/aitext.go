// Package aitext is the boundary to an optional text-generation
// service used to enrich escalation summaries. Its absence or failure
// degrades to a static template, never a hard failure.
package aitext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Context carries the facts an explanation may draw on.
type Context struct {
	WorkItemName string `json:"work_item_name,omitempty"`
	Status       string `json:"status,omitempty"`
	Description  string `json:"description,omitempty"`
	Urgency      string `json:"urgency,omitempty"`
}

// Explainer produces a short human-readable summary for a notification.
type Explainer interface {
	Explain(ctx context.Context, c Context) (string, error)
}

// Static renders the fallback template. It never fails.
type Static struct{}

func (Static) Explain(_ context.Context, c Context) (string, error) {
	if c.WorkItemName == "" {
		return fmt.Sprintf("A %s-urgency blocker was reported: %s", c.Urgency, c.Description), nil
	}
	return fmt.Sprintf("%q is currently %s and has a %s-urgency blocker: %s",
		c.WorkItemName, c.Status, c.Urgency, c.Description), nil
}

// HTTP calls a text-generation endpoint with the context as JSON and
// expects {"text": "..."} back.
type HTTP struct {
	URL    string
	Token  string
	Client *http.Client
}

func (h HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (h HTTP) Explain(ctx context.Context, c Context) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("explainer returned %d", resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Text, nil
}

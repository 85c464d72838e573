package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"teampulse/internal/escalate"
)

const (
	defaultSendTimeout = 5 * time.Second
	defaultMaxElapsed  = 30 * time.Second
)

// Webhook posts notifications as JSON to a chat-bridge endpoint.
// Transient failures are retried with exponential backoff until
// MaxElapsed; a 4xx response is treated as permanent.
type Webhook struct {
	URL        string
	Secret     string
	Client     *http.Client
	MaxElapsed time.Duration
}

func (w Webhook) Name() string { return "webhook" }

func (w Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: defaultSendTimeout}
}

func (w Webhook) Send(ctx context.Context, n escalate.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	op := func() error {
		return w.post(ctx, data, n.Destination)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.MaxElapsed
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = defaultMaxElapsed
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (w Webhook) post(ctx context.Context, body []byte, destination string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Teampulse-Destination", destination)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Teampulse-Secret", w.Secret)
	}
	res, err := w.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

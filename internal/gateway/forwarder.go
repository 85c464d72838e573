package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"teampulse/internal/config"
	"teampulse/internal/domain"
	"teampulse/internal/events"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// Forwarder streams audit-log events to subscriber webhooks. Each hook
// keeps its own cursor; a failed delivery stops that hook's batch so
// the event is retried on the next tick and ordering is preserved.
type Forwarder struct {
	DB       *sql.DB
	Team     string
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Logger   *log.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
	stop    chan struct{}
	done    chan struct{}
}

func NewForwarder(db *sql.DB, team string, hooks []config.WebhookConfig, logger *log.Logger) *Forwarder {
	if logger == nil {
		logger = log.Default()
	}
	return &Forwarder{
		DB:      db,
		Team:    team,
		Hooks:   hooks,
		Logger:  logger,
		client:  &http.Client{Timeout: defaultForwardTimeout},
		cursors: make(map[int]int64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the forwarding loop. No-op when no hooks are configured.
func (f *Forwarder) Start() {
	if len(f.Hooks) == 0 {
		close(f.done)
		return
	}
	go f.run()
}

// Stop halts the loop after the in-flight pass finishes.
func (f *Forwarder) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	<-f.done
}

func (f *Forwarder) run() {
	defer close(f.done)
	interval := f.Interval
	if interval <= 0 {
		interval = defaultForwardInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.forwardAll()
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) forwardAll() {
	for i, hook := range f.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.forwardHook(i, hook)
	}
}

func (f *Forwarder) forwardHook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	evts, err := events.After(ctx, f.DB, defaultForwardBatch, cursor)
	if err != nil {
		f.Logger.Printf("forwarder: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		if err := f.postEvent(ctx, hook, evt); err != nil {
			f.Logger.Printf("forwarder: deliver to %s failed: %v", hook.URL, err)
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

func (f *Forwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	// New hooks start at the log's tail; history is not replayed.
	cur, err := events.LatestID(context.Background(), f.DB)
	if err != nil {
		f.Logger.Printf("forwarder: init cursor failed: %v", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

type forwardedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TeamID     string          `json:"team_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (f *Forwarder) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(forwardedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		TeamID:     f.Team,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := f.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Teampulse-Event", evt.Type)
	req.Header.Set("X-Teampulse-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Teampulse-Team", f.Team)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Teampulse-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(evts []string) eventFilter {
	set := make(map[string]struct{}, len(evts))
	for _, evt := range evts {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

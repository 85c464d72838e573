package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"teampulse/internal/db"
	"teampulse/internal/dedup"
	"teampulse/internal/domain"
	"teampulse/internal/engine"
	"teampulse/internal/escalate"
	"teampulse/internal/events"
	"teampulse/internal/followup"
	"teampulse/internal/migrate"
	"teampulse/internal/repo"
	"teampulse/internal/resolver"
	"teampulse/internal/store"
)

type nullNotifier struct{}

func (nullNotifier) Name() string                                      { return "null" }
func (nullNotifier) Send(context.Context, escalate.Notification) error { return nil }

type testServer struct {
	URL    string
	APIKey string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.SQLite{DB: conn}
	if _, err := st.Insert(context.Background(), "krs", store.Fields{
		"name":   "Improve API latency",
		"status": string(domain.StatusInProgress),
		"owner":  "dana",
	}); err != nil {
		t.Fatalf("seed work item: %v", err)
	}
	r := repo.Repo{Store: st, BlockerTable: "blockers"}
	keys := repo.Keys{DB: conn}

	secret := uuid.New().String()
	if err := keys.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      uuid.New().String(),
		ActorID: "gateway",
		Name:    "test gateway",
		KeyHash: repo.HashAPIKey(secret),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	w := &events.Writer{DB: conn}
	e := &engine.Engine{
		Repo:     r,
		Resolver: resolver.Resolver{Repo: r, Shards: []string{"krs"}, Logger: logger},
		Guard:    dedup.NewGuard(),
		Router:   escalate.Router{Default: "#leads", Fallback: "#general", Notifier: nullNotifier{}, Logger: logger},
		Sync:     engine.Synchronizer{Repo: r, Events: w, Logger: logger},
		Events:   w,
		Logger:   logger,
	}
	e.FollowUps = &followup.Scheduler{Repo: r, Notifier: nullNotifier{}, Events: w, Locks: e, Logger: logger}

	auth.Logger = logger
	handler, err := New(Config{Engine: e, DB: conn, Keys: keys, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		APIKey: secret,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/blockers", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}

	// Health stays open.
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
}

func TestReportBlockerViaGatewayKey(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	headers := map[string]string{
		"X-Api-Key":    srv.APIKey,
		"X-Actor-Id":   "uma",
		"X-Actor-Name": "Uma",
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/blockers", map[string]any{
		"work_item_ref": "improve api latency",
		"description":   "waiting on capacity review",
		"urgency":       "high",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report status %d: %s", res.StatusCode, string(body))
	}
	var out engine.ReportResult
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Blocker.State != domain.StateEscalated {
		t.Fatalf("state = %s", out.Blocker.State)
	}
	if out.Blocker.ReporterID != "uma" {
		t.Fatalf("reporter = %q, want delegated actor", out.Blocker.ReporterID)
	}
	if !out.Resolution.Found {
		t.Fatalf("resolution = %+v", out.Resolution)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/blockers/"+out.Blocker.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(body))
	}
}

func TestDuplicateReportConflict(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	headers := map[string]string{"X-Actor-Id": "uma"}
	payload := map[string]any{
		"work_item_ref": "Improve API latency",
		"description":   "same description twice",
		"urgency":       "medium",
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/blockers", payload, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first report %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/blockers", payload, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second report %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error.Code != "duplicate_action" {
		t.Fatalf("code = %q: %s", envelope.Error.Code, string(body))
	}
}

func TestClaimConflict(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	uma := map[string]string{"X-Actor-Id": "uma"}
	hank := map[string]string{"X-Actor-Id": "hank"}
	dana := map[string]string{"X-Actor-Id": "dana"}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/blockers", map[string]any{
		"work_item_ref": "Improve API latency",
		"description":   "claim race",
		"urgency":       "high",
	}, uma)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report %d: %s", res.StatusCode, string(body))
	}
	var created engine.ReportResult
	_ = json.Unmarshal(body, &created)
	id := created.Blocker.ID

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/blockers/"+id+"/claim", nil, hank)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/blockers/"+id+"/claim", nil, dana)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %q: %s", envelope.Error.Code, string(body))
	}
	if envelope.Error.Details["claimed_by"] != "hank" {
		t.Fatalf("details = %v", envelope.Error.Details)
	}
}

func TestActionDispatchAndEvents(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	uma := map[string]string{"X-Actor-Id": "uma"}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"kind":          "report",
		"work_item_ref": "Improve API latency",
		"description":   "dispatch path",
		"urgency":       "low",
	}, uma)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("action %d: %s", res.StatusCode, string(body))
	}
	var out engine.ActionResult
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Blocker == nil || out.Message == "" {
		t.Fatalf("result = %+v", out)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=blocker.reported", nil, uma)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(body))
	}
	var evts EventListResponse
	if err := json.Unmarshal(body, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if evts.Count != 1 {
		t.Fatalf("events = %+v", evts)
	}
}

func TestWorkItemLookup(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	uma := map[string]string{"X-Actor-Id": "uma"}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workitems/resolve?q=improve+api+latency", nil, uma)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup %d: %s", res.StatusCode, string(body))
	}
	var out WorkItemLookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Resolution.Found || out.Resolution.CanonicalName != "Improve API latency" {
		t.Fatalf("resolution = %+v", out.Resolution)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workitems/resolve?q=improve+api+latencies", nil, uma)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup %d: %s", res.StatusCode, string(body))
	}
	out = WorkItemLookupResponse{}
	_ = json.Unmarshal(body, &out)
	if out.Resolution.Found {
		t.Fatal("near miss must not resolve")
	}
	if out.DidYouMean == nil || out.DidYouMean.Name != "Improve API latency" {
		t.Fatalf("did_you_mean = %+v", out.DidYouMean)
	}
}

func TestDevLoginFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret", AllowDevLogin: true})

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":   "uma",
		"actor_name": "Uma",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/blockers", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer request %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/blockers", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad bearer %d: %s", res.StatusCode, string(body))
	}
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "uma",
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
}

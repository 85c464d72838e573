package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

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

const testShard = "krs"

// clock hands out strictly increasing timestamps so created_at ordering
// is deterministic.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []escalate.Notification
	fail bool
}

func (n *captureNotifier) Name() string { return "capture" }

func (n *captureNotifier) Send(_ context.Context, msg escalate.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("delivery refused")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *captureNotifier) last() (escalate.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return escalate.Notification{}, false
	}
	return n.sent[len(n.sent)-1], true
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testEnv struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	Notifier *captureNotifier
	Clock    *clock
	Ctx      context.Context

	ItemID string // "Improve API latency"
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := newClock()
	st := store.SQLite{DB: conn, Now: clk.Now}
	r := repo.Repo{Store: st, BlockerTable: "blockers"}
	ctx := context.Background()

	itemID, err := st.Insert(ctx, testShard, store.Fields{
		repo.ColName:   "Improve API latency",
		repo.ColStatus: string(domain.StatusInProgress),
		repo.ColOwner:  "dana",
	})
	if err != nil {
		t.Fatalf("seed work item: %v", err)
	}
	if _, err := st.Insert(ctx, testShard, store.Fields{
		repo.ColName:   "Ship mobile onboarding",
		repo.ColStatus: string(domain.StatusInProgress),
	}); err != nil {
		t.Fatalf("seed work item: %v", err)
	}

	notifier := &captureNotifier{}
	writer := &events.Writer{DB: conn, Now: clk.Now}
	router := escalate.Router{
		Default:  "#leads",
		Fallback: "#general",
		Rule: func(b domain.Blocker) string {
			if b.Urgency == domain.UrgencyCritical {
				return "#incidents"
			}
			return ""
		},
		Notifier: notifier,
	}
	eng := &engine.Engine{
		Repo:     r,
		Resolver: resolver.Resolver{Repo: r, Shards: []string{testShard}},
		Guard:    dedup.NewGuard(),
		Router:   router,
		Sync:     engine.Synchronizer{Repo: r, Events: writer, Now: clk.Now},
		Events:   writer,
		Now:      clk.Now,
	}
	eng.FollowUps = &followup.Scheduler{Repo: r, Notifier: notifier, Events: writer, Locks: eng}
	return &testEnv{Engine: eng, Repo: r, Notifier: notifier, Clock: clk, Ctx: ctx, ItemID: itemID}
}

func (env *testEnv) report(t *testing.T, reporter, ref, desc string, urgency domain.Urgency) engine.ReportResult {
	t.Helper()
	res, err := env.Engine.Report(env.Ctx, engine.ReportInput{
		ReporterID:   reporter,
		ReporterName: title(reporter),
		WorkItemRef:  ref,
		Description:  desc,
		Urgency:      urgency,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	return res
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func TestReportEscalatesAndBlocksWorkItem(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "improve API latency", "waiting on infra review", domain.UrgencyHigh)

	if !res.Resolution.Found {
		t.Fatalf("expected exact match, got %+v", res.Resolution)
	}
	if res.Blocker.State != domain.StateEscalated {
		t.Fatalf("state = %s, want escalated", res.Blocker.State)
	}
	if res.Blocker.WorkItemID != env.ItemID {
		t.Fatalf("work item id = %s, want %s", res.Blocker.WorkItemID, env.ItemID)
	}
	if res.Blocker.WorkItemRef != "Improve API latency" {
		t.Fatalf("canonical ref = %q", res.Blocker.WorkItemRef)
	}
	item, err := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	if item.Status != domain.StatusBlocked {
		t.Fatalf("work item status = %s, want blocked", item.Status)
	}
	if item.BlockedBy != "Uma" {
		t.Fatalf("blocked_by = %q", item.BlockedBy)
	}
	n, ok := env.Notifier.last()
	if !ok || n.Destination != "#leads" {
		t.Fatalf("notification destination = %q, want #leads", n.Destination)
	}
	if n.Severity != escalate.SeverityHigh {
		t.Fatalf("severity = %s", n.Severity)
	}
}

func TestCriticalUrgencyRoutesToRuleDestination(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "prod is down for some users", domain.UrgencyCritical)
	if res.Receipt.Destination != "#incidents" {
		t.Fatalf("destination = %q, want #incidents", res.Receipt.Destination)
	}
}

func TestReportUnknownReferenceStillRecorded(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "fix API latency", "stuck on reviews", domain.UrgencyMedium)

	if res.Resolution.Found {
		t.Fatalf("expected no exact match")
	}
	if res.Blocker.ID == "" || res.Blocker.State != domain.StateEscalated {
		t.Fatalf("blocker not recorded: %+v", res.Blocker)
	}
	if res.Blocker.HasWorkItem() {
		t.Fatalf("unmatched blocker must not link a work item")
	}
	if res.DidYouMean == nil || res.DidYouMean.Name != "Improve API latency" {
		t.Fatalf("did-you-mean = %+v", res.DidYouMean)
	}
	// Near match never flips the status of the suggested item.
	item, err := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.StatusInProgress {
		t.Fatalf("suggested item status = %s, want in_progress", item.Status)
	}
}

func TestDuplicateReportRejected(t *testing.T) {
	env := newTestEnv(t)
	env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)
	_, err := env.Engine.Report(env.Ctx, engine.ReportInput{
		ReporterID:  "uma",
		WorkItemRef: "Improve API latency",
		Description: "waiting on infra",
		Urgency:     domain.UrgencyMedium,
	})
	var dup engine.DuplicateActionError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateActionError", err)
	}
}

func TestReportValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Report(env.Ctx, engine.ReportInput{
		ReporterID:  "uma",
		WorkItemRef: "Improve API latency",
		Urgency:     domain.UrgencyLow,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(ve.Missing) != 1 || ve.Missing[0] != "description" {
		t.Fatalf("missing = %v", ve.Missing)
	}
	if ve.Provided["work_item_ref"] != "Improve API latency" {
		t.Fatalf("provided fields not carried: %v", ve.Provided)
	}
}

func TestClaimFirstWriterWins(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)

	b, err := env.Engine.Claim(env.Ctx, engine.ClaimInput{BlockerID: res.Blocker.ID, ActorID: "hank", ActorName: "Hank"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if b.State != domain.StateClaimed || b.ClaimedBy != "Hank" {
		t.Fatalf("claim result: %+v", b)
	}

	_, err = env.Engine.Claim(env.Ctx, engine.ClaimInput{BlockerID: res.Blocker.ID, ActorID: "ivy", ActorName: "Ivy"})
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if !strings.Contains(err.Error(), "already claimed by Hank") {
		t.Fatalf("err message = %q", err)
	}
}

func TestResolveClearsWorkItem(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)

	out, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{
		BlockerID:       res.Blocker.ID,
		ActorID:         "hank",
		ActorName:       "Hank",
		ResolutionNotes: "infra approved",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Blocker.State != domain.StateResolved || out.Blocker.ResolvedBy != "Hank" {
		t.Fatalf("resolve result: %+v", out.Blocker)
	}
	if !out.WorkItemCleared {
		t.Fatalf("expected work item cleared")
	}
	item, err := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.StatusInProgress || item.BlockedBy != "" {
		t.Fatalf("work item after resolve: %+v", item)
	}

	// A second resolve of the same blocker must fail, not silently
	// succeed. Different actor so the dedup guard is not what stops it.
	_, err = env.Engine.Resolve(env.Ctx, engine.ResolveInput{BlockerID: res.Blocker.ID, ActorID: "ivy"})
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestWorkItemStaysBlockedWhileOtherBlockersOpen(t *testing.T) {
	env := newTestEnv(t)
	first := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)
	second := env.report(t, "raj", "Improve API latency", "need a load-test budget", domain.UrgencyLow)

	out, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{BlockerID: first.Blocker.ID, ActorID: "hank"})
	if err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	if out.WorkItemCleared {
		t.Fatalf("work item cleared with another blocker still open")
	}
	item, _ := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if item.Status != domain.StatusBlocked {
		t.Fatalf("status = %s, want blocked", item.Status)
	}

	out, err = env.Engine.Resolve(env.Ctx, engine.ResolveInput{BlockerID: second.Blocker.ID, ActorID: "hank"})
	if err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	if !out.WorkItemCleared {
		t.Fatalf("expected work item cleared after last blocker")
	}
	item, _ = env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if item.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", item.Status)
	}
}

func TestWorkItemStatusTracksOpenBlockers(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(7))
	reporters := []string{"uma", "raj", "ivy"}

	// The item must read Blocked exactly while at least one open blocker
	// points at it, whatever order reports, claims, and resolves land in.
	var open []string
	check := func(step int) {
		t.Helper()
		item, err := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
		if err != nil {
			t.Fatalf("step %d: get work item: %v", step, err)
		}
		blocked := item.Status == domain.StatusBlocked
		if blocked != (len(open) > 0) {
			t.Fatalf("step %d: status = %s with %d open blockers", step, item.Status, len(open))
		}
	}

	for i := 0; i < 60; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(open) == 0:
			res, err := env.Engine.Report(env.Ctx, engine.ReportInput{
				ReporterID:  reporters[rng.Intn(len(reporters))],
				WorkItemRef: "Improve API latency",
				Description: fmt.Sprintf("stuck on dependency %d", i),
				Urgency:     domain.UrgencyMedium,
			})
			if err != nil {
				t.Fatalf("step %d: report: %v", i, err)
			}
			open = append(open, res.Blocker.ID)
		case op == 1:
			id := open[rng.Intn(len(open))]
			_, err := env.Engine.Claim(env.Ctx, engine.ClaimInput{BlockerID: id, ActorID: fmt.Sprintf("claimer-%d", i)})
			var te engine.InvalidTransitionError
			if err != nil && !errors.As(err, &te) {
				t.Fatalf("step %d: claim: %v", i, err)
			}
		default:
			k := rng.Intn(len(open))
			id := open[k]
			if _, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{BlockerID: id, ActorID: fmt.Sprintf("fixer-%d", i)}); err != nil {
				t.Fatalf("step %d: resolve: %v", i, err)
			}
			open = append(open[:k], open[k+1:]...)
		}
		check(i)
	}

	for len(open) > 0 {
		id := open[len(open)-1]
		if _, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{BlockerID: id, ActorID: "sweeper-" + id}); err != nil {
			t.Fatalf("drain resolve %s: %v", id, err)
		}
		open = open[:len(open)-1]
		check(-1)
	}
}

func TestResolveByReporterFraming(t *testing.T) {
	env := newTestEnv(t)
	older := env.report(t, "uma", "Improve API latency", "waiting on infra review", domain.UrgencyMedium)
	newer := env.report(t, "uma", "Ship mobile onboarding", "legal has not signed off", domain.UrgencyMedium)

	// Exact description wins regardless of recency.
	out, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{
		ReporterID:  "uma",
		Description: "waiting on infra review",
		ActorID:     "hank",
	})
	if err != nil {
		t.Fatalf("resolve by description: %v", err)
	}
	if out.Blocker.ID != older.Blocker.ID {
		t.Fatalf("resolved %s, want %s", out.Blocker.ID, older.Blocker.ID)
	}

	// No description: falls back to the reporter's most recent open one.
	out, err = env.Engine.Resolve(env.Ctx, engine.ResolveInput{ReporterID: "uma", ActorID: "hank"})
	if err != nil {
		t.Fatalf("resolve fallback: %v", err)
	}
	if out.Blocker.ID != newer.Blocker.ID {
		t.Fatalf("fallback resolved %s, want %s", out.Blocker.ID, newer.Blocker.ID)
	}

	// Nothing open left.
	_, err = env.Engine.Resolve(env.Ctx, engine.ResolveInput{ReporterID: "uma", ActorID: "ivy"})
	var ne engine.NotFoundError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestResolvePartialDescriptionMatch(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on the infra review for the new gateway", domain.UrgencyMedium)

	out, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{
		ReporterID:  "uma",
		Description: "infra review",
		ActorID:     "hank",
	})
	if err != nil {
		t.Fatalf("resolve partial: %v", err)
	}
	if out.Blocker.ID != res.Blocker.ID {
		t.Fatalf("resolved %s, want %s", out.Blocker.ID, res.Blocker.ID)
	}
}

func TestReEscalateClearsClaim(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimInput{BlockerID: res.Blocker.ID, ActorID: "hank", ActorName: "Hank"}); err != nil {
		t.Fatal(err)
	}
	before := env.Notifier.count()

	b, receipt, err := env.Engine.ReEscalate(env.Ctx, engine.ReEscalateInput{BlockerID: res.Blocker.ID, ActorID: "uma"})
	if err != nil {
		t.Fatalf("reescalate: %v", err)
	}
	if b.State != domain.StateEscalated || b.ClaimedBy != "" {
		t.Fatalf("after reescalate: %+v", b)
	}
	if !receipt.Delivered {
		t.Fatalf("receipt = %+v", receipt)
	}
	if env.Notifier.count() != before+1 {
		t.Fatalf("expected one new notification")
	}
}

func TestResolveSurvivesWorkItemSyncFailure(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)

	// Point the blocker at a work item row that no longer exists.
	b, err := env.Repo.GetBlocker(env.Ctx, res.Blocker.ID)
	if err != nil {
		t.Fatal(err)
	}
	b.WorkItemID = "gone"
	if err := env.Repo.UpdateBlocker(env.Ctx, b); err != nil {
		t.Fatal(err)
	}

	out, err := env.Engine.Resolve(env.Ctx, engine.ResolveInput{BlockerID: res.Blocker.ID, ActorID: "hank"})
	if err != nil {
		t.Fatalf("resolve must succeed despite sync failure: %v", err)
	}
	if out.Blocker.State != domain.StateResolved {
		t.Fatalf("state = %s", out.Blocker.State)
	}
	if !out.SyncFailed || out.WorkItemCleared {
		t.Fatalf("sync outcome: %+v", out)
	}
}

func TestEscalationOmitsStatusWhenSyncFails(t *testing.T) {
	env := newTestEnv(t)

	// A dead connection makes every status write fail while the blocker
	// row itself still lands through the live repo.
	dead, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	dead.Close()
	env.Engine.Sync = engine.Synchronizer{Repo: repo.Repo{Store: store.SQLite{DB: dead}, BlockerTable: "blockers"}}

	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)
	if !res.Resolution.Found {
		t.Fatalf("resolution: %+v", res.Resolution)
	}
	n, ok := env.Notifier.last()
	if !ok {
		t.Fatal("no escalation delivered")
	}
	if n.WorkItemStatus != "" {
		t.Fatalf("payload status = %q, want empty when the status write failed", n.WorkItemStatus)
	}
	item, err := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.StatusInProgress {
		t.Fatalf("work item status = %s, want in_progress", item.Status)
	}
}

func TestHandleTickFollowsUpOnce(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)

	// Too fresh: nothing due yet.
	reminders, err := env.Engine.HandleTick(env.Ctx, env.Clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(reminders) != 0 {
		t.Fatalf("premature reminders: %v", reminders)
	}

	env.Clock.Advance(25 * time.Hour)
	reminders, err = env.Engine.HandleTick(env.Ctx, env.Clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(reminders) != 1 || reminders[0].BlockerID != res.Blocker.ID {
		t.Fatalf("reminders = %+v", reminders)
	}
	if reminders[0].Destination != "user:uma" {
		t.Fatalf("destination = %q", reminders[0].Destination)
	}

	// Never twice for the same blocker.
	reminders, err = env.Engine.HandleTick(env.Ctx, env.Clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(reminders) != 0 {
		t.Fatalf("second follow-up emitted: %v", reminders)
	}
}

// resolveOnLock closes the blocker through the engine the moment the
// scheduler asks for its critical section, so a resolve lands exactly
// between the tick's scan and its marker write.
type resolveOnLock struct {
	t    *testing.T
	env  *testEnv
	once sync.Once
}

func (l *resolveOnLock) LockBlocker(id string) func() {
	l.once.Do(func() {
		if _, err := l.env.Engine.Resolve(l.env.Ctx, engine.ResolveInput{BlockerID: id, ActorID: "hank", ActorName: "Hank"}); err != nil {
			l.t.Errorf("resolve during tick: %v", err)
		}
	})
	return l.env.Engine.LockBlocker(id)
}

func TestTickCannotResurrectResolvedBlocker(t *testing.T) {
	env := newTestEnv(t)
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)
	env.Engine.FollowUps.Locks = &resolveOnLock{t: t, env: env}

	env.Clock.Advance(25 * time.Hour)
	reminders, err := env.Engine.HandleTick(env.Ctx, env.Clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(reminders) != 0 {
		t.Fatalf("reminders = %+v, want none for a just-resolved blocker", reminders)
	}
	b, err := env.Repo.GetBlocker(env.Ctx, res.Blocker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateResolved || b.ResolvedBy != "Hank" {
		t.Fatalf("blocker after tick: state=%s resolved_by=%q", b.State, b.ResolvedBy)
	}
	if b.FollowUpSentAt != "" {
		t.Fatal("follow-up marker written on a resolved blocker")
	}
	item, err := env.Repo.GetWorkItem(env.Ctx, testShard, env.ItemID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.StatusInProgress {
		t.Fatalf("work item status = %s, want in_progress", item.Status)
	}
}

func TestEscalationFallbackOnDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.fail = true

	// The report still lands even when both destinations refuse.
	res := env.report(t, "uma", "Improve API latency", "waiting on infra", domain.UrgencyMedium)
	if res.Blocker.ID == "" {
		t.Fatalf("blocker not recorded")
	}
	if res.Receipt.Delivered {
		t.Fatalf("receipt claims delivery: %+v", res.Receipt)
	}
	if !res.Receipt.FellBack || res.Receipt.Destination != "#general" {
		t.Fatalf("expected fallback attempt, got %+v", res.Receipt)
	}
	got, err := env.Repo.GetBlocker(env.Ctx, res.Blocker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateEscalated {
		t.Fatalf("state = %s", got.State)
	}
}

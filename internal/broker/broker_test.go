package broker_test

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"signoff/internal/access"
	"signoff/internal/broker"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/effects"
	"signoff/internal/events"
	"signoff/internal/migrate"
	"signoff/internal/notify"
	"signoff/internal/repo"
)

type testEnv struct {
	Broker     *broker.Broker
	Repo       repo.Repo
	Hub        *notify.Hub
	Dispatcher *effects.Dispatcher
	Ctx        context.Context
}

const (
	ownerID  = "alice"
	editorID = "bob"
	viewerID = "carol"
	planID   = "plan-1"
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	p := domain.Plan{ID: planID, OwnerID: ownerID, Name: "migration plan", Status: "active", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertPlan(ctx, tx, p); err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for user, role := range map[string]string{editorID: domain.RoleEditor, viewerID: domain.RoleViewer} {
		if err := r.UpsertCollaborator(ctx, domain.Collaborator{PlanID: planID, UserID: user, Role: role, AddedAt: now}); err != nil {
			t.Fatalf("add collaborator: %v", err)
		}
	}

	logger := log.New(os.Stderr, "test ", log.LstdFlags)
	hub := notify.NewHub()
	dispatcher := &effects.Dispatcher{
		Hub:       hub,
		Knowledge: &effects.Capturer{Store: r},
		Log:       logger,
	}
	b := &broker.Broker{
		Store:   r,
		Guard:   access.Guard{Repo: r},
		Events:  events.Writer{DB: conn},
		Effects: dispatcher,
		Log:     logger,
	}
	return testEnv{Broker: b, Repo: r, Hub: hub, Dispatcher: dispatcher, Ctx: ctx}
}

func kindOf(t *testing.T, err error) broker.Kind {
	t.Helper()
	var be *broker.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected broker error, got %v", err)
	}
	return be.Kind
}

func TestCreateDefaultsAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	msgs, cancel := env.Hub.Subscribe(planID)
	defer cancel()

	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "Pick DB"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
	if d.Urgency != domain.UrgencyCanContinue {
		t.Fatalf("expected default urgency, got %s", d.Urgency)
	}
	if d.RequestedBy == nil || *d.RequestedBy != ownerID {
		t.Fatalf("expected requested_by=%s", ownerID)
	}

	env.Dispatcher.Wait()
	select {
	case msg := <-msgs:
		if msg.Kind != "decision.requested" || msg.Decision.ID != d.ID {
			t.Fatalf("unexpected broadcast: %+v", msg)
		}
	default:
		t.Fatalf("expected a decision.requested broadcast")
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "  "}); kindOf(t, err) != broker.KindInvalidInput {
		t.Fatalf("empty title should be invalid input")
	}
	if _, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "x", Urgency: "asap"}); kindOf(t, err) != broker.KindInvalidInput {
		t.Fatalf("bad urgency should be invalid input")
	}

	nodeID := "node-elsewhere"
	_, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "x", NodeID: &nodeID})
	if kindOf(t, err) != broker.KindNotFound || !strings.Contains(err.Error(), "node not found in this plan") {
		t.Fatalf("unknown node: %v", err)
	}

	if _, err := env.Broker.Create(env.Ctx, planID, viewerID, broker.CreateInput{Title: "x"}); kindOf(t, err) != broker.KindAccessDenied {
		t.Fatalf("viewer must not create")
	}
	if _, err := env.Broker.Create(env.Ctx, planID, "stranger", broker.CreateInput{Title: "x"}); kindOf(t, err) != broker.KindAccessDenied {
		t.Fatalf("stranger must not create")
	}
	if _, err := env.Broker.Create(env.Ctx, "no-such-plan", ownerID, broker.CreateInput{Title: "x"}); kindOf(t, err) != broker.KindNotFound {
		t.Fatalf("missing plan should be not found")
	}
}

func TestResolveHappyPathCapturesKnowledge(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{
		Title:   "Pick DB",
		Context: "We need a relational store",
		Urgency: domain.UrgencyBlocking,
		Options: []domain.Option{
			{Label: "Postgres", Pros: []string{"boring"}, Recommended: true},
			{Label: "MySQL"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resolved, err := env.Broker.Resolve(env.Ctx, d.ID, planID, editorID, "Use Postgres", "battle tested")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.StatusDecided {
		t.Fatalf("expected decided, got %s", resolved.Status)
	}
	if resolved.DecidedAt == nil || resolved.DecidedBy == nil || *resolved.DecidedBy != editorID {
		t.Fatalf("resolution fields missing: %+v", resolved)
	}

	env.Dispatcher.Wait()
	base, err := env.Repo.GetKnowledgeBase(env.Ctx, planID)
	if err != nil {
		t.Fatalf("knowledge base: %v", err)
	}
	entries, err := env.Repo.ListKnowledgeEntries(env.Ctx, base.ID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one knowledge entry, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Content, "Use Postgres") || !strings.Contains(entries[0].Content, "Postgres (recommended)") {
		t.Fatalf("entry content missing decision detail:\n%s", entries[0].Content)
	}
}

func TestConcurrentResolveAtMostOneWinner(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "race me"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := "A"
			if i%2 == 1 {
				decision = "B"
			}
			_, errs[i] = env.Broker.Resolve(env.Ctx, d.ID, planID, ownerID, decision, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		switch kindOf(t, err) {
		case broker.KindConflict, broker.KindInvalidState:
		default:
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	final, err := env.Broker.Get(env.Ctx, d.ID, planID, ownerID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != domain.StatusDecided || final.Decision == nil {
		t.Fatalf("final state: %+v", final)
	}
	if *final.Decision != "A" && *final.Decision != "B" {
		t.Fatalf("stored decision must be one of the submitted values, got %q", *final.Decision)
	}
	env.Dispatcher.Wait()
}

func TestResolveExpiredRejected(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "stale", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = env.Broker.Resolve(env.Ctx, d.ID, planID, ownerID, "too late", "")
	if kindOf(t, err) != broker.KindExpired {
		t.Fatalf("expected Expired, got %v", err)
	}
	if !strings.Contains(err.Error(), "decision request has expired") {
		t.Fatalf("unexpected message: %v", err)
	}

	// Still pending and readable.
	cur, err := env.Broker.Get(env.Ctx, d.ID, planID, ownerID)
	if err != nil || cur.Status != domain.StatusPending {
		t.Fatalf("expired record should stay pending: %+v %v", cur, err)
	}
}

func TestCancelIgnoresExpiry(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "stale", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := env.Broker.Cancel(env.Ctx, d.ID, planID, ownerID, "no longer relevant")
	if err != nil {
		t.Fatalf("cancel expired: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	env.Dispatcher.Wait()
}

func TestTerminalStateIsFinal(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "one shot"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Broker.Resolve(env.Ctx, d.ID, planID, ownerID, "done", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := env.Broker.Resolve(env.Ctx, d.ID, planID, ownerID, "again", ""); kindOf(t, err) != broker.KindInvalidState {
		t.Fatalf("second resolve should be invalid state, got %v", err)
	}
	if _, err := env.Broker.Cancel(env.Ctx, d.ID, planID, ownerID, ""); kindOf(t, err) != broker.KindInvalidState {
		t.Fatalf("cancel after resolve should be invalid state, got %v", err)
	}
	title := "edited"
	if _, err := env.Broker.Update(env.Ctx, d.ID, planID, ownerID, broker.UpdateInput{Title: &title}); kindOf(t, err) != broker.KindInvalidState {
		t.Fatalf("update after resolve should be invalid state, got %v", err)
	}

	final, err := env.Broker.Get(env.Ctx, d.ID, planID, ownerID)
	if err != nil || final.Status != domain.StatusDecided {
		t.Fatalf("status must never change again: %+v %v", final, err)
	}
	env.Dispatcher.Wait()
}

func TestCancelMergesMetadata(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{
		Title:    "keep my keys",
		Metadata: map[string]any{"source": "agent-7", "attempt": float64(2)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := env.Broker.Cancel(env.Ctx, d.ID, planID, ownerID, "obsolete")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.MetadataJSON == nil {
		t.Fatalf("metadata missing after cancel")
	}
	meta := *cancelled.MetadataJSON
	for _, want := range []string{`"source":"agent-7"`, `"attempt":2`, `"cancellation_reason":"obsolete"`} {
		if !strings.Contains(meta, want) {
			t.Fatalf("metadata %s missing %s", meta, want)
		}
	}
	env.Dispatcher.Wait()
}

func TestUpdatePendingOnly(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, editorID, broker.CreateInput{Title: "draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "refined"
	urgency := domain.UrgencyBlocking
	updated, err := env.Broker.Update(env.Ctx, d.ID, planID, editorID, broker.UpdateInput{Title: &title, Urgency: &urgency})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "refined" || updated.Urgency != domain.UrgencyBlocking {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if updated.Status != domain.StatusPending {
		t.Fatalf("update must not touch status")
	}
	env.Dispatcher.Wait()
}

func TestDeleteRestrictedToOwner(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, editorID, broker.CreateInput{Title: "to delete"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The editor can resolve but not delete.
	if _, err := env.Broker.Resolve(env.Ctx, d.ID, planID, editorID, "done", ""); err != nil {
		t.Fatalf("editor resolve: %v", err)
	}
	if err := env.Broker.Delete(env.Ctx, d.ID, planID, editorID); kindOf(t, err) != broker.KindAccessDenied {
		t.Fatalf("editor delete should be denied, got %v", err)
	}

	// The owner can delete regardless of status.
	if err := env.Broker.Delete(env.Ctx, d.ID, planID, ownerID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := env.Broker.Get(env.Ctx, d.ID, planID, ownerID); kindOf(t, err) != broker.KindNotFound {
		t.Fatalf("deleted record should be gone, got %v", err)
	}
	env.Dispatcher.Wait()
}

func TestReadAccess(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Broker.Create(env.Ctx, planID, ownerID, broker.CreateInput{Title: "visible"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := env.Broker.Get(env.Ctx, d.ID, planID, viewerID); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	if _, err := env.Broker.Get(env.Ctx, d.ID, planID, "stranger"); kindOf(t, err) != broker.KindAccessDenied {
		t.Fatalf("stranger read should be denied")
	}

	count, err := env.Broker.PendingCount(env.Ctx, planID, viewerID)
	if err != nil || count != 1 {
		t.Fatalf("pending count: %d %v", count, err)
	}
	env.Dispatcher.Wait()
}

func TestListValidatesFilters(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Broker.List(env.Ctx, planID, ownerID, repo.DecisionFilters{Status: "done"}); kindOf(t, err) != broker.KindInvalidInput {
		t.Fatalf("unknown status filter should be invalid input")
	}
	if _, _, err := env.Broker.List(env.Ctx, planID, ownerID, repo.DecisionFilters{Urgency: "urgent"}); kindOf(t, err) != broker.KindInvalidInput {
		t.Fatalf("unknown urgency filter should be invalid input")
	}
}

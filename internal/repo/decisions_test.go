package repo_test

import (
	"context"
	"testing"
	"time"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
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
	return repo.Repo{DB: conn}, context.Background()
}

func seedPlan(t *testing.T, r repo.Repo, ctx context.Context, planID, owner string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	p := domain.Plan{ID: planID, OwnerID: owner, Name: "test plan", Status: "active", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertPlan(ctx, tx, p); err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedDecision(t *testing.T, r repo.Repo, ctx context.Context, id, planID string, expiresAt *string) domain.DecisionRequest {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	d := domain.DecisionRequest{
		ID:        id,
		PlanID:    planID,
		Title:     "pick something",
		Urgency:   domain.UrgencyCanContinue,
		Status:    domain.StatusPending,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.InsertDecision(ctx, d); err != nil {
		t.Fatalf("insert decision: %v", err)
	}
	return d
}

func strPtr(s string) *string { return &s }

func TestTryTransitionApplied(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedPlan(t, r, ctx, "p1", "alice")
	seedDecision(t, r, ctx, "d1", "p1", nil)

	now := time.Now().UTC().Format(time.RFC3339)
	res, rec, err := r.TryTransition(ctx, "d1", "p1", domain.StatusPending, repo.TransitionMutation{
		NewStatus:   domain.StatusDecided,
		DecidedBy:   strPtr("alice"),
		Decision:    strPtr("option A"),
		DecidedAt:   strPtr(now),
		UpdatedAt:   now,
		ExpireGuard: now,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res != repo.TransitionApplied {
		t.Fatalf("expected Applied, got %v", res)
	}
	if rec.Status != domain.StatusDecided || rec.Decision == nil || *rec.Decision != "option A" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestTryTransitionNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedPlan(t, r, ctx, "p1", "alice")

	res, _, err := r.TryTransition(ctx, "missing", "p1", domain.StatusPending, repo.TransitionMutation{
		NewStatus: domain.StatusCancelled,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res != repo.TransitionNotFound {
		t.Fatalf("expected NotFound, got %v", res)
	}
}

func TestTryTransitionPreconditionFailedOnStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedPlan(t, r, ctx, "p1", "alice")
	seedDecision(t, r, ctx, "d1", "p1", nil)

	now := time.Now().UTC().Format(time.RFC3339)
	m := repo.TransitionMutation{
		NewStatus: domain.StatusCancelled,
		UpdatedAt: now,
	}
	if res, _, err := r.TryTransition(ctx, "d1", "p1", domain.StatusPending, m); err != nil || res != repo.TransitionApplied {
		t.Fatalf("first transition: res=%v err=%v", res, err)
	}
	res, _, err := r.TryTransition(ctx, "d1", "p1", domain.StatusPending, m)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if res != repo.TransitionPreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", res)
	}
}

func TestTryTransitionExpireGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedPlan(t, r, ctx, "p1", "alice")
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	seedDecision(t, r, ctx, "d1", "p1", &past)

	now := time.Now().UTC().Format(time.RFC3339)
	res, _, err := r.TryTransition(ctx, "d1", "p1", domain.StatusPending, repo.TransitionMutation{
		NewStatus:   domain.StatusDecided,
		DecidedBy:   strPtr("alice"),
		Decision:    strPtr("too late"),
		DecidedAt:   strPtr(now),
		UpdatedAt:   now,
		ExpireGuard: now,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res != repo.TransitionPreconditionFailed {
		t.Fatalf("expired record should fail the guard, got %v", res)
	}

	// Without the guard the same row can still be cancelled.
	res, rec, err := r.TryTransition(ctx, "d1", "p1", domain.StatusPending, repo.TransitionMutation{
		NewStatus: domain.StatusCancelled,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("cancel transition: %v", err)
	}
	if res != repo.TransitionApplied || rec.Status != domain.StatusCancelled {
		t.Fatalf("expected cancel to apply, got res=%v status=%s", res, rec.Status)
	}
}

func TestUpdateDecisionFieldsPendingGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedPlan(t, r, ctx, "p1", "alice")
	seedDecision(t, r, ctx, "d1", "p1", nil)

	now := time.Now().UTC().Format(time.RFC3339)
	n, err := r.UpdateDecisionFields(ctx, "d1", "p1", []string{"title = ?", "updated_at = ?"}, []any{"new title", now})
	if err != nil || n != 1 {
		t.Fatalf("update pending: n=%d err=%v", n, err)
	}

	if res, _, err := r.TryTransition(ctx, "d1", "p1", domain.StatusPending, repo.TransitionMutation{
		NewStatus: domain.StatusCancelled,
		UpdatedAt: now,
	}); err != nil || res != repo.TransitionApplied {
		t.Fatalf("cancel: res=%v err=%v", res, err)
	}

	n, err = r.UpdateDecisionFields(ctx, "d1", "p1", []string{"title = ?", "updated_at = ?"}, []any{"again", now})
	if err != nil {
		t.Fatalf("update terminal: %v", err)
	}
	if n != 0 {
		t.Fatalf("terminal record must not be editable, got n=%d", n)
	}
}

func TestListDecisionsFiltersAndPagination(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedPlan(t, r, ctx, "p1", "alice")
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		urgency := domain.UrgencyCanContinue
		if i%2 == 0 {
			urgency = domain.UrgencyBlocking
		}
		d := domain.DecisionRequest{
			ID:        string(rune('a' + i)),
			PlanID:    "p1",
			Title:     "q",
			Urgency:   urgency,
			Status:    domain.StatusPending,
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		if err := r.InsertDecision(ctx, d); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	items, total, err := r.ListDecisions(ctx, "p1", repo.DecisionFilters{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("expected total=5 page=2, got total=%d page=%d", total, len(items))
	}
	// Newest first.
	if items[0].CreatedAt < items[1].CreatedAt {
		t.Fatalf("expected descending order")
	}

	items, total, err = r.ListDecisions(ctx, "p1", repo.DecisionFilters{Urgency: domain.UrgencyBlocking, Limit: 10})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("expected 3 blocking, got total=%d page=%d", total, len(items))
	}

	count, err := r.CountPendingDecisions(ctx, "p1")
	if err != nil || count != 5 {
		t.Fatalf("pending count: %d %v", count, err)
	}
}

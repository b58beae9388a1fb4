// Package broker is the decision-request state machine. It validates
// preconditions, drives the store's atomic conditional transition, and
// classifies the outcome for callers. Correctness under concurrent
// resolve/cancel rests entirely on the store's conditional UPDATE;
// the broker holds no locks.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"signoff/internal/access"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// Notifier receives committed transitions for asynchronous delivery.
// Implementations must return quickly; slow work happens on their own
// goroutines.
type Notifier interface {
	DecisionRequested(planID string, d domain.DecisionRequest, actor string)
	DecisionResolved(planID string, d domain.DecisionRequest, actor string)
	DecisionCancelled(planID string, d domain.DecisionRequest, actor string)
}

type Broker struct {
	Store   repo.Repo
	Guard   access.Guard
	Events  events.Writer
	Effects Notifier
	Log     *log.Logger

	Now   func() time.Time
	NewID func() string
}

func (b *Broker) now() string {
	if b.Now != nil {
		return b.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (b *Broker) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

func (b *Broker) logf(format string, args ...any) {
	if b.Log != nil {
		b.Log.Printf(format, args...)
	}
}

// requireAccess folds guard failures into the broker taxonomy. A
// missing plan surfaces as NotFound rather than AccessDenied so
// callers cannot probe for plan existence through the status code
// alone, matching the read path.
func (b *Broker) requireAccess(ctx context.Context, planID, principal string, write bool) (access.Access, error) {
	acc, err := b.Guard.Require(ctx, planID, principal, write)
	if err != nil {
		var denied access.DeniedError
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return access.Access{}, notFound("plan not found")
		case errors.As(err, &denied):
			if write {
				return access.Access{}, accessDenied("you do not have write access to this plan")
			}
			return access.Access{}, accessDenied("you do not have access to this plan")
		default:
			return access.Access{}, err
		}
	}
	return acc, nil
}

func validUrgency(u string) bool {
	return u == domain.UrgencyCanContinue || u == domain.UrgencyBlocking
}

func normalizeTimestamp(v string) (string, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(time.RFC3339), nil
}

func optionsJSON(opts []domain.Option) (*string, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	s := string(data)
	return &s, nil
}

func metadataJSON(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	s := string(data)
	return &s, nil
}

// mergeCancellationReason folds the reason into the existing metadata
// bag without disturbing any key the creator wrote.
func mergeCancellationReason(existing *string, reason string) (*string, error) {
	bag := map[string]any{}
	if existing != nil && *existing != "" {
		if err := json.Unmarshal([]byte(*existing), &bag); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	bag["cancellation_reason"] = reason
	data, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("merge metadata: %w", err)
	}
	s := string(data)
	return &s, nil
}

// CreateInput carries the caller-supplied fields for a new decision
// request. Everything but Title is optional.
type CreateInput struct {
	NodeID    *string
	AgentName *string
	Title     string
	Context   string
	Options   []domain.Option
	Urgency   string
	ExpiresAt *string
	Metadata  map[string]any
}

// Create inserts a pending decision request scoped to a plan. The
// principal needs write access; a node reference must resolve inside
// the same plan. A best-effort "decision requested" broadcast fires on
// success.
func (b *Broker) Create(ctx context.Context, planID, principal string, in CreateInput) (domain.DecisionRequest, error) {
	if _, err := b.requireAccess(ctx, planID, principal, true); err != nil {
		return domain.DecisionRequest{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.DecisionRequest{}, invalidInput("title is required")
	}
	urgency := in.Urgency
	if urgency == "" {
		urgency = domain.UrgencyCanContinue
	}
	if !validUrgency(urgency) {
		return domain.DecisionRequest{}, invalidInput("urgency must be %q or %q", domain.UrgencyCanContinue, domain.UrgencyBlocking)
	}
	var requestedBy *string
	if principal != "" {
		requestedBy = &principal
	}
	if requestedBy == nil && (in.AgentName == nil || strings.TrimSpace(*in.AgentName) == "") {
		return domain.DecisionRequest{}, invalidInput("a requesting user or agent name is required")
	}
	if in.NodeID != nil {
		node, err := b.Store.GetNode(ctx, *in.NodeID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.DecisionRequest{}, notFound("node not found in this plan")
			}
			return domain.DecisionRequest{}, err
		}
		if node.PlanID != planID {
			return domain.DecisionRequest{}, notFound("node not found in this plan")
		}
	}
	var expiresAt *string
	if in.ExpiresAt != nil && *in.ExpiresAt != "" {
		ts, err := normalizeTimestamp(*in.ExpiresAt)
		if err != nil {
			return domain.DecisionRequest{}, invalidInput("expires_at must be an RFC3339 timestamp")
		}
		expiresAt = &ts
	}
	opts, err := optionsJSON(in.Options)
	if err != nil {
		return domain.DecisionRequest{}, err
	}
	meta, err := metadataJSON(in.Metadata)
	if err != nil {
		return domain.DecisionRequest{}, err
	}

	now := b.now()
	rec := domain.DecisionRequest{
		ID:           b.newID(),
		PlanID:       planID,
		NodeID:       in.NodeID,
		RequestedBy:  requestedBy,
		AgentName:    in.AgentName,
		Title:        title,
		Context:      in.Context,
		OptionsJSON:  opts,
		Urgency:      urgency,
		MetadataJSON: meta,
		Status:       domain.StatusPending,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.Store.InsertDecision(ctx, rec); err != nil {
		return domain.DecisionRequest{}, err
	}
	b.recordEvent(ctx, "decision.requested", planID, rec.ID, principal, events.EventPayload{
		"title":   rec.Title,
		"urgency": rec.Urgency,
	})
	if b.Effects != nil {
		b.Effects.DecisionRequested(planID, rec, principal)
	}
	return rec, nil
}

// Get returns one decision request; the principal needs read access.
func (b *Broker) Get(ctx context.Context, id, planID, principal string) (domain.DecisionRequest, error) {
	if _, err := b.requireAccess(ctx, planID, principal, false); err != nil {
		return domain.DecisionRequest{}, err
	}
	rec, err := b.Store.GetDecision(ctx, id, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DecisionRequest{}, notFound("decision not found")
		}
		return domain.DecisionRequest{}, err
	}
	return rec, nil
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// List returns decisions for a plan, newest first, with the total
// matching count for pagination.
func (b *Broker) List(ctx context.Context, planID, principal string, f repo.DecisionFilters) ([]domain.DecisionRequest, int, error) {
	if _, err := b.requireAccess(ctx, planID, principal, false); err != nil {
		return nil, 0, err
	}
	if f.Status != "" && f.Status != domain.StatusPending && f.Status != domain.StatusDecided && f.Status != domain.StatusCancelled {
		return nil, 0, invalidInput("unknown status %q", f.Status)
	}
	if f.Urgency != "" && !validUrgency(f.Urgency) {
		return nil, 0, invalidInput("unknown urgency %q", f.Urgency)
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return b.Store.ListDecisions(ctx, planID, f)
}

// CheckRead verifies read access without touching any decision. Used
// by the streaming endpoint before subscribing.
func (b *Broker) CheckRead(ctx context.Context, planID, principal string) error {
	_, err := b.requireAccess(ctx, planID, principal, false)
	return err
}

// PendingCount returns the number of pending decisions on a plan.
func (b *Broker) PendingCount(ctx context.Context, planID, principal string) (int, error) {
	if _, err := b.requireAccess(ctx, planID, principal, false); err != nil {
		return 0, err
	}
	return b.Store.CountPendingDecisions(ctx, planID)
}

// UpdateInput is a partial patch; nil fields are left untouched.
// Metadata, when present, replaces the bag wholesale; merging is
// reserved for the cancellation path.
type UpdateInput struct {
	Title     *string
	Context   *string
	Options   []domain.Option
	Urgency   *string
	ExpiresAt *string
	Metadata  map[string]any
}

// Update edits free-form fields of a still-pending decision. Status is
// never touched here; terminal records refuse edits.
func (b *Broker) Update(ctx context.Context, id, planID, principal string, in UpdateInput) (domain.DecisionRequest, error) {
	if _, err := b.requireAccess(ctx, planID, principal, true); err != nil {
		return domain.DecisionRequest{}, err
	}
	cur, err := b.Store.GetDecision(ctx, id, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DecisionRequest{}, notFound("decision not found")
		}
		return domain.DecisionRequest{}, err
	}
	if cur.Status != domain.StatusPending {
		return domain.DecisionRequest{}, invalidState("cannot update a decision that has already been resolved")
	}

	var sets []string
	var args []any
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return domain.DecisionRequest{}, invalidInput("title is required")
		}
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if in.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, *in.Context)
	}
	if in.Options != nil {
		opts, err := optionsJSON(in.Options)
		if err != nil {
			return domain.DecisionRequest{}, err
		}
		sets = append(sets, "options_json = ?")
		if opts == nil {
			args = append(args, nil)
		} else {
			args = append(args, *opts)
		}
	}
	if in.Urgency != nil {
		if !validUrgency(*in.Urgency) {
			return domain.DecisionRequest{}, invalidInput("urgency must be %q or %q", domain.UrgencyCanContinue, domain.UrgencyBlocking)
		}
		sets = append(sets, "urgency = ?")
		args = append(args, *in.Urgency)
	}
	if in.ExpiresAt != nil {
		if *in.ExpiresAt == "" {
			sets = append(sets, "expires_at = ?")
			args = append(args, nil)
		} else {
			ts, err := normalizeTimestamp(*in.ExpiresAt)
			if err != nil {
				return domain.DecisionRequest{}, invalidInput("expires_at must be an RFC3339 timestamp")
			}
			sets = append(sets, "expires_at = ?")
			args = append(args, ts)
		}
	}
	if in.Metadata != nil {
		meta, err := metadataJSON(in.Metadata)
		if err != nil {
			return domain.DecisionRequest{}, err
		}
		sets = append(sets, "metadata_json = ?")
		if meta == nil {
			args = append(args, nil)
		} else {
			args = append(args, *meta)
		}
	}
	if len(sets) == 0 {
		return cur, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, b.now())

	n, err := b.Store.UpdateDecisionFields(ctx, id, planID, sets, args)
	if err != nil {
		return domain.DecisionRequest{}, err
	}
	if n == 0 {
		// The pre-check passed but the guarded UPDATE matched nothing:
		// the record was resolved, cancelled, or deleted in between.
		if _, err := b.Store.GetDecision(ctx, id, planID); errors.Is(err, repo.ErrNotFound) {
			return domain.DecisionRequest{}, notFound("decision not found")
		}
		return domain.DecisionRequest{}, invalidState("cannot update a decision that has already been resolved")
	}
	rec, err := b.Store.GetDecision(ctx, id, planID)
	if err != nil {
		return domain.DecisionRequest{}, err
	}
	b.recordEvent(ctx, "decision.updated", planID, id, principal, nil)
	return rec, nil
}

// Resolve transitions a pending decision to decided. The pre-check
// only improves error messages on the common non-race path; the
// conditional transition is the sole arbiter. A record past its
// expires_at cannot be resolved.
func (b *Broker) Resolve(ctx context.Context, id, planID, principal, decision, rationale string) (domain.DecisionRequest, error) {
	if _, err := b.requireAccess(ctx, planID, principal, true); err != nil {
		return domain.DecisionRequest{}, err
	}
	if strings.TrimSpace(decision) == "" {
		return domain.DecisionRequest{}, invalidInput("decision is required")
	}
	cur, err := b.Store.GetDecision(ctx, id, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DecisionRequest{}, notFound("decision not found")
		}
		return domain.DecisionRequest{}, err
	}
	switch cur.Status {
	case domain.StatusDecided:
		return domain.DecisionRequest{}, invalidState("decision has already been resolved")
	case domain.StatusCancelled:
		return domain.DecisionRequest{}, invalidState("decision has already been cancelled")
	}

	now := b.now()
	m := repo.TransitionMutation{
		NewStatus:   domain.StatusDecided,
		DecidedBy:   &principal,
		Decision:    &decision,
		DecidedAt:   &now,
		UpdatedAt:   now,
		ExpireGuard: now,
	}
	if rationale != "" {
		m.Rationale = &rationale
	}
	res, rec, err := b.Store.TryTransition(ctx, id, planID, domain.StatusPending, m)
	if err != nil {
		return domain.DecisionRequest{}, err
	}
	switch res {
	case repo.TransitionApplied:
		b.recordEvent(ctx, "decision.resolved", planID, id, principal, events.EventPayload{
			"decision": decision,
		})
		if b.Effects != nil {
			b.Effects.DecisionResolved(planID, rec, principal)
		}
		return rec, nil
	case repo.TransitionNotFound:
		return domain.DecisionRequest{}, notFound("decision not found")
	}

	// Lost the conditional update. Re-read purely to say why; never to
	// retry.
	cur, err = b.Store.GetDecision(ctx, id, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DecisionRequest{}, notFound("decision not found")
		}
		return domain.DecisionRequest{}, err
	}
	if cur.Status == domain.StatusPending {
		// Still pending means only the expiry guard could have failed.
		return domain.DecisionRequest{}, expired("decision request has expired")
	}
	return domain.DecisionRequest{}, conflict("decision was already resolved by another user")
}

// Cancel transitions a pending decision to cancelled, folding the
// reason into the metadata bag. Expiry does not block cancellation.
func (b *Broker) Cancel(ctx context.Context, id, planID, principal, reason string) (domain.DecisionRequest, error) {
	if _, err := b.requireAccess(ctx, planID, principal, true); err != nil {
		return domain.DecisionRequest{}, err
	}
	cur, err := b.Store.GetDecision(ctx, id, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DecisionRequest{}, notFound("decision not found")
		}
		return domain.DecisionRequest{}, err
	}
	switch cur.Status {
	case domain.StatusDecided:
		return domain.DecisionRequest{}, invalidState("cannot cancel an already-resolved decision")
	case domain.StatusCancelled:
		return domain.DecisionRequest{}, invalidState("decision has already been cancelled")
	}

	// Merge from the read immediately preceding the conditional write;
	// update() cannot race in new metadata once status leaves pending,
	// which bounds the window.
	meta, err := mergeCancellationReason(cur.MetadataJSON, reason)
	if err != nil {
		return domain.DecisionRequest{}, err
	}
	m := repo.TransitionMutation{
		NewStatus:    domain.StatusCancelled,
		MetadataJSON: meta,
		UpdatedAt:    b.now(),
	}
	res, rec, err := b.Store.TryTransition(ctx, id, planID, domain.StatusPending, m)
	if err != nil {
		return domain.DecisionRequest{}, err
	}
	switch res {
	case repo.TransitionApplied:
		b.recordEvent(ctx, "decision.cancelled", planID, id, principal, events.EventPayload{
			"reason": reason,
		})
		if b.Effects != nil {
			b.Effects.DecisionCancelled(planID, rec, principal)
		}
		return rec, nil
	case repo.TransitionNotFound:
		return domain.DecisionRequest{}, notFound("decision not found")
	}
	return domain.DecisionRequest{}, conflict("status changed — it may have been resolved or cancelled by another user")
}

// Delete removes a decision permanently, any status. Only the plan
// owner qualifies; collaborators, admins included, are refused.
func (b *Broker) Delete(ctx context.Context, id, planID, principal string) error {
	if err := b.Guard.RequireOwner(ctx, planID, principal); err != nil {
		var denied access.DeniedError
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return notFound("plan not found")
		case errors.As(err, &denied):
			return accessDenied("only the plan owner can delete decisions")
		default:
			return err
		}
	}
	if err := b.Store.DeleteDecision(ctx, id, planID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("decision not found")
		}
		return err
	}
	b.recordEvent(ctx, "decision.deleted", planID, id, principal, nil)
	return nil
}

// recordEvent appends to the event log after the primary mutation has
// committed; a failed append is logged, never surfaced.
func (b *Broker) recordEvent(ctx context.Context, evtType, planID, decisionID, actorID string, payload events.EventPayload) {
	if err := b.Events.Record(ctx, evtType, planID, "decision", decisionID, actorID, payload); err != nil {
		b.logf("event append failed type=%s decision=%s: %v", evtType, decisionID, err)
	}
}

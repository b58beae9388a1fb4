package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes an event row inside the caller's transaction so the
// event log stays consistent with the primary mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, planID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.insert(ctx, tx, evtType, planID, entityKind, entityID, actorID, payload)
}

// Record writes an event row outside any transaction, for mutations
// that have already committed on their own.
func (w Writer) Record(ctx context.Context, evtType, planID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.insert(ctx, w.DB, evtType, planID, entityKind, entityID, actorID, payload)
}

func (w Writer) insert(ctx context.Context, ex execer, evtType, planID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,plan_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(planID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package repo

import (
	"context"
	"database/sql"
	"strings"

	"signoff/internal/domain"
)

// TransitionResult classifies the outcome of a conditional status update.
type TransitionResult int

const (
	// TransitionApplied means this caller's update took effect.
	TransitionApplied TransitionResult = iota
	// TransitionNotFound means no record with that id exists in the plan.
	TransitionNotFound
	// TransitionPreconditionFailed means the record exists but the
	// status-and-expiry condition no longer holds: another caller
	// already moved it to a terminal state, or it expired.
	TransitionPreconditionFailed
)

// TransitionMutation carries the fields a resolve or cancel writes.
// ExpireGuard, when non-empty, adds the not-expired condition to the
// WHERE clause; cancel leaves it empty because expiry does not block
// cancellation.
type TransitionMutation struct {
	NewStatus    string
	DecidedBy    *string
	Decision     *string
	Rationale    *string
	DecidedAt    *string
	MetadataJSON *string
	UpdatedAt    string
	ExpireGuard  string
}

func scanDecision(scan func(dest ...any) error) (domain.DecisionRequest, error) {
	var d domain.DecisionRequest
	var nodeID, requestedBy, agentName, ctxText, options, metadata, expiresAt, decidedBy, decision, rationale, decidedAt sql.NullString
	err := scan(&d.ID, &d.PlanID, &nodeID, &requestedBy, &agentName, &d.Title, &ctxText, &options,
		&d.Urgency, &metadata, &d.Status, &expiresAt, &decidedBy, &decision, &rationale, &decidedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if nodeID.Valid {
		d.NodeID = &nodeID.String
	}
	if requestedBy.Valid {
		d.RequestedBy = &requestedBy.String
	}
	if agentName.Valid {
		d.AgentName = &agentName.String
	}
	if ctxText.Valid {
		d.Context = ctxText.String
	}
	if options.Valid {
		d.OptionsJSON = &options.String
	}
	if metadata.Valid {
		d.MetadataJSON = &metadata.String
	}
	if expiresAt.Valid {
		d.ExpiresAt = &expiresAt.String
	}
	if decidedBy.Valid {
		d.DecidedBy = &decidedBy.String
	}
	if decision.Valid {
		d.Decision = &decision.String
	}
	if rationale.Valid {
		d.Rationale = &rationale.String
	}
	if decidedAt.Valid {
		d.DecidedAt = &decidedAt.String
	}
	return d, nil
}

const decisionColumns = `id,plan_id,node_id,requested_by,agent_name,title,context,options_json,urgency,metadata_json,status,expires_at,decided_by,decision,rationale,decided_at,created_at,updated_at`

func (r Repo) InsertDecision(ctx context.Context, d domain.DecisionRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO decision_requests(`+decisionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.PlanID, nullableStringPtr(d.NodeID), nullableStringPtr(d.RequestedBy), nullableStringPtr(d.AgentName),
		d.Title, nullable(d.Context), nullableStringPtr(d.OptionsJSON), d.Urgency, nullableStringPtr(d.MetadataJSON),
		d.Status, nullableStringPtr(d.ExpiresAt), nullableStringPtr(d.DecidedBy), nullableStringPtr(d.Decision),
		nullableStringPtr(d.Rationale), nullableStringPtr(d.DecidedAt), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDecision(ctx context.Context, id, planID string) (domain.DecisionRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_requests WHERE id=? AND plan_id=?`, id, planID)
	return scanDecision(row.Scan)
}

type DecisionFilters struct {
	Status  string
	Urgency string
	NodeID  string
	Limit   int
	Offset  int
}

// ListDecisions returns a page ordered newest first plus the total
// count matching the filters.
func (r Repo) ListDecisions(ctx context.Context, planID string, f DecisionFilters) ([]domain.DecisionRequest, int, error) {
	clauses := []string{"plan_id=?"}
	args := []any{planID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Urgency != "" {
		clauses = append(clauses, "urgency=?")
		args = append(args, f.Urgency)
	}
	if f.NodeID != "" {
		clauses = append(clauses, "node_id=?")
		args = append(args, f.NodeID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM decision_requests `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + decisionColumns + ` FROM decision_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.DecisionRequest
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, d)
	}
	return res, total, rows.Err()
}

func (r Repo) CountPendingDecisions(ctx context.Context, planID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM decision_requests WHERE plan_id=? AND status=?`, planID, domain.StatusPending).Scan(&n)
	return n, err
}

// TryTransition performs the single atomic conditional update that
// arbitrates concurrent resolve/cancel attempts. The status check and,
// for resolves, the not-expired check live in the UPDATE's WHERE
// clause, so of N concurrent callers exactly one observes
// TransitionApplied; the rest see TransitionPreconditionFailed and
// must not retry. The follow-up read on success runs outside the
// update on purpose: the row is terminal at that point and can no
// longer change.
func (r Repo) TryTransition(ctx context.Context, id, planID, expectedStatus string, m TransitionMutation) (TransitionResult, domain.DecisionRequest, error) {
	sets := []string{"status=?", "updated_at=?"}
	args := []any{m.NewStatus, m.UpdatedAt}
	if m.DecidedBy != nil {
		sets = append(sets, "decided_by=?")
		args = append(args, *m.DecidedBy)
	}
	if m.Decision != nil {
		sets = append(sets, "decision=?")
		args = append(args, *m.Decision)
	}
	if m.Rationale != nil {
		sets = append(sets, "rationale=?")
		args = append(args, *m.Rationale)
	}
	if m.DecidedAt != nil {
		sets = append(sets, "decided_at=?")
		args = append(args, *m.DecidedAt)
	}
	if m.MetadataJSON != nil {
		sets = append(sets, "metadata_json=?")
		args = append(args, *m.MetadataJSON)
	}
	query := `UPDATE decision_requests SET ` + strings.Join(sets, ",") + ` WHERE id=? AND plan_id=? AND status=?`
	args = append(args, id, planID, expectedStatus)
	if m.ExpireGuard != "" {
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, m.ExpireGuard)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return TransitionPreconditionFailed, domain.DecisionRequest{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TransitionPreconditionFailed, domain.DecisionRequest{}, err
	}
	if n == 0 {
		var exists int
		err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM decision_requests WHERE id=? AND plan_id=?`, id, planID).Scan(&exists)
		if err == sql.ErrNoRows {
			return TransitionNotFound, domain.DecisionRequest{}, nil
		}
		if err != nil {
			return TransitionPreconditionFailed, domain.DecisionRequest{}, err
		}
		return TransitionPreconditionFailed, domain.DecisionRequest{}, nil
	}
	d, err := r.GetDecision(ctx, id, planID)
	if err != nil {
		return TransitionApplied, domain.DecisionRequest{}, err
	}
	return TransitionApplied, d, nil
}

// UpdateDecisionFields applies a free-form edit while the request is
// still pending. The status guard in the WHERE clause keeps edits from
// landing on a terminal record.
func (r Repo) UpdateDecisionFields(ctx context.Context, id, planID string, sets []string, args []any) (int64, error) {
	if len(sets) == 0 {
		return 1, nil
	}
	query := `UPDATE decision_requests SET ` + strings.Join(sets, ",") + ` WHERE id=? AND plan_id=? AND status=?`
	args = append(args, id, planID, domain.StatusPending)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteDecision(ctx context.Context, id, planID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM decision_requests WHERE id=? AND plan_id=?`, id, planID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

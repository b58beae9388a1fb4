package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"signoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- plans ---

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(id,owner_id,name,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, nullable(p.Description), p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,name,description,status,created_at,updated_at FROM plans WHERE id=?`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &desc, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListPlans(ctx context.Context, userID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT p.id,p.owner_id,p.name,COALESCE(p.description,''),p.status,p.created_at,p.updated_at
FROM plans p
LEFT JOIN plan_collaborators c ON c.plan_id=p.id
WHERE p.owner_id=? OR c.user_id=?
ORDER BY p.created_at DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePlan(ctx context.Context, id string, status string, description *string, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- collaborators ---

func (r Repo) UpsertCollaborator(ctx context.Context, c domain.Collaborator) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plan_collaborators(plan_id,user_id,role,added_at) VALUES (?,?,?,?)
ON CONFLICT(plan_id,user_id) DO UPDATE SET role=excluded.role`, c.PlanID, c.UserID, c.Role, c.AddedAt)
	return err
}

func (r Repo) RemoveCollaborator(ctx context.Context, planID, userID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM plan_collaborators WHERE plan_id=? AND user_id=?`, planID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListCollaborators(ctx context.Context, planID string) ([]domain.Collaborator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT plan_id,user_id,role,added_at FROM plan_collaborators WHERE plan_id=? ORDER BY added_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaborator
	for rows.Next() {
		var c domain.Collaborator
		if err := rows.Scan(&c.PlanID, &c.UserID, &c.Role, &c.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CollaboratorRole returns the role userID holds on the plan, or
// ErrNotFound when they are not a collaborator.
func (r Repo) CollaboratorRole(ctx context.Context, planID, userID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM plan_collaborators WHERE plan_id=? AND user_id=?`, planID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

// --- plan nodes ---

func (r Repo) InsertNode(ctx context.Context, n domain.PlanNode) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plan_nodes(id,plan_id,parent_id,title,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.PlanID, nullableStringPtr(n.ParentID), n.Title, n.Status, n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) GetNode(ctx context.Context, id string) (domain.PlanNode, error) {
	var n domain.PlanNode
	var parent sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,plan_id,parent_id,title,status,created_at,updated_at FROM plan_nodes WHERE id=?`, id).
		Scan(&n.ID, &n.PlanID, &parent, &n.Title, &n.Status, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if parent.Valid {
		n.ParentID = &parent.String
	}
	return n, err
}

func (r Repo) ListNodes(ctx context.Context, planID string) ([]domain.PlanNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,parent_id,title,status,created_at,updated_at FROM plan_nodes WHERE plan_id=? ORDER BY created_at ASC, id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanNode
	for rows.Next() {
		var n domain.PlanNode
		var parent sql.NullString
		if err := rows.Scan(&n.ID, &n.PlanID, &parent, &n.Title, &n.Status, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			n.ParentID = &parent.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

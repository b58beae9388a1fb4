package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"signoff/internal/domain"
)

// FindOrCreateKnowledgeBase returns the plan's knowledge base, creating
// it on first use. The UNIQUE constraint on plan_id makes concurrent
// first captures converge on a single base.
func (r Repo) FindOrCreateKnowledgeBase(ctx context.Context, planID, name string) (domain.KnowledgeBase, error) {
	kb, err := r.GetKnowledgeBase(ctx, planID)
	if err == nil {
		return kb, nil
	}
	if err != ErrNotFound {
		return domain.KnowledgeBase{}, err
	}
	kb = domain.KnowledgeBase{
		ID:        uuid.New().String(),
		PlanID:    planID,
		Name:      name,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO knowledge_bases(id,plan_id,name,created_at) VALUES (?,?,?,?)
ON CONFLICT(plan_id) DO NOTHING`, kb.ID, kb.PlanID, kb.Name, kb.CreatedAt)
	if err != nil {
		return domain.KnowledgeBase{}, err
	}
	return r.GetKnowledgeBase(ctx, planID)
}

func (r Repo) GetKnowledgeBase(ctx context.Context, planID string) (domain.KnowledgeBase, error) {
	var kb domain.KnowledgeBase
	err := r.DB.QueryRowContext(ctx, `SELECT id,plan_id,name,created_at FROM knowledge_bases WHERE plan_id=?`, planID).
		Scan(&kb.ID, &kb.PlanID, &kb.Name, &kb.CreatedAt)
	if err == sql.ErrNoRows {
		return kb, ErrNotFound
	}
	return kb, err
}

func (r Repo) InsertKnowledgeEntry(ctx context.Context, e domain.KnowledgeEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO knowledge_entries(id,base_id,title,content,tags_json,source_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.BaseID, e.Title, e.Content, nullableStringPtr(e.TagsJSON), nullableStringPtr(e.SourceID), e.CreatedAt)
	return err
}

func (r Repo) ListKnowledgeEntries(ctx context.Context, baseID string, limit int) ([]domain.KnowledgeEntry, error) {
	query := `SELECT id,base_id,title,content,tags_json,source_id,created_at FROM knowledge_entries WHERE base_id=? ORDER BY created_at DESC, id DESC`
	args := []any{baseID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KnowledgeEntry
	for rows.Next() {
		var e domain.KnowledgeEntry
		var tags, source sql.NullString
		if err := rows.Scan(&e.ID, &e.BaseID, &e.Title, &e.Content, &tags, &source, &e.CreatedAt); err != nil {
			return nil, err
		}
		if tags.Valid {
			e.TagsJSON = &tags.String
		}
		if source.Valid {
			e.SourceID = &source.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

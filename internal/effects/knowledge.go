package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

// knowledgeBaseName is the per-plan base the capturer writes to,
// created on first use.
const knowledgeBaseName = "Decisions"

// Capturer turns a resolved decision into a knowledge entry: a
// markdown document recording the context, the options that were on
// the table, and what was decided and why.
type Capturer struct {
	Store repo.Repo

	Now   func() time.Time
	NewID func() string
}

func (c *Capturer) Capture(ctx context.Context, rec domain.DecisionRequest) error {
	base, err := c.Store.FindOrCreateKnowledgeBase(ctx, rec.PlanID, knowledgeBaseName)
	if err != nil {
		return fmt.Errorf("knowledge base for plan %s: %w", rec.PlanID, err)
	}

	tags := []string{"decision", rec.Urgency}
	tagsData, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	tagsJSON := string(tagsData)

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	newID := uuid.NewString
	if c.NewID != nil {
		newID = c.NewID
	}
	sourceID := rec.ID
	entry := domain.KnowledgeEntry{
		ID:        newID(),
		BaseID:    base.ID,
		Title:     "Decision: " + rec.Title,
		Content:   renderDecisionDoc(rec),
		TagsJSON:  &tagsJSON,
		SourceID:  &sourceID,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	if err := c.Store.InsertKnowledgeEntry(ctx, entry); err != nil {
		return fmt.Errorf("insert knowledge entry: %w", err)
	}
	return nil
}

// renderDecisionDoc synthesizes the markdown body for a resolved
// decision.
func renderDecisionDoc(rec domain.DecisionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", rec.Title)
	if rec.Context != "" {
		b.WriteString("\n## Context\n\n")
		b.WriteString(rec.Context)
		b.WriteString("\n")
	}
	if opts := decodeOptions(rec.OptionsJSON); len(opts) > 0 {
		b.WriteString("\n## Options considered\n\n")
		for _, o := range opts {
			label := o.Label
			if o.Recommended {
				label += " (recommended)"
			}
			fmt.Fprintf(&b, "- **%s**\n", label)
			for _, p := range o.Pros {
				fmt.Fprintf(&b, "  - Pro: %s\n", p)
			}
			for _, con := range o.Cons {
				fmt.Fprintf(&b, "  - Con: %s\n", con)
			}
		}
	}
	b.WriteString("\n## Decision\n\n")
	if rec.Decision != nil {
		b.WriteString(*rec.Decision)
		b.WriteString("\n")
	}
	if rec.Rationale != nil && *rec.Rationale != "" {
		b.WriteString("\n## Rationale\n\n")
		b.WriteString(*rec.Rationale)
		b.WriteString("\n")
	}
	if rec.DecidedBy != nil && rec.DecidedAt != nil {
		fmt.Fprintf(&b, "\nDecided by %s at %s.\n", *rec.DecidedBy, *rec.DecidedAt)
	}
	return b.String()
}

func decodeOptions(raw *string) []domain.Option {
	if raw == nil || *raw == "" {
		return nil
	}
	var opts []domain.Option
	if err := json.Unmarshal([]byte(*raw), &opts); err != nil {
		return nil
	}
	return opts
}

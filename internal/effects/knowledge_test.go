package effects

import (
	"strings"
	"testing"

	"signoff/internal/domain"
)

func strp(s string) *string { return &s }

func TestRenderDecisionDoc(t *testing.T) {
	options := `[{"label":"Postgres","pros":["boring"],"cons":["ops overhead"],"recommended":true},{"label":"SQLite"}]`
	rec := domain.DecisionRequest{
		Title:       "Pick DB",
		Context:     "We need a relational store",
		OptionsJSON: &options,
		Decision:    strp("Use Postgres"),
		Rationale:   strp("battle tested"),
		DecidedBy:   strp("alice"),
		DecidedAt:   strp("2026-01-02T03:04:05Z"),
	}
	doc := renderDecisionDoc(rec)

	for _, want := range []string{
		"# Pick DB",
		"## Context",
		"We need a relational store",
		"- **Postgres (recommended)**",
		"  - Pro: boring",
		"  - Con: ops overhead",
		"- **SQLite**",
		"## Decision\n\nUse Postgres",
		"## Rationale\n\nbattle tested",
		"Decided by alice at 2026-01-02T03:04:05Z.",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestRenderDecisionDocMinimal(t *testing.T) {
	doc := renderDecisionDoc(domain.DecisionRequest{Title: "Quick call", Decision: strp("yes")})
	if strings.Contains(doc, "## Context") || strings.Contains(doc, "## Options") || strings.Contains(doc, "## Rationale") {
		t.Fatalf("optional sections must be omitted when empty:\n%s", doc)
	}
	if !strings.Contains(doc, "## Decision\n\nyes") {
		t.Fatalf("decision section missing:\n%s", doc)
	}
}

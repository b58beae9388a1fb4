// Package access resolves what a principal may do to a plan and the
// decisions scoped to it. Every broker operation consults the guard
// before touching the store, so permission logic lives in exactly one
// place.
package access

import (
	"context"
	"errors"
	"fmt"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

// DeniedError indicates the principal lacks the required capability.
type DeniedError struct {
	PlanID string
	UserID string
	Write  bool
}

func (e DeniedError) Error() string {
	verb := "read"
	if e.Write {
		verb = "modify"
	}
	return fmt.Sprintf("user %s may not %s decisions in plan %s", e.UserID, verb, e.PlanID)
}

// Access is the result of a capability check.
type Access struct {
	HasAccess bool
	IsOwner   bool
}

// Guard answers capability questions from the plan ownership and
// collaborator tables.
type Guard struct {
	Repo repo.Repo
}

// CheckAccess resolves the principal's capability on a plan. Read
// access goes to the owner and any collaborator regardless of role;
// write access additionally requires the editor or admin role, or
// ownership. A missing plan is reported as repo.ErrNotFound so callers
// can 404 instead of 403.
func (g Guard) CheckAccess(ctx context.Context, planID, userID string, requireWrite bool) (Access, error) {
	plan, err := g.Repo.GetPlan(ctx, planID)
	if err != nil {
		return Access{}, err
	}
	if plan.OwnerID == userID {
		return Access{HasAccess: true, IsOwner: true}, nil
	}
	role, err := g.Repo.CollaboratorRole(ctx, planID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Access{}, nil
		}
		return Access{}, err
	}
	if !requireWrite {
		return Access{HasAccess: true}, nil
	}
	if role == domain.RoleEditor || role == domain.RoleAdmin {
		return Access{HasAccess: true}, nil
	}
	return Access{}, nil
}

// Require checks capability and converts a miss into a DeniedError.
func (g Guard) Require(ctx context.Context, planID, userID string, requireWrite bool) (Access, error) {
	acc, err := g.CheckAccess(ctx, planID, userID, requireWrite)
	if err != nil {
		return Access{}, err
	}
	if !acc.HasAccess {
		return Access{}, DeniedError{PlanID: planID, UserID: userID, Write: requireWrite}
	}
	return acc, nil
}

// RequireOwner grants only the plan owner; collaborators of any role,
// admins included, are refused. Used by delete.
func (g Guard) RequireOwner(ctx context.Context, planID, userID string) error {
	acc, err := g.CheckAccess(ctx, planID, userID, true)
	if err != nil {
		return err
	}
	if !acc.IsOwner {
		return DeniedError{PlanID: planID, UserID: userID, Write: true}
	}
	return nil
}

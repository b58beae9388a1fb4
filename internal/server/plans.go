package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// canManagePlan reports whether the user may manage plan membership:
// the owner or a collaborator holding the admin role.
func canManagePlan(ctx context.Context, cfg Config, planID, userID string) (bool, error) {
	acc, err := cfg.Guard.CheckAccess(ctx, planID, userID, true)
	if err != nil {
		return false, err
	}
	if acc.IsOwner {
		return true, nil
	}
	role, err := cfg.Repo.CollaboratorRole(ctx, planID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return role == domain.RoleAdmin, nil
}

func registerPlans(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Create plan",
		DefaultStatus: http.StatusCreated,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		now := nowRFC3339()
		p := domain.Plan{
			ID:        uuid.NewString(),
			OwnerID:   userID,
			Name:      name,
			Status:    "active",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if input.Body.ID != nil && strings.TrimSpace(*input.Body.ID) != "" {
			p.ID = strings.TrimSpace(*input.Body.ID)
		}
		if input.Body.Description != nil {
			p.Description = *input.Body.Description
		}
		tx, err := cfg.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := cfg.Repo.InsertPlan(ctx, tx, p); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Events.Append(ctx, tx, "plan.created", p.ID, "plan", p.ID, userID, nil); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans visible to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Repo.ListPlans(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []PlanResponse{}
		for _, p := range items {
			resp = append(resp, planResponse(p))
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get plan",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Guard.Require(ctx, input.PlanID, userID, false); err != nil {
			return nil, handleError(err)
		}
		p, err := cfg.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-plan",
		Method:      http.MethodPut,
		Path:        "/plans/{plan_id}",
		Summary:     "Update plan",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string            `path:"plan_id"`
		Body   UpdatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Guard.Require(ctx, input.PlanID, userID, true); err != nil {
			return nil, handleError(err)
		}
		cur, err := cfg.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		status := cur.Status
		if input.Body.Status != nil {
			status = *input.Body.Status
		}
		if err := cfg.Repo.UpdatePlan(ctx, input.PlanID, status, input.Body.Description, nowRFC3339()); err != nil {
			return nil, handleError(err)
		}
		p, err := cfg.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-collaborators",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/collaborators",
		Summary:     "List plan collaborators",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body []CollaboratorResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Guard.Require(ctx, input.PlanID, userID, false); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Repo.ListCollaborators(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []CollaboratorResponse{}
		for _, c := range items {
			resp = append(resp, collaboratorResponse(c))
		}
		return &struct {
			Body []CollaboratorResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-collaborator",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/collaborators",
		Summary:       "Add or update a plan collaborator",
		DefaultStatus: http.StatusCreated,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string                 `path:"plan_id"`
		Body   AddCollaboratorRequest `json:"body"`
	}) (*struct {
		Body CollaboratorResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.UserID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		role := input.Body.Role
		if role != domain.RoleViewer && role != domain.RoleEditor && role != domain.RoleAdmin {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role must be viewer, editor, or admin", nil)
		}
		ok, err := canManagePlan(ctx, cfg, input.PlanID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the plan owner or an admin can manage collaborators", nil)
		}
		c := domain.Collaborator{
			PlanID:  input.PlanID,
			UserID:  strings.TrimSpace(input.Body.UserID),
			Role:    role,
			AddedAt: nowRFC3339(),
		}
		if err := cfg.Repo.UpsertCollaborator(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollaboratorResponse `json:"body"`
		}{Body: collaboratorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-collaborator",
		Method:        http.MethodDelete,
		Path:          "/plans/{plan_id}/collaborators/{user_id}",
		Summary:       "Remove a plan collaborator",
		DefaultStatus: http.StatusNoContent,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := canManagePlan(ctx, cfg, input.PlanID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the plan owner or an admin can manage collaborators", nil)
		}
		if err := cfg.Repo.RemoveCollaborator(ctx, input.PlanID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNodes(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-node",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/nodes",
		Summary:       "Create plan node",
		DefaultStatus: http.StatusCreated,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string            `path:"plan_id"`
		Body   CreateNodeRequest `json:"body"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Guard.Require(ctx, input.PlanID, userID, true); err != nil {
			return nil, handleError(err)
		}
		title := strings.TrimSpace(input.Body.Title)
		if title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.ParentID != nil {
			parent, err := cfg.Repo.GetNode(ctx, *input.Body.ParentID)
			if err != nil || parent.PlanID != input.PlanID {
				return nil, newAPIError(http.StatusNotFound, "not_found", "parent node not found in this plan", nil)
			}
		}
		now := nowRFC3339()
		n := domain.PlanNode{
			ID:        uuid.NewString(),
			PlanID:    input.PlanID,
			ParentID:  input.Body.ParentID,
			Title:     title,
			Status:    "open",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if input.Body.ID != nil && strings.TrimSpace(*input.Body.ID) != "" {
			n.ID = strings.TrimSpace(*input.Body.ID)
		}
		if err := cfg.Repo.InsertNode(ctx, n); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/nodes",
		Summary:     "List plan nodes",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body []NodeResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Guard.Require(ctx, input.PlanID, userID, false); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Repo.ListNodes(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []NodeResponse{}
		for _, n := range items {
			resp = append(resp, nodeResponse(n))
		}
		return &struct {
			Body []NodeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKnowledge(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-knowledge",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/knowledge",
		Summary:     "List captured knowledge entries",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []KnowledgeEntryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Guard.Require(ctx, input.PlanID, userID, false); err != nil {
			return nil, handleError(err)
		}
		resp := []KnowledgeEntryResponse{}
		base, err := cfg.Repo.GetKnowledgeBase(ctx, input.PlanID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &struct {
					Body []KnowledgeEntryResponse `json:"body"`
				}{Body: resp}, nil
			}
			return nil, handleError(err)
		}
		items, err := cfg.Repo.ListKnowledgeEntries(ctx, base.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		for _, e := range items {
			resp = append(resp, knowledgeEntryResponse(e))
		}
		return &struct {
			Body []KnowledgeEntryResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKeys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body KeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// The plaintext is returned exactly once; only the hash is
		// stored.
		plaintext := "sk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
		key := domain.APIKey{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: nowRFC3339(),
		}
		if err := cfg.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KeyResponse `json:"body"`
		}{Body: KeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []KeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []KeyResponse{}
		for _, k := range items {
			resp = append(resp, KeyResponse{
				ID:        k.ID,
				UserID:    k.UserID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []KeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := cfg.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		owned := false
		for _, k := range keys {
			if k.ID == input.KeyID {
				owned = true
				break
			}
		}
		if !owned {
			return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
		}
		if err := cfg.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

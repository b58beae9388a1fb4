package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"signoff/internal/broker"
	"signoff/internal/repo"
)

var decisionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDecisions(api huma.API, cfg Config) {
	b := cfg.Broker

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/decisions",
		Summary:     "List decision requests",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID  string `path:"plan_id"`
		Status  string `query:"status" enum:"pending,decided,cancelled"`
		Urgency string `query:"urgency" enum:"can_continue,blocking"`
		NodeID  string `query:"node_id"`
		Limit   int    `query:"limit" default:"50"`
		Offset  int    `query:"offset"`
	}) (*struct {
		Body paginatedDecisions `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.DecisionFilters{
			Status:  input.Status,
			Urgency: input.Urgency,
			NodeID:  input.NodeID,
			Limit:   input.Limit,
			Offset:  input.Offset,
		}
		items, total, err := b.List(ctx, input.PlanID, userID, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDecisions{
			Data: []DecisionResponse{},
			Pagination: Pagination{
				Total:  total,
				Limit:  f.Limit,
				Offset: f.Offset,
			},
		}
		for _, d := range items {
			resp.Data = append(resp.Data, decisionResponse(d))
		}
		return &struct {
			Body paginatedDecisions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/decisions/{decision_id}",
		Summary:     "Get decision request",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID     string `path:"plan_id"`
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := b.Get(ctx, input.DecisionID, input.PlanID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/decisions",
		Summary:       "Create decision request",
		DefaultStatus: http.StatusCreated,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string                `path:"plan_id"`
		Body   CreateDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := b.Create(ctx, input.PlanID, userID, broker.CreateInput{
			NodeID:    input.Body.NodeID,
			AgentName: input.Body.AgentName,
			Title:     input.Body.Title,
			Context:   input.Body.Context,
			Options:   input.Body.Options,
			Urgency:   input.Body.Urgency,
			ExpiresAt: input.Body.ExpiresAt,
			Metadata:  input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-decision",
		Method:      http.MethodPut,
		Path:        "/plans/{plan_id}/decisions/{decision_id}",
		Summary:     "Update pending decision request",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID     string                `path:"plan_id"`
		DecisionID string                `path:"decision_id"`
		Body       UpdateDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := b.Update(ctx, input.DecisionID, input.PlanID, userID, broker.UpdateInput{
			Title:     input.Body.Title,
			Context:   input.Body.Context,
			Options:   input.Body.Options,
			Urgency:   input.Body.Urgency,
			ExpiresAt: input.Body.ExpiresAt,
			Metadata:  input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-decision",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/decisions/{decision_id}/resolve",
		Summary:     "Resolve decision request",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID     string                 `path:"plan_id"`
		DecisionID string                 `path:"decision_id"`
		Body       ResolveDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := b.Resolve(ctx, input.DecisionID, input.PlanID, userID, input.Body.Decision, input.Body.Rationale)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-decision",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/decisions/{decision_id}/cancel",
		Summary:     "Cancel decision request",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID     string                `path:"plan_id"`
		DecisionID string                `path:"decision_id"`
		Body       CancelDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := b.Cancel(ctx, input.DecisionID, input.PlanID, userID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-decision",
		Method:        http.MethodDelete,
		Path:          "/plans/{plan_id}/decisions/{decision_id}",
		Summary:       "Delete decision request (plan owner only)",
		DefaultStatus: http.StatusNoContent,
		Errors:        decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID     string `path:"plan_id"`
		DecisionID string `path:"decision_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := b.Delete(ctx, input.DecisionID, input.PlanID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-count",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/decisions/pending-count",
		Summary:     "Count pending decision requests",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PendingCountResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		count, err := b.PendingCount(ctx, input.PlanID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingCountResponse `json:"body"`
		}{Body: PendingCountResponse{PendingCount: count}}, nil
	})
}

// registerDecisionStream serves the live SSE feed directly on the chi
// router; huma's typed model does not fit a long-lived stream.
func registerDecisionStream(router chi.Router, basePath string, cfg Config) {
	route := path.Join(basePath, "/plans/{plan_id}/decisions/stream")
	router.Get(route, func(w http.ResponseWriter, r *http.Request) {
		planID := chi.URLParam(r, "plan_id")
		principal, ok := principalFromContext(r.Context())
		if !ok || principal.UserID == "" {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		if err := cfg.Broker.CheckRead(r.Context(), planID, principal.UserID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		msgs, cancel := cfg.Hub.Subscribe(planID)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-msgs:
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
				flusher.Flush()
			}
		}
	})
}

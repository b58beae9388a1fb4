package server

import (
	"encoding/json"

	"signoff/internal/domain"
)

// Request payloads

type CreatePlanRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdatePlanRequest struct {
	Status      *string `json:"status,omitempty" enum:"active,archived"`
	Description *string `json:"description,omitempty"`
}

type AddCollaboratorRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"viewer,editor,admin"`
}

type CreateNodeRequest struct {
	ID       *string `json:"id,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	Title    string  `json:"title"`
}

type CreateDecisionRequest struct {
	NodeID    *string         `json:"node_id,omitempty"`
	AgentName *string         `json:"requested_by_agent_name,omitempty"`
	Title     string          `json:"title"`
	Context   string          `json:"context,omitempty"`
	Options   []domain.Option `json:"options,omitempty"`
	Urgency   string          `json:"urgency,omitempty" enum:"can_continue,blocking"`
	ExpiresAt *string         `json:"expires_at,omitempty" format:"date-time"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

type UpdateDecisionRequest struct {
	Title     *string         `json:"title,omitempty"`
	Context   *string         `json:"context,omitempty"`
	Options   []domain.Option `json:"options,omitempty"`
	Urgency   *string         `json:"urgency,omitempty" enum:"can_continue,blocking"`
	ExpiresAt *string         `json:"expires_at,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

type ResolveDecisionRequest struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

type CancelDecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type PlanResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type CollaboratorResponse struct {
	PlanID  string `json:"plan_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role" enum:"viewer,editor,admin"`
	AddedAt string `json:"added_at" format:"date-time"`
}

type NodeResponse struct {
	ID        string  `json:"id"`
	PlanID    string  `json:"plan_id"`
	ParentID  *string `json:"parent_id,omitempty"`
	Title     string  `json:"title"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type DecisionResponse struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	NodeID      *string         `json:"node_id,omitempty"`
	RequestedBy *string         `json:"requested_by,omitempty"`
	AgentName   *string         `json:"requested_by_agent_name,omitempty"`
	Title       string          `json:"title"`
	Context     string          `json:"context,omitempty"`
	Options     []domain.Option `json:"options,omitempty"`
	Urgency     string          `json:"urgency" enum:"can_continue,blocking"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Status      string          `json:"status" enum:"pending,decided,cancelled"`
	ExpiresAt   *string         `json:"expires_at,omitempty" format:"date-time"`
	DecidedBy   *string         `json:"decided_by,omitempty"`
	Decision    *string         `json:"decision,omitempty"`
	Rationale   *string         `json:"rationale,omitempty"`
	DecidedAt   *string         `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type KnowledgeEntryResponse struct {
	ID        string   `json:"id"`
	BaseID    string   `json:"base_id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	SourceID  *string  `json:"source_id,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type KeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type paginatedDecisions struct {
	Data       []DecisionResponse `json:"data"`
	Pagination Pagination         `json:"pagination"`
}

type PendingCountResponse struct {
	PendingCount int `json:"pending_count"`
}

func planResponse(p domain.Plan) PlanResponse {
	return PlanResponse{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func collaboratorResponse(c domain.Collaborator) CollaboratorResponse {
	return CollaboratorResponse{
		PlanID:  c.PlanID,
		UserID:  c.UserID,
		Role:    c.Role,
		AddedAt: c.AddedAt,
	}
}

func nodeResponse(n domain.PlanNode) NodeResponse {
	return NodeResponse{
		ID:        n.ID,
		PlanID:    n.PlanID,
		ParentID:  n.ParentID,
		Title:     n.Title,
		Status:    n.Status,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func decisionResponse(d domain.DecisionRequest) DecisionResponse {
	return DecisionResponse{
		ID:          d.ID,
		PlanID:      d.PlanID,
		NodeID:      d.NodeID,
		RequestedBy: d.RequestedBy,
		AgentName:   d.AgentName,
		Title:       d.Title,
		Context:     d.Context,
		Options:     decodeOptions(d.OptionsJSON),
		Urgency:     d.Urgency,
		Metadata:    decodeJSONMap(d.MetadataJSON),
		Status:      d.Status,
		ExpiresAt:   d.ExpiresAt,
		DecidedBy:   d.DecidedBy,
		Decision:    d.Decision,
		Rationale:   d.Rationale,
		DecidedAt:   d.DecidedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func knowledgeEntryResponse(e domain.KnowledgeEntry) KnowledgeEntryResponse {
	return KnowledgeEntryResponse{
		ID:        e.ID,
		BaseID:    e.BaseID,
		Title:     e.Title,
		Content:   e.Content,
		Tags:      decodeStringSlice(e.TagsJSON),
		SourceID:  e.SourceID,
		CreatedAt: e.CreatedAt,
	}
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

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil
	}
	return m
}

func decodeStringSlice(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var s []string
	if err := json.Unmarshal([]byte(*raw), &s); err != nil {
		return nil
	}
	return s
}

package domain

// Urgency classifies how badly a pending decision blocks agent work.
const (
	UrgencyCanContinue = "can_continue"
	UrgencyBlocking    = "blocking"
)

// Decision request statuses. Both decided and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusDecided   = "decided"
	StatusCancelled = "cancelled"
)

// Collaborator roles on a plan. The owner implicitly holds all rights.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

type Plan struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Collaborator struct {
	PlanID  string `json:"plan_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role" enum:"viewer,editor,admin"`
	AddedAt string `json:"added_at" format:"date-time"`
}

type PlanNode struct {
	ID        string  `json:"id"`
	PlanID    string  `json:"plan_id"`
	ParentID  *string `json:"parent_id,omitempty"`
	Title     string  `json:"title"`
	Status    string  `json:"status" enum:"open,in_progress,done"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Option is one candidate answer embedded in a decision request.
type Option struct {
	Label       string   `json:"label"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
	Recommended bool     `json:"recommended,omitempty"`
}

// DecisionRequest is the central entity: an agent (or user) pauses work
// on a plan and asks a human for a binding decision. Resolution fields
// are set exactly once, by whichever caller wins the conditional update
// in the store.
type DecisionRequest struct {
	ID           string  `json:"id"`
	PlanID       string  `json:"plan_id"`
	NodeID       *string `json:"node_id,omitempty"`
	RequestedBy  *string `json:"requested_by,omitempty"`
	AgentName    *string `json:"requested_by_agent_name,omitempty"`
	Title        string  `json:"title"`
	Context      string  `json:"context,omitempty"`
	OptionsJSON  *string `json:"-"`
	Urgency      string  `json:"urgency" enum:"can_continue,blocking"`
	MetadataJSON *string `json:"-"`
	Status       string  `json:"status" enum:"pending,decided,cancelled"`
	ExpiresAt    *string `json:"expires_at,omitempty" format:"date-time"`
	DecidedBy    *string `json:"decided_by,omitempty"`
	Decision     *string `json:"decision,omitempty"`
	Rationale    *string `json:"rationale,omitempty"`
	DecidedAt    *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type KnowledgeBase struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type KnowledgeEntry struct {
	ID        string  `json:"id"`
	BaseID    string  `json:"base_id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	TagsJSON  *string `json:"-"`
	SourceID  *string `json:"source_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PlanID     string `json:"plan_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

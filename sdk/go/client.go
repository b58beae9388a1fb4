// Package signoffsdk is a minimal typed client for the signoff
// decision API.
package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal signoff HTTP API client.
type Client struct {
	BaseURL     string
	PlanID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, planID string) *Client {
	return &Client{
		BaseURL: baseURL,
		PlanID:  planID,
		Timeout: 10 * time.Second,
	}
}

// Option is one candidate answer on a decision request.
type Option struct {
	Label       string   `json:"label"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
	Recommended bool     `json:"recommended,omitempty"`
}

// Decision represents the API decision-request model.
type Decision struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id"`
	NodeID      *string        `json:"node_id,omitempty"`
	RequestedBy *string        `json:"requested_by,omitempty"`
	AgentName   *string        `json:"requested_by_agent_name,omitempty"`
	Title       string         `json:"title"`
	Context     string         `json:"context,omitempty"`
	Options     []Option       `json:"options,omitempty"`
	Urgency     string         `json:"urgency"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	ExpiresAt   *string        `json:"expires_at,omitempty"`
	DecidedBy   *string        `json:"decided_by,omitempty"`
	Decision    *string        `json:"decision,omitempty"`
	Rationale   *string        `json:"rationale,omitempty"`
	DecidedAt   *string        `json:"decided_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// CreateDecisionInput carries optional fields for Create.
type CreateDecisionInput struct {
	NodeID    *string        `json:"node_id,omitempty"`
	AgentName *string        `json:"requested_by_agent_name,omitempty"`
	Title     string         `json:"title"`
	Context   string         `json:"context,omitempty"`
	Options   []Option       `json:"options,omitempty"`
	Urgency   string         `json:"urgency,omitempty"`
	ExpiresAt *string        `json:"expires_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DecisionPage wraps list responses.
type DecisionPage struct {
	Data       []Decision `json:"data"`
	Pagination struct {
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	} `json:"pagination"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Create raises a new decision request on the plan.
func (c *Client) Create(ctx context.Context, in CreateDecisionInput) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.planPath("decisions"), in, &resp)
	return resp, err
}

// Get fetches one decision request.
func (c *Client) Get(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, c.planPath("decisions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// List pages through the plan's decision requests.
func (c *Client) List(ctx context.Context, status string, limit, offset int) (DecisionPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	endpoint := c.planPath("decisions")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp DecisionPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Resolve submits the binding decision. A 409 means another caller won
// the race; re-fetch to see the outcome rather than retrying.
func (c *Client) Resolve(ctx context.Context, id, decision, rationale string) (Decision, error) {
	body := map[string]any{"decision": decision}
	if rationale != "" {
		body["rationale"] = rationale
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.planPath("decisions/"+url.PathEscape(id)+"/resolve"), body, &resp)
	return resp, err
}

// Cancel withdraws a pending decision request.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Decision, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.planPath("decisions/"+url.PathEscape(id)+"/cancel"), body, &resp)
	return resp, err
}

// Delete removes a decision request; requires plan ownership.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.planPath("decisions/"+url.PathEscape(id)), nil, nil)
}

// PendingCount returns how many requests still await a decision.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var resp struct {
		PendingCount int `json:"pending_count"`
	}
	err := c.do(ctx, http.MethodGet, c.planPath("decisions/pending-count"), nil, &resp)
	return resp.PendingCount, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) planPath(p string) string {
	plan := url.PathEscape(c.PlanID)
	return fmt.Sprintf("v0/plans/%s/%s", plan, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

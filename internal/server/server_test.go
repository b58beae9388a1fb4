package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"testing"

	"signoff/internal/access"
	"signoff/internal/broker"
	"signoff/internal/db"
	"signoff/internal/effects"
	"signoff/internal/events"
	"signoff/internal/migrate"
	"signoff/internal/notify"
	"signoff/internal/repo"
)

type testServer struct {
	URL        string
	client     *http.Client
	Dispatcher *effects.Dispatcher
	close      func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := log.New(os.Stderr, "test ", log.LstdFlags)
	r := repo.Repo{DB: conn}
	hub := notify.NewHub()
	dispatcher := &effects.Dispatcher{
		Hub:       hub,
		Knowledge: &effects.Capturer{Store: r},
		Log:       logger,
	}
	b := &broker.Broker{
		Store:   r,
		Guard:   access.Guard{Repo: r},
		Events:  events.Writer{DB: conn},
		Effects: dispatcher,
		Log:     logger,
	}
	handler, err := New(Config{
		Broker: b,
		Repo:   r,
		Guard:  access.Guard{Repo: r},
		Events: events.Writer{DB: conn},
		Hub:    hub,
		Auth:   AuthConfig{AllowLegacyUserHeader: true, Logger: logger},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:        "http://" + ln.Addr().String(),
		client:     &http.Client{},
		Dispatcher: dispatcher,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			dispatcher.Wait()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	if env.Error.Code == "" || env.Error.Message == "" {
		t.Fatalf("malformed error envelope: %s", string(data))
	}
	return env
}

func createPlan(t *testing.T, srv *testServer, owner, name string) PlanResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans", map[string]any{
		"name": name,
	}, asUser(owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan status %d: %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	return plan
}

func createDecision(t *testing.T, srv *testServer, planID, user string, body map[string]any) DecisionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans/"+planID+"/decisions", body, asUser(user))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision status %d: %s", res.StatusCode, string(data))
	}
	var d DecisionResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	return d
}

func TestDecisionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plan := createPlan(t, srv, "alice", "launch")
	d := createDecision(t, srv, plan.ID, "alice", map[string]any{
		"title":   "Pick region",
		"urgency": "blocking",
		"options": []map[string]any{
			{"label": "us-east-1", "recommended": true},
			{"label": "eu-west-1"},
		},
		"metadata": map[string]any{"source": "deploy-agent"},
	})
	if d.Status != "pending" || d.Urgency != "blocking" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(d.Options) != 2 || d.Metadata["source"] != "deploy-agent" {
		t.Fatalf("options/metadata not round-tripped: %+v", d)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/decisions/pending-count", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending count status %d: %s", res.StatusCode, string(data))
	}
	var count PendingCountResponse
	if err := json.Unmarshal(data, &count); err != nil {
		t.Fatalf("unmarshal count: %v", err)
	}
	if count.PendingCount != 1 {
		t.Fatalf("expected one pending decision, got %d", count.PendingCount)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/decisions/"+d.ID+"/resolve", map[string]any{
		"decision":  "us-east-1",
		"rationale": "closest to users",
	}, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved DecisionResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.Status != "decided" || resolved.Decision == nil || *resolved.Decision != "us-east-1" {
		t.Fatalf("resolution not applied: %+v", resolved)
	}
	if resolved.DecidedAt == nil || resolved.DecidedBy == nil || *resolved.DecidedBy != "alice" {
		t.Fatalf("resolution fields missing: %+v", resolved)
	}

	// A second resolve hits the terminal-state fast path.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/decisions/"+d.ID+"/resolve", map[string]any{
		"decision": "eu-west-1",
	}, asUser("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("double resolve status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", env.Error.Code)
	}

	srv.Dispatcher.Wait()
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/knowledge", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("knowledge status %d: %s", res.StatusCode, string(data))
	}
	var entries []KnowledgeEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal knowledge: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Decision: Pick region" {
		t.Fatalf("expected one captured entry: %s", string(data))
	}
}

func TestDecisionListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	plan := createPlan(t, srv, "alice", "paging")
	for i := 0; i < 3; i++ {
		createDecision(t, srv, plan.ID, "alice", map[string]any{"title": "q"})
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/decisions?limit=2&offset=2", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedDecisions
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Pagination.Total != 3 || page.Pagination.Limit != 2 || page.Pagination.Offset != 2 {
		t.Fatalf("unexpected pagination: %+v", page.Pagination)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected one item on the last page, got %d", len(page.Data))
	}
}

func TestAccessControl(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plan := createPlan(t, srv, "alice", "private")
	d := createDecision(t, srv, plan.ID, "alice", map[string]any{"title": "secret"})

	// A non-collaborator cannot read.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/decisions/"+d.ID, nil, asUser("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger read status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", env.Error.Code)
	}

	// Add bob as editor; he can resolve but not delete.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/collaborators", map[string]any{
		"user_id": "bob", "role": "editor",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add collaborator status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/plans/"+plan.ID+"/decisions/"+d.ID, nil, asUser("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("editor delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/decisions/"+d.ID+"/cancel", map[string]any{
		"reason": "superseded",
	}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("editor cancel status %d", res.StatusCode)
	}

	// Unknown decision id is a 404 for a collaborator.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/decisions/missing", nil, asUser("bob"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing decision status %d: %s", res.StatusCode, string(data))
	}

	// No credentials at all.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/decisions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plan := createPlan(t, srv, "alice", "keyed")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"name": "ci",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key KeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("plaintext key missing from create response")
	}

	// The key authenticates as its owner.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID, nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("keyed read status %d: %s", res.StatusCode, string(data))
	}

	// Listing keys never returns the plaintext again.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/keys", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []KeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected key listing: %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID, nil, map[string]string{
		"X-Api-Key": "sk_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d", res.StatusCode)
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plan := createPlan(t, srv, "alice", "strict")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/decisions", map[string]any{
		"title": "   ",
	}, asUser("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank title status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/decisions", map[string]any{
		"title":   "x",
		"node_id": "not-a-node",
	}, asUser("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("bad node status %d: %s", res.StatusCode, string(data))
	}
}

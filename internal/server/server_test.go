package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/AICouncil/internal/database"
	"github.com/TobiSchelling/AICouncil/internal/gate"
	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/research"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

type stubResearcher struct{}

func (stubResearcher) Research(ctx context.Context, topic string) (*provider.Result, error) {
	return &provider.Result{
		Payload: &tree.Payload{
			Summary:         "An **important** overview of " + topic,
			FurtherResearch: []tree.Suggestion{{Topic: "grid storage"}},
		},
		Tokens: 50,
	}, nil
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T) (*Server, *research.Coordinator) {
	t.Helper()
	db := openTestDB(t)
	reg := provider.NewRegistry()
	reg.Add(provider.NewAdapter("grok", stubResearcher{}, nil, provider.AdapterOptions{Recorder: db}), true)

	coord := research.NewCoordinator(tree.NewMachine(db, nil), reg, research.Options{})
	t.Cleanup(func() { coord.Close() })

	srv, err := New(coord, gate.New(db, nil), nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, coord
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func startResearch(t *testing.T, srv *Server) research.Started {
	t.Helper()
	rec := do(t, srv, "POST", "/api/guides", `{"topic": "renewable energy policy"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started research.Started
	decodeBody(t, rec, &started)
	return started
}

func waitNode(t *testing.T, srv *Server, guideID, nodeID string) tree.Node {
	t.Helper()
	rec := do(t, srv, "GET", fmt.Sprintf("/api/guides/%s/trees/grok/nodes/%s?wait=5s", guideID, nodeID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var node tree.Node
	decodeBody(t, rec, &node)
	return node
}

type rootFailingStore struct {
	tree.Store
	provider string
}

func (s rootFailingStore) CreateRoot(ctx context.Context, key tree.Key, topic string) (string, error) {
	if key.Provider == s.provider {
		return "", fmt.Errorf("boom: %w", tree.ErrStoreUnavailable)
	}
	return s.Store.CreateRoot(ctx, key, topic)
}

func TestStartResearchPartialFailure(t *testing.T) {
	db := openTestDB(t)
	reg := provider.NewRegistry()
	reg.Add(provider.NewAdapter("grok", stubResearcher{}, nil, provider.AdapterOptions{}), true)
	reg.Add(provider.NewAdapter("gemini", stubResearcher{}, nil, provider.AdapterOptions{}), true)
	store := rootFailingStore{Store: db, provider: "gemini"}
	coord := research.NewCoordinator(tree.NewMachine(store, nil), reg, research.Options{})
	t.Cleanup(func() { coord.Close() })
	srv, err := New(coord, gate.New(store, nil), nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	started := startResearch(t, srv)
	if started.GuideID == "" {
		t.Fatal("expected a guide id")
	}
	if started.Roots["grok"] != "root-1" || len(started.Roots) != 1 {
		t.Errorf("expected only the grok root, got %v", started.Roots)
	}
	if !strings.Contains(started.Errors["gemini"], "store unavailable") {
		t.Errorf("expected gemini start error, got %v", started.Errors)
	}
	if node := waitNode(t, srv, started.GuideID, "root-1"); node.Status != tree.StatusCompleted {
		t.Errorf("expected grok root completed, got %s", node.Status)
	}
	coord.Wait()
}

type emptyResearcher struct{}

func (emptyResearcher) Research(ctx context.Context, topic string) (*provider.Result, error) {
	return &provider.Result{Payload: &tree.Payload{}}, nil
}

func TestGuidePageMarksEmptyPayload(t *testing.T) {
	db := openTestDB(t)
	reg := provider.NewRegistry()
	reg.Add(provider.NewAdapter("grok", emptyResearcher{}, nil, provider.AdapterOptions{}), true)
	coord := research.NewCoordinator(tree.NewMachine(db, nil), reg, research.Options{})
	t.Cleanup(func() { coord.Close() })
	srv, err := New(coord, gate.New(db, nil), nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	started := startResearch(t, srv)
	if node := waitNode(t, srv, started.GuideID, started.Roots["grok"]); node.Status != tree.StatusCompleted {
		t.Fatalf("expected completed, got %s", node.Status)
	}
	coord.Wait()

	rec := do(t, srv, "GET", "/guides/"+started.GuideID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "returned no research data") {
		t.Error("expected empty payload notice on guide page")
	}
}

func TestIndexRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Research Guides") {
		t.Error("expected 'Research Guides' in response body")
	}

	if rec := do(t, srv, "GET", "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown page, got %d", rec.Code)
	}
}

func TestStartResearchAndPoll(t *testing.T) {
	srv, coord := newTestServer(t)
	started := startResearch(t, srv)

	root, ok := started.Roots["grok"]
	if !ok {
		t.Fatalf("expected a grok root, got %v", started.Roots)
	}
	node := waitNode(t, srv, started.GuideID, root)
	if node.Status != tree.StatusCompleted {
		t.Fatalf("expected completed, got %s", node.Status)
	}
	coord.Wait()

	rec := do(t, srv, "GET", "/api/guides/"+started.GuideID+"/trees/grok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view map[string]any
	decodeBody(t, rec, &view)
	if view["status"] != "completed" || view["id"] != root {
		t.Errorf("unexpected tree: %v", view)
	}
	if _, ok := view["nodes"]; !ok {
		t.Error("expected nodes field in tree")
	}

	rec = do(t, srv, "GET", "/guides/"+started.GuideID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<strong>important</strong>") {
		t.Error("expected summary markdown to be rendered")
	}

	rec = do(t, srv, "GET", "/api/guides/"+started.GuideID+"/interactions", "")
	var recs []tree.Interaction
	decodeBody(t, rec, &recs)
	if len(recs) != 1 || recs[0].Tokens != 50 {
		t.Errorf("expected one recorded research call, got %+v", recs)
	}
}

func TestStartResearchRejectsInvalidInput(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		body string
		code int
	}{
		{`{"topic": "hi"}`, http.StatusBadRequest},
		{`{"topic": "renewable energy policy", "providers": ["claude"]}`, http.StatusBadRequest},
		{`{"topic": `, http.StatusBadRequest},
		{`{"subject": "renewable energy policy"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(t, srv, "POST", "/api/guides", tt.body)
		if rec.Code != tt.code {
			t.Errorf("POST %s: expected %d, got %d", tt.body, tt.code, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Errorf("POST %s: expected error body, got %s", tt.body, rec.Body.String())
		}
	}
}

func TestExpandAndRetryRoutes(t *testing.T) {
	srv, coord := newTestServer(t)
	started := startResearch(t, srv)
	root := started.Roots["grok"]
	waitNode(t, srv, started.GuideID, root)

	base := "/api/guides/" + started.GuideID + "/trees/grok/nodes/"
	rec := do(t, srv, "POST", base+root+"/expand", `{"topic": "battery storage costs"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	child := resp["child_node_id"]
	if child == "" {
		t.Fatal("expected child_node_id")
	}
	if n := waitNode(t, srv, started.GuideID, child); n.ParentID != root {
		t.Errorf("expected parent %s, got %s", root, n.ParentID)
	}

	rec = do(t, srv, "POST", base+root+"/expand", `{"suggested": true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, srv, "POST", base+"node-404/expand", `{"topic": "x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing parent, got %d", rec.Code)
	}
	if rec := do(t, srv, "POST", base+root+"/retry", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 retrying a completed node, got %d", rec.Code)
	}
	coord.Wait()
}

func TestApproveRoute(t *testing.T) {
	srv, coord := newTestServer(t)
	started := startResearch(t, srv)
	coord.Wait()

	path := "/api/guides/" + started.GuideID + "/approve"
	rec := do(t, srv, "POST", path, `{"expected_stage": "research"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["next_stage"] != "outline" {
		t.Errorf("expected outline, got %q", resp["next_stage"])
	}

	if rec := do(t, srv, "POST", path, `{"expected_stage": "research"}`); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on stale approval, got %d", rec.Code)
	}
	if rec := do(t, srv, "POST", path, `{"expected_stage": "publishing"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on unknown stage, got %d", rec.Code)
	}
	if rec := do(t, srv, "POST", "/api/guides/missing/approve", `{"expected_stage": "research"}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown guide, got %d", rec.Code)
	}

	rec = do(t, srv, "GET", "/api/guides/"+started.GuideID, "")
	var guide tree.Guide
	decodeBody(t, rec, &guide)
	if guide.Stage != tree.StageOutline || len(guide.History) != 1 {
		t.Errorf("unexpected guide after approval: %+v", guide)
	}
}

func TestFeedbackRoute(t *testing.T) {
	srv, coord := newTestServer(t)
	started := startResearch(t, srv)
	coord.Wait()

	path := "/api/guides/" + started.GuideID + "/feedback"
	rec := do(t, srv, "POST", path, `{"text": "More on grid costs please"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, srv, "POST", path, `{"text": "   "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty feedback, got %d", rec.Code)
	}

	rec = do(t, srv, "GET", "/api/status", "")
	var summary research.Summary
	decodeBody(t, rec, &summary)
	if summary.Guides != 1 || summary.Interactions != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestNodeWaitTimesOutWithSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, "GET", "/api/guides/g/trees/grok/nodes/root-1?wait=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad wait, got %d", rec.Code)
	}
	rec = do(t, srv, "GET", "/api/guides/g/trees/grok/nodes/root-1?wait=10ms", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing node, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	startResearch(t, srv)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := do(t, srv, "GET", "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "aicouncil_node_transitions_total") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected aicouncil metrics to be exported")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{tree.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", tree.ErrParentNotFound), http.StatusNotFound},
		{tree.ErrConflict, http.StatusConflict},
		{tree.ErrParentBusy, http.StatusConflict},
		{tree.ErrParentFailed, http.StatusConflict},
		{tree.ErrLiveRoot, http.StatusConflict},
		{research.ErrInvalidTopic, http.StatusBadRequest},
		{research.ErrUnknownProvider, http.StatusBadRequest},
		{tree.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusCode(tt.err); got != tt.code {
			t.Errorf("statusCode(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

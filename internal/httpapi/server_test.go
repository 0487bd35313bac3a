package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/pipeline"
	"github.com/antoniostano/recall/internal/session"
)

func newTestServer(t *testing.T, namespace string) (*httptest.Server, memory.Store) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		MaxResults:               5,
		RecentWindow:             3,
		ContextMaxChars:          500,
	}
	metrics := observability.NewMetrics("test_httpapi_" + namespace)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	store := memory.NewInMemoryStore()
	vectors := memory.NewChromemStore()
	embedder := memory.NewLocalEmbedder(64)
	classifier := memory.NewClassifier(memory.NewHeuristicScorer(), time.Second, metrics)
	coordinator := memory.NewCoordinator(store, vectors, embedder, time.Millisecond, metrics)
	engine := memory.NewEngine(store, vectors, embedder, cfg.RecentWindow, time.Second, metrics)
	service := pipeline.New(sessions, store, classifier, coordinator, engine,
		pipeline.NewLocalGenerator(), cfg.MaxResults, cfg.ContextMaxChars, time.Second, metrics)
	srv := New(cfg, sessions, service, store, metrics)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(payload)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res, decoded
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t, "sessions")

	res, created := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"user_id": "alice"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	// Ending twice is a 404: the session is gone from tracking.
	againRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("second end request error = %v", err)
	}
	defer againRes.Body.Close()
	if againRes.StatusCode != http.StatusNotFound {
		t.Fatalf("second end status = %d, want %d", againRes.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionRequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t, "sessions_nouser")

	res, _ := postJSON(t, ts.URL+"/v1/sessions", map[string]string{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestTurnRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "turns")

	res, first := postJSON(t, ts.URL+"/v1/turns", map[string]string{
		"user_id": "alice",
		"text":    "My name is Alice",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("turn status = %d, want %d (%+v)", res.StatusCode, http.StatusOK, first)
	}
	if first["tier"] != "factual" {
		t.Fatalf("tier = %v, want factual", first["tier"])
	}
	if first["turn_no"] != float64(1) {
		t.Fatalf("turn_no = %v, want 1", first["turn_no"])
	}
	factID, _ := first["fact_id"].(string)
	if factID == "" {
		t.Fatalf("missing fact_id in factual turn response: %+v", first)
	}
	sessionID, _ := first["session_id"].(string)

	// Follow-up turn in the same session.
	res, second := postJSON(t, ts.URL+"/v1/turns", map[string]string{
		"user_id":    "alice",
		"session_id": sessionID,
		"text":       "what is my name?",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second turn status = %d", res.StatusCode)
	}
	if second["turn_no"] != float64(2) {
		t.Fatalf("second turn_no = %v, want 2", second["turn_no"])
	}

	// The fact is visible through the context endpoint.
	ctxRes, err := http.Get(ts.URL + "/v1/context?user_id=alice&q=name")
	if err != nil {
		t.Fatalf("GET /v1/context error = %v", err)
	}
	defer ctxRes.Body.Close()
	var preview map[string]any
	if err := json.NewDecoder(ctxRes.Body).Decode(&preview); err != nil {
		t.Fatalf("decode context response: %v", err)
	}
	memoryContext, _ := preview["memory_context"].(string)
	if !strings.Contains(memoryContext, "My name is Alice") {
		t.Fatalf("memory_context = %q, want the stored fact", memoryContext)
	}

	// Forgetting the fact removes it from retrieval.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/facts/"+factID, nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE fact error = %v", err)
	}
	defer delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", delRes.StatusCode, http.StatusOK)
	}
}

func TestTurnRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, "turns_bad")

	res, _ := postJSON(t, ts.URL+"/v1/turns", map[string]string{"user_id": "alice"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing text status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, _ = postJSON(t, ts.URL+"/v1/turns", map[string]string{"text": "hello"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestTurnRejectsForeignSession(t *testing.T) {
	ts, _ := newTestServer(t, "turns_foreign")

	_, first := postJSON(t, ts.URL+"/v1/turns", map[string]string{"user_id": "alice", "text": "hello there"})
	sessionID, _ := first["session_id"].(string)

	res, _ := postJSON(t, ts.URL+"/v1/turns", map[string]string{
		"user_id":    "bob",
		"session_id": sessionID,
		"text":       "hijack attempt",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign session status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestDeleteUnknownFact(t *testing.T) {
	ts, _ := newTestServer(t, "facts_404")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/facts/nope", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestMemoryStats(t *testing.T) {
	ts, _ := newTestServer(t, "stats")

	if _, res := postJSON(t, ts.URL+"/v1/turns", map[string]string{"user_id": "alice", "text": "My name is Alice"}); res == nil {
		t.Fatalf("seed turn failed")
	}

	res, err := http.Get(ts.URL + "/v1/memory/stats")
	if err != nil {
		t.Fatalf("GET /v1/memory/stats error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	store, _ := payload["store"].(map[string]any)
	if store["turns"] != float64(1) || store["facts"] != float64(1) {
		t.Fatalf("store stats = %+v, want 1 turn / 1 fact", store)
	}
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("missing stages in stats payload: %+v", payload)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "health")

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

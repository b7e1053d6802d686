package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/drift/internal/engine"
	"github.com/nidhogg/drift/internal/memory"
	"github.com/nidhogg/drift/internal/store"
	"go.uber.org/zap"
)

// fakeEngine is an in-memory MemoryEngine for handler tests.
type fakeEngine struct {
	busy     bool
	onboards []string
}

func (f *fakeEngine) Onboard(ctx context.Context, agent string) error {
	f.onboards = append(f.onboards, agent)
	return nil
}

func (f *fakeEngine) Wake(ctx context.Context, agent string) (*engine.ContextBundle, error) {
	if f.busy {
		return nil, engine.ErrAgentBusy
	}
	if agent == "ghost" {
		return nil, fmt.Errorf("load agent: %w", store.ErrNotFound)
	}
	return &engine.ContextBundle{
		Agent:     agent,
		SessionID: "11111111-1111-1111-1111-111111111111",
		Entries: []engine.BundleEntry{
			{ID: "a1", Content: "remembered thing", Mechanism: memory.RecallRecent},
		},
	}, nil
}

func (f *fakeEngine) Sleep(ctx context.Context, agent, transcript string) (*engine.Receipt, error) {
	if f.busy {
		return nil, engine.ErrAgentBusy
	}
	return &engine.Receipt{SessionID: "22222222-2222-2222-2222-222222222222"}, nil
}

func (f *fakeEngine) Status(ctx context.Context, agent string) (*engine.StatusReport, error) {
	return &engine.StatusReport{Agent: agent, Stats: &store.Stats{Total: 3, Active: 2, Core: 1}}, nil
}

func (f *fakeEngine) Search(ctx context.Context, agent, query string, limit int) ([]engine.SearchResult, error) {
	return []engine.SearchResult{
		{Memory: &memory.Memory{ID: "a1", Content: "hit"}, Similarity: 0.91},
	}, nil
}

func newTestServer(t *testing.T, eng *fakeEngine) *httptest.Server {
	t.Helper()
	h := NewHandler(eng, zap.NewNop())
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWakeReturnsBundle(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Post(ts.URL+"/api/agents/juno/wake", "application/json", nil)
	if err != nil {
		t.Fatalf("POST wake: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var bundle engine.ContextBundle
	decodeJSON(t, resp, &bundle)
	if bundle.Agent != "juno" || len(bundle.Entries) != 1 {
		t.Errorf("unexpected bundle: %+v", bundle)
	}
}

func TestWakeTextFormat(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Post(ts.URL+"/api/agents/juno/wake?format=text", "application/json", nil)
	if err != nil {
		t.Fatalf("POST wake: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content type %q", ct)
	}
}

func TestWakeBusyConflicts(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{busy: true})
	resp, err := http.Post(ts.URL+"/api/agents/juno/wake", "application/json", nil)
	if err != nil {
		t.Fatalf("POST wake: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("busy agent should 409, got %d", resp.StatusCode)
	}
}

func TestWakeUnknownAgent(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Post(ts.URL+"/api/agents/ghost/wake", "application/json", nil)
	if err != nil {
		t.Fatalf("POST wake: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestSleepAccepted(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	body, _ := json.Marshal(map[string]string{"transcript": "did some work"})
	resp, err := http.Post(ts.URL+"/api/agents/juno/sleep", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST sleep: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, resp, &out)
	if out.SessionID == "" {
		t.Error("missing session id in receipt")
	}
}

func TestSleepRejectsBadBody(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Post(ts.URL+"/api/agents/juno/sleep", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("POST sleep: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Get(ts.URL + "/api/agents/juno/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var rep engine.StatusReport
	decodeJSON(t, resp, &rep)
	if rep.Stats == nil || rep.Stats.Total != 3 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	resp, err := http.Get(ts.URL + "/api/agents/juno/search")
	if err != nil {
		t.Fatalf("GET search: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/agents/juno/search?q=limiter")
	if err != nil {
		t.Fatalf("GET search: %v", err)
	}
	var results []engine.SearchResult
	decodeJSON(t, resp, &results)
	if len(results) != 1 || results[0].Similarity != 0.91 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestOnboard(t *testing.T) {
	eng := &fakeEngine{}
	ts := newTestServer(t, eng)
	resp, err := http.Post(ts.URL+"/api/agents/juno/onboard", "application/json", nil)
	if err != nil {
		t.Fatalf("POST onboard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status %d", resp.StatusCode)
	}
	if len(eng.onboards) != 1 || eng.onboards[0] != "juno" {
		t.Errorf("onboard not forwarded: %v", eng.onboards)
	}
}

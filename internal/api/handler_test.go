package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/events"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/nidhogg/flowforge/internal/origin"
	"github.com/nidhogg/flowforge/internal/patterns"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

var originNodes = map[string]map[string]any{
	"chatOpenAI": {
		"label":       "ChatOpenAI",
		"name":        "chatOpenAI",
		"version":     6.0,
		"type":        "ChatOpenAI",
		"baseClasses": []string{"ChatOpenAI", "BaseChatModel"},
		"credential": map[string]any{
			"label": "Connect Credential", "name": "credential", "type": "credential",
			"credentialNames": []string{"openAIApi"},
		},
		"inputs": []map[string]any{
			{"label": "Memory", "name": "memory", "type": "BaseMemory", "optional": true},
			{"label": "Temperature", "name": "temperature", "type": "number", "default": "0.9"},
		},
	},
	"bufferMemory": {
		"label":       "Buffer Memory",
		"name":        "bufferMemory",
		"version":     2.0,
		"type":        "BufferMemory",
		"baseClasses": []string{"BufferMemory", "BaseMemory"},
		"inputs": []map[string]any{
			{"label": "Memory Key", "name": "memoryKey", "type": "string", "default": "chat_history"},
		},
	},
}

var originCredentials = map[string]map[string]any{
	"cred-1": {"id": "cred-1", "name": "team key", "credentialName": "openAIApi", "encryptedData": "c2VjcmV0"},
}

// newOrigin serves a minimal chatflow platform API.
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body any
		switch path := r.URL.Path; {
		case path == "/api/v1/nodes":
			var list []map[string]any
			for _, n := range originNodes {
				list = append(list, n)
			}
			body = list
		case strings.HasPrefix(path, "/api/v1/nodes/"):
			n, ok := originNodes[strings.TrimPrefix(path, "/api/v1/nodes/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			body = n
		case path == "/api/v1/credentials":
			var list []map[string]any
			for _, c := range originCredentials {
				list = append(list, c)
			}
			body = list
		case strings.HasPrefix(path, "/api/v1/credentials/"):
			c, ok := originCredentials[strings.TrimPrefix(path, "/api/v1/credentials/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			body = c
		case path == "/api/v1/marketplaces/templates":
			body = []any{}
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type memPatterns struct {
	mu    sync.Mutex
	items map[string]*patterns.Pattern
}

func (m *memPatterns) Save(_ context.Context, p *patterns.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ID] = p
	return nil
}

func (m *memPatterns) Get(_ context.Context, id string) (*patterns.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, patterns.ErrNotFound
	}
	return p, nil
}

// newTestHandler wires every component over the in-memory cache backend
// and a fake origin (no Postgres/Neo4j/Redis).
func newTestHandler(t *testing.T, store PatternStore, opts ...func(*Deps)) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	srv := newOrigin(t)

	client := origin.NewClient(origin.Config{Name: "flowise", BaseURL: srv.URL}, logger)
	cache := schemacache.New(schemacache.NewMemoryBackend(), schemacache.Options{Origin: "flowise"}, logger)
	stores := knowledge.NewStores(cache, client, logger)
	detector := drift.New(cache, client, nil, drift.Config{}, logger)
	coord := refresh.New(cache, client, refresh.NewLocalLocker(), refresh.NewMemoryJobStore(), nil, 2, logger)
	for _, k := range schema.AllKinds {
		coord.RegisterInvalidator(k, stores.Provider(k))
	}
	comp := compiler.New(stores.Nodes, stores.Credentials, detector, knowledge.DefaultRepairBudget, logger)

	deps := Deps{
		Compiler: comp,
		Refresh:  coord,
		Cache:    cache,
		Stores:   stores,
		Drift:    detector,
		Patterns: store,
	}
	for _, o := range opts {
		o(&deps)
	}
	h := NewHandler(deps, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func sendJSON(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(method, ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

var chatOps = []compiler.Op{
	compiler.AddNode("llm", "chatOpenAI"),
	compiler.AddNode("mem", "bufferMemory"),
	compiler.Connect("mem", "llm", "memory"),
	compiler.BindCredential("llm", "cred-1"),
	compiler.SetParam("llm", "temperature", "0.5"),
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts := newTestHandler(t, nil)
	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, 200)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" || body["origin"] != "flowise" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestCompileRepairsThenServesFromMemory(t *testing.T) {
	ts := newTestHandler(t, nil)

	resp := sendJSON(t, ts, "POST", "/api/compile", map[string]any{"ops": chatOps})
	expectStatus(t, resp, 200)
	var out compileResponse
	decodeJSON(t, resp, &out)

	if len(out.Graph.Nodes) != 2 || len(out.Graph.Edges) != 1 {
		t.Fatalf("expected 2 nodes and 1 edge, got %d and %d", len(out.Graph.Nodes), len(out.Graph.Edges))
	}
	if out.Stats.OriginRepairs != 3 {
		t.Errorf("expected 3 origin repairs on a cold cache, got %d", out.Stats.OriginRepairs)
	}
	llm, _ := out.Graph.Node("llm")
	if llm.Credential != "cred-1" {
		t.Errorf("expected credential cred-1, got %q", llm.Credential)
	}
	if llm.Params["temperature"] != 0.5 {
		t.Errorf("expected coerced temperature 0.5, got %#v", llm.Params["temperature"])
	}
	if llm.InputParams[0].Name != "credential" {
		t.Errorf("expected synthesized credential param first, got %q", llm.InputParams[0].Name)
	}

	resp = sendJSON(t, ts, "POST", "/api/compile", map[string]any{"ops": chatOps})
	expectStatus(t, resp, 200)
	decodeJSON(t, resp, &out)
	if out.Stats.OriginRepairs != 0 || out.Stats.MemoryHits != 3 {
		t.Errorf("expected a warm compile to hit memory only, got %+v", out.Stats)
	}
}

func TestCompileErrors(t *testing.T) {
	ts := newTestHandler(t, nil)
	cases := []struct {
		name     string
		ops      []compiler.Op
		code     string
		opIndex  float64
		typeName string
	}{
		{"dangling", []compiler.Op{compiler.Connect("a", "b", "memory")}, "DANGLING_REFERENCE", 0, ""},
		{"unknown type", []compiler.Op{compiler.AddNode("x", "noSuchNode")}, "UNKNOWN_NODE_TYPE", 0, "noSuchNode"},
		{"unknown credential", []compiler.Op{compiler.AddNode("llm", "chatOpenAI"), compiler.BindCredential("llm", "cred-9")}, "UNKNOWN_CREDENTIAL", 1, ""},
		{"unknown anchor", []compiler.Op{
			compiler.AddNode("llm", "chatOpenAI"), compiler.AddNode("mem", "bufferMemory"),
			compiler.Connect("mem", "llm", "vectorStore"),
		}, "UNKNOWN_ANCHOR", 2, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := sendJSON(t, ts, "POST", "/api/compile", map[string]any{"ops": tc.ops})
			expectStatus(t, resp, http.StatusUnprocessableEntity)
			var body map[string]any
			decodeJSON(t, resp, &body)
			if body["code"] != tc.code {
				t.Errorf("expected code %s, got %v", tc.code, body["code"])
			}
			if body["op_index"] != tc.opIndex {
				t.Errorf("expected op_index %v, got %v", tc.opIndex, body["op_index"])
			}
			if tc.typeName != "" && body["type_name"] != tc.typeName {
				t.Errorf("expected type_name %s, got %v", tc.typeName, body["type_name"])
			}
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestCompileBadBody(t *testing.T) {
	ts := newTestHandler(t, nil)
	resp, err := http.Post(ts.URL+"/api/compile", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, 400)
}

func TestRefreshStreamsProgress(t *testing.T) {
	ts := newTestHandler(t, nil)

	resp := sendJSON(t, ts, "POST", "/api/refresh", refresh.Request{Kinds: []schema.Kind{schema.KindNode}, Force: true})
	expectStatus(t, resp, http.StatusAccepted)
	var trig refresh.Trigger
	decodeJSON(t, resp, &trig)
	if trig.Status != refresh.StatusStarted || trig.JobID == "" {
		t.Fatalf("unexpected trigger %+v", trig)
	}

	resp = getJSON(t, ts, "/api/refresh/"+trig.JobID+"/events")
	expectStatus(t, resp, 200)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	resp.Body.Close()
	want := []string{"progress", "progress", "summary"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, events)
	}

	resp = getJSON(t, ts, "/api/refresh/"+trig.JobID)
	expectStatus(t, resp, 200)
	var sum refresh.Summary
	decodeJSON(t, resp, &sum)
	if sum.Status != refresh.StatusCompleted || sum.Updated != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}

	// The refreshed nodes are now served without origin repairs.
	resp = sendJSON(t, ts, "POST", "/api/compile", map[string]any{"ops": chatOps[:3]})
	expectStatus(t, resp, 200)
	var out compileResponse
	decodeJSON(t, resp, &out)
	if out.Stats.OriginRepairs != 0 || out.Stats.CacheHits != 2 {
		t.Errorf("expected cache hits after refresh, got %+v", out.Stats)
	}
}

func TestRefreshRejectsUnknownKind(t *testing.T) {
	ts := newTestHandler(t, nil)
	resp := sendJSON(t, ts, "POST", "/api/refresh", map[string]any{"kinds": []string{"plugin"}})
	expectStatus(t, resp, 400)
}

func TestRefreshUnknownJob(t *testing.T) {
	ts := newTestHandler(t, nil)
	expectStatus(t, getJSON(t, ts, "/api/refresh/nope"), 404)
	expectStatus(t, getJSON(t, ts, "/api/refresh/nope/events"), 404)
}

func TestStatsAndInvalidate(t *testing.T) {
	ts := newTestHandler(t, nil)
	expectStatus(t, sendJSON(t, ts, "POST", "/api/compile", map[string]any{"ops": chatOps}), 200)

	resp := getJSON(t, ts, "/api/stats")
	expectStatus(t, resp, 200)
	var stats map[string]any
	decodeJSON(t, resp, &stats)
	counts := stats["counts"].(map[string]any)
	if counts["node"] != 2.0 || counts["credential"] != 1.0 {
		t.Errorf("unexpected counts %v", counts)
	}
	if mem := stats["memory"].(map[string]any); mem["node"] != 2.0 {
		t.Errorf("expected 2 nodes in memory, got %v", mem["node"])
	}

	resp = sendJSON(t, ts, "POST", "/api/cache/node/invalidate", nil)
	expectStatus(t, resp, 200)
	var inv map[string]any
	decodeJSON(t, resp, &inv)
	if inv["deleted"] != 2.0 {
		t.Errorf("expected 2 deleted, got %v", inv["deleted"])
	}

	resp = getJSON(t, ts, "/api/stats")
	decodeJSON(t, resp, &stats)
	if mem := stats["memory"].(map[string]any); mem["node"] != 0.0 {
		t.Errorf("expected memory tier cleared, got %v", mem["node"])
	}

	expectStatus(t, sendJSON(t, ts, "POST", "/api/cache/widget/invalidate", nil), 400)
}

func TestDriftCheck(t *testing.T) {
	ts := newTestHandler(t, nil)
	resp := getJSON(t, ts, "/api/drift/node")
	expectStatus(t, resp, 200)
	var report drift.Report
	decodeJSON(t, resp, &report)
	if report.Drift || report.LiveCount != 2 || report.CachedCount != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if strings.Join(report.NewKeys, ",") != "bufferMemory,chatOpenAI" {
		t.Errorf("unexpected new keys %v", report.NewKeys)
	}
}

func TestPatternsNotConfigured(t *testing.T) {
	ts := newTestHandler(t, nil)
	expectStatus(t, getJSON(t, ts, "/api/patterns/p1"), http.StatusServiceUnavailable)
	resp := sendJSON(t, ts, "POST", "/api/compile", map[string]any{"seed_pattern": "p1"})
	expectStatus(t, resp, http.StatusServiceUnavailable)
}

func TestPatternSeedsUpdateCompile(t *testing.T) {
	ts := newTestHandler(t, &memPatterns{items: map[string]*patterns.Pattern{}})

	resp := sendJSON(t, ts, "POST", "/api/compile", map[string]any{"ops": chatOps})
	expectStatus(t, resp, 200)
	var first compileResponse
	decodeJSON(t, resp, &first)

	resp = sendJSON(t, ts, "PUT", "/api/patterns/chat", map[string]any{"name": "chat with memory", "graph": first.Graph})
	expectStatus(t, resp, 200)

	resp = getJSON(t, ts, "/api/patterns/chat")
	expectStatus(t, resp, 200)
	var p patterns.Pattern
	decodeJSON(t, resp, &p)
	if p.Name != "chat with memory" || len(p.Graph.Nodes) != 2 {
		t.Fatalf("unexpected pattern %+v", p)
	}

	resp = sendJSON(t, ts, "POST", "/api/compile", map[string]any{
		"seed_pattern": "chat",
		"ops":          []compiler.Op{compiler.AddNode("mem2", "bufferMemory")},
	})
	expectStatus(t, resp, 200)
	var second compileResponse
	decodeJSON(t, resp, &second)
	if len(second.Graph.Nodes) != 3 || len(second.Graph.Edges) != 1 {
		t.Errorf("expected the seed extended to 3 nodes, got %d nodes %d edges", len(second.Graph.Nodes), len(second.Graph.Edges))
	}

	expectStatus(t, getJSON(t, ts, "/api/patterns/missing"), 404)
	expectStatus(t, sendJSON(t, ts, "PUT", "/api/patterns/bad", map[string]any{"name": "x"}), http.StatusUnprocessableEntity)
}

type fakeEventLog struct {
	origin string
	n      int64
	evs    []*events.Event
}

func (f *fakeEventLog) Recent(_ context.Context, origin string, n int64) ([]*events.Event, error) {
	f.origin, f.n = origin, n
	return f.evs, nil
}

func TestRecentEvents(t *testing.T) {
	ts := newTestHandler(t, nil)
	resp := getJSON(t, ts, "/api/events")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without an event log, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	log := &fakeEventLog{evs: []*events.Event{{Type: events.TypeDriftWarning, Origin: "flowise"}}}
	ts = newTestHandler(t, nil, func(d *Deps) { d.Events = log })

	resp = getJSON(t, ts, "/api/events?limit=5000")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Count != 1 || body.Events[0].Type != events.TypeDriftWarning {
		t.Fatalf("unexpected body %+v", body)
	}
	if log.origin != "flowise" || log.n != maxRecentEvents {
		t.Fatalf("limit not clamped: origin=%s n=%d", log.origin, log.n)
	}

	bad := getJSON(t, ts, "/api/events?limit=zero")
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

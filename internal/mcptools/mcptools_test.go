package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/nidhogg/flowforge/internal/origin"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type fakeOrigin struct {
	mu   sync.Mutex
	docs map[schema.Kind]map[string]schemacache.Document
}

func (f *fakeOrigin) List(_ context.Context, kind schema.Kind) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.docs[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeOrigin) Get(_ context.Context, kind schema.Kind, key string) (schemacache.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[kind][key]
	if !ok {
		return nil, origin.ErrNotFound
	}
	return doc, nil
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	f := &fakeOrigin{docs: map[schema.Kind]map[string]schemacache.Document{
		schema.KindNode:       {},
		schema.KindCredential: {"cred-1": {"id": "cred-1", "name": "prod", "credentialName": "openAIApi"}},
		schema.KindTemplate:   {},
	}}
	for _, ns := range []schema.NodeSchema{
		{
			Name: "chatModel", Label: "Chat Model", Version: 1,
			Params:        []schema.Param{{Label: "Temperature", Name: "temperature", Type: schema.ParamNumber}},
			InputAnchors:  []schema.Anchor{{Name: "memory", Type: "BaseMemory"}},
			OutputAnchors: []schema.Anchor{{Name: "chatModel", Type: "BaseChatModel"}},
			Credential:    &schema.Param{Label: "Connect Credential", Name: "credential", Type: schema.ParamCredential},
		},
		{
			Name: "memory", Label: "Buffer Memory", Version: 1,
			OutputAnchors: []schema.Anchor{{Name: "memory", Type: "BaseMemory"}},
		},
	} {
		doc, err := schemacache.Encode(ns)
		if err != nil {
			t.Fatalf("encode schema: %v", err)
		}
		f.docs[schema.KindNode][ns.Name] = doc
	}
	return f
}

type testEnv struct {
	deps  Deps
	cache *schemacache.Cache
}

func newTestEnv(t *testing.T, seeds SeedSource) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	org := newFakeOrigin(t)
	cache := schemacache.New(schemacache.NewMemoryBackend(), schemacache.Options{Origin: "test"}, logger)
	stores := knowledge.NewStores(cache, org, logger)
	detector := drift.New(cache, org, nil, drift.Config{}, logger)
	coord := refresh.New(cache, org, refresh.NewLocalLocker(), refresh.NewMemoryJobStore(), nil, 2, logger)
	comp := compiler.New(stores.Nodes, stores.Credentials, detector, knowledge.DefaultRepairBudget, logger)
	return &testEnv{
		cache: cache,
		deps:  Deps{Compiler: comp, Refresh: coord, Cache: cache, Drift: detector, Seeds: seeds},
	}
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func mustNotError(t *testing.T, r *mcp.CallToolResult, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(r))
	}
}

func opsArg(ops ...compiler.Op) []any {
	data, _ := json.Marshal(ops)
	var out []any
	_ = json.Unmarshal(data, &out)
	return out
}

type staticSeeds map[string]*compiler.CompiledGraph

func (s staticSeeds) Graph(_ context.Context, id string) (*compiler.CompiledGraph, error) {
	g, ok := s[id]
	if !ok {
		return nil, errors.New("pattern not found")
	}
	return g, nil
}

// ─── CompileTool Tests ───────────────────────────────────────────────────────

func TestCompileTool_Definition(t *testing.T) {
	def := NewCompileTool(nil, nil).Definition()
	if def.Name != "compile_chatflow" {
		t.Errorf("tool name = %q, want compile_chatflow", def.Name)
	}
	if _, ok := def.InputSchema.Properties["ops"]; !ok {
		t.Error("missing 'ops' parameter")
	}
	found := false
	for _, r := range def.InputSchema.Required {
		if r == "ops" {
			found = true
		}
	}
	if !found {
		t.Error("'ops' should be required")
	}
}

func TestCompileTool_Compiles(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewCompileTool(env.deps.Compiler, nil)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"ops": opsArg(
			compiler.AddNode("llm", "chatModel"),
			compiler.AddNode("mem", "memory"),
			compiler.Connect("mem", "llm", "memory"),
			compiler.BindCredential("llm", "cred-1"),
		),
	}))
	mustNotError(t, result, err)

	var res compiler.Result
	if err := json.Unmarshal([]byte(resultText(result)), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Graph.Nodes) != 2 || len(res.Graph.Edges) != 1 {
		t.Errorf("got %d nodes %d edges", len(res.Graph.Nodes), len(res.Graph.Edges))
	}
	if res.Stats.OriginRepairs != 3 {
		t.Errorf("origin repairs = %d, want 3", res.Stats.OriginRepairs)
	}
}

func TestCompileTool_OpsAsString(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewCompileTool(env.deps.Compiler, nil)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"ops": `[{"op":"add_node","node_id":"m","type_name":"memory"}]`,
	}))
	mustNotError(t, result, err)
}

func TestCompileTool_ReportsCodeAndIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewCompileTool(env.deps.Compiler, nil)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"ops": opsArg(compiler.AddNode("m", "memory"), compiler.Connect("m", "ghost", "memory")),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	text := resultText(result)
	if !strings.Contains(text, "DANGLING_REFERENCE at op 1 (connect)") {
		t.Errorf("unexpected error text: %s", text)
	}
	if strings.Contains(text, "refresh_schemas") {
		t.Error("structural errors should not suggest a refresh")
	}
}

func TestCompileTool_BudgetSuggestsRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewCompileTool(env.deps.Compiler, nil)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"ops":           opsArg(compiler.AddNode("m", "memory")),
		"repair_budget": float64(0),
	}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(result)
	if !result.IsError || !strings.Contains(text, "REPAIR_EXHAUSTED") || !strings.Contains(text, "refresh_schemas") {
		t.Errorf("unexpected result: %s", text)
	}
}

func TestCompileTool_MissingOps(t *testing.T) {
	env := newTestEnv(t, nil)
	result, _ := NewCompileTool(env.deps.Compiler, nil).Handle(context.Background(), makeReq(nil))
	if !result.IsError || !strings.Contains(resultText(result), "'ops' is required") {
		t.Errorf("unexpected result: %s", resultText(result))
	}
}

func TestCompileTool_SeedPattern(t *testing.T) {
	seed := &compiler.CompiledGraph{Nodes: []compiler.CompiledNode{}, Edges: []compiler.Edge{}, Viewport: &compiler.Viewport{X: 5, Y: 5, Zoom: 2}}
	env := newTestEnv(t, staticSeeds{"empty": seed})
	tool := NewCompileTool(env.deps.Compiler, env.deps.Seeds)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"ops":          opsArg(compiler.AddNode("m", "memory")),
		"seed_pattern": "empty",
	}))
	mustNotError(t, result, err)
	var res compiler.Result
	_ = json.Unmarshal([]byte(resultText(result)), &res)
	if res.Graph.Viewport == nil || res.Graph.Viewport.Zoom != 2 {
		t.Errorf("expected the seed viewport to be kept, got %+v", res.Graph.Viewport)
	}

	result, _ = tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"ops":          opsArg(compiler.AddNode("m", "memory")),
		"seed_pattern": "nope",
	}))
	if !result.IsError {
		t.Error("expected an error for a missing seed")
	}
}

// ─── RefreshTool Tests ───────────────────────────────────────────────────────

func TestRefreshTool_WaitReturnsSummary(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewRefreshTool(env.deps.Refresh)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"kinds": []any{"node", "credential"},
		"wait":  true,
	}))
	mustNotError(t, result, err)

	var sum refresh.Summary
	if err := json.Unmarshal([]byte(resultText(result)), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Status != refresh.StatusCompleted || sum.Updated != 3 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.Scope != "credential,node" {
		t.Errorf("scope = %q", sum.Scope)
	}
}

func TestRefreshTool_StartReturnsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewRefreshTool(env.deps.Refresh)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{"kinds": "template"}))
	mustNotError(t, result, err)
	var trig refresh.Trigger
	_ = json.Unmarshal([]byte(resultText(result)), &trig)
	if trig.Status != refresh.StatusStarted || trig.JobID == "" {
		t.Fatalf("unexpected trigger %+v", trig)
	}
	job, ok := env.deps.Refresh.Job(trig.JobID)
	if !ok {
		t.Fatal("job not registered")
	}
	_, done := job.Watch(context.Background())
	<-done
}

func TestRefreshTool_UnknownKind(t *testing.T) {
	env := newTestEnv(t, nil)
	result, _ := NewRefreshTool(env.deps.Refresh).Handle(context.Background(), makeReq(map[string]interface{}{"kinds": "plugin"}))
	if !result.IsError {
		t.Error("expected tool error")
	}
}

// ─── DriftTool / StatsTool Tests ─────────────────────────────────────────────

func TestDriftTool(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewDriftTool(env.deps.Drift)

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{"kind": "node"}))
	mustNotError(t, result, err)
	var report drift.Report
	_ = json.Unmarshal([]byte(resultText(result)), &report)
	if report.LiveCount != 2 || report.CachedCount != 0 || report.Drift {
		t.Errorf("unexpected report %+v", report)
	}

	result, _ = tool.Handle(context.Background(), makeReq(map[string]interface{}{"kind": "bogus"}))
	if !result.IsError {
		t.Error("expected tool error for an unknown kind")
	}
}

func TestStatsTool(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := NewStatsTool(env.cache, env.deps.Refresh)

	result, err := tool.Handle(context.Background(), makeReq(nil))
	mustNotError(t, result, err)
	text := resultText(result)
	if !strings.Contains(text, "**node**: 0 cached") || !strings.Contains(text, "**Last refresh**: never") {
		t.Errorf("unexpected stats: %s", text)
	}

	if _, err := env.deps.Refresh.Refresh(context.Background(), refresh.Request{Kinds: []schema.Kind{schema.KindNode}}, nil); err != nil {
		t.Fatal(err)
	}
	result, err = tool.Handle(context.Background(), makeReq(nil))
	mustNotError(t, result, err)
	text = resultText(result)
	if !strings.Contains(text, "**node**: 2 cached") || !strings.Contains(text, "completed (node, 2 updated") {
		t.Errorf("unexpected stats after refresh: %s", text)
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	env := newTestEnv(t, nil)
	s := NewServer("flowforge", "test", env.deps)
	resp := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"compile_chatflow", "refresh_schemas", "check_drift", "schema_stats"} {
		if !strings.Contains(string(data), `"name":"`+name+`"`) {
			t.Errorf("tool %s not registered", name)
		}
	}
}

//go:build integration

package patterns

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func startNeo4j(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)
	s, err := NewStore(uri, "", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func node(id, typ string) compiler.CompiledNode {
	return compiler.CompiledNode{
		ID:                  id,
		Type:                typ,
		Label:               typ,
		Version:             1,
		Params:              map[string]any{},
		InputParams:         []schema.Param{},
		ConnectionPointsIn:  []schema.Anchor{},
		ConnectionPointsOut: []schema.Anchor{{Name: typ, Label: typ, Types: []string{typ}}},
		Position:            compiler.Position{X: 0, Y: 100},
		Height:              160,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := startNeo4j(t)

	g := &compiler.CompiledGraph{
		Nodes:    []compiler.CompiledNode{node("llm", "chatOpenAI"), node("mem", "bufferMemory")},
		Edges:    []compiler.Edge{{ID: "mem-bufferMemory-llm-memory", SourceID: "mem", TargetID: "llm", TargetAnchor: "memory", SourceAnchor: "bufferMemory"}},
		Viewport: &compiler.Viewport{X: 10, Y: 20, Zoom: 0.8},
	}
	require.NoError(t, s.Save(ctx, &Pattern{ID: "p1", Name: "chat with memory", Graph: g}))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "chat with memory", got.Name)
	assert.Empty(t, cmp.Diff(g, got.Graph))

	seed, err := s.Graph(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, seed.Nodes, 2)

	users, err := s.UsingType(ctx, "bufferMemory")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 2, users[0].NodeCount)
	assert.Equal(t, 1, users[0].EdgeCount)

	// Replacing the graph drops stale type links.
	g2 := &compiler.CompiledGraph{Nodes: []compiler.CompiledNode{node("llm", "chatOpenAI")}, Edges: []compiler.Edge{}, Viewport: g.Viewport}
	require.NoError(t, s.Save(ctx, &Pattern{ID: "p1", Name: "chat", Graph: g2}))
	users, err = s.UsingType(ctx, "bufferMemory")
	require.NoError(t, err)
	assert.Empty(t, users)

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "chat", list[0].Name)

	require.NoError(t, s.Delete(ctx, "p1"))
	_, err = s.Get(ctx, "p1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "p1"), ErrNotFound))
}

func TestStoreRejectsUnsafeGraph(t *testing.T) {
	s := startNeo4j(t)
	err := s.Save(context.Background(), &Pattern{ID: "bad", Graph: &compiler.CompiledGraph{}})
	assert.True(t, errors.Is(err, compiler.ErrRenderSafety))
}

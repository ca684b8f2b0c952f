// Package patterns keeps compiled chatflow graphs in Neo4j so they can be
// reused as seed graphs for update-mode compiles.
package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/flowforge/internal/compiler"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no pattern has the requested id.
var ErrNotFound = errors.New("pattern not found")

// Pattern is a named compiled graph.
type Pattern struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Graph       *compiler.CompiledGraph `json:"graph"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Summary describes a pattern without its graph.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists patterns as (:Pattern)-[:USES]->(:NodeType) subgraphs.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a Neo4j pattern store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the store relies on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT pattern_id IF NOT EXISTS FOR (p:Pattern) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT node_type_name IF NOT EXISTS FOR (t:NodeType) REQUIRE t.name IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure pattern schema: %w", err)
		}
	}
	return nil
}

// typeUsage counts node types in g, sorted by type name.
func typeUsage(g *compiler.CompiledGraph) []map[string]any {
	counts := make(map[string]int64)
	for _, n := range g.Nodes {
		counts[n.Type]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, len(names))
	for i, name := range names {
		out[i] = map[string]any{"name": name, "count": counts[name]}
	}
	return out
}

// Save creates or replaces a pattern and its node type links.
func (s *Store) Save(ctx context.Context, p *Pattern) error {
	if p.ID == "" {
		return errors.New("save pattern: empty id")
	}
	if p.Graph == nil {
		return errors.New("save pattern: nil graph")
	}
	if err := compiler.CheckRenderSafety(p.Graph); err != nil {
		return fmt.Errorf("save pattern %s: %w", p.ID, err)
	}
	raw, err := json.Marshal(p.Graph)
	if err != nil {
		return fmt.Errorf("marshal pattern graph: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (p:Pattern {id: $id})
			 SET p.name = $name, p.description = $desc, p.graph = $graph,
			     p.node_count = $nodes, p.edge_count = $edges, p.updated_at = $updatedAt
			 WITH p
			 OPTIONAL MATCH (p)-[u:USES]->(:NodeType)
			 DELETE u`,
			map[string]any{
				"id":        p.ID,
				"name":      p.Name,
				"desc":      p.Description,
				"graph":     string(raw),
				"nodes":     int64(len(p.Graph.Nodes)),
				"edges":     int64(len(p.Graph.Edges)),
				"updatedAt": p.UpdatedAt,
			}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx,
			`MATCH (p:Pattern {id: $id})
			 UNWIND $types AS t
			 MERGE (n:NodeType {name: t.name})
			 MERGE (p)-[u:USES]->(n)
			 SET u.count = t.count`,
			map[string]any{"id": p.ID, "types": typeUsage(p.Graph)})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("save pattern %s: %w", p.ID, err)
	}
	s.logger.Debug("pattern saved", zap.String("id", p.ID), zap.Int("nodes", len(p.Graph.Nodes)))
	return nil
}

// Get loads a pattern by id.
func (s *Store) Get(ctx context.Context, id string) (*Pattern, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (p:Pattern {id: $id})
		 RETURN p.name, p.description, p.graph, p.updated_at`,
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", id, err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("get pattern %s: %w", id, err)
		}
		return nil, fmt.Errorf("get pattern %s: %w", id, ErrNotFound)
	}
	rec := result.Record()
	name, _ := rec.Get("p.name")
	desc, _ := rec.Get("p.description")
	raw, _ := rec.Get("p.graph")
	updated, _ := rec.Get("p.updated_at")

	p := &Pattern{ID: id, Name: asString(name), Description: asString(desc)}
	if t, ok := updated.(time.Time); ok {
		p.UpdatedAt = t
	}
	if err := json.Unmarshal([]byte(asString(raw)), &p.Graph); err != nil {
		return nil, fmt.Errorf("decode pattern %s: %w", id, err)
	}
	return p, nil
}

// Graph returns the stored graph for id. It satisfies the compiler's seed
// graph lookup.
func (s *Store) Graph(ctx context.Context, id string) (*compiler.CompiledGraph, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Graph, nil
}

// List returns pattern summaries, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.summaries(ctx,
		`MATCH (p:Pattern)
		 RETURN p.id, p.name, p.node_count, p.edge_count, p.updated_at
		 ORDER BY p.updated_at DESC LIMIT $limit`,
		map[string]any{"limit": int64(limit)})
}

// UsingType returns the patterns that contain a node of typeName.
func (s *Store) UsingType(ctx context.Context, typeName string) ([]Summary, error) {
	return s.summaries(ctx,
		`MATCH (p:Pattern)-[:USES]->(:NodeType {name: $name})
		 RETURN p.id, p.name, p.node_count, p.edge_count, p.updated_at
		 ORDER BY p.id`,
		map[string]any{"name": typeName})
}

func (s *Store) summaries(ctx context.Context, cypher string, params map[string]any) ([]Summary, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	out := []Summary{}
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("p.id")
		name, _ := rec.Get("p.name")
		nodes, _ := rec.Get("p.node_count")
		edges, _ := rec.Get("p.edge_count")
		updated, _ := rec.Get("p.updated_at")
		sum := Summary{ID: asString(id), Name: asString(name), NodeCount: asInt(nodes), EdgeCount: asInt(edges)}
		if t, ok := updated.(time.Time); ok {
			sum.UpdatedAt = t
		}
		out = append(out, sum)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return out, nil
}

// Delete removes a pattern. Node types stay for other patterns.
func (s *Store) Delete(ctx context.Context, id string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (p:Pattern {id: $id}) DETACH DELETE p RETURN count(p) AS n`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete pattern %s: %w", id, err)
	}
	rec, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("delete pattern %s: %w", id, err)
	}
	if n, _ := rec.Get("n"); asInt(n) == 0 {
		return fmt.Errorf("delete pattern %s: %w", id, ErrNotFound)
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	n, _ := v.(int64)
	return int(n)
}

package compiler

import "github.com/nidhogg/flowforge/internal/schema"

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Viewport is the canvas pan and zoom.
type Viewport struct {
	X    float64 `json:"x" yaml:"x"`
	Y    float64 `json:"y" yaml:"y"`
	Zoom float64 `json:"zoom" yaml:"zoom"`
}

// DefaultViewport is used unless a base graph supplies one.
var DefaultViewport = Viewport{X: 0, Y: 0, Zoom: 1}

// CompiledNode is one node in the renderer's wire format.
type CompiledNode struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"`
	Label               string          `json:"label"`
	Version             float64         `json:"version"`
	Params              map[string]any  `json:"params"`
	InputParams         []schema.Param  `json:"input_params"`
	ConnectionPointsIn  []schema.Anchor `json:"connection_points_in"`
	ConnectionPointsOut []schema.Anchor `json:"connection_points_out"`
	Credential          string          `json:"credential,omitempty"`
	Position            Position        `json:"position"`
	Height              int             `json:"height"`
}

// Edge connects a source output to a target input.
type Edge struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	TargetID     string `json:"target_id"`
	TargetAnchor string `json:"target_anchor"`
	SourceAnchor string `json:"source_anchor"`
}

// CompiledGraph is the renderer's wire format.
type CompiledGraph struct {
	Nodes    []CompiledNode `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Viewport *Viewport      `json:"viewport"`
}

// Node returns the node with id.
func (g *CompiledGraph) Node(id string) (*CompiledNode, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// irNode is the compiler's mutable record for one node.
type irNode struct {
	id         string
	schema     *schema.NodeSchema
	params     map[string]any
	credential string
	position   *Position // kept from a base graph
}

// graphIR is owned by a single compile.
type graphIR struct {
	nodes    map[string]*irNode
	order    []string
	edges    []Edge
	viewport *Viewport
}

func newGraphIR() *graphIR {
	return &graphIR{nodes: make(map[string]*irNode)}
}

func (g *graphIR) add(n *irNode) {
	g.nodes[n.id] = n
	g.order = append(g.order, n.id)
}

// loadBase seeds the IR from a previously compiled graph. Base nodes carry
// their own resolved schema.
func (g *graphIR) loadBase(base *CompiledGraph) {
	for _, bn := range base.Nodes {
		ns := &schema.NodeSchema{
			Name:          bn.Type,
			Label:         bn.Label,
			Version:       bn.Version,
			Params:        append([]schema.Param(nil), bn.InputParams...),
			InputAnchors:  append([]schema.Anchor(nil), bn.ConnectionPointsIn...),
			OutputAnchors: append([]schema.Anchor(nil), bn.ConnectionPointsOut...),
		}
		params := make(map[string]any, len(bn.Params))
		for k, v := range bn.Params {
			params[k] = v
		}
		pos := bn.Position
		g.add(&irNode{id: bn.ID, schema: ns.Clone(), params: params, credential: bn.Credential, position: &pos})
	}
	g.edges = append(g.edges, base.Edges...)
	if base.Viewport != nil {
		vp := *base.Viewport
		g.viewport = &vp
	}
}

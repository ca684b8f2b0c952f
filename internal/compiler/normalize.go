package compiler

import (
	"strconv"
	"strings"

	"github.com/nidhogg/flowforge/internal/schema"
)

// Height bounds and increments.
const (
	heightBase     = 120
	heightPerPoint = 40
	heightPerParam = 30
	MinHeight      = 150
	MaxHeight      = 1600
)

const defaultCredentialParam = "credential"

// nodeHeight grows with connection points and params.
func nodeHeight(ns *schema.NodeSchema) int {
	h := heightBase +
		heightPerPoint*(len(ns.InputAnchors)+len(ns.OutputAnchors)) +
		heightPerParam*len(ns.Params)
	return min(max(h, MinHeight), MaxHeight)
}

func isAsyncChoice(t string) bool {
	return t == schema.ParamAsyncOptions || t == "asyncMultiOptions"
}

// normalizeSchema rewrites the constructs the renderer cannot display.
// Applying it twice changes nothing.
func normalizeSchema(ns *schema.NodeSchema) {
	if ns.Params == nil {
		ns.Params = []schema.Param{}
	}
	if ns.InputAnchors == nil {
		ns.InputAnchors = []schema.Anchor{}
	}
	if ns.OutputAnchors == nil {
		ns.OutputAnchors = []schema.Anchor{}
	}

	for i := range ns.Params {
		p := &ns.Params[i]
		switch {
		case p.IsChoice():
			if p.Options == nil {
				p.Options = []schema.Option{}
			}
		case isAsyncChoice(p.Type):
			if p.LoadMethod == nil {
				empty := ""
				p.LoadMethod = &empty
			}
		case p.Type == schema.ParamNumber:
			if s, ok := p.Default.(string); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					p.Default = f
				}
			}
		case p.Type == schema.ParamBoolean:
			if s, ok := p.Default.(string); ok {
				if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
					p.Default = b
				}
			}
		}
	}

	if ns.Credential != nil {
		if _, ok := ns.CredentialParam(); !ok {
			synthesizeCredentialParam(ns, *ns.Credential)
		}
	}
}

// synthesizeCredentialParam puts the credential param first among the
// node's params.
func synthesizeCredentialParam(ns *schema.NodeSchema, p schema.Param) {
	p.Type = schema.ParamCredential
	if p.Name == "" {
		p.Name = defaultCredentialParam
	}
	if p.Label == "" {
		p.Label = "Connect Credential"
	}
	p.CredentialNames = append([]string(nil), p.CredentialNames...)
	ns.Params = append([]schema.Param{p}, ns.Params...)
}

// coerce converts a string value to the param's declared primitive type
// when it parses; anything else is returned unchanged.
func coerce(p schema.Param, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch p.Type {
	case schema.ParamNumber:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	case schema.ParamBoolean:
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return v
}

// CheckRenderSafety fails on the first construct the renderer would crash on.
func CheckRenderSafety(g *CompiledGraph) error {
	if g == nil {
		return &RenderSafetyError{Reason: "graph is nil"}
	}
	if g.Viewport == nil {
		return &RenderSafetyError{Reason: "viewport is missing"}
	}
	if g.Nodes == nil || g.Edges == nil {
		return &RenderSafetyError{Reason: "nodes and edges must be lists"}
	}
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if ids[n.ID] {
			return &RenderSafetyError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		ids[n.ID] = true
		if n.Params == nil || n.InputParams == nil || n.ConnectionPointsIn == nil || n.ConnectionPointsOut == nil {
			return &RenderSafetyError{NodeID: n.ID, Reason: "params and connection points must be lists"}
		}
		if n.Height < MinHeight || n.Height > MaxHeight {
			return &RenderSafetyError{NodeID: n.ID, Reason: "height out of bounds"}
		}
		for _, p := range n.InputParams {
			if p.IsChoice() && p.Options == nil {
				return &RenderSafetyError{NodeID: n.ID, Reason: "choice param " + p.Name + " has no option list"}
			}
			if isAsyncChoice(p.Type) && p.LoadMethod == nil {
				return &RenderSafetyError{NodeID: n.ID, Reason: "async param " + p.Name + " has no load method"}
			}
		}
	}
	edges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if edges[e.ID] {
			return &RenderSafetyError{NodeID: e.TargetID, Reason: "duplicate edge id " + e.ID}
		}
		edges[e.ID] = true
		if !ids[e.SourceID] || !ids[e.TargetID] {
			return &RenderSafetyError{NodeID: e.TargetID, Reason: "edge " + e.ID + " references a missing node"}
		}
	}
	return nil
}

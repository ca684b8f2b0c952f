// Package compiler turns an ordered list of Patch IR ops into a node graph
// the origin's renderer can display without review.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/nidhogg/flowforge/internal/origin"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

const (
	columnWidth = 350
	rowY        = 100
)

// NodeResolver resolves node schemas by type name.
type NodeResolver interface {
	Get(ctx context.Context, typeName string, tr *knowledge.Tracker) (*schema.NodeSchema, error)
}

// CredentialResolver resolves credential metadata by id.
type CredentialResolver interface {
	Get(ctx context.Context, id string, tr *knowledge.Tracker) (*schema.Credential, error)
}

// Observer receives the lookup counters of every compile.
type Observer interface {
	ObserveCompile(ctx context.Context, compileID string, stats knowledge.Stats)
}

// Request is one compile invocation.
type Request struct {
	Ops  []Op           `json:"ops" yaml:"ops"`
	Base *CompiledGraph `json:"base,omitempty" yaml:"base,omitempty"`
	// RepairBudget overrides the compiler default when set.
	RepairBudget *int `json:"repair_budget,omitempty" yaml:"repair_budget,omitempty"`
}

// Result is a successful compile.
type Result struct {
	CompileID string          `json:"compile_id"`
	Graph     *CompiledGraph  `json:"graph"`
	Stats     knowledge.Stats `json:"stats"`
}

// Compiler is safe for concurrent use; each Compile owns its own IR.
type Compiler struct {
	nodes    NodeResolver
	creds    CredentialResolver
	observer Observer
	budget   int
	logger   *zap.Logger
}

// New creates a Compiler. observer may be nil.
func New(nodes NodeResolver, creds CredentialResolver, observer Observer, repairBudget int, logger *zap.Logger) *Compiler {
	return &Compiler{nodes: nodes, creds: creds, observer: observer, budget: repairBudget, logger: logger}
}

// Compile applies ops in order and assembles the graph. Any failure
// returns a *CompileError and no graph.
func (c *Compiler) Compile(ctx context.Context, req Request) (*Result, error) {
	compileID := uuid.New().String()
	budget := c.budget
	if req.RepairBudget != nil {
		budget = *req.RepairBudget
	}
	tr := knowledge.NewTracker(budget)
	start := time.Now()

	graph, err := c.run(ctx, req, tr)
	stats := tr.Stats()
	if c.observer != nil {
		c.observer.ObserveCompile(ctx, compileID, stats)
	}

	fields := []zap.Field{
		zap.String("compile", compileID),
		zap.Int("ops", len(req.Ops)),
		zap.Int("lookups", stats.TotalLookups),
		zap.Int("repairs", stats.OriginRepairs),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		c.logger.Info("compile rejected", append(fields, zap.Error(err))...)
		return nil, err
	}
	c.logger.Info("compile finished", append(fields,
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("edges", len(graph.Edges)))...)
	return &Result{CompileID: compileID, Graph: graph, Stats: stats}, nil
}

func (c *Compiler) run(ctx context.Context, req Request, tr *knowledge.Tracker) (*CompiledGraph, error) {
	ir := newGraphIR()
	if req.Base != nil {
		ir.loadBase(req.Base)
	}

	for i, op := range req.Ops {
		if err := op.Validate(); err != nil {
			return nil, opError(CodeInvalidOp, i, op, err.Error(), nil)
		}
		var err error
		switch op.Op {
		case OpAddNode:
			err = c.addNode(ctx, ir, i, op, tr)
		case OpSetParam:
			err = setParam(ir, i, op)
		case OpConnect:
			err = connect(ir, i, op)
		case OpBindCredential:
			err = c.bindCredential(ctx, ir, i, op, tr)
		}
		if err != nil {
			return nil, err
		}
	}

	graph := assemble(ir)
	if err := CheckRenderSafety(graph); err != nil {
		return nil, &CompileError{Code: CodeRenderSafety, OpIndex: -1, Message: err.Error(), Err: err}
	}
	return graph, nil
}

func opError(code Code, i int, op Op, msg string, err error) *CompileError {
	return &CompileError{Code: code, OpIndex: i, Op: op.Op, NodeID: op.subject(), Message: msg, Err: err}
}

// lookupCode maps a knowledge failure onto a compile error code.
func lookupCode(err error, notFound Code) Code {
	switch {
	case errors.Is(err, knowledge.ErrRepairExhausted):
		return CodeRepairExhausted
	case errors.Is(err, origin.ErrNotFound), errors.Is(err, schemacache.ErrNotFound):
		return notFound
	default:
		return CodeSchemaUnavailable
	}
}

func (c *Compiler) addNode(ctx context.Context, ir *graphIR, i int, op Op, tr *knowledge.Tracker) error {
	if _, exists := ir.nodes[op.NodeID]; exists {
		return opError(CodeDuplicateNodeID, i, op, fmt.Sprintf("node %q already exists", op.NodeID), nil)
	}
	ns, err := c.nodes.Get(ctx, op.TypeName, tr)
	if err != nil {
		ce := opError(lookupCode(err, CodeUnknownNodeType), i, op, err.Error(), err)
		ce.TypeName = op.TypeName
		return ce
	}
	ir.add(&irNode{id: op.NodeID, schema: ns, params: make(map[string]any)})
	return nil
}

func setParam(ir *graphIR, i int, op Op) error {
	n, ok := ir.nodes[op.NodeID]
	if !ok {
		return opError(CodeDanglingReference, i, op, fmt.Sprintf("node %q is not defined before this op", op.NodeID), nil)
	}
	p, ok := n.schema.Param(op.Param)
	if !ok {
		ce := opError(CodeUnknownParam, i, op, fmt.Sprintf("%s declares no param %q", n.schema.Name, op.Param), nil)
		ce.TypeName = n.schema.Name
		ce.Param = op.Param
		return ce
	}
	n.params[op.Param] = coerce(p, op.Value)
	return nil
}

func connect(ir *graphIR, i int, op Op) error {
	src, ok := ir.nodes[op.SourceID]
	if !ok {
		ce := opError(CodeDanglingReference, i, op, fmt.Sprintf("source %q is not defined before this op", op.SourceID), nil)
		ce.NodeID = op.SourceID
		return ce
	}
	dst, ok := ir.nodes[op.TargetID]
	if !ok {
		return opError(CodeDanglingReference, i, op, fmt.Sprintf("target %q is not defined before this op", op.TargetID), nil)
	}
	if _, ok := dst.schema.InputAnchor(op.TargetAnchor); !ok {
		ce := opError(CodeUnknownAnchor, i, op, fmt.Sprintf("%s has no input connection point %q", dst.schema.Name, op.TargetAnchor), nil)
		ce.TypeName = dst.schema.Name
		ce.Anchor = op.TargetAnchor
		return ce
	}

	sourceAnchor := "output"
	if len(src.schema.OutputAnchors) > 0 {
		sourceAnchor = src.schema.OutputAnchors[0].Name
	}
	id := fmt.Sprintf("%s-%s-%s-%s", op.SourceID, sourceAnchor, op.TargetID, op.TargetAnchor)
	// Repeating a connection is a no-op.
	if slices.ContainsFunc(ir.edges, func(e Edge) bool { return e.ID == id }) {
		return nil
	}
	ir.edges = append(ir.edges, Edge{
		ID:           id,
		SourceID:     op.SourceID,
		TargetID:     op.TargetID,
		TargetAnchor: op.TargetAnchor,
		SourceAnchor: sourceAnchor,
	})
	return nil
}

func (c *Compiler) bindCredential(ctx context.Context, ir *graphIR, i int, op Op, tr *knowledge.Tracker) error {
	n, ok := ir.nodes[op.NodeID]
	if !ok {
		return opError(CodeDanglingReference, i, op, fmt.Sprintf("node %q is not defined before this op", op.NodeID), nil)
	}
	cred, err := c.creds.Get(ctx, op.CredentialID, tr)
	if err != nil {
		return opError(lookupCode(err, CodeUnknownCredential), i, op, err.Error(), err)
	}

	p, ok := n.schema.CredentialParam()
	if !ok {
		seed := schema.Param{CredentialNames: []string{cred.CredentialName}}
		if n.schema.Credential != nil {
			seed = *n.schema.Credential
		}
		synthesizeCredentialParam(n.schema, seed)
		p = n.schema.Params[0]
	}
	n.credential = cred.ID
	n.params[p.Name] = cred.ID
	return nil
}

// assemble normalizes every node and lays the graph out. New nodes are
// placed left to right in insertion order; base nodes keep their position.
func assemble(ir *graphIR) *CompiledGraph {
	g := &CompiledGraph{
		Nodes: make([]CompiledNode, 0, len(ir.order)),
		Edges: make([]Edge, 0, len(ir.edges)),
	}
	for idx, id := range ir.order {
		n := ir.nodes[id]
		normalizeSchema(n.schema)
		for _, p := range n.schema.Params {
			if _, set := n.params[p.Name]; !set && p.Default != nil {
				n.params[p.Name] = p.Default
			}
		}

		pos := Position{X: float64(idx * columnWidth), Y: rowY}
		if n.position != nil {
			pos = *n.position
		}
		g.Nodes = append(g.Nodes, CompiledNode{
			ID:                  n.id,
			Type:                n.schema.Name,
			Label:               n.schema.Label,
			Version:             n.schema.Version,
			Params:              n.params,
			InputParams:         n.schema.Params,
			ConnectionPointsIn:  n.schema.InputAnchors,
			ConnectionPointsOut: n.schema.OutputAnchors,
			Credential:          n.credential,
			Position:            pos,
			Height:              nodeHeight(n.schema),
		})
	}
	g.Edges = append(g.Edges, ir.edges...)

	vp := DefaultViewport
	if ir.viewport != nil {
		vp = *ir.viewport
	}
	g.Viewport = &vp
	return g
}

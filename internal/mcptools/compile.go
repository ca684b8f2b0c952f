package mcptools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/flowforge/internal/compiler"
)

// SeedSource loads a stored graph to extend.
type SeedSource interface {
	Graph(ctx context.Context, id string) (*compiler.CompiledGraph, error)
}

// CompileTool handles the compile_chatflow MCP tool.
type CompileTool struct {
	compiler *compiler.Compiler
	seeds    SeedSource
}

// NewCompileTool creates a CompileTool. seeds may be nil.
func NewCompileTool(c *compiler.Compiler, seeds SeedSource) *CompileTool {
	return &CompileTool{compiler: c, seeds: seeds}
}

// Definition returns the MCP tool definition for compile_chatflow.
func (t *CompileTool) Definition() mcp.Tool {
	return mcp.NewTool("compile_chatflow",
		mcp.WithDescription(
			"Compile an ordered list of patch ops into a render-safe chatflow graph. "+
				"Ops are applied strictly in order: add_node(node_id, type_name), set_param(node_id, param, value), "+
				"connect(source_id, target_id, target_anchor), bind_credential(node_id, credential_id). "+
				"On failure the result names the error code and the index of the failing op.",
		),
		mcp.WithArray("ops",
			mcp.Required(),
			mcp.Description(`Patch ops, e.g. [{"op":"add_node","node_id":"llm","type_name":"chatOpenAI"}]`),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithString("seed_pattern",
			mcp.Description("Id of a stored pattern to extend instead of starting from an empty graph"),
		),
		mcp.WithNumber("repair_budget",
			mcp.Description("Origin repairs this compile may make; -1 for unlimited (default: server setting)"),
		),
	)
}

// Handle processes the compile_chatflow tool call.
func (t *CompileTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var creq compiler.Request
	if err := decodeArg(req, "ops", &creq.Ops); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := req.GetArguments()["repair_budget"]; ok {
		budget := intArg(req, "repair_budget", 0)
		creq.RepairBudget = &budget
	}
	if seed := req.GetString("seed_pattern", ""); seed != "" {
		if t.seeds == nil {
			return mcp.NewToolResultError("pattern store is not configured"), nil
		}
		base, err := t.seeds.Graph(ctx, seed)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load seed pattern: %v", err)), nil
		}
		creq.Base = base
	}

	res, err := t.compiler.Compile(ctx, creq)
	if err != nil {
		var ce *compiler.CompileError
		if !errors.As(err, &ce) {
			return mcp.NewToolResultError(fmt.Sprintf("compile failed: %v", err)), nil
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("compile failed with %s", ce.Code))
		if ce.OpIndex >= 0 {
			sb.WriteString(fmt.Sprintf(" at op %d (%s)", ce.OpIndex, ce.Op))
		}
		sb.WriteString(": " + ce.Message)
		if !compiler.IsStructural(err) {
			sb.WriteString("\nThe op list itself may be valid; run refresh_schemas and retry.")
		}
		return mcp.NewToolResultError(sb.String()), nil
	}
	return jsonResult(res)
}

package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
)

// RefreshTool handles the refresh_schemas MCP tool.
type RefreshTool struct {
	coord *refresh.Coordinator
}

func NewRefreshTool(coord *refresh.Coordinator) *RefreshTool {
	return &RefreshTool{coord: coord}
}

// Definition returns the MCP tool definition for refresh_schemas.
func (t *RefreshTool) Definition() mcp.Tool {
	return mcp.NewTool("refresh_schemas",
		mcp.WithDescription(
			"Re-populate the schema cache from the origin. Returns immediately with a job id unless wait is set. "+
				"A refresh already running for the same kinds is reported as already_running.",
		),
		mcp.WithArray("kinds",
			mcp.Description("Kinds to refresh: node, credential, template (default: all)"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithBoolean("force",
			mcp.Description("Refetch every listed item instead of only missing and stale ones"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Block until the refresh finishes and return its summary"),
		),
	)
}

// Handle processes the refresh_schemas tool call.
func (t *RefreshTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var rreq refresh.Request
	for _, k := range stringsArg(req, "kinds") {
		kind := schema.Kind(k)
		if !kind.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q", k)), nil
		}
		rreq.Kinds = append(rreq.Kinds, kind)
	}
	rreq.Force = boolArg(req, "force", false)

	if boolArg(req, "wait", false) {
		sum, err := t.coord.Refresh(ctx, rreq, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
		}
		return jsonResult(sum)
	}
	trig, err := t.coord.Start(ctx, rreq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	return jsonResult(trig)
}

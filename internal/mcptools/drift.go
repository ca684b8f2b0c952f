package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/schema"
)

// DriftTool handles the check_drift MCP tool.
type DriftTool struct {
	detector *drift.Detector
}

func NewDriftTool(d *drift.Detector) *DriftTool {
	return &DriftTool{detector: d}
}

func (t *DriftTool) Definition() mcp.Tool {
	return mcp.NewTool("check_drift",
		mcp.WithDescription("Compare the cached inventory of one kind with the origin's live listing."),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("node, credential or template"),
		),
	)
}

func (t *DriftTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := schema.Kind(req.GetString("kind", ""))
	if !kind.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q", kind)), nil
	}
	report, err := t.detector.Check(ctx, kind)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("drift check failed: %v", err)), nil
	}
	return jsonResult(report)
}

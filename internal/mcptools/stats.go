package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
)

// StatsTool handles the schema_stats MCP tool.
type StatsTool struct {
	cache *schemacache.Cache
	coord *refresh.Coordinator
}

func NewStatsTool(cache *schemacache.Cache, coord *refresh.Coordinator) *StatsTool {
	return &StatsTool{cache: cache, coord: coord}
}

func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("schema_stats",
		mcp.WithDescription("Show schema cache statistics: entries and stale entries per kind, and the last refresh."),
	)
}

func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.cache.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Schema Cache (%s)\n\n", t.cache.Origin()))
	for _, k := range schema.AllKinds {
		sb.WriteString(fmt.Sprintf("- **%s**: %d cached, %d stale\n", k, st.Counts[k], st.Stale[k]))
	}
	if !st.LastFetched.IsZero() {
		sb.WriteString(fmt.Sprintf("- **Last fetched**: %s\n", st.LastFetched.Format("2006-01-02 15:04:05 MST")))
	}

	last, err := t.coord.LastFinished(ctx)
	switch {
	case err != nil:
		sb.WriteString(fmt.Sprintf("- **Last refresh**: unknown (%v)\n", err))
	case last == nil:
		sb.WriteString("- **Last refresh**: never\n")
	default:
		sb.WriteString(fmt.Sprintf("- **Last refresh**: %s (%s, %d updated, %d skipped, %d errors)\n",
			last.Status, last.Scope, last.Updated, last.Skipped, last.Errors))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

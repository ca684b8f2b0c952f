package mcptools

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schemacache"
)

// Deps are the components the tools call into. Seeds may be nil.
type Deps struct {
	Compiler *compiler.Compiler
	Refresh  *refresh.Coordinator
	Cache    *schemacache.Cache
	Drift    *drift.Detector
	Seeds    SeedSource
}

// NewServer creates an MCP server with every tool registered.
func NewServer(name, version string, d Deps) *server.MCPServer {
	s := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	compileTool := NewCompileTool(d.Compiler, d.Seeds)
	s.AddTool(compileTool.Definition(), compileTool.Handle)

	refreshTool := NewRefreshTool(d.Refresh)
	s.AddTool(refreshTool.Definition(), refreshTool.Handle)

	driftTool := NewDriftTool(d.Drift)
	s.AddTool(driftTool.Definition(), driftTool.Handle)

	statsTool := NewStatsTool(d.Cache, d.Refresh)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	return s
}

const instructions = `Build chatflows with compile_chatflow. Emit ops in dependency order: add every node before connecting or configuring it.
Node types and credentials are resolved from a local schema cache; a cold cache is repaired from the origin one key at a time.
If a compile fails with REPAIR_EXHAUSTED or SCHEMA_UNAVAILABLE, run refresh_schemas and retry. Use check_drift to see whether the cache lags the origin.`

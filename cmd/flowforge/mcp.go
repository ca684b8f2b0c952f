package main

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

func newMCPCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent tools over MCP stdio",
		Long: `Serve compile_chatflow, refresh_schemas, check_drift and schema_stats
to an MCP client over stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.Background())
			return server.ServeStdio(a.MCPServer())
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/spf13/cobra"
)

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	var (
		kinds []string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the schema cache from the origin",
		Example: `  flowforge refresh
  flowforge refresh --kinds node,credential --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := refreshRequest(kinds, force)
			if err != nil {
				return err
			}
			a, logger, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.Background())

			out := cmd.OutOrStdout()
			sum, err := a.Refresh.Refresh(cmd.Context(), req, func(p refresh.Progress) {
				line := fmt.Sprintf("[%d/%d] %s %s %s", p.Index, p.Total, p.Kind, p.TypeKey, p.Status)
				if p.Error != "" {
					line += ": " + p.Error
				}
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
			if sum.Status == refresh.StatusFailed {
				return fmt.Errorf("refresh failed: %s", sum.Failure)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to refresh: node, credential, template (default all)")
	cmd.Flags().BoolVar(&force, "force", false, "refetch every listed item")
	return cmd
}

func refreshRequest(kinds []string, force bool) (refresh.Request, error) {
	req := refresh.Request{Force: force}
	for _, k := range kinds {
		kind, ok := schema.ParseKind(k)
		if !ok {
			return req, fmt.Errorf("unknown kind %q", k)
		}
		req.Kinds = append(req.Kinds, kind)
	}
	return req, nil
}

package main

import (
	"context"
	"encoding/json"

	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/spf13/cobra"
)

func newDriftCommand(opts *rootOptions) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare cached inventories with the origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := refreshRequest(kinds, false)
			if err != nil {
				return err
			}
			check := req.Kinds
			if len(check) == 0 {
				check = schema.AllKinds
			}
			a, logger, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.Background())

			reports := make([]*drift.Report, 0, len(check))
			for _, k := range check {
				r, err := a.Drift.Check(cmd.Context(), k)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to check (default all)")
	return cmd
}

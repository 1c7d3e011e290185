package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one artifact retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := build(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.artifacts.Cleanup(cmd.Context())
			if err != nil {
				return fmt.Errorf("artifact cleanup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d compressed=%d deduplicated=%d bytes_freed=%d errors=%d\n",
				res.Expired, res.Compressed, res.Deduplicated, res.BytesFreed, len(res.Errors))
			return nil
		},
	}
}

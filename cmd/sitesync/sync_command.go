package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sitesync/internal/api"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe connectivity and trigger an immediate drain pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.SyncResponse
			if err := ctx.postJSON(cmd.Context(), "/api/sync", &resp); err != nil {
				return err
			}
			if resp.Online {
				fmt.Fprintln(cmd.OutOrStdout(), "Sync triggered (online)")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Sync triggered; currently offline, probing connectivity")
			}
			return nil
		},
	}
}

func newPruneCommand(ctx *commandContext) *cobra.Command {
	var keepDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old uploaded captures and their spooled payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.PruneResponse
			path := fmt.Sprintf("/api/prune?keep_days=%d", keepDays)
			if err := ctx.postJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d uploaded captures\n", resp.Pruned)
			return nil
		},
	}

	cmd.Flags().IntVar(&keepDays, "keep-days", 7, "Keep uploaded captures newer than this many days")
	return cmd
}

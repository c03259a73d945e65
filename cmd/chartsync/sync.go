package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chartsync "github.com/chartsync/chartsync/sdk/golang"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and refresh local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		before := client.SyncStatus(ctx)
		if !client.ForceSync(ctx) {
			if !before.IsOnline {
				return fmt.Errorf("%w: %d operations remain queued", chartsync.ErrOffline, before.PendingOperations)
			}
			return fmt.Errorf("a sync is already running")
		}
		after := client.SyncStatus(ctx)
		pushed := before.PendingOperations - after.PendingOperations
		fmt.Fprintf(out, "%s pushed %d operations", green("Synced:"), max(pushed, 0))
		if after.PendingOperations > 0 {
			fmt.Fprintf(out, ", %s", yellow(fmt.Sprintf("%d still pending", after.PendingOperations)))
		}
		fmt.Fprintln(out)

		dead, err := client.Queue.ListDead(ctx)
		if err == nil && len(dead) > 0 {
			fmt.Fprintf(out, "%s %d operations dead-lettered; inspect with 'chartsync queue list --dead'\n", red("Warning:"), len(dead))
		}
		return nil
	},
}

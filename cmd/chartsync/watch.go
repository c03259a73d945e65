package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chartsync "github.com/chartsync/chartsync/sdk/golang"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected: sync on reconnect and print live events",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, closeClient, err := openClient(ctx, longRunning)
		if err != nil {
			return err
		}
		defer closeClient()

		netEvents, cancelNet := client.Monitor.Subscribe()
		defer cancelNet()
		queue, cancelQueue := client.Queue.Events()
		defer cancelQueue()
		syncs, cancelSyncs := client.Engine.Events()
		defer cancelSyncs()

		var (
			live   <-chan chartsync.LiveEvent
			status <-chan bool
		)
		if client.Live != nil {
			var cancelLive, cancelStatus func()
			live, cancelLive = client.Live.OnEvent("*")
			defer cancelLive()
			status, cancelStatus = client.Live.ConnectionStatus()
			defer cancelStatus()
		}

		st := client.SyncStatus(ctx)
		fmt.Fprintf(out, "%s online=%v pending=%d live=%s (Ctrl-C to stop)\n",
			stamp(), st.IsOnline, st.PendingOperations, liveStateLabel(st.LiveChannel))

		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out)
				return nil
			case ev := <-netEvents:
				label := green(string(ev))
				if ev == chartsync.WentOffline {
					label = red(string(ev))
				}
				fmt.Fprintf(out, "%s network %s\n", stamp(), label)
			case <-status:
				fmt.Fprintf(out, "%s live %s\n", stamp(), liveStateLabel(client.Live.State()))
			case ev := <-live:
				fmt.Fprintf(out, "%s live event %s %s\n", stamp(), cyan(ev.Type), faint(string(ev.Data)))
			case ev := <-queue:
				line := fmt.Sprintf("op %d %s", ev.Op.ID, ev.Op.Type)
				switch ev.Kind {
				case chartsync.QueueConfirmed:
					fmt.Fprintf(out, "%s %s %s\n", stamp(), green("confirmed"), line)
				case chartsync.QueueDead:
					fmt.Fprintf(out, "%s %s %s: %v\n", stamp(), red("dead"), line, ev.Err)
				case chartsync.QueueFailed:
					fmt.Fprintf(out, "%s %s %s (attempt %d): %v\n", stamp(), yellow("failed"), line, ev.Op.Attempts, ev.Err)
				default:
					fmt.Fprintf(out, "%s %s %s\n", stamp(), ev.Kind, line)
				}
			case ev := <-syncs:
				switch ev.Kind {
				case chartsync.SyncRoutineFailed:
					fmt.Fprintf(out, "%s sync %s %s: %v\n", stamp(), red(ev.Routine), "failed", ev.Err)
				default:
					fmt.Fprintf(out, "%s %s\n", stamp(), ev.Kind)
				}
			}
		}
	},
}

func stamp() string {
	return faint(time.Now().Format("15:04:05"))
}

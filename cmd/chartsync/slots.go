package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var slotsDate string

func init() {
	rootCmd.AddCommand(slotsCmd)
	slotsCmd.Flags().StringVar(&slotsDate, "date", "", "day to show, YYYY-MM-DD (default today)")
}

var slotsCmd = &cobra.Command{
	Use:   "slots <provider-id>",
	Short: "Show a provider's availability",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		date := slotsDate
		if date == "" {
			date = time.Now().Format(time.DateOnly)
		} else if _, err := time.Parse(time.DateOnly, date); err != nil {
			return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", date)
		}

		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		slots, err := client.Availability.ListSlots(ctx, args[0], date)
		if err != nil {
			return err
		}
		if len(slots) == 0 {
			fmt.Fprintf(out, "No slots for %s on %s.\n", args[0], date)
			return nil
		}
		for _, s := range slots {
			state := green("open")
			if !s.Available {
				state = faint("taken")
			}
			fmt.Fprintf(out, "%s  %s - %s  %s\n", cyan(s.ID), s.StartsAt, s.EndsAt, state)
		}
		return nil
	},
}

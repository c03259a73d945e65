package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, boldHdr("Configuration:"))
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Database:    %s\n", valueOrDefault(cfg.Offline.DBPath, "(default)"))
		if cfg.Offline.StatusFile != "" {
			fmt.Fprintf(out, "  Net status:  %s\n", cfg.Offline.StatusFile)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, boldHdr("Session:"))
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		st := client.SyncStatus(ctx)
		network := green("online")
		if !st.IsOnline {
			network = red("offline")
		}
		pending := green("0")
		if st.PendingOperations > 0 {
			pending = yellow(fmt.Sprint(st.PendingOperations))
		}
		dead, err := client.Queue.ListDead(ctx)
		if err != nil {
			return fmt.Errorf("list dead operations: %w", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, boldHdr("Sync:"))
		fmt.Fprintf(out, "  Network:     %s\n", network)
		fmt.Fprintf(out, "  Pending ops: %s\n", pending)
		if len(dead) > 0 {
			fmt.Fprintf(out, "  Dead ops:    %s (see 'chartsync queue list --dead')\n", red(fmt.Sprint(len(dead))))
		}
		return nil
	},
}

func tokenStatus(auth ConfigAuth) string {
	if auth.Token == "" {
		return red("none")
	}
	masked := maskKey(auth.Token)
	if auth.TokenExpires == "" {
		return fmt.Sprintf("%s %s", masked, faint("(no expiry set)"))
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", masked, auth.TokenExpires)
	}
	if time.Now().Before(expires) {
		return fmt.Sprintf("%s %s", masked, green("valid until "+expires.Format(time.RFC3339)))
	}
	return fmt.Sprintf("%s %s", masked, red("EXPIRED "+expires.Format(time.RFC3339)))
}

package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initExpires time.Duration
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "id stamped on messages written offline")
	initCmd.Flags().DurationVar(&initExpires, "expires-in", 0, "token lifetime, recorded for 'status'")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store service URL and session token in ~/.chartsync/config.toml",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Auth.Token = args[1]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initExpires > 0 {
			cfg.Auth.TokenExpires = time.Now().Add(initExpires).UTC().Format(time.RFC3339)
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if cfg.Offline.DBPath == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Offline.DBPath = filepath.Join(dir, "chartsync.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		path, _ := configPath()
		fmt.Fprintf(out, "Configuration saved to %s\n", path)
		return nil
	},
}

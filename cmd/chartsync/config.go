package main

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	chartsync "github.com/chartsync/chartsync/sdk/golang"
)

var configShowSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-token", false, "print the session token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change CLI settings",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the config file lives",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings in effect, defaults filled in",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eff := *cfg
		eff.Default.BaseURL = valueOrDefault(eff.Default.BaseURL, chartsync.DefaultBaseURL)
		eff.Offline.CacheTTL = valueOrDefault(eff.Offline.CacheTTL, chartsync.DefaultCacheTTL.String())
		eff.Offline.CacheSweep = valueOrDefault(eff.Offline.CacheSweep, chartsync.DefaultSweepInterval.String())
		if eff.Offline.MaxAttempts == 0 {
			eff.Offline.MaxAttempts = chartsync.DefaultMaxAttempts
		}
		live := eff.Offline.liveEnabled()
		eff.Offline.LiveEnabled = &live
		if !configShowSecrets && eff.Auth.Token != "" {
			eff.Auth.Token = maskKey(eff.Auth.Token)
		}

		enc := toml.NewEncoder(out)
		enc.SetIndentTables(true)
		return enc.Encode(eff)
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.field> <value>",
	Short:   "Change one setting",
	Example: "  chartsync config set offline.cache_ttl 10m\n  chartsync config set offline.live_enabled false",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s = %s\n", green("updated"), args[0], args[1])
		return nil
	},
}

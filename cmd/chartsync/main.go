package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chartsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Offline ConfigOffline `toml:"offline"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigOffline tunes the sync layer. Durations use Go syntax ("5m").
type ConfigOffline struct {
	DBPath      string `toml:"db_path"`
	CacheTTL    string `toml:"cache_ttl"`
	CacheSweep  string `toml:"cache_sweep"`
	StatusFile  string `toml:"status_file"`
	MaxAttempts int    `toml:"max_attempts"`
	LiveEnabled *bool  `toml:"live_enabled"`
}

func (o ConfigOffline) cacheTTL() time.Duration   { return parseDuration(o.CacheTTL) }
func (o ConfigOffline) cacheSweep() time.Duration { return parseDuration(o.CacheSweep) }

func (o ConfigOffline) liveEnabled() bool {
	return o.LiveEnabled == nil || *o.LiveEnabled
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir is ~/.chartsync. It is created on first use.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	dir := filepath.Join(home, ".chartsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// configPath resolves the config file: --config, then $CHARTSYNC_CONFIG,
// then ~/.chartsync/config.toml.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	if env := os.Getenv("CHARTSYNC_CONFIG"); env != "" {
		return env, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns an empty Config when no file exists yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig replaces the config file atomically; it holds the session
// token, so it is only readable by the owner.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "offline.cache_ttl").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key %q must be section.field, e.g. offline.cache_ttl", key)
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "environment":
			cfg.Default.Environment = value
		default:
			return fmt.Errorf("[default] has no field %q", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("[auth] has no field %q", field)
		}
	case "offline":
		switch field {
		case "db_path":
			cfg.Offline.DBPath = value
		case "status_file":
			cfg.Offline.StatusFile = value
		case "cache_ttl", "cache_sweep":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if field == "cache_ttl" {
				cfg.Offline.CacheTTL = value
			} else {
				cfg.Offline.CacheSweep = value
			}
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("%s must be a positive integer", key)
			}
			cfg.Offline.MaxAttempts = n
		case "live_enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Offline.LiveEnabled = &b
		default:
			return fmt.Errorf("[offline] has no field %q", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, offline)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig  string
	flagVerbose bool
	flagOffline bool
	flagMemory  bool
)

var rootCmd = &cobra.Command{
	Use:   "chartsync",
	Short: "Offline-first clinical records client",
	Long:  "Command-line interface for the chartsync sync layer.\nRead and write messages and appointments, inspect the pending queue, and force syncs.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(flagVerbose)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.chartsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "start with the network treated as down")
	rootCmd.PersistentFlags().BoolVar(&flagMemory, "memory", false, "use an in-memory store instead of SQLite")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

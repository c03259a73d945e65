package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"

	chartsync "github.com/chartsync/chartsync/sdk/golang"
)

func setupLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// ConfigCredentials reads the session token from the config file and
// forgets it there when the server rejects it.
type ConfigCredentials struct {
	mu  sync.Mutex
	cfg *Config
}

func (c *ConfigCredentials) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Auth.Token
}

func (c *ConfigCredentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Auth.Token == "" {
		return
	}
	c.cfg.Auth.Token = ""
	c.cfg.Auth.TokenExpires = ""
	if err := saveConfig(c.cfg); err != nil {
		slog.Warn("could not clear rejected token", "error", err)
		return
	}
	fmt.Fprintln(os.Stderr, "Session rejected by the server. Run 'chartsync init' to log in again.")
}

type clientMode int

const (
	// oneShot runs a single command; syncs happen only when asked.
	oneShot clientMode = iota
	// longRunning keeps the live channel and the sync engine running.
	longRunning
)

// openClient builds and starts a client from the config file and global
// flags. The returned func closes it.
func openClient(ctx context.Context, mode clientMode) (*chartsync.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL configured. Run 'chartsync init <base-url> <token>' first")
	}

	opts := []chartsync.ClientOption{
		chartsync.WithBaseURL(cfg.Default.BaseURL),
		chartsync.WithCredentials(&ConfigCredentials{cfg: cfg}),
		chartsync.WithLogger(slog.Default()),
		chartsync.WithUserID(cfg.Auth.UserID),
		chartsync.WithCacheTTL(cfg.Offline.cacheTTL(), cfg.Offline.cacheSweep()),
		chartsync.WithMaxAttempts(cfg.Offline.MaxAttempts),
		chartsync.WithLiveChannel(mode == longRunning && cfg.Offline.liveEnabled(), time.Minute),
		chartsync.WithAutoSync(mode == longRunning),
	}

	if flagMemory {
		opts = append(opts, chartsync.WithStore(chartsync.NewMemoryStore(chartsync.DefaultCollections()...)))
	} else {
		dbPath := cfg.Offline.DBPath
		if dbPath == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			dbPath = filepath.Join(dir, "chartsync.db")
		}
		opts = append(opts, chartsync.WithDatabase(dbPath))
	}

	switch {
	case flagOffline:
		opts = append(opts, chartsync.WithNetworkSignal(chartsync.NewManualSignal(), false))
	case cfg.Offline.StatusFile != "":
		opts = append(opts, chartsync.WithNetworkSignal(&chartsync.FileSignal{Path: cfg.Offline.StatusFile, Logger: slog.Default()}, true))
	}

	client := chartsync.NewClient(opts...)
	if err := client.Start(ctx); err != nil {
		return nil, nil, err
	}
	return client, func() {
		if err := client.Close(); err != nil {
			slog.Warn("close client", "error", err)
		}
	}, nil
}

// ============================================================================
// Output helpers
// ============================================================================

var (
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
	boldHdr = color.New(color.Bold).SprintFunc()
)

// syncedMarker marks records that are not yet confirmed by the server.
func syncedMarker(id string) string {
	if chartsync.IsProvisionalID(id) {
		return yellow(" (pending)")
	}
	return ""
}

func liveStateLabel(s chartsync.LiveState) string {
	switch s {
	case chartsync.LiveConnected:
		return green(string(s))
	case chartsync.LiveConnecting:
		return yellow(string(s))
	case chartsync.LivePermanentlyUnavailable:
		return red(string(s))
	}
	return faint(string(s))
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

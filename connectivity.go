package chartsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConnectivityEvent is a transition emitted by ConnectivityMonitor.
type ConnectivityEvent string

const (
	WentOnline  ConnectivityEvent = "went-online"
	WentOffline ConnectivityEvent = "went-offline"
)

// NetworkSignal is a push-style source of platform network status. Watch
// blocks until ctx is done, calling report on every status change.
type NetworkSignal interface {
	Watch(ctx context.Context, report func(online bool)) error
}

// ConnectivityMonitor owns the process-wide online flag. Only its signal
// handler writes it; every other component reads it through IsOnline.
type ConnectivityMonitor struct {
	mu     sync.RWMutex
	online bool
	events *Broadcaster[ConnectivityEvent]
	logger *slog.Logger
}

// NewConnectivityMonitor creates a monitor with an initial state.
func NewConnectivityMonitor(initial bool, logger *slog.Logger) *ConnectivityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectivityMonitor{
		online: initial,
		events: NewBroadcaster[ConnectivityEvent](),
		logger: logger,
	}
}

// IsOnline returns the current network state.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe streams went-online / went-offline transitions.
func (m *ConnectivityMonitor) Subscribe() (<-chan ConnectivityEvent, func()) {
	return m.events.Subscribe()
}

// Run feeds the monitor from sig until ctx is done.
func (m *ConnectivityMonitor) Run(ctx context.Context, sig NetworkSignal) error {
	err := sig.Watch(ctx, m.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *ConnectivityMonitor) handle(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.logger.Info("network online")
		m.events.Publish(WentOnline)
	} else {
		m.logger.Info("network offline")
		m.events.Publish(WentOffline)
	}
}

// ============================================================================
// Signals
// ============================================================================

// ManualSignal is a NetworkSignal driven by Set. It is used by tests and by
// the CLI's --offline flag.
type ManualSignal struct {
	ch chan bool
}

func NewManualSignal() *ManualSignal {
	return &ManualSignal{ch: make(chan bool, 16)}
}

// Set reports a status change.
func (s *ManualSignal) Set(online bool) {
	s.ch <- online
}

func (s *ManualSignal) Watch(ctx context.Context, report func(online bool)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-s.ch:
			report(online)
		}
	}
}

// FileSignal watches a status file maintained by the platform (a network
// manager hook, a container health probe). The file holds "online" or
// "offline"; "up"/"down" are accepted too. A removed file means offline.
type FileSignal struct {
	Path   string
	Logger *slog.Logger
}

func (s *FileSignal) Watch(ctx context.Context, report func(online bool)) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path, err := filepath.Abs(s.Path)
	if err != nil {
		return fmt.Errorf("status file path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so atomic replace-by-rename is observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	if online, ok := readStatusFile(path); ok {
		report(online)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
					report(false)
					continue
				}
			}
			if online, ok := readStatusFile(path); ok {
				report(online)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("status file watcher error", "path", path, "error", err)
		}
	}
}

func readStatusFile(path string) (bool, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, false
	}
	return parseNetworkStatus(string(data))
}

func parseNetworkStatus(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online", "up", "connected", "true", "1":
		return true, true
	case "offline", "down", "disconnected", "false", "0":
		return false, true
	}
	return false, false
}

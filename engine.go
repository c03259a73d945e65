package chartsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EntitySync is a per-entity synchronization routine. Push replays one
// queued operation against the remote service; Pull refreshes the local
// collection from it.
type EntitySync interface {
	Name() string
	Collection() string
	Push(ctx context.Context, op PendingOperation) error
	Pull(ctx context.Context) error
}

// SyncEventKind names a sync engine event.
type SyncEventKind string

const (
	SyncStarted       SyncEventKind = "sync.start"
	SyncRoutineFailed SyncEventKind = "sync.routine-failed"
	SyncCompleted     SyncEventKind = "sync.complete"
)

// SyncEvent reports engine progress.
type SyncEvent struct {
	Kind    SyncEventKind
	Routine string
	Err     error
	At      time.Time
}

// SyncEngine drains the pending queue and refreshes local state when the
// network is available. At most one sync runs at a time.
type SyncEngine struct {
	monitor *ConnectivityMonitor
	queue   *PendingQueue
	log     *slog.Logger
	events  *Broadcaster[SyncEvent]

	liveState func() LiveState
	running   atomic.Bool

	mu         sync.RWMutex
	routines   []EntitySync
	lastSyncAt time.Time
}

// NewSyncEngine creates an engine with no routines.
func NewSyncEngine(monitor *ConnectivityMonitor, queue *PendingQueue, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		monitor: monitor,
		queue:   queue,
		log:     logger.With("component", "sync"),
		events:  NewBroadcaster[SyncEvent](),
	}
}

// Register adds a routine. Routines registered during a sync take part
// from the next one.
func (e *SyncEngine) Register(r EntitySync) {
	e.mu.Lock()
	e.routines = append(e.routines, r)
	e.mu.Unlock()
}

// Events streams engine progress.
func (e *SyncEngine) Events() (<-chan SyncEvent, func()) {
	return e.events.Subscribe()
}

// SyncAll runs every routine concurrently and waits for all of them. It
// returns false without doing anything when offline or when a sync is
// already running.
func (e *SyncEngine) SyncAll(ctx context.Context) bool {
	if !e.monitor.IsOnline() {
		e.log.Debug("sync skipped, offline")
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug("sync skipped, already running")
		return false
	}
	defer e.running.Store(false)

	e.mu.RLock()
	routines := append([]EntitySync(nil), e.routines...)
	e.mu.RUnlock()

	started := time.Now()
	e.events.Publish(SyncEvent{Kind: SyncStarted, At: started})
	e.log.Info("sync started", "routines", len(routines))

	var wg sync.WaitGroup
	for _, r := range routines {
		wg.Add(1)
		go func(r EntitySync) {
			defer wg.Done()
			if err := e.runRoutine(ctx, r); err != nil {
				e.log.Warn("sync routine failed", "routine", r.Name(), "error", err)
				e.events.Publish(SyncEvent{Kind: SyncRoutineFailed, Routine: r.Name(), Err: err, At: time.Now()})
			}
		}(r)
	}
	wg.Wait()

	now := time.Now()
	e.mu.Lock()
	e.lastSyncAt = now
	e.mu.Unlock()
	e.log.Info("sync complete", "duration", now.Sub(started))
	e.events.Publish(SyncEvent{Kind: SyncCompleted, At: now})
	return true
}

// runRoutine pushes the routine's share of the queue, then pulls. A panic
// is converted to an error so sibling routines are unaffected.
func (e *SyncEngine) runRoutine(ctx context.Context, r EntitySync) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if err := e.queue.DrainCollection(ctx, r.Collection(), r.Push); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := r.Pull(ctx); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

// ForceSync runs a sync now, subject to the same guards as SyncAll.
func (e *SyncEngine) ForceSync(ctx context.Context) bool {
	return e.SyncAll(ctx)
}

// Status reports the engine state.
func (e *SyncEngine) Status(ctx context.Context) SyncStatus {
	pending, err := e.queue.Len(ctx)
	if err != nil {
		e.log.Warn("count pending operations", "error", err)
	}
	e.mu.RLock()
	last := e.lastSyncAt
	e.mu.RUnlock()

	status := SyncStatus{
		IsOnline:          e.monitor.IsOnline(),
		SyncInProgress:    e.running.Load(),
		PendingOperations: pending,
		LastSyncAt:        last,
		LiveChannel:       LiveDisconnected,
	}
	if e.liveState != nil {
		status.LiveChannel = e.liveState()
	}
	return status
}

// Start syncs once now and again on every went-online transition until ctx
// is done. It returns immediately.
func (e *SyncEngine) Start(ctx context.Context) {
	events, cancel := e.monitor.Subscribe()
	go func() {
		defer cancel()
		e.SyncAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev == WentOnline {
					e.SyncAll(ctx)
				}
			}
		}
	}()
}

// RunPolling syncs every interval while the live channel is not connected.
// It blocks until ctx is done.
func (e *SyncEngine) RunPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.liveState != nil && e.liveState() == LiveConnected {
				continue
			}
			e.SyncAll(ctx)
		}
	}
}

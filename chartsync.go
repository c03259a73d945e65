// Package chartsync is the offline-resilient synchronization layer of a
// clinical records client.
//
// Domain code reads and writes through the facades; the client keeps a
// local durable store, a pending operation queue, a response cache and a
// live push channel consistent with the remote service as connectivity
// comes and goes.
//
// Example:
//
//	client := chartsync.NewClient(
//		chartsync.WithBaseURL("https://api.example.org"),
//		chartsync.WithCredentials(chartsync.NewStaticCredentials(token)),
//		chartsync.WithDatabase("/var/lib/app/chartsync.db"),
//	)
//	if err := client.Start(ctx); err != nil { ... }
//	defer client.Close()
//
//	msgs, _ := client.Messages.ListMessages(ctx, "conv-1")
//	client.Messages.Send(ctx, "conv-1", "See you Tuesday")
//	client.Appointments.Cancel(ctx, "appt-9")
package chartsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Client
// ============================================================================

// Client wires the sync layer together. Construct it with NewClient, call
// Start once, and Close on shutdown.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	credentials  CredentialSource
	logger       *slog.Logger
	store        Store
	dbPath       string
	remote       RemoteAPI
	signal       NetworkSignal
	online       bool
	userID       string
	cacheTTL     time.Duration
	sweep        time.Duration
	maxAttempts  int
	liveEnabled  bool
	pollInterval time.Duration
	autoSync     bool

	Cache        *ResponseCache
	Monitor      *ConnectivityMonitor
	Queue        *PendingQueue
	Engine       *SyncEngine
	Live         *LiveChannel
	Messages     *MessagesFacade
	Appointments *AppointmentsFacade
	Availability *AvailabilityFacade

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithCredentials(creds CredentialSource) ClientOption {
	return func(c *Client) { c.credentials = creds }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithStore replaces the default SQLite store.
func WithStore(store Store) ClientOption {
	return func(c *Client) { c.store = store }
}

// WithDatabase sets the SQLite file used when no store is given.
func WithDatabase(path string) ClientOption {
	return func(c *Client) { c.dbPath = path }
}

// WithRemote replaces the HTTP remote, mainly for tests.
func WithRemote(remote RemoteAPI) ClientOption {
	return func(c *Client) { c.remote = remote }
}

// WithNetworkSignal sets the source of connectivity changes. initial is the
// state assumed until the signal first reports.
func WithNetworkSignal(sig NetworkSignal, initial bool) ClientOption {
	return func(c *Client) {
		c.signal = sig
		c.online = initial
	}
}

// WithUserID sets the sender id stamped on messages written offline.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = id }
}

func WithCacheTTL(ttl, sweep time.Duration) ClientOption {
	return func(c *Client) {
		c.cacheTTL = ttl
		c.sweep = sweep
	}
}

func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

// WithLiveChannel enables or disables the push channel. Without it the
// engine polls every pollInterval.
func WithLiveChannel(enabled bool, pollInterval time.Duration) ClientOption {
	return func(c *Client) {
		c.liveEnabled = enabled
		c.pollInterval = pollInterval
	}
}

// WithAutoSync controls whether Start runs the sync engine in the
// background. One-shot tools turn it off and call ForceSync themselves.
func WithAutoSync(enabled bool) ClientOption {
	return func(c *Client) { c.autoSync = enabled }
}

// NewClient builds a client. Nothing touches the disk or network until
// Start.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
		online:       true,
		dbPath:       "chartsync.db",
		cacheTTL:     DefaultCacheTTL,
		sweep:        DefaultSweepInterval,
		maxAttempts:  DefaultMaxAttempts,
		liveEnabled:  true,
		pollInterval: time.Minute,
		autoSync:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.credentials == nil {
		c.credentials = NewStaticCredentials("")
	}
	if c.store == nil {
		c.store = NewSQLiteStore(c.dbPath, c.logger, DefaultCollections()...)
	}
	if c.remote == nil {
		c.remote = NewHTTPRemote(c.baseURL, c.credentials,
			WithRemoteHTTPClient(c.httpClient),
			WithRemoteLogger(c.logger),
		)
	}

	c.Cache = NewResponseCache(c.cacheTTL)
	c.Monitor = NewConnectivityMonitor(c.online, c.logger)
	c.Queue = NewPendingQueue(c.store, c.maxAttempts, c.logger)
	c.Engine = NewSyncEngine(c.Monitor, c.Queue, c.logger)
	if c.liveEnabled {
		c.Live = NewLiveChannel(LiveConfig{
			BaseURL:     c.baseURL,
			Credentials: c.credentials,
			HTTPClient:  c.httpClient,
			Logger:      c.logger,
		})
		c.Engine.liveState = c.Live.State
	}

	deps := &facadeDeps{
		store:    c.store,
		cache:    c.Cache,
		remote:   c.remote,
		monitor:  c.Monitor,
		queue:    c.Queue,
		live:     c.Live,
		log:      c.logger.With("component", "facade"),
		cacheTTL: c.cacheTTL,
		userID:   c.userID,
		now:      time.Now,
	}
	c.Messages = &MessagesFacade{d: deps}
	c.Appointments = &AppointmentsFacade{d: deps}
	c.Availability = &AvailabilityFacade{d: deps}
	c.Engine.Register(c.Messages)
	c.Engine.Register(c.Appointments)
	c.Engine.Register(c.Availability)
	return c
}

// Store returns the local store.
func (c *Client) Store() Store { return c.store }

// Start opens the store and starts background work: connectivity
// tracking, the cache sweeper, the live channel and the sync engine. A
// store that cannot be opened is logged and the client runs remote-only.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("chartsync: client already started")
	}
	c.started = true

	if err := c.store.Init(ctx); err != nil {
		c.logger.Warn("local store unavailable, running remote-only", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if c.signal != nil {
		c.goRun(func() {
			if err := c.Monitor.Run(runCtx, c.signal); err != nil {
				c.logger.Warn("network signal stopped", "error", err)
			}
		})
	}
	c.goRun(func() { c.Cache.RunSweeper(runCtx, c.sweep) })

	c.Messages.Listen(runCtx)
	c.Appointments.Listen(runCtx)
	c.Availability.Listen(runCtx)
	if c.Live != nil && c.Monitor.IsOnline() {
		if err := c.Live.Connect(ctx); err != nil {
			c.logger.Debug("live channel unavailable", "error", err)
		}
	}
	if c.Live != nil {
		// Subscribe before returning so no transition is missed.
		events, unsubscribe := c.Monitor.Subscribe()
		c.goRun(func() {
			defer unsubscribe()
			c.watchConnectivity(runCtx, events)
		})
	}
	if c.autoSync {
		c.goRun(func() { c.Engine.RunPolling(runCtx, c.pollInterval) })
		c.Engine.Start(runCtx)
	}
	return nil
}

// watchConnectivity keeps the live channel in step with the network.
func (c *Client) watchConnectivity(ctx context.Context, events <-chan ConnectivityEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev {
			case WentOnline:
				if c.Live.State() != LivePermanentlyUnavailable {
					if err := c.Live.Connect(ctx); err != nil {
						c.logger.Debug("live reconnect on went-online failed", "error", err)
					}
				}
			case WentOffline:
				if err := c.Live.Disconnect(); err != nil {
					c.logger.Debug("live disconnect on went-offline failed", "error", err)
				}
			}
		}
	}
}

func (c *Client) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// SyncStatus reports the sync indicator state.
func (c *Client) SyncStatus(ctx context.Context) SyncStatus {
	return c.Engine.Status(ctx)
}

// ForceSync runs a sync now. It returns false when offline or when a sync
// is already running.
func (c *Client) ForceSync(ctx context.Context) bool {
	return c.Engine.ForceSync(ctx)
}

// Close stops background work, closes the live channel and the store.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var errs []error
	if c.Live != nil {
		if err := c.Live.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close live channel: %w", err))
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

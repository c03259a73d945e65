package chartsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

// ============================================================================
// Frames
// ============================================================================

// Live event types pushed by the server.
const (
	EventMessageNew         = "message.new"
	EventAppointmentUpdated = "appointment.updated"
	EventSlotUpdated        = "slot.updated"

	heartbeatType = "ping"
	anyEvent      = "*"
)

// LiveEvent is an inbound frame.
type LiveEvent struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

type outboundFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

const frameSchemaURL = "https://chartsync.dev/schemas/live-frame.json"

const frameSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {}
	}
}`

var frameSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(frameSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(frameSchemaURL)
})

// decodeFrame validates raw against the frame schema and decodes it.
func decodeFrame(raw []byte) (LiveEvent, error) {
	schema, err := frameSchema()
	if err != nil {
		return LiveEvent{}, fmt.Errorf("compile frame schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return LiveEvent{}, fmt.Errorf("parse frame: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return LiveEvent{}, fmt.Errorf("invalid frame: %w", err)
	}
	var ev LiveEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return LiveEvent{}, fmt.Errorf("decode frame: %w", err)
	}
	return ev, nil
}

// ============================================================================
// Configuration
// ============================================================================

// LiveConfig configures a LiveChannel.
type LiveConfig struct {
	BaseURL           string
	Path              string
	Credentials       CredentialSource
	MaxAttempts       int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *LiveConfig) defaults() {
	if c.Path == "" {
		c.Path = "/live"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// LiveChannel
// ============================================================================

// LiveChannel is the websocket push channel. Its connection state is owned
// by a channelFSM; the channel only performs the I/O the FSM asks for.
type LiveChannel struct {
	cfg LiveConfig
	log *slog.Logger

	mu     sync.Mutex
	fsm    channelFSM
	conn   *websocket.Conn
	gen    uint64
	cancel context.CancelFunc
	timer  *time.Timer
	closed bool

	evMu   sync.Mutex
	events map[string]*Broadcaster[LiveEvent]
	status *Broadcaster[bool]
}

// NewLiveChannel creates a disconnected channel.
func NewLiveChannel(cfg LiveConfig) *LiveChannel {
	cfg.defaults()
	return &LiveChannel{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "live"),
		fsm:    newChannelFSM(cfg.MaxAttempts, cfg.ReconnectDelay),
		events: make(map[string]*Broadcaster[LiveEvent]),
		status: NewBroadcaster[bool](),
	}
}

// State returns the current connection state.
func (lc *LiveChannel) State() LiveState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.fsm.state
}

// OnEvent streams inbound events of the given type. "*" receives all.
func (lc *LiveChannel) OnEvent(eventType string) (<-chan LiveEvent, func()) {
	lc.evMu.Lock()
	b, ok := lc.events[eventType]
	if !ok {
		b = NewBroadcaster[LiveEvent]()
		lc.events[eventType] = b
	}
	lc.evMu.Unlock()
	return b.Subscribe()
}

// ConnectionStatus streams true on open and false on close.
func (lc *LiveChannel) ConnectionStatus() (<-chan bool, func()) {
	return lc.status.Subscribe()
}

// Connect opens the channel. Without a token it does nothing. A failed
// first attempt leaves the channel permanently unavailable until the next
// Connect call.
func (lc *LiveChannel) Connect(ctx context.Context) error {
	token := lc.token()
	if token == "" {
		lc.log.Debug("no credential, live channel not started")
		return nil
	}
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return nil
	}
	lc.stopTimerLocked()
	act := lc.fsm.apply(evConnect)
	lc.mu.Unlock()
	if !act.dial {
		return nil
	}
	return lc.dial(ctx, token)
}

// Disconnect closes the socket and cancels any scheduled reconnect.
func (lc *LiveChannel) Disconnect() error {
	lc.mu.Lock()
	lc.fsm.apply(evDisconnect)
	conn := lc.detachLocked()
	lc.mu.Unlock()

	if conn == nil {
		return nil
	}
	lc.status.Publish(false)
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Close disconnects and closes every event stream. The channel cannot be
// reused.
func (lc *LiveChannel) Close() error {
	lc.mu.Lock()
	lc.closed = true
	lc.mu.Unlock()
	err := lc.Disconnect()

	lc.evMu.Lock()
	for _, b := range lc.events {
		b.Close()
	}
	lc.evMu.Unlock()
	lc.status.Close()
	return err
}

// Send writes a frame. When not connected it connects and retries once;
// when the channel is permanently unavailable the frame is dropped.
func (lc *LiveChannel) Send(ctx context.Context, eventType string, data any) error {
	payload, err := json.Marshal(outboundFrame{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	lc.mu.Lock()
	state, conn := lc.fsm.state, lc.conn
	lc.mu.Unlock()

	switch {
	case state == LivePermanentlyUnavailable:
		return nil
	case state == LiveConnected && conn != nil:
		return conn.Write(ctx, websocket.MessageText, payload)
	}

	if err := lc.Connect(ctx); err != nil {
		lc.log.Debug("implicit connect failed", "type", eventType, "error", err)
	}
	lc.mu.Lock()
	conn = lc.conn
	lc.mu.Unlock()
	if conn == nil {
		lc.log.Debug("live frame dropped", "type", eventType)
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (lc *LiveChannel) token() string {
	if lc.cfg.Credentials == nil {
		return ""
	}
	return lc.cfg.Credentials.Token()
}

func (lc *LiveChannel) endpoint(token string) string {
	wsURL := strings.Replace(lc.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return strings.TrimRight(wsURL, "/") + lc.cfg.Path + "?token=" + url.QueryEscape(token)
}

func (lc *LiveChannel) dial(ctx context.Context, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, lc.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, lc.endpoint(token), &websocket.DialOptions{
		HTTPClient: lc.cfg.HTTPClient,
	})

	lc.mu.Lock()
	if err != nil {
		act := lc.fsm.apply(evFail)
		lc.scheduleLocked(act)
		state := lc.fsm.state
		lc.mu.Unlock()
		lc.log.Debug("live dial failed", "state", state, "error", err)
		return fmt.Errorf("live dial: %w", err)
	}
	// Disconnect or Close raced the dial.
	if lc.closed || lc.fsm.state != LiveConnecting {
		lc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	lc.fsm.apply(evOpen)
	lc.gen++
	gen := lc.gen
	connCtx, cancelConn := context.WithCancel(context.Background())
	lc.conn = conn
	lc.cancel = cancelConn
	lc.mu.Unlock()

	lc.log.Info("live channel connected")
	lc.status.Publish(true)
	go lc.readLoop(connCtx, conn, gen)
	go lc.heartbeatLoop(connCtx, conn, gen)
	return nil
}

func (lc *LiveChannel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			lc.handleClose(gen, err)
			return
		}
		ev, err := decodeFrame(data)
		if err != nil {
			lc.log.Warn("dropping live frame", "error", err)
			continue
		}
		ev.ReceivedAt = time.Now()
		lc.dispatch(ev)
	}
}

func (lc *LiveChannel) dispatch(ev LiveEvent) {
	lc.evMu.Lock()
	typed := lc.events[ev.Type]
	all := lc.events[anyEvent]
	lc.evMu.Unlock()
	if typed != nil {
		typed.Publish(ev)
	}
	if all != nil {
		all.Publish(ev)
	}
}

func (lc *LiveChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(lc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, _ := json.Marshal(outboundFrame{Type: heartbeatType, Timestamp: time.Now().UnixMilli()})
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				// The read loop observes the broken socket and drives the FSM.
				lc.log.Debug("heartbeat failed", "gen", gen, "error", err)
				return
			}
		}
	}
}

func (lc *LiveChannel) handleClose(gen uint64, err error) {
	lc.mu.Lock()
	if gen != lc.gen || lc.conn == nil {
		lc.mu.Unlock()
		return
	}
	lc.detachLocked()
	ev := evAbnormalClose
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		ev = evCleanClose
	}
	act := lc.fsm.apply(ev)
	lc.scheduleLocked(act)
	state := lc.fsm.state
	lc.mu.Unlock()

	lc.log.Info("live channel closed", "event", ev.String(), "state", state)
	lc.status.Publish(false)
}

func (lc *LiveChannel) retry() {
	token := lc.token()
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return
	}
	act := lc.fsm.apply(evRetry)
	if act.dial && token == "" {
		lc.fsm.apply(evDisconnect)
		act.dial = false
	}
	lc.mu.Unlock()
	if !act.dial {
		return
	}
	if err := lc.dial(context.Background(), token); err != nil && !errors.Is(err, context.Canceled) {
		lc.log.Debug("live reconnect failed", "error", err)
	}
}

// detachLocked forgets the current socket so its read loop exits quietly.
func (lc *LiveChannel) detachLocked() *websocket.Conn {
	lc.stopTimerLocked()
	conn := lc.conn
	lc.conn = nil
	lc.gen++
	if lc.cancel != nil {
		lc.cancel()
		lc.cancel = nil
	}
	return conn
}

func (lc *LiveChannel) scheduleLocked(act fsmAction) {
	if !act.scheduleRetry || lc.closed {
		return
	}
	lc.stopTimerLocked()
	lc.log.Debug("live reconnect scheduled", "attempt", lc.fsm.attempts, "delay", act.retryDelay)
	lc.timer = time.AfterFunc(act.retryDelay, lc.retry)
}

func (lc *LiveChannel) stopTimerLocked() {
	if lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}
}

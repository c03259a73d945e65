package chartsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// facadeDeps is what every data access facade shares.
type facadeDeps struct {
	store    Store
	cache    *ResponseCache
	remote   RemoteAPI
	monitor  *ConnectivityMonitor
	queue    *PendingQueue
	live     *LiveChannel
	log      *slog.Logger
	cacheTTL time.Duration
	userID   string
	now      func() time.Time
}

// NewProvisionalID returns a client-generated id for a record created
// offline. The server replaces it on sync.
func NewProvisionalID() string {
	return provisionalIDPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated by NewProvisionalID.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalIDPrefix)
}

// ============================================================================
// Reads
// ============================================================================

type readPlan[T any] struct {
	key     string
	fetch   func(ctx context.Context) (T, error)
	persist func(ctx context.Context, v T) error
	local   func(ctx context.Context) (T, error)
}

// readThrough serves a fresh cache entry, else the remote (caching and
// persisting the answer), else local state. Local results are never cached.
func readThrough[T any](ctx context.Context, d *facadeDeps, p readPlan[T]) (T, error) {
	if !d.monitor.IsOnline() {
		if v, ok := GetTyped[T](d.cache, p.key); ok {
			return v, nil
		}
		return p.local(ctx)
	}

	v, err := CacheWrap(ctx, d.cache, p.key, d.cacheTTL, func(ctx context.Context) (T, error) {
		v, err := p.fetch(ctx)
		if err != nil {
			return v, err
		}
		if p.persist != nil {
			if err := p.persist(ctx, v); err != nil {
				d.log.Warn("persist remote read", "key", p.key, "error", err)
			}
		}
		return v, nil
	})
	if err == nil {
		return v, nil
	}
	if !IsTransient(err) {
		return v, err
	}
	d.log.Debug("remote read failed, serving local state", "key", p.key, "error", err)
	return p.local(ctx)
}

// ============================================================================
// Writes
// ============================================================================

type writePlan[T any] struct {
	name       string
	remote     func(ctx context.Context) (T, error)
	confirm    func(ctx context.Context, v T) error
	offline    func(ctx context.Context) (T, error)
	invalidate []string
	liveEvent  string
	// queueOnly skips the remote call, e.g. when the target still has a
	// provisional id the server has never seen.
	queueOnly bool
}

// writeThrough applies a mutation remotely when online and confirms it
// locally; otherwise, or when the remote is unreachable, it records the
// mutation locally and queues it. Remote rejections are returned as is.
func writeThrough[T any](ctx context.Context, d *facadeDeps, p writePlan[T]) (T, error) {
	if !p.queueOnly && d.monitor.IsOnline() {
		v, err := p.remote(ctx)
		if err == nil {
			if err := p.confirm(ctx, v); err != nil {
				d.log.Warn("confirm write locally", "op", p.name, "error", err)
			}
			d.invalidate(p.invalidate)
			d.broadcast(ctx, p.liveEvent, v)
			return v, nil
		}
		if !IsTransient(err) {
			var zero T
			return zero, err
		}
		d.log.Info("remote write failed, queueing", "op", p.name, "error", err)
	}

	v, err := p.offline(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s offline: %w", p.name, err)
	}
	d.invalidate(p.invalidate)
	return v, nil
}

func (d *facadeDeps) invalidate(prefixes []string) {
	for _, prefix := range prefixes {
		d.cache.Invalidate(prefix)
	}
}

func (d *facadeDeps) broadcast(ctx context.Context, eventType string, data any) {
	if d.live == nil || eventType == "" {
		return
	}
	if err := d.live.Send(ctx, eventType, data); err != nil {
		d.log.Debug("live broadcast failed", "type", eventType, "error", err)
	}
}

// ============================================================================
// Local state helpers
// ============================================================================

// storeConfirmed upserts a server-confirmed record. A local record with
// unsynced changes is left alone; its queued operation will win on push.
func storeConfirmed[T any](ctx context.Context, d *facadeDeps, collection, key string, v T) error {
	existing, err := d.store.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if existing != nil && !existing.Synced {
		return nil
	}
	return PutRecord(ctx, d.store, collection, key, v, true)
}

// storeLocal upserts an optimistic record and queues the operation that
// will replay it.
func storeLocal[T any](ctx context.Context, d *facadeDeps, collection, key string, v T, op NewOperation) error {
	if err := PutRecord(ctx, d.store, collection, key, v, false); err != nil {
		return err
	}
	op.TargetCollection = collection
	if _, err := d.queue.Enqueue(ctx, op); err != nil {
		return err
	}
	return nil
}

// reconcile replaces a provisional record with the server's version and
// points queued operations at the server id.
func reconcile[T any](ctx context.Context, d *facadeDeps, collection, provisionalID, serverID string, server T) error {
	if provisionalID != serverID {
		if err := d.store.Delete(ctx, collection, provisionalID); err != nil {
			return fmt.Errorf("drop provisional %s: %w", provisionalID, err)
		}
	}
	if err := PutRecord(ctx, d.store, collection, serverID, server, true); err != nil {
		return err
	}
	if provisionalID == serverID {
		return nil
	}
	err := d.queue.Rewrite(ctx, collection, func(op *PendingOperation) bool {
		payload, changed := replaceID(op.Payload, provisionalID, serverID)
		if changed {
			op.Payload = payload
		}
		return changed
	})
	if err != nil {
		return fmt.Errorf("rewrite queued references to %s: %w", provisionalID, err)
	}
	d.log.Debug("provisional record reconciled", "collection", collection, "from", provisionalID, "to", serverID)
	return nil
}

// replaceID rewrites every JSON string equal to from.
func replaceID(raw json.RawMessage, from, to string) (json.RawMessage, bool) {
	if !strings.Contains(string(raw), from) {
		return raw, false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, false
	}
	doc, changed := replaceValue(doc, from, to)
	if !changed {
		return raw, false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return raw, false
	}
	return out, true
}

func replaceValue(v any, from, to string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == from {
			return to, true
		}
	case map[string]any:
		changed := false
		for k, child := range t {
			if nv, ok := replaceValue(child, from, to); ok {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, child := range t {
			if nv, ok := replaceValue(child, from, to); ok {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	}
	return v, false
}

// createsID reports whether op is the queued create of the record id.
func createsID(op PendingOperation, id string) bool {
	if op.Action != ActionCreate {
		return false
	}
	var ref struct {
		ID string `json:"id"`
	}
	return json.Unmarshal(op.Payload, &ref) == nil && ref.ID == id
}

// awaitCreate gates a push that targets id. A provisional id is pushed only
// after reconcile rewrote it: while its create is still queued the push is
// deferred, and once the create is gone (dead-lettered) it is rejected so it
// lands next to the create in the dead-letter collection.
func (d *facadeDeps) awaitCreate(ctx context.Context, collection, id string) error {
	if !IsProvisionalID(id) {
		return nil
	}
	create, err := d.queue.Find(ctx, collection, func(op PendingOperation) bool { return createsID(op, id) })
	if err != nil {
		return err
	}
	if create != nil {
		return fmt.Errorf("%w: %s waits for operation %d", ErrDeferred, id, create.ID)
	}
	return &RemoteError{Code: "provisional_target", Message: "no pending create for " + id}
}

// decodeOp unmarshals an operation payload.
func decodeOp[T any](op PendingOperation) (T, error) {
	var v T
	if err := json.Unmarshal(op.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s operation %d: %w", op.Type, op.ID, err)
	}
	return v, nil
}

// ============================================================================
// Live events
// ============================================================================

// listen applies every inbound live event of eventType with apply until ctx
// is done or the channel closes.
func listen(ctx context.Context, d *facadeDeps, eventType string, apply func(ctx context.Context, ev LiveEvent) error) {
	if d.live == nil {
		return
	}
	events, cancel := d.live.OnEvent(eventType)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := apply(ctx, ev); err != nil {
					d.log.Warn("apply live event", "type", ev.Type, "error", err)
				}
			}
		}
	}()
}

// applyLive decodes a live event payload, stores it as confirmed and
// invalidates the cached reads it affects.
func applyLive[T any](ctx context.Context, d *facadeDeps, ev LiveEvent, collection string, key func(T) string, prefixes ...string) error {
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	k := key(v)
	if k == "" {
		return errors.New("live event without id")
	}
	if err := storeConfirmed(ctx, d, collection, k, v); err != nil {
		d.log.Warn("persist live event", "type", ev.Type, "error", err)
	}
	d.invalidate(prefixes)
	return nil
}

func (d *facadeDeps) timestamp() string {
	return d.now().UTC().Format(time.RFC3339Nano)
}

package chartsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxAttempts is how many failed pushes an operation survives before
// it is moved to the dead-letter collection.
const DefaultMaxAttempts = 5

// OperationExecutor pushes one queued operation to the remote service.
type OperationExecutor func(ctx context.Context, op PendingOperation) error

// QueueEventKind names a queue lifecycle event.
type QueueEventKind string

const (
	QueueEnqueued  QueueEventKind = "enqueued"
	QueueConfirmed QueueEventKind = "confirmed"
	QueueFailed    QueueEventKind = "failed"
	QueueDead      QueueEventKind = "dead"
	QueueRequeued  QueueEventKind = "requeued"
)

// QueueEvent reports a change to a pending operation.
type QueueEvent struct {
	Kind QueueEventKind
	Op   PendingOperation
	Err  error
}

// PendingQueue is the durable FIFO of mutations made while offline. It
// lives in the pending_operations collection; operations that exhaust their
// attempts move to pending_operations_dead.
type PendingQueue struct {
	store       Store
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
	events      *Broadcaster[QueueEvent]

	mu       sync.Mutex
	nextID   int64
	seeded   bool
	inflight map[int64]struct{}
}

// NewPendingQueue creates a queue over store. maxAttempts <= 0 uses
// DefaultMaxAttempts.
func NewPendingQueue(store Store, maxAttempts int, logger *slog.Logger) *PendingQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingQueue{
		store:       store,
		maxAttempts: maxAttempts,
		log:         logger.With("component", "queue"),
		now:         time.Now,
		events:      NewBroadcaster[QueueEvent](),
		inflight:    make(map[int64]struct{}),
	}
}

// Events streams queue lifecycle events.
func (q *PendingQueue) Events() (<-chan QueueEvent, func()) {
	return q.events.Subscribe()
}

// Enqueue appends an operation and returns its id.
func (q *PendingQueue) Enqueue(ctx context.Context, in NewOperation) (int64, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode operation payload: %w", err)
	}
	id, err := q.allocateID(ctx)
	if err != nil {
		return 0, err
	}
	op := PendingOperation{
		ID:               id,
		Type:             in.Type,
		Action:           in.Action,
		TargetCollection: in.TargetCollection,
		Payload:          payload,
		EnqueuedAt:       q.now().UTC(),
	}
	if err := q.put(ctx, CollectionPendingOps, op); err != nil {
		return 0, err
	}
	q.log.Debug("operation enqueued", "id", id, "type", op.Type, "collection", op.TargetCollection)
	q.events.Publish(QueueEvent{Kind: QueueEnqueued, Op: op})
	return id, nil
}

// Drain pushes every pending operation in id order.
func (q *PendingQueue) Drain(ctx context.Context, exec OperationExecutor) error {
	ops, err := q.ListAll(ctx)
	if err != nil {
		return err
	}
	return q.drain(ctx, ops, exec)
}

// DrainCollection pushes the pending operations that target collection.
func (q *PendingQueue) DrainCollection(ctx context.Context, collection string, exec OperationExecutor) error {
	ops, err := q.list(ctx, CollectionPendingOps, collection)
	if err != nil {
		return err
	}
	return q.drain(ctx, ops, exec)
}

func (q *PendingQueue) drain(ctx context.Context, ops []PendingOperation, exec OperationExecutor) error {
	var errs []error
	for _, snapshot := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !q.claim(snapshot.ID) {
			continue
		}
		err := q.process(ctx, snapshot.ID, exec)
		q.release(snapshot.ID)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// process runs one operation. Only store failures are returned; executor
// failures are recorded on the operation.
func (q *PendingQueue) process(ctx context.Context, id int64, exec OperationExecutor) error {
	// Re-read: an earlier operation may have rewritten or removed this one.
	op, err := q.get(ctx, CollectionPendingOps, id)
	if err != nil || op == nil {
		return err
	}

	execErr := exec(ctx, *op)
	if execErr == nil {
		if err := q.store.Delete(ctx, CollectionPendingOps, queueKey(id)); err != nil {
			return fmt.Errorf("remove confirmed operation %d: %w", id, err)
		}
		q.events.Publish(QueueEvent{Kind: QueueConfirmed, Op: *op})
		return nil
	}
	if errors.Is(execErr, context.Canceled) {
		return nil
	}
	if errors.Is(execErr, ErrDeferred) {
		q.log.Debug("operation deferred", "id", id, "type", op.Type, "reason", execErr)
		return nil
	}

	op.Attempts++
	op.LastError = execErr.Error()

	var remoteErr *RemoteError
	if errors.As(execErr, &remoteErr) || op.Attempts >= q.maxAttempts {
		q.log.Warn("operation dead-lettered", "id", id, "type", op.Type, "attempts", op.Attempts, "error", execErr)
		if err := q.moveTo(ctx, *op, CollectionPendingOps, CollectionDeadLetterOps); err != nil {
			return err
		}
		q.events.Publish(QueueEvent{Kind: QueueDead, Op: *op, Err: execErr})
		return nil
	}

	q.log.Info("operation failed", "id", id, "type", op.Type, "attempts", op.Attempts, "error", execErr)
	if err := q.put(ctx, CollectionPendingOps, *op); err != nil {
		return err
	}
	q.events.Publish(QueueEvent{Kind: QueueFailed, Op: *op, Err: execErr})
	return nil
}

// Remove deletes a pending operation.
func (q *PendingQueue) Remove(ctx context.Context, id int64) error {
	return q.store.Delete(ctx, CollectionPendingOps, queueKey(id))
}

// ListAll returns every pending operation in id order.
func (q *PendingQueue) ListAll(ctx context.Context) ([]PendingOperation, error) {
	return q.list(ctx, CollectionPendingOps, "")
}

// ListDead returns every dead-lettered operation in id order.
func (q *PendingQueue) ListDead(ctx context.Context) ([]PendingOperation, error) {
	return q.list(ctx, CollectionDeadLetterOps, "")
}

// Len returns the number of pending operations.
func (q *PendingQueue) Len(ctx context.Context) (int, error) {
	recs, err := q.store.GetAll(ctx, CollectionPendingOps)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Requeue moves a dead-lettered operation back to the queue with a fresh
// attempt budget. It keeps its id and therefore its position.
func (q *PendingQueue) Requeue(ctx context.Context, id int64) error {
	op, err := q.get(ctx, CollectionDeadLetterOps, id)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("dead operation %d: %w", id, ErrNotFound)
	}
	op.Attempts = 0
	op.LastError = ""
	if err := q.moveTo(ctx, *op, CollectionDeadLetterOps, CollectionPendingOps); err != nil {
		return err
	}
	q.events.Publish(QueueEvent{Kind: QueueRequeued, Op: *op})
	return nil
}

// Rewrite applies fn to every pending and dead-lettered operation targeting
// collection and persists the ones fn reports as changed. Dead letters are
// included so a later Requeue replays the rewritten form.
func (q *PendingQueue) Rewrite(ctx context.Context, collection string, fn func(op *PendingOperation) bool) error {
	for _, coll := range []string{CollectionPendingOps, CollectionDeadLetterOps} {
		ops, err := q.list(ctx, coll, collection)
		if err != nil {
			return err
		}
		for i := range ops {
			if !fn(&ops[i]) {
				continue
			}
			if err := q.put(ctx, coll, ops[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Find returns the first pending operation targeting collection that match
// accepts, or nil.
func (q *PendingQueue) Find(ctx context.Context, collection string, match func(op PendingOperation) bool) (*PendingOperation, error) {
	ops, err := q.list(ctx, CollectionPendingOps, collection)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		if match(ops[i]) {
			return &ops[i], nil
		}
	}
	return nil, nil
}

// Withdraw removes the first pending operation targeting collection that
// match accepts. It reports false when nothing matched or the operation is
// being pushed right now.
func (q *PendingQueue) Withdraw(ctx context.Context, collection string, match func(op PendingOperation) bool) (bool, error) {
	op, err := q.Find(ctx, collection, match)
	if err != nil || op == nil {
		return false, err
	}
	if !q.claim(op.ID) {
		return false, nil
	}
	defer q.release(op.ID)
	// It may have been pushed between Find and claim.
	if still, err := q.get(ctx, CollectionPendingOps, op.ID); err != nil || still == nil {
		return false, err
	}
	if err := q.store.Delete(ctx, CollectionPendingOps, queueKey(op.ID)); err != nil {
		return false, fmt.Errorf("withdraw operation %d: %w", op.ID, err)
	}
	q.log.Debug("operation withdrawn", "id", op.ID, "type", op.Type)
	return true, nil
}

// ── internals ────────────────────────────────────────────

func queueKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func (q *PendingQueue) allocateID(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.seeded {
		var highest int64
		for _, coll := range []string{CollectionPendingOps, CollectionDeadLetterOps} {
			recs, err := q.store.GetAll(ctx, coll)
			if err != nil {
				return 0, fmt.Errorf("seed operation ids: %w", err)
			}
			for _, rec := range recs {
				if id, err := strconv.ParseInt(rec.Key, 10, 64); err == nil && id > highest {
					highest = id
				}
			}
		}
		q.nextID = highest + 1
		q.seeded = true
	}
	id := q.nextID
	q.nextID++
	return id, nil
}

func (q *PendingQueue) claim(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *PendingQueue) release(id int64) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *PendingQueue) put(ctx context.Context, collection string, op PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %d: %w", op.ID, err)
	}
	if _, err := q.store.Put(ctx, collection, Record{Key: queueKey(op.ID), Data: data}); err != nil {
		return fmt.Errorf("store operation %d: %w", op.ID, err)
	}
	return nil
}

func (q *PendingQueue) get(ctx context.Context, collection string, id int64) (*PendingOperation, error) {
	rec, err := q.store.Get(ctx, collection, queueKey(id))
	if err != nil || rec == nil {
		return nil, err
	}
	var op PendingOperation
	if err := json.Unmarshal(rec.Data, &op); err != nil {
		return nil, fmt.Errorf("decode operation %d: %w", id, err)
	}
	return &op, nil
}

// moveTo writes op to the destination before deleting it from the source,
// so a crash in between duplicates rather than loses it.
func (q *PendingQueue) moveTo(ctx context.Context, op PendingOperation, from, to string) error {
	if err := q.put(ctx, to, op); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, from, queueKey(op.ID)); err != nil {
		return fmt.Errorf("remove operation %d from %s: %w", op.ID, from, err)
	}
	return nil
}

func (q *PendingQueue) list(ctx context.Context, collection, target string) ([]PendingOperation, error) {
	var (
		recs []Record
		err  error
	)
	if target == "" {
		recs, err = q.store.GetAll(ctx, collection)
	} else {
		recs, err = q.store.GetByIndex(ctx, collection, IndexByTargetCollection, target)
	}
	if err != nil {
		return nil, err
	}
	ops := make([]PendingOperation, 0, len(recs))
	for _, rec := range recs {
		var op PendingOperation
		if err := json.Unmarshal(rec.Data, &op); err != nil {
			q.log.Warn("skipping undecodable operation", "key", rec.Key, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

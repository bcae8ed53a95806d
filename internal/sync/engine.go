// Package sync implements the offline-first sync engine: optimistic local
// writes against a mirrored snapshot, a durable queue of unconfirmed
// mutations, a sequential drain against the remote store with conflict
// detection, and derived, observable sync state.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/config"
	"github.com/apipat2499/omni-sales-sub013/internal/logger"
	"github.com/apipat2499/omni-sales-sub013/internal/remote"
	"github.com/apipat2499/omni-sales-sub013/internal/storage"
)

const historyLimit = 50

// Engine is an explicitly constructed sync engine instance. Multiple
// independent engines (e.g. one per tenant) can coexist; there is no
// package-level state.
type Engine struct {
	queue     *Queue
	mirror    *Mirror
	remote    remote.Client
	strategy  ResolutionStrategy
	conflicts *conflictSet

	resourceTypes []string
	callTimeout   time.Duration

	online  atomic.Bool
	syncing atomic.Bool

	mu        sync.Mutex
	lastError string
	observers map[int]func(Snapshot)
	nextObs   int
	history   []DrainRecord
}

func NewEngine(cfg config.SyncConfig, store storage.Store, client remote.Client) (*Engine, error) {
	strategy, err := StrategyFromName(cfg.ConflictStrategy)
	if err != nil {
		return nil, err
	}
	backoff := BackoffPolicy{
		Initial:    cfg.GetBackoffInitial(),
		Max:        cfg.GetBackoffMax(),
		Multiplier: cfg.BackoffMultiplier,
	}
	return &Engine{
		queue:         NewQueue(store, cfg.MaxAttempts, backoff),
		mirror:        NewMirror(store, cfg.ResourceTypes),
		remote:        client,
		strategy:      strategy,
		conflicts:     newConflictSet(store),
		resourceTypes: cfg.ResourceTypes,
		callTimeout:   cfg.GetCallTimeout(),
		observers:     make(map[int]func(Snapshot)),
	}, nil
}

// --- optimistic mutation entry points ---

// CreateRecord writes the record into the mirror immediately, then tries a
// write-through to the remote store. On failure or while offline the
// mutation is queued for the next drain. The returned id is definitive
// either way.
func (e *Engine) CreateRecord(ctx context.Context, resourceType, id string, fields map[string]any) (string, error) {
	if resourceType == "" {
		return "", fmt.Errorf("resource type required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	e.mirror.ApplyCreate(remote.Record{ID: id, Type: resourceType, Fields: fields})

	item := newItem(OpCreate, resourceType, id, fields, time.Time{}, nil)
	if !e.tryDirect(ctx, item) {
		e.queue.Enqueue(OpCreate, resourceType, id, fields, time.Time{}, nil)
	}
	e.publish()
	return id, nil
}

// UpdateRecord patches the mirrored record immediately, remembering the
// version the patch was based on, then write-throughs or queues.
func (e *Engine) UpdateRecord(ctx context.Context, resourceType, id string, patch map[string]any) error {
	baseVersion, baseFields, ok := e.mirror.ApplyUpdate(resourceType, id, patch)
	if !ok {
		return fmt.Errorf("record %s/%s not found", resourceType, id)
	}

	item := newItem(OpUpdate, resourceType, id, patch, baseVersion, baseFields)
	if !e.tryDirect(ctx, item) {
		e.queue.Enqueue(OpUpdate, resourceType, id, patch, baseVersion, baseFields)
	}
	e.publish()
	return nil
}

// DeleteRecord removes the record from the mirror immediately, then
// write-throughs or queues the remote delete.
func (e *Engine) DeleteRecord(ctx context.Context, resourceType, id string) error {
	baseVersion, _ := e.mirror.ApplyDelete(resourceType, id)

	item := newItem(OpDelete, resourceType, id, nil, baseVersion, nil)
	if !e.tryDirect(ctx, item) {
		e.queue.Enqueue(OpDelete, resourceType, id, nil, baseVersion, nil)
	}
	e.publish()
	return nil
}

func newItem(op Operation, resourceType, id string, payload map[string]any, baseVersion time.Time, baseFields map[string]any) *QueueItem {
	return &QueueItem{
		ID:           uuid.New().String(),
		Operation:    op,
		ResourceType: resourceType,
		ResourceID:   id,
		Payload:      payload,
		BaseVersion:  baseVersion,
		BaseFields:   baseFields,
		CreatedAt:    time.Now().UTC(),
		Status:       ItemPending,
	}
}

// tryDirect attempts a single immediate apply. True means the mutation is
// settled (applied, discarded by strategy, or parked as a conflict) and must
// not be queued.
func (e *Engine) tryDirect(ctx context.Context, item *QueueItem) bool {
	if !e.online.Load() {
		return false
	}
	// Earlier mutations for this resource are still queued; applying this one
	// directly would reorder same-resource writes.
	if e.queue.HasPendingFor(item.ResourceType, item.ResourceID) {
		return false
	}
	out := e.applyItem(ctx, item)
	switch {
	case out.conflict != nil:
		e.conflicts.Add(out.conflict)
		return true
	case out.err != nil:
		if errors.Is(out.err, remote.ErrUnavailable) {
			e.online.Store(false)
		}
		logger.Log.Debug("Write-through failed, queueing mutation",
			zap.String("resource", item.resourceKey()), zap.Error(out.err))
		return false
	default:
		return true
	}
}

// --- read path ---

// Records returns the mirrored records for a resource type; this is the
// read-path source of truth whether or not the remote store is reachable.
func (e *Engine) Records(resourceType string) []remote.Record {
	return e.mirror.List(resourceType)
}

func (e *Engine) Record(resourceType, id string) (remote.Record, bool) {
	return e.mirror.Get(resourceType, id)
}

// --- drain ---

type applyOutcome struct {
	conflict *Conflict
	err      error
}

// Sync drains the queue against the remote store and refreshes the mirror.
// Only one drain runs at a time; a call that arrives mid-drain is a no-op
// (the scheduled tick or reconnect will pick up any remaining work).
func (e *Engine) Sync(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)
	e.publish()

	// Reachability probe first: an unreachable remote aborts the drain
	// without touching queue state.
	probeCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	err := e.remote.CheckConnection(probeCtx)
	cancel()
	if err != nil {
		e.online.Store(false)
		e.setLastError(err.Error())
		e.publish()
		return nil
	}
	e.online.Store(true)

	rec := DrainRecord{ID: uuid.New().String(), StartedAt: time.Now().UTC()}

	for {
		if ctx.Err() != nil || !e.online.Load() {
			break
		}
		item := e.queue.DequeueNext(time.Now())
		if item == nil {
			break
		}
		e.queue.MarkInFlight(item.ID)

		out := e.applyItem(ctx, item)
		switch {
		case out.conflict != nil:
			e.conflicts.Add(out.conflict)
			e.queue.MarkDone(item.ID)
			rec.Conflicts++
			logger.Log.Info("Conflict detected",
				zap.String("resource", item.resourceKey()),
				zap.String("strategy", e.strategy.Name()),
			)
		case out.err != nil:
			e.queue.MarkFailed(item.ID, out.err.Error())
			e.setLastError(out.err.Error())
			rec.Failed++
			if errors.Is(out.err, remote.ErrUnavailable) {
				// Abandon the drain between items; the item just failed
				// stays queued for the next cycle.
				e.online.Store(false)
			}
		default:
			e.queue.MarkDone(item.ID)
			rec.Applied++
		}
	}

	// Pull the authoritative state even after partial failures, as long as
	// the remote is still reachable.
	if e.online.Load() {
		e.refreshMirror(ctx, &rec)
	}

	rec.CompletedAt = time.Now().UTC()
	e.appendHistory(rec)
	e.publish()

	logger.Log.Debug("Drain completed",
		zap.Int("applied", rec.Applied),
		zap.Int("failed", rec.Failed),
		zap.Int("conflicts", rec.Conflicts),
	)
	return nil
}

func (e *Engine) applyItem(ctx context.Context, item *QueueItem) applyOutcome {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	switch item.Operation {
	case OpCreate:
		err := e.remote.Create(cctx, remote.Record{
			ID: item.ResourceID, Type: item.ResourceType, Fields: item.Payload,
		})
		return applyOutcome{err: err}

	case OpDelete:
		err := e.remote.Delete(cctx, item.ResourceType, item.ResourceID)
		if errors.Is(err, remote.ErrNotFound) {
			err = nil // already gone
		}
		return applyOutcome{err: err}

	case OpUpdate:
		return e.applyUpdate(cctx, item)

	default:
		return applyOutcome{err: fmt.Errorf("unknown operation %q", item.Operation)}
	}
}

func (e *Engine) applyUpdate(ctx context.Context, item *QueueItem) applyOutcome {
	if item.Force {
		err := e.remote.Update(ctx, item.ResourceType, item.ResourceID, item.Payload)
		if errors.Is(err, remote.ErrNotFound) {
			err = e.remote.Create(ctx, remote.Record{
				ID: item.ResourceID, Type: item.ResourceType, Fields: item.Payload,
			})
		}
		return applyOutcome{err: err}
	}

	current, err := e.remote.Get(ctx, item.ResourceType, item.ResourceID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return applyOutcome{err: err}
	}

	if c := detectConflict(item, current); c != nil {
		res := e.strategy.Resolve(c)
		switch {
		case res.Manual:
			return applyOutcome{conflict: c}
		case res.DiscardLocal:
			logger.Log.Info("Conflict auto-resolved, remote wins",
				zap.String("resource", item.resourceKey()))
			return applyOutcome{}
		default:
			if current == nil {
				return applyOutcome{err: e.remote.Create(ctx, remote.Record{
					ID: item.ResourceID, Type: item.ResourceType, Fields: res.Accepted,
				})}
			}
			return applyOutcome{err: e.remote.Update(ctx, item.ResourceType, item.ResourceID, res.Accepted)}
		}
	}

	return applyOutcome{err: e.remote.Update(ctx, item.ResourceType, item.ResourceID, item.Payload)}
}

func (e *Engine) refreshMirror(ctx context.Context, rec *DrainRecord) {
	allOK := true
	for _, rt := range e.resourceTypes {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		records, err := e.remote.List(cctx, rt)
		cancel()
		if err != nil {
			allOK = false
			e.setLastError(err.Error())
			rec.Error = err.Error()
			if errors.Is(err, remote.ErrUnavailable) {
				e.online.Store(false)
			}
			// Keep the last known good snapshot rather than clobbering it.
			break
		}
		e.mirror.ReplaceAll(rt, records)
		rec.Pulled += len(records)
	}
	if allOK {
		e.mirror.SetLastSync(time.Now().UTC())
		e.setLastError("")
	}
}

// --- control operations ---

// RetryFailed resets items that exhausted their retry budget and triggers a
// drain.
func (e *Engine) RetryFailed(ctx context.Context) int {
	n := e.queue.RetryFailed()
	e.publish()
	if n > 0 {
		_ = e.Sync(ctx)
	}
	return n
}

// ClearQueue drops every queued mutation. Destructive manual reset.
func (e *Engine) ClearQueue() {
	e.queue.Clear()
	e.publish()
}

// ResolveConflict settles an open conflict with the accepted final state.
// A nil accepted state means the remote version stands as-is. Otherwise the
// accepted state is written to the mirror and queued as a forced update so
// resolution also works while offline.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, accepted map[string]any) error {
	c := e.conflicts.Remove(conflictID)
	if c == nil {
		return fmt.Errorf("conflict %s not found", conflictID)
	}
	if accepted == nil {
		e.publish()
		return nil
	}

	e.mirror.ApplyCreate(remote.Record{ID: c.ResourceID, Type: c.ResourceType, Fields: accepted})
	e.queue.EnqueueForced(c.ResourceType, c.ResourceID, accepted)
	e.publish()

	if e.online.Load() {
		return e.Sync(ctx)
	}
	return nil
}

// SetOnline feeds an external connectivity signal. Returns the previous
// state so callers can act on transitions.
func (e *Engine) SetOnline(online bool) (wasOnline bool) {
	wasOnline = e.online.Swap(online)
	if wasOnline != online {
		logger.Log.Info("Connectivity changed", zap.Bool("online", online))
		e.publish()
	}
	return wasOnline
}

func (e *Engine) IsOnline() bool  { return e.online.Load() }
func (e *Engine) IsSyncing() bool { return e.syncing.Load() }

// --- observable state ---

// Snapshot derives the observable state from the queue, the open conflict
// set and the last pull timestamp. No shadow bookkeeping.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	lastError := e.lastError
	e.mu.Unlock()

	return Snapshot{
		Status:       e.status(),
		Online:       e.online.Load(),
		Syncing:      e.syncing.Load(),
		PendingCount: e.queue.Len(),
		LastSync:     e.mirror.LastSync(),
		Conflicts:    e.conflicts.List(),
		LastError:    lastError,
	}
}

func (e *Engine) status() Status {
	switch {
	case e.syncing.Load():
		return StatusSyncing
	case e.queue.HasExhausted():
		return StatusFailed
	case e.queue.Len() > 0:
		return StatusPending
	default:
		return StatusSynced
	}
}

// PendingItems returns queue entries awaiting processing or manual retry.
func (e *Engine) PendingItems() []QueueItem {
	return e.queue.Pending()
}

// QueueItems returns every queue entry in order.
func (e *Engine) QueueItems() []QueueItem {
	return e.queue.Items()
}

// Conflicts returns the open conflict set.
func (e *Engine) Conflicts() []Conflict {
	return e.conflicts.List()
}

// History returns recent drain summaries, oldest first.
func (e *Engine) History() []DrainRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DrainRecord, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) appendHistory(rec DrainRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, rec)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

func (e *Engine) setLastError(msg string) {
	e.mu.Lock()
	e.lastError = msg
	e.mu.Unlock()
}

// Subscribe registers an observer for state changes and returns its cancel
// function. Observers are invoked synchronously with a point-in-time
// snapshot; unsubscribing stops further calls.
func (e *Engine) Subscribe(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) publish() {
	snap := e.Snapshot()
	e.mu.Lock()
	obs := make([]func(Snapshot), 0, len(e.observers))
	for _, fn := range e.observers {
		obs = append(obs, fn)
	}
	e.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

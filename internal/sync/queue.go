package sync

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/logger"
	"github.com/apipat2499/omni-sales-sub013/internal/storage"
)

const queueKey = "sync:queue:v1"

// Queue is the durable, ordered record of mutations not yet confirmed
// against the remote store. Every mutation is persisted through the storage
// primitive; if persistence starts failing the queue logs once and degrades
// to in-memory operation for the rest of the session.
type Queue struct {
	mu          sync.Mutex
	items       []*QueueItem
	store       storage.Store
	maxAttempts int
	backoff     BackoffPolicy
	degraded    bool
}

func NewQueue(store storage.Store, maxAttempts int, backoff BackoffPolicy) *Queue {
	q := &Queue{
		store:       store,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
	q.load()
	return q
}

func (q *Queue) load() {
	data, err := q.store.GetItem(queueKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Log.Warn("Failed to load sync queue, starting empty", zap.Error(err))
		}
		return
	}
	var items []*QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		logger.Log.Warn("Corrupt sync queue state, starting empty", zap.Error(err))
		return
	}
	// An in-flight item from a crashed session never completed; retry it.
	for _, it := range items {
		if it.Status == ItemInFlight {
			it.Status = ItemPending
		}
	}
	q.items = items
}

func (q *Queue) persist() {
	if q.degraded {
		return
	}
	data, err := json.Marshal(q.items)
	if err == nil {
		err = q.store.SetItem(queueKey, data)
	}
	if err != nil {
		q.degraded = true
		logger.Log.Error("Sync queue persistence failed, degrading to in-memory", zap.Error(err))
	}
}

// Enqueue appends a mutation. base carries the mirror record the mutation
// was based on (zero/nil when unknown, e.g. creates).
func (q *Queue) Enqueue(op Operation, resourceType, resourceID string, payload map[string]any, baseVersion time.Time, baseFields map[string]any) *QueueItem {
	return q.enqueue(op, resourceType, resourceID, payload, baseVersion, baseFields, false)
}

// EnqueueForced appends an update that bypasses conflict detection. Used by
// conflict resolution: the accepted state must win.
func (q *Queue) EnqueueForced(resourceType, resourceID string, payload map[string]any) *QueueItem {
	return q.enqueue(OpUpdate, resourceType, resourceID, payload, time.Time{}, nil, true)
}

func (q *Queue) enqueue(op Operation, resourceType, resourceID string, payload map[string]any, baseVersion time.Time, baseFields map[string]any, force bool) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &QueueItem{
		ID:           uuid.New().String(),
		Operation:    op,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
		BaseVersion:  baseVersion,
		BaseFields:   baseFields,
		Force:        force,
		CreatedAt:    time.Now().UTC(),
		Status:       ItemPending,
	}
	q.items = append(q.items, item)
	q.persist()

	logger.Log.Debug("Enqueued mutation",
		zap.String("operation", string(op)),
		zap.String("resource", item.resourceKey()),
	)
	return item
}

// DequeueNext returns the oldest pending item whose backoff has elapsed and
// whose resource is not blocked by an earlier stalled item. Mutations for
// the same resource must apply in enqueue order, so an earlier item that is
// failed or still backing off blocks everything behind it for that resource.
func (q *Queue) DequeueNext(now time.Time) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]bool)
	for _, it := range q.items {
		key := it.resourceKey()
		if blocked[key] {
			continue
		}
		eligible := it.Status == ItemPending && !it.NextAttemptAt.After(now)
		if eligible {
			out := *it
			return &out
		}
		blocked[key] = true
	}
	return nil
}

func (q *Queue) MarkInFlight(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it := q.find(id); it != nil {
		it.Status = ItemInFlight
		q.persist()
	}
}

// MarkDone removes a successfully processed item from the queue.
func (q *Queue) MarkDone(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.persist()
			return
		}
	}
}

// MarkFailed records a failure. The item returns to pending with a backoff
// until attempts reach the limit, then parks as failed for manual retry.
func (q *Queue) MarkFailed(id string, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.find(id)
	if it == nil {
		return
	}
	it.Attempts++
	it.LastError = errMsg
	if it.Attempts >= q.maxAttempts {
		it.Status = ItemFailed
		logger.Log.Warn("Queue item exhausted retries",
			zap.String("resource", it.resourceKey()),
			zap.Int("attempts", it.Attempts),
			zap.String("error", errMsg),
		)
	} else {
		it.Status = ItemPending
		it.NextAttemptAt = time.Now().UTC().Add(q.backoff.Delay(it.Attempts))
	}
	q.persist()
}

func (q *Queue) find(id string) *QueueItem {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Pending returns copies of all items awaiting processing or manual retry.
func (q *Queue) Pending() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueueItem
	for _, it := range q.items {
		if it.Status == ItemPending || it.Status == ItemFailed {
			out = append(out, *it)
		}
	}
	return out
}

// Items returns copies of every queue entry in order, for diagnostics.
func (q *Queue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueItem, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// HasPendingFor reports whether any queued mutation still targets the
// resource. Direct writes must queue behind it to keep per-resource order.
func (q *Queue) HasPendingFor(resourceType, resourceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := resourceType + "/" + resourceID
	for _, it := range q.items {
		if it.resourceKey() == key {
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasExhausted reports whether any item has used up its retry budget.
func (q *Queue) HasExhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == ItemFailed {
			return true
		}
	}
	return false
}

// RetryFailed resets parked items to pending with a fresh retry budget and
// returns how many were reset.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == ItemFailed {
			it.Status = ItemPending
			it.Attempts = 0
			it.NextAttemptAt = time.Time{}
			n++
		}
	}
	if n > 0 {
		q.persist()
	}
	return n
}

// Clear empties the queue unconditionally. Destructive; confirmation is the
// caller's responsibility.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.persist()
}

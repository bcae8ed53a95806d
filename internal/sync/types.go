package sync

import (
	"fmt"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemInFlight ItemStatus = "in-flight"
	ItemFailed   ItemStatus = "failed"
	ItemDone     ItemStatus = "done"
)

// Status is the engine-level sync state derived from the queue and the
// in-progress flag. It is never stored; Snapshot recomputes it on demand.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// QueueItem is one mutation waiting to be confirmed against the remote store.
//
// BaseVersion and BaseFields capture the mirror record the mutation was based
// on at enqueue time; the conflict detector compares them against the remote
// record at apply time. Force marks resolutions that must bypass detection.
type QueueItem struct {
	ID           string         `json:"id"`
	Operation    Operation      `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Payload      map[string]any `json:"payload,omitempty"`
	BaseVersion  time.Time      `json:"base_version,omitempty"`
	BaseFields   map[string]any `json:"base_fields,omitempty"`
	Force        bool           `json:"force,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	Status       ItemStatus     `json:"status"`
	// NextAttemptAt gates retries after a failure (exponential backoff).
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

func (i *QueueItem) resourceKey() string {
	return i.ResourceType + "/" + i.ResourceID
}

func (i *QueueItem) String() string {
	return fmt.Sprintf("[%s] %s/%s attempts=%d", i.Operation, i.ResourceType, i.ResourceID, i.Attempts)
}

// Conflict records a divergence between a queued local mutation and the
// remote record at apply time. Conflicts are immutable; resolution removes
// them from the open set and enqueues the accepted state as a forced write.
type Conflict struct {
	ID           string `json:"id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	// LocalVersion is the full state the client intended (base fields with
	// the queued patch applied on top).
	LocalVersion map[string]any `json:"local_version"`
	// RemoteVersion is the server's state at detection time; nil when the
	// record was deleted remotely while the local mutation was pending.
	RemoteVersion    map[string]any `json:"remote_version,omitempty"`
	RemoteDeleted    bool           `json:"remote_deleted,omitempty"`
	LocalModifiedAt  time.Time      `json:"local_modified_at"`
	RemoteModifiedAt time.Time      `json:"remote_modified_at,omitempty"`
	DetectedAt       time.Time      `json:"detected_at"`
}

// Snapshot is the observable engine state published to subscribers and the
// control API. Everything here derives from the queue, the open conflict set
// and the last pull timestamp.
type Snapshot struct {
	Status       Status     `json:"status"`
	Online       bool       `json:"online"`
	Syncing      bool       `json:"syncing"`
	PendingCount int        `json:"pending_count"`
	LastSync     time.Time  `json:"last_sync"`
	Conflicts    []Conflict `json:"conflicts"`
	LastError    string     `json:"last_error,omitempty"`
}

// DrainRecord summarizes one drain cycle for the history ring.
type DrainRecord struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Applied     int       `json:"applied"`
	Failed      int       `json:"failed"`
	Conflicts   int       `json:"conflicts"`
	Pulled      int       `json:"pulled"`
	Error       string    `json:"error,omitempty"`
}

// BackoffPolicy computes the delay before retrying a failed item.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the backoff for the given attempt count (1-based).
func (b BackoffPolicy) Delay(attempts int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	d := b.Initial
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

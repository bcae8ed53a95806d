// Package remote defines the client the sync engine replays queued mutations
// against. Implementations wrap whatever the authoritative store is; the
// engine only needs CRUD plus a cheap reachability probe.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the remote store has no record with the
	// given id. The conflict detector relies on it to spot concurrent deletes.
	ErrNotFound = errors.New("remote: record not found")
	// ErrUnavailable is returned when the remote store cannot be reached.
	ErrUnavailable = errors.New("remote: store unreachable")
)

// Record is the generic shape the engine moves around: an id, a JSON object
// of fields, and the server-side modification timestamp used for conflict
// detection.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy: the fields map is copied, values are
// shared (they are JSON scalars/containers the engine never mutates in place).
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

type Client interface {
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, resourceType, id string, patch map[string]any) error
	Delete(ctx context.Context, resourceType, id string) error
	Get(ctx context.Context, resourceType, id string) (*Record, error)
	List(ctx context.Context, resourceType string) ([]Record, error)
	CheckConnection(ctx context.Context) error
	Close() error
}

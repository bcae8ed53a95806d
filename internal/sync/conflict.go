package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/logger"
	"github.com/apipat2499/omni-sales-sub013/internal/remote"
	"github.com/apipat2499/omni-sales-sub013/internal/storage"
)

const conflictsKey = "sync:conflicts:v1"

// detectConflict decides whether replaying an update against the current
// remote record is safe. A conflict exists when the remote record changed
// after the version the local mutation was based on AND the remotely changed
// fields overlap the fields the patch touches. A missing remote record is
// always a conflict: the update's target was deleted concurrently.
//
// When the item carries no base version (the weaker last-write-wins mode)
// only the deleted-remote case is detected.
func detectConflict(item *QueueItem, current *remote.Record) *Conflict {
	if item.Force {
		return nil
	}

	if current == nil {
		return &Conflict{
			ID:              uuid.New().String(),
			ResourceType:    item.ResourceType,
			ResourceID:      item.ResourceID,
			LocalVersion:    mergeFields(item.BaseFields, item.Payload),
			RemoteDeleted:   true,
			LocalModifiedAt: item.CreatedAt,
			DetectedAt:      time.Now().UTC(),
		}
	}

	if item.BaseVersion.IsZero() || !current.UpdatedAt.After(item.BaseVersion) {
		return nil
	}
	if !fieldsOverlap(item, current) {
		return nil
	}

	return &Conflict{
		ID:               uuid.New().String(),
		ResourceType:     item.ResourceType,
		ResourceID:       item.ResourceID,
		LocalVersion:     mergeFields(item.BaseFields, item.Payload),
		RemoteVersion:    current.Clone().Fields,
		LocalModifiedAt:  item.CreatedAt,
		RemoteModifiedAt: current.UpdatedAt,
		DetectedAt:       time.Now().UTC(),
	}
}

// fieldsOverlap reports whether any field touched by the patch also changed
// remotely since the base snapshot. Without a base snapshot any remote change
// is treated as overlapping.
func fieldsOverlap(item *QueueItem, current *remote.Record) bool {
	if item.BaseFields == nil {
		return true
	}
	for field := range item.Payload {
		base, hadBase := item.BaseFields[field]
		cur, hasCur := current.Fields[field]
		if hadBase != hasCur || !reflect.DeepEqual(base, cur) {
			return true
		}
	}
	return false
}

func mergeFields(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Resolution is a strategy's verdict on a conflict.
type Resolution struct {
	// Manual defers to a human: the conflict stays in the open set and the
	// local mutation is not applied.
	Manual bool
	// DiscardLocal drops the local mutation; the next pull restores the
	// remote state in the mirror.
	DiscardLocal bool
	// Accepted, when non-nil, is the full state to force-write remotely.
	Accepted map[string]any
}

// ResolutionStrategy decides how a detected conflict is settled.
type ResolutionStrategy interface {
	Resolve(c *Conflict) Resolution
	Name() string
}

// LatestWinsStrategy settles conflicts by modification timestamp: whichever
// side changed most recently wins. A remote delete loses to a pending local
// update (the record is recreated from the local state), since the delete
// carries no timestamp to compare against.
type LatestWinsStrategy struct{}

func (LatestWinsStrategy) Name() string { return "latest-wins" }

func (LatestWinsStrategy) Resolve(c *Conflict) Resolution {
	if c.RemoteDeleted {
		return Resolution{Accepted: c.LocalVersion}
	}
	if c.RemoteModifiedAt.After(c.LocalModifiedAt) {
		return Resolution{DiscardLocal: true}
	}
	return Resolution{Accepted: c.LocalVersion}
}

// ManualStrategy surfaces every conflict for explicit resolution.
type ManualStrategy struct{}

func (ManualStrategy) Name() string { return "manual" }

func (ManualStrategy) Resolve(*Conflict) Resolution {
	return Resolution{Manual: true}
}

func StrategyFromName(name string) (ResolutionStrategy, error) {
	switch name {
	case "latest-wins", "":
		return LatestWinsStrategy{}, nil
	case "manual":
		return ManualStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
}

// conflictSet is the persisted open set of unresolved conflicts. Entries are
// immutable; resolution removes them.
type conflictSet struct {
	mu        sync.Mutex
	conflicts []*Conflict
	store     storage.Store
	degraded  bool
}

func newConflictSet(store storage.Store) *conflictSet {
	s := &conflictSet{store: store}
	data, err := store.GetItem(conflictsKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Log.Warn("Failed to load conflicts, starting empty", zap.Error(err))
		}
		return s
	}
	if err := json.Unmarshal(data, &s.conflicts); err != nil {
		logger.Log.Warn("Corrupt conflict state, starting empty", zap.Error(err))
		s.conflicts = nil
	}
	return s
}

func (s *conflictSet) persist() {
	if s.degraded {
		return
	}
	data, err := json.Marshal(s.conflicts)
	if err == nil {
		err = s.store.SetItem(conflictsKey, data)
	}
	if err != nil {
		s.degraded = true
		logger.Log.Error("Conflict persistence failed, degrading to in-memory", zap.Error(err))
	}
}

func (s *conflictSet) Add(c *Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	s.persist()
}

func (s *conflictSet) Remove(id string) *Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conflicts {
		if c.ID == id {
			s.conflicts = append(s.conflicts[:i], s.conflicts[i+1:]...)
			s.persist()
			return c
		}
	}
	return nil
}

func (s *conflictSet) List() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, len(s.conflicts))
	for i, c := range s.conflicts {
		out[i] = *c
	}
	return out
}

func (s *conflictSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conflicts)
}

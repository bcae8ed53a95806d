package sync

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/logger"
	"github.com/apipat2499/omni-sales-sub013/internal/remote"
	"github.com/apipat2499/omni-sales-sub013/internal/storage"
)

const (
	mirrorKeyPrefix = "sync:mirror:v1:"
	lastSyncKey     = "sync:last_sync:v1"
)

// Mirror is the local snapshot of entity records: the read-path source of
// truth while the remote store is unreachable. It is pure cache state,
// populated by pulls and overwritten wholesale, never merged field-by-field.
// Optimistic local writes land here first and are provisional until the next
// successful pull replaces them with the authoritative state.
type Mirror struct {
	mu       sync.RWMutex
	records  map[string]map[string]remote.Record
	store    storage.Store
	lastSync time.Time
	degraded bool
}

func NewMirror(store storage.Store, resourceTypes []string) *Mirror {
	m := &Mirror{
		records: make(map[string]map[string]remote.Record),
		store:   store,
	}
	for _, rt := range resourceTypes {
		m.records[rt] = make(map[string]remote.Record)
		m.loadType(rt)
	}
	m.loadLastSync()
	return m
}

func (m *Mirror) loadType(resourceType string) {
	data, err := m.store.GetItem(mirrorKeyPrefix + resourceType)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Log.Warn("Failed to load mirror snapshot",
				zap.String("resource_type", resourceType), zap.Error(err))
		}
		return
	}
	var records []remote.Record
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Log.Warn("Corrupt mirror snapshot, starting empty",
			zap.String("resource_type", resourceType), zap.Error(err))
		return
	}
	byID := make(map[string]remote.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	m.records[resourceType] = byID
}

func (m *Mirror) loadLastSync() {
	data, err := m.store.GetItem(lastSyncKey)
	if err != nil {
		return
	}
	var ts time.Time
	if json.Unmarshal(data, &ts) == nil {
		m.lastSync = ts
	}
}

func (m *Mirror) persistType(resourceType string) {
	if m.degraded {
		return
	}
	records := make([]remote.Record, 0, len(m.records[resourceType]))
	for _, rec := range m.records[resourceType] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.Marshal(records)
	if err == nil {
		err = m.store.SetItem(mirrorKeyPrefix+resourceType, data)
	}
	if err != nil {
		m.degraded = true
		logger.Log.Error("Mirror persistence failed, degrading to in-memory", zap.Error(err))
	}
}

// Get returns the mirrored record, if present.
func (m *Mirror) Get(resourceType, id string) (remote.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[resourceType][id]
	if !ok {
		return remote.Record{}, false
	}
	return rec.Clone(), true
}

// List returns all mirrored records of a type, ordered by id.
func (m *Mirror) List(resourceType string) []remote.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]remote.Record, 0, len(m.records[resourceType]))
	for _, rec := range m.records[resourceType] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyCreate writes a new record optimistically.
func (m *Mirror) ApplyCreate(rec remote.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[rec.Type] == nil {
		m.records[rec.Type] = make(map[string]remote.Record)
	}
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.Type][rec.ID] = rec.Clone()
	m.persistType(rec.Type)
}

// ApplyUpdate patches a record optimistically and returns the pre-update
// version it was based on, for conflict detection at replay time.
func (m *Mirror) ApplyUpdate(resourceType, id string, patch map[string]any) (baseVersion time.Time, baseFields map[string]any, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[resourceType][id]
	if !ok {
		return time.Time{}, nil, false
	}
	base := rec.Clone()
	updated := rec.Clone()
	for k, v := range patch {
		updated.Fields[k] = v
	}
	updated.UpdatedAt = time.Now().UTC()
	m.records[resourceType][id] = updated
	m.persistType(resourceType)
	return base.UpdatedAt, base.Fields, true
}

// ApplyDelete removes a record optimistically and returns the removed
// version, if any.
func (m *Mirror) ApplyDelete(resourceType, id string) (baseVersion time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[resourceType][id]
	if !ok {
		return time.Time{}, false
	}
	delete(m.records[resourceType], id)
	m.persistType(resourceType)
	return rec.UpdatedAt, true
}

// ReplaceAll overwrites the snapshot for a resource type with the
// authoritative record set from a pull. Never merges.
func (m *Mirror) ReplaceAll(resourceType string, records []remote.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[string]remote.Record, len(records))
	for _, rec := range records {
		rec.Type = resourceType
		byID[rec.ID] = rec.Clone()
	}
	m.records[resourceType] = byID
	m.persistType(resourceType)
}

func (m *Mirror) SetLastSync(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = t
	if m.degraded {
		return
	}
	if data, err := json.Marshal(t); err == nil {
		if err := m.store.SetItem(lastSyncKey, data); err != nil {
			m.degraded = true
			logger.Log.Error("Mirror persistence failed, degrading to in-memory", zap.Error(err))
		}
	}
}

func (m *Mirror) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

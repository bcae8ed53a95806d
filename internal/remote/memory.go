package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryClient is an in-memory remote store. It backs tests and local
// development; reachability can be toggled to simulate outages.
type MemoryClient struct {
	mu        sync.Mutex
	records   map[string]map[string]Record
	reachable bool
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		records:   make(map[string]map[string]Record),
		reachable: true,
	}
}

// SetReachable toggles simulated connectivity.
func (c *MemoryClient) SetReachable(reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachable = reachable
}

// Seed writes a record directly, preserving its UpdatedAt. It bypasses the
// reachability check, standing in for out-of-band writes by other clients.
func (c *MemoryClient) Seed(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records[rec.Type] == nil {
		c.records[rec.Type] = make(map[string]Record)
	}
	c.records[rec.Type][rec.ID] = rec.Clone()
}

func (c *MemoryClient) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !c.reachable {
		return fmt.Errorf("%w: simulated outage", ErrUnavailable)
	}
	return nil
}

func (c *MemoryClient) CheckConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(ctx)
}

func (c *MemoryClient) Create(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	if c.records[rec.Type] == nil {
		c.records[rec.Type] = make(map[string]Record)
	}
	if _, exists := c.records[rec.Type][rec.ID]; exists {
		return fmt.Errorf("create %s/%s: record already exists", rec.Type, rec.ID)
	}
	rec = rec.Clone()
	rec.UpdatedAt = time.Now().UTC()
	c.records[rec.Type][rec.ID] = rec
	return nil
}

func (c *MemoryClient) Update(ctx context.Context, resourceType, id string, patch map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	rec, ok := c.records[resourceType][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", resourceType, id, ErrNotFound)
	}
	rec = rec.Clone()
	for k, v := range patch {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	c.records[resourceType][id] = rec
	return nil
}

func (c *MemoryClient) Delete(ctx context.Context, resourceType, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	if _, ok := c.records[resourceType][id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, ErrNotFound)
	}
	delete(c.records[resourceType], id)
	return nil
}

func (c *MemoryClient) Get(ctx context.Context, resourceType, id string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := c.records[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (c *MemoryClient) List(ctx context.Context, resourceType string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(c.records[resourceType]))
	for _, rec := range c.records[resourceType] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryClient) Close() error {
	return nil
}

package sync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apipat2499/omni-sales-sub013/internal/config"
	"github.com/apipat2499/omni-sales-sub013/internal/remote"
	"github.com/apipat2499/omni-sales-sub013/internal/storage"
)

func testSyncConfig(strategy string) config.SyncConfig {
	return config.SyncConfig{
		Interval:          "30s",
		CallTimeout:       "2s",
		MaxAttempts:       3,
		BackoffInitial:    "100ms",
		BackoffMax:        "500ms",
		BackoffMultiplier: 2,
		ConflictStrategy:  strategy,
		ResourceTypes:     []string{"order"},
	}
}

func newTestEngine(t *testing.T, cfg config.SyncConfig, client remote.Client) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, storage.NewMemoryStore(), client)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// recordingClient logs every mutation call for ordering and idempotency
// assertions.
type recordingClient struct {
	*remote.MemoryClient
	mu        sync.Mutex
	mutations []string
}

func (c *recordingClient) log(s string) {
	c.mu.Lock()
	c.mutations = append(c.mutations, s)
	c.mu.Unlock()
}

func (c *recordingClient) logged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.mutations))
	copy(out, c.mutations)
	return out
}

func (c *recordingClient) Create(ctx context.Context, rec remote.Record) error {
	c.log("create " + rec.ID)
	return c.MemoryClient.Create(ctx, rec)
}

func (c *recordingClient) Update(ctx context.Context, resourceType, id string, patch map[string]any) error {
	c.log("update " + id)
	return c.MemoryClient.Update(ctx, resourceType, id, patch)
}

func (c *recordingClient) Delete(ctx context.Context, resourceType, id string) error {
	c.log("delete " + id)
	return c.MemoryClient.Delete(ctx, resourceType, id)
}

func TestOfflineEnqueueThenReconnect(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	e := newTestEngine(t, testSyncConfig("latest-wins"), client)

	// The engine starts offline until the first successful probe; the
	// create lands in the mirror and the queue.
	id, err := e.CreateRecord(ctx, "order", "ord-9", map[string]any{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	snap := e.Snapshot()
	if snap.PendingCount != 1 || snap.Status != StatusPending {
		t.Fatalf("expected 1 pending / status pending, got %+v", snap)
	}
	if rec, ok := e.Record("order", id); !ok || rec.Fields["status"] != "pending" {
		t.Fatalf("optimistic write missing from mirror: %+v ok=%v", rec, ok)
	}

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	snap = e.Snapshot()
	if snap.PendingCount != 0 || snap.Status != StatusSynced || !snap.Online {
		t.Fatalf("expected drained synced state, got %+v", snap)
	}
	if snap.LastSync.IsZero() {
		t.Fatal("lastSync not stamped after pull")
	}
	if _, err := client.Get(ctx, "order", id); err != nil {
		t.Fatalf("record not replayed to remote: %v", err)
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{MemoryClient: remote.NewMemoryClient()}
	e := newTestEngine(t, testSyncConfig("latest-wins"), client)

	e.CreateRecord(ctx, "order", "ord-1", map[string]any{"v": 1})
	e.CreateRecord(ctx, "order", "ord-2", map[string]any{"v": 1})

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	first := client.logged()
	if len(first) != 2 {
		t.Fatalf("expected 2 mutations, got %v", first)
	}

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if second := client.logged(); len(second) != len(first) {
		t.Fatalf("second drain must be a no-op, got %v", second)
	}
}

func TestPerResourceOrdering(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{MemoryClient: remote.NewMemoryClient()}
	e := newTestEngine(t, testSyncConfig("latest-wins"), client)

	e.CreateRecord(ctx, "order", "ord-a", map[string]any{"v": 1})
	e.CreateRecord(ctx, "order", "ord-b", map[string]any{"v": 1})
	e.UpdateRecord(ctx, "order", "ord-a", map[string]any{"v": 2})
	e.UpdateRecord(ctx, "order", "ord-b", map[string]any{"v": 2})
	e.UpdateRecord(ctx, "order", "ord-a", map[string]any{"v": 3})
	e.DeleteRecord(ctx, "order", "ord-a")

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	var forA []string
	for _, m := range client.logged() {
		if strings.HasSuffix(m, "ord-a") {
			forA = append(forA, strings.Fields(m)[0])
		}
	}
	want := []string{"create", "update", "update", "delete"}
	if len(forA) != len(want) {
		t.Fatalf("ops for ord-a = %v, want %v", forA, want)
	}
	for i := range want {
		if forA[i] != want[i] {
			t.Fatalf("ops for ord-a = %v, want %v", forA, want)
		}
	}

	if _, err := client.Get(ctx, "order", "ord-a"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatal("ord-a must end deleted")
	}
	rec, err := client.Get(ctx, "order", "ord-b")
	if err != nil || rec.Fields["v"] != 2 {
		t.Fatalf("ord-b state wrong: %+v err=%v", rec, err)
	}
}

// blockingClient stalls the first Update until released, to hold a drain
// open mid-item.
type blockingClient struct {
	*remote.MemoryClient
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	updates atomic.Int32
}

func (c *blockingClient) Update(ctx context.Context, resourceType, id string, patch map[string]any) error {
	c.updates.Add(1)
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.MemoryClient.Update(ctx, resourceType, id, patch)
}

func TestAtMostOneDrainInFlight(t *testing.T) {
	ctx := context.Background()
	client := &blockingClient{
		MemoryClient: remote.NewMemoryClient(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})

	e := newTestEngine(t, testSyncConfig("latest-wins"), client)
	if err := e.Sync(ctx); err != nil { // initial pull
		t.Fatal(err)
	}
	e.SetOnline(false)
	e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Sync(ctx)
	}()
	<-client.entered

	// A second sync while one is draining must be a no-op.
	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if n := client.updates.Load(); n != 1 {
		t.Fatalf("duplicate remote calls: %d updates", n)
	}
	if !e.IsSyncing() {
		t.Fatal("first drain should still be running")
	}

	close(client.release)
	<-done

	if n := client.updates.Load(); n != 1 {
		t.Fatalf("expected exactly one update, got %d", n)
	}
	if e.Snapshot().PendingCount != 0 {
		t.Fatal("queue should drain")
	}
}

// flakyClient rejects updates while failUpdates is set, with a write error
// (not a connectivity error).
type flakyClient struct {
	*remote.MemoryClient
	failUpdates atomic.Bool
}

func (c *flakyClient) Update(ctx context.Context, resourceType, id string, patch map[string]any) error {
	if c.failUpdates.Load() {
		return errors.New("validation rejected")
	}
	return c.MemoryClient.Update(ctx, resourceType, id, patch)
}

func TestFailedItemNeverSilentlyDropped(t *testing.T) {
	ctx := context.Background()
	client := &flakyClient{MemoryClient: remote.NewMemoryClient()}
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})

	cfg := testSyncConfig("latest-wins")
	cfg.MaxAttempts = 2
	e := newTestEngine(t, cfg, client)
	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	client.failUpdates.Store(true)
	e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})

	items := e.QueueItems()
	if len(items) != 1 {
		t.Fatalf("rejected write-through must queue the item, got %v", items)
	}

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	items = e.QueueItems()
	if len(items) != 1 || items[0].Attempts != 1 {
		t.Fatalf("failed item must stay with attempts=1, got %+v", items)
	}
	if !strings.Contains(items[0].LastError, "validation") {
		t.Fatalf("lastError not recorded: %+v", items[0])
	}

	time.Sleep(150 * time.Millisecond) // let the backoff elapse
	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	items = e.QueueItems()
	if len(items) != 1 || items[0].Status != ItemFailed {
		t.Fatalf("item must park as failed after exhausting retries, got %+v", items)
	}
	if e.Snapshot().Status != StatusFailed {
		t.Fatalf("status = %s, want failed", e.Snapshot().Status)
	}

	// Manual retry after the underlying problem is fixed.
	client.failUpdates.Store(false)
	if n := e.RetryFailed(ctx); n != 1 {
		t.Fatalf("expected 1 retried item, got %d", n)
	}
	if e.Snapshot().PendingCount != 0 || e.Snapshot().Status != StatusSynced {
		t.Fatalf("retry did not recover: %+v", e.Snapshot())
	}
	rec, err := client.Get(ctx, "order", "ord-1")
	if err != nil || rec.Fields["status"] != "shipped" {
		t.Fatalf("update lost: %+v err=%v", rec, err)
	}
}

// createFailClient rejects creates while failCreates is set, with a write
// error (not a connectivity error).
type createFailClient struct {
	*remote.MemoryClient
	failCreates atomic.Bool
}

func (c *createFailClient) Create(ctx context.Context, rec remote.Record) error {
	if c.failCreates.Load() {
		return errors.New("price missing")
	}
	return c.MemoryClient.Create(ctx, rec)
}

func TestWriteThroughQueuesBehindEarlierMutations(t *testing.T) {
	ctx := context.Background()
	client := &createFailClient{MemoryClient: remote.NewMemoryClient()}
	e := newTestEngine(t, testSyncConfig("latest-wins"), client)
	if err := e.Sync(ctx); err != nil { // bring the engine online
		t.Fatal(err)
	}

	client.failCreates.Store(true)
	e.CreateRecord(ctx, "order", "ord-1", map[string]any{"status": "pending"})
	if len(e.QueueItems()) != 1 {
		t.Fatal("rejected create must queue")
	}

	// Still online, but the create for the same resource is queued ahead; the
	// update must line up behind it instead of applying directly.
	if err := e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"}); err != nil {
		t.Fatal(err)
	}
	items := e.QueueItems()
	if len(items) != 2 || items[0].Operation != OpCreate || items[1].Operation != OpUpdate {
		t.Fatalf("queue must hold create then update, got %+v", items)
	}
	if len(e.Conflicts()) != 0 {
		t.Fatalf("no conflict exists here, got %+v", e.Conflicts())
	}
	if _, err := client.Get(ctx, "order", "ord-1"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatal("update must not reach the remote ahead of the queued create")
	}

	client.failCreates.Store(false)
	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	snap := e.Snapshot()
	if snap.PendingCount != 0 || snap.Status != StatusSynced {
		t.Fatalf("drain did not recover: %+v", snap)
	}
	rec, err := client.Get(ctx, "order", "ord-1")
	if err != nil || rec.Fields["status"] != "shipped" {
		t.Fatalf("expected create then update applied in order, got %+v err=%v", rec, err)
	}
	if len(e.Conflicts()) != 0 {
		t.Fatalf("drain must not raise conflicts, got %+v", e.Conflicts())
	}
}

func TestManualConflictSurfacedNotApplied(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})

	e := newTestEngine(t, testSyncConfig("manual"), client)
	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	e.SetOnline(false)
	e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})

	// Someone else changes the same field while we are offline.
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "cancelled"}, UpdatedAt: time.Now()})

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	conflicts := e.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", conflicts)
	}
	c := conflicts[0]
	if c.LocalVersion["status"] != "shipped" || c.RemoteVersion["status"] != "cancelled" {
		t.Fatalf("conflict versions wrong: %+v", c)
	}

	rec, _ := client.Get(ctx, "order", "ord-1")
	if rec.Fields["status"] != "cancelled" {
		t.Fatal("local mutation must not be applied under manual strategy")
	}
	if e.Snapshot().PendingCount != 0 {
		t.Fatal("conflicted item should leave the queue")
	}

	// Manual resolution: the accepted state force-writes and closes the
	// conflict.
	if err := e.ResolveConflict(ctx, c.ID, map[string]any{"status": "shipped"}); err != nil {
		t.Fatal(err)
	}
	if len(e.Conflicts()) != 0 {
		t.Fatal("conflict must leave the open set after resolution")
	}
	rec, _ = client.Get(ctx, "order", "ord-1")
	if rec.Fields["status"] != "shipped" {
		t.Fatalf("accepted state not applied: %+v", rec.Fields)
	}
}

func TestResolveConflictAcceptRemote(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})

	e := newTestEngine(t, testSyncConfig("manual"), client)
	e.Sync(ctx)
	e.SetOnline(false)
	e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "cancelled"}, UpdatedAt: time.Now()})
	e.Sync(ctx)

	c := e.Conflicts()[0]
	if err := e.ResolveConflict(ctx, c.ID, nil); err != nil {
		t.Fatal(err)
	}
	if len(e.Conflicts()) != 0 {
		t.Fatal("conflict must close")
	}
	rec, _ := client.Get(ctx, "order", "ord-1")
	if rec.Fields["status"] != "cancelled" {
		t.Fatal("accepting remote must leave it untouched")
	}
	if err := e.ResolveConflict(ctx, c.ID, nil); err == nil {
		t.Fatal("resolving a closed conflict must error")
	}
}

func TestLatestWinsAutoResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("remote newer wins", func(t *testing.T) {
		client := remote.NewMemoryClient()
		client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})
		e := newTestEngine(t, testSyncConfig("latest-wins"), client)
		e.Sync(ctx)
		e.SetOnline(false)
		e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})
		client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "cancelled"}, UpdatedAt: time.Now().Add(time.Hour)})

		e.Sync(ctx)

		if len(e.Conflicts()) != 0 {
			t.Fatal("latest-wins must not leave open conflicts")
		}
		rec, _ := client.Get(ctx, "order", "ord-1")
		if rec.Fields["status"] != "cancelled" {
			t.Fatalf("newer remote must win, got %+v", rec.Fields)
		}
		// The pull restores the authoritative state locally.
		if mrec, _ := e.Record("order", "ord-1"); mrec.Fields["status"] != "cancelled" {
			t.Fatalf("mirror not refreshed: %+v", mrec.Fields)
		}
	})

	t.Run("newer local wins", func(t *testing.T) {
		client := remote.NewMemoryClient()
		client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})
		e := newTestEngine(t, testSyncConfig("latest-wins"), client)
		e.Sync(ctx)
		e.SetOnline(false)
		client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "cancelled"}, UpdatedAt: time.Now().Add(-time.Minute)})
		e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})

		e.Sync(ctx)

		if len(e.Conflicts()) != 0 {
			t.Fatal("latest-wins must not leave open conflicts")
		}
		rec, _ := client.Get(ctx, "order", "ord-1")
		if rec.Fields["status"] != "shipped" {
			t.Fatalf("newer local must win, got %+v", rec.Fields)
		}
	})
}

func TestUpdateOfRemotelyDeletedRecordConflicts(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "pending"}, UpdatedAt: time.Now().Add(-time.Hour)})

	e := newTestEngine(t, testSyncConfig("manual"), client)
	e.Sync(ctx)
	e.SetOnline(false)
	e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"})

	if err := client.Delete(context.Background(), "order", "ord-1"); err != nil {
		t.Fatal(err)
	}

	e.Sync(ctx)

	conflicts := e.Conflicts()
	if len(conflicts) != 1 || !conflicts[0].RemoteDeleted {
		t.Fatalf("expected deleted-remote conflict, got %+v", conflicts)
	}
}

func TestDrainAbortsCleanlyWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	client.SetReachable(false)

	e := newTestEngine(t, testSyncConfig("latest-wins"), client)
	e.CreateRecord(ctx, "order", "ord-1", map[string]any{"v": 1})

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	snap := e.Snapshot()
	if snap.Online {
		t.Fatal("probe failure must mark offline")
	}
	if snap.LastError == "" {
		t.Fatal("probe failure must surface lastError")
	}
	items := e.QueueItems()
	if len(items) != 1 || items[0].Attempts != 0 || items[0].Status != ItemPending {
		t.Fatalf("aborted drain must not touch queue state, got %+v", items)
	}
}

func TestConcreteUpdateScenario(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	client.Seed(remote.Record{ID: "ord-1", Type: "order", Fields: map[string]any{"status": "processing"}, UpdatedAt: time.Now().Add(-time.Hour)})

	e := newTestEngine(t, testSyncConfig("latest-wins"), client)
	e.Sync(ctx)
	e.SetOnline(false)

	if err := e.UpdateRecord(ctx, "order", "ord-1", map[string]any{"status": "shipped"}); err != nil {
		t.Fatal(err)
	}
	before := e.Snapshot()

	if err := e.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	snap := e.Snapshot()
	if snap.PendingCount != 0 {
		t.Fatal("queue must be empty")
	}
	if !snap.LastSync.After(before.LastSync) {
		t.Fatal("lastSync must advance")
	}
	rec, ok := e.Record("order", "ord-1")
	if !ok || rec.Fields["status"] != "shipped" {
		t.Fatalf("mirror must reflect the pulled state, got %+v", rec.Fields)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testSyncConfig("latest-wins"), remote.NewMemoryClient())

	var calls atomic.Int32
	cancel := e.Subscribe(func(Snapshot) { calls.Add(1) })

	e.CreateRecord(ctx, "order", "ord-1", map[string]any{"v": 1})
	if calls.Load() == 0 {
		t.Fatal("observer not notified")
	}

	n := calls.Load()
	cancel()
	e.CreateRecord(ctx, "order", "ord-2", map[string]any{"v": 1})
	if calls.Load() != n {
		t.Fatal("observer notified after unsubscribe")
	}
}

func TestClearQueue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testSyncConfig("latest-wins"), remote.NewMemoryClient())
	e.CreateRecord(ctx, "order", "ord-1", nil)
	e.CreateRecord(ctx, "order", "ord-2", nil)

	e.ClearQueue()
	snap := e.Snapshot()
	if snap.PendingCount != 0 || snap.Status != StatusSynced {
		t.Fatalf("clear did not reset queue: %+v", snap)
	}
}

func TestDrainHistory(t *testing.T) {
	ctx := context.Background()
	client := remote.NewMemoryClient()
	e := newTestEngine(t, testSyncConfig("latest-wins"), client)
	e.CreateRecord(ctx, "order", "ord-1", map[string]any{"v": 1})

	e.Sync(ctx)

	hist := e.History()
	if len(hist) != 1 {
		t.Fatalf("expected 1 drain record, got %d", len(hist))
	}
	if hist[0].Applied != 1 || hist[0].CompletedAt.IsZero() {
		t.Fatalf("drain record incomplete: %+v", hist[0])
	}
}

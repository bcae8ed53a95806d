package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/logger"
)

// Controller decides when the engine drains: on start, on a fixed schedule
// while online, on offline-to-online transitions, and on explicit request.
// The engine's own single-drain guard makes overlapping triggers harmless.
type Controller struct {
	engine   *Engine
	interval time.Duration
	cron     *cron.Cron
	entryID  cron.EntryID

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewController(engine *Engine, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		engine:   engine,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start kicks off an initial drain attempt and schedules periodic ones.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("controller already running")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	id, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.interval), c.tick)
	if err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}
	c.entryID = id
	c.cron.Start()
	c.running = true

	logger.Log.Info("Sync controller started", zap.Duration("interval", c.interval))

	// Initial drain on application start.
	c.trigger()
	return nil
}

func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	ctx := c.cron.Stop()
	<-ctx.Done()
	c.cancel()
	c.wg.Wait()
	logger.Log.Info("Sync controller stopped")
}

func (c *Controller) tick() {
	if c.engine.IsSyncing() {
		logger.Log.Debug("Drain already running, skipping scheduled tick")
		return
	}
	c.trigger()
}

func (c *Controller) trigger() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.engine.Sync(c.ctx); err != nil {
			logger.Log.Error("Drain failed", zap.Error(err))
		}
	}()
}

// SetOnline feeds a connectivity signal through to the engine and starts a
// drain on the offline-to-online transition.
func (c *Controller) SetOnline(online bool) {
	wasOnline := c.engine.SetOnline(online)
	if online && !wasOnline {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if running {
			c.trigger()
		}
	}
}

// ForceSync runs a drain immediately and waits for it to finish.
func (c *Controller) ForceSync(ctx context.Context) error {
	return c.engine.Sync(ctx)
}

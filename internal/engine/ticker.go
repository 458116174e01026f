package engine

import (
	"context"
	"time"
)

// Start enables the internal tick source and blocks until ctx is cancelled,
// then closes the controller. While running and loaded, the controller
// ticks every TickInterval; pausing cancels the source and resuming
// reschedules it.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.baseCtx = ctx
	if c.running && c.reg != nil {
		c.startTickerLocked()
	}
	c.mu.Unlock()

	<-ctx.Done()
	c.Close()
}

// startTickerLocked launches the tick loop if Start has been called and no
// loop is active. Caller holds mu.
func (c *Controller) startTickerLocked() {
	if c.baseCtx == nil || c.stopTicker != nil || c.closed {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.stopTicker = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTicker(ctx)
	}()
}

// stopTickerLocked cancels the tick loop. It does not wait: the loop may
// be blocked on mu. Caller holds mu.
func (c *Controller) stopTickerLocked() {
	if c.stopTicker == nil {
		return
	}
	c.stopTicker()
	c.stopTicker = nil
}

func (c *Controller) runTicker(ctx context.Context) {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.logger.Debug("tick source started", "interval_ms", c.config.TickInterval.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("tick source stopped")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := c.Tick(c.now()); err != nil {
				return
			}
		}
	}
}

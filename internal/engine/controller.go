// Package engine owns the running simulation: it ticks the integrator,
// applies play/pause and rate controls, derives the calendar date and
// publishes frames.
//
// All state lives behind the controller's mutex, so ticks and control
// operations never interleave. Readers only ever see published frames.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/star/orrery/internal/bodies"
	"github.com/star/orrery/internal/calendar"
	"github.com/star/orrery/internal/frames"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/orbit"
	"github.com/star/orrery/internal/registry"
)

var (
	// ErrNotReady is returned by control operations before a registry is loaded.
	ErrNotReady = errors.New("simulation not ready")
	// ErrInvalidRate is returned for a non-positive or non-finite multiplier.
	ErrInvalidRate = errors.New("invalid rate multiplier")
	// ErrClosed is returned once the controller has been torn down.
	ErrClosed = errors.New("simulation closed")
)

// Config holds controller configuration loaded from environment variables.
type Config struct {
	TickInterval  time.Duration   // Tick source period (default: 20ms).
	SecondsPerDay float64         // Wall seconds per simulated day at rate 1 (default: 1).
	InitialRate   float64         // Rate multiplier of a fresh controller (default: 1).
	MaxRate       float64         // Upper bound for SetRate; 0 disables the bound.
	StartPaused   bool            // Start in the paused state.
	StartDate     time.Time       // Calendar start date (default: today).
	Registry      registry.Config // Hierarchy knobs used by LoadDataset.
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if !(c.InitialRate > 0) || math.IsInf(c.InitialRate, 0) {
		c.InitialRate = 1
	}
	if c.StartDate.IsZero() {
		c.StartDate = time.Now()
	}
	return c
}

// Controller is the run controller. Safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	config Config
	orbit  *orbit.Integrator
	frames *frames.Buffer
	logger *slog.Logger
	now    func() time.Time

	reg      *registry.Registry
	checksum uint64
	state    *orbit.State
	cal      *calendar.Calendar
	rate     float64
	running  bool
	lastTick time.Time
	runID    string
	seq      uint64
	closed   bool

	// Tick source; baseCtx is nil until Start is called.
	baseCtx    context.Context
	stopTicker context.CancelFunc
	wg         sync.WaitGroup
}

// NewController creates a controller publishing frames to buf.
func NewController(config Config, buf *frames.Buffer, logger *slog.Logger) *Controller {
	config = config.withDefaults()

	logger.Info("engine initialized",
		"tick_interval_ms", config.TickInterval.Milliseconds(),
		"seconds_per_day", config.SecondsPerDay,
		"initial_rate", config.InitialRate,
		"start_date", config.StartDate.UTC().Format(calendar.DateLayout),
	)

	c := &Controller{
		config:  config,
		orbit:   orbit.NewIntegrator(config.SecondsPerDay),
		frames:  buf,
		logger:  logger,
		now:     time.Now,
		rate:    config.InitialRate,
		running: !config.StartPaused,
	}
	metrics.SetRate(c.rate)
	metrics.SetRunning(c.running)
	return c
}

// LoadDataset builds a registry from ds and loads it. A dataset whose
// checksum matches the loaded one is ignored. Rejected records are logged.
func (c *Controller) LoadDataset(ctx context.Context, ds *bodies.Dataset) error {
	c.mu.Lock()
	same := c.reg != nil && c.checksum == ds.Checksum
	c.mu.Unlock()
	if same {
		c.logger.Debug("dataset unchanged, keeping current run", "checksum", ds.Checksum)
		return nil
	}

	reg := registry.Build(ctx, ds.Document, c.config.Registry)
	for _, issue := range reg.Issues() {
		c.logger.Warn("body record skipped",
			"body_id", issue.BodyID,
			"field", issue.Field,
			"reason", issue.Reason,
		)
	}
	if reg.Len() == 0 {
		return fmt.Errorf("dataset from %s has no valid bodies", ds.Source)
	}
	return c.Load(reg, ds.Checksum)
}

// Load swaps in reg and restarts the run from its seed angles. Rate and
// play state carry over.
func (c *Controller) Load(reg *registry.Registry, checksum uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	first := c.reg == nil
	c.reg = reg
	c.checksum = checksum
	c.restartLocked()
	metrics.SetRegistry(reg.Len(), len(reg.Issues()), reg.Filtered())

	c.logger.Info("registry loaded",
		"run_id", c.runID,
		"planets", len(reg.Planets()),
		"bodies", reg.Len(),
		"skipped_records", len(reg.Issues()),
		"filtered_moons", reg.Filtered(),
		"first", first,
	)

	if c.running {
		c.startTickerLocked()
	}
	return nil
}

// restartLocked seeds a new run from the loaded registry. Caller holds mu.
func (c *Controller) restartLocked() {
	c.state = orbit.Seed(c.reg)

	cal, err := calendar.New(c.config.StartDate, c.reg)
	if errors.Is(err, calendar.ErrReferenceBodyMissing) {
		c.logger.Warn("calendar disabled, reference body not in registry",
			"reference_body", c.config.Registry.ReferenceBody,
		)
	}
	c.cal = cal

	c.runID = uuid.NewString()
	c.seq = 0
	c.lastTick = c.now()
	c.frames.Clear()
	c.publishLocked()
}

// Ready reports whether a registry is loaded.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg != nil && !c.closed
}

// Registry returns the loaded registry, or nil before the first load.
func (c *Controller) Registry() *registry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// guardLocked returns the error a control operation must fail with, if any.
func (c *Controller) guardLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.reg == nil {
		return ErrNotReady
	}
	return nil
}

// SetRate changes the speed multiplier for subsequent ticks. Angles are
// untouched. On error the previous rate stays in effect.
func (c *Controller) SetRate(multiplier float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.setRateLocked(multiplier)
	metrics.IncControl("rate", err)
	return err
}

func (c *Controller) setRateLocked(multiplier float64) error {
	if err := c.guardLocked(); err != nil {
		return err
	}
	if !(multiplier > 0) || math.IsInf(multiplier, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidRate, multiplier)
	}
	if c.config.MaxRate > 0 && multiplier > c.config.MaxRate {
		return fmt.Errorf("%w: %v exceeds maximum %v", ErrInvalidRate, multiplier, c.config.MaxRate)
	}

	if multiplier != c.rate {
		c.logger.Info("rate changed", "run_id", c.runID, "from", c.rate, "to", multiplier)
	}
	c.rate = multiplier
	metrics.SetRate(multiplier)
	c.publishLocked()
	return nil
}

// TogglePause flips between running and paused and returns the new state.
func (c *Controller) TogglePause() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.guardLocked()
	if err == nil {
		c.setRunningLocked(!c.running)
	}
	metrics.IncControl("toggle", err)
	return c.running, err
}

// SetRunning plays or pauses. Setting the current state is a no-op.
func (c *Controller) SetRunning(running bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := "pause"
	if running {
		op = "play"
	}
	err := c.guardLocked()
	if err == nil {
		c.setRunningLocked(running)
	}
	metrics.IncControl(op, err)
	return err
}

// setRunningLocked pauses by cancelling the tick source, and resumes by
// resetting the last-tick time so paused wall time is never integrated.
func (c *Controller) setRunningLocked(running bool) {
	if running == c.running {
		return
	}
	c.running = running
	if running {
		c.lastTick = c.now()
		c.startTickerLocked()
	} else {
		c.stopTickerLocked()
	}
	metrics.SetRunning(running)
	c.logger.Info("run state changed", "run_id", c.runID, "running", running)
	c.publishLocked()
}

// Reset restarts the run from the seed angles and the start date.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.guardLocked()
	if err == nil {
		c.restartLocked()
		c.logger.Info("run reset", "run_id", c.runID)
	}
	metrics.IncControl("reset", err)
	return err
}

// Tick advances the simulation by the wall time elapsed since the previous
// tick. Ticks while paused are ignored. A tick that would produce an
// invalid state is discarded and the previous state kept.
func (c *Controller) Tick(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return err
	}
	if !c.running {
		return nil
	}

	elapsed := now.Sub(c.lastTick)
	if elapsed < 0 {
		elapsed = 0
	}
	c.lastTick = now

	start := time.Now()
	next, err := c.orbit.Advance(c.state, c.reg, c.rate, elapsed)
	if err != nil {
		metrics.IncTickErrors()
		c.logger.Warn("tick discarded",
			"run_id", c.runID,
			"elapsed_ms", elapsed.Milliseconds(),
			"rate", c.rate,
			"error", err,
		)
		return nil
	}
	c.state = next

	if n := c.cal.Observe(next.Travel); n > 0 {
		c.logger.Debug("calendar advanced", "run_id", c.runID, "days", n, "date", c.cal.String())
	}
	metrics.ObserveTick(time.Since(start), next.ElapsedDays)
	c.publishLocked()
	return nil
}

// Snapshot returns the newest published frame.
func (c *Controller) Snapshot() (*frames.Frame, error) {
	c.mu.Lock()
	err := c.guardLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f := c.frames.Latest(); f != nil {
		return f, nil
	}
	return nil, ErrNotReady
}

// publishLocked builds a frame from the current state and stores it.
func (c *Controller) publishLocked() {
	c.seq++
	f := &frames.Frame{
		Seq:         c.seq,
		RunID:       c.runID,
		Timestamp:   c.now().UTC(),
		Rate:        c.rate,
		Running:     c.running,
		Ticks:       c.state.Ticks,
		ElapsedDays: c.state.ElapsedDays,
		Date:        c.cal.String(),
		JulianDay:   c.cal.JulianDay(),
		Bodies:      make([]frames.BodyAngle, 0, c.reg.Len()),
	}
	for _, b := range c.reg.Bodies() {
		f.Bodies = append(f.Bodies, frames.NewBodyAngle(b.ID, b.DisplayName, b.ParentID, c.state.Angles[b.ID]))
	}
	c.frames.Put(f)
}

// Close stops the tick source and rejects all further operations.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTickerLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("engine stopped")
}

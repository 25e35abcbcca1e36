// Package bot runs one automated trading worker: a state machine around a
// tick loop that pulls signals, applies safety checks, routes orders through
// the exchange gateway, and checkpoints its books.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"punch/internal/alert"
	"punch/internal/gateway/exchange"
	"punch/internal/logger"
	"punch/internal/safety"
	"punch/internal/scheduler"
	"punch/internal/store"
	"punch/internal/strategy"
	"punch/internal/types"
)

// DefaultCheckpointInterval applies when the bot config does not set one.
const DefaultCheckpointInterval = 5 * time.Minute

const persistTimeout = 5 * time.Second

// Deps are the collaborators of one controller. All are required except Bus.
type Deps struct {
	Gateway exchange.Gateway
	Signals strategy.Provider
	Safety  *safety.Manager
	Store   store.Store
	Bus     *alert.Bus
}

// Controller owns the in-memory books of a single bot. At most one instance
// exists per bot id; the fleet registry enforces that.
type Controller struct {
	deps Deps

	mu        sync.Mutex
	bot       types.Bot
	positions map[string]*types.Position // keyed by symbol
	orders    map[string]*types.Order    // active (pending/partial) orders
	retired   []types.Order              // recent terminal orders, newest last
	capital   float64
	total     int
	wins      int
	realized  float64
	lastCkpt  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(bot types.Bot, deps Deps) (*Controller, error) {
	if deps.Gateway == nil || deps.Signals == nil || deps.Safety == nil || deps.Store == nil {
		return nil, fmt.Errorf("bot %s: missing dependencies", bot.ID)
	}
	bot = bot.Clone()
	if bot.Status == "" {
		bot.Status = types.StatusStopped
	}
	capital := bot.Config.CurrentCapital
	if capital <= 0 {
		capital = bot.Config.InitialCapital
	}
	return &Controller{
		deps:      deps,
		bot:       bot,
		positions: make(map[string]*types.Position),
		orders:    make(map[string]*types.Order),
		capital:   capital,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// RestoreState seeds the books from a checkpoint. Only valid while resting;
// the fleet calls this once at boot, before any Start.
func (c *Controller) RestoreState(st store.BotState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range st.Positions {
		pos := st.Positions[i]
		c.positions[pos.Symbol] = &pos
	}
	for i := range st.Orders {
		ord := st.Orders[i]
		if ord.Active() {
			c.orders[ord.ID] = &ord
		}
	}
	if st.CurrentCapital > 0 {
		c.capital = st.CurrentCapital
	}
	c.total = st.TotalTrades
	c.wins = st.WinningTrades
	c.realized = st.RealizedPnL
	c.deps.Safety.Restore(st.DailyRealized, st.DailyAnchor, st.PeakEquity)
}

// Start brings the bot into trading. Idempotent while STARTING/RUNNING.
// Every path into trading is gated on blocking emergency alerts: an
// unacknowledged emergency refuses the start regardless of prior status.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.bot.Status {
	case types.StatusStarting, types.StatusRunning:
		c.mu.Unlock()
		return nil
	case types.StatusStopped, types.StatusError:
	default:
		from := c.bot.Status
		c.mu.Unlock()
		return &types.ErrInvalidTransition{From: from, To: types.StatusStarting}
	}

	ok, err := c.deps.Safety.CanStart(ctx)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("bot %s: start gate: %w", c.bot.ID, err)
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("bot %s: blocked by unacknowledged emergency alert", c.bot.ID)
	}

	if err := c.transitionLocked(ctx, types.StatusStarting); err != nil {
		c.mu.Unlock()
		return err
	}
	cfg := c.bot.Config
	c.mu.Unlock()

	// Paper bots skip the metadata preload: it is unnecessary there and a
	// common source of spurious startup failures.
	if !cfg.PaperTrading {
		if err := c.deps.Gateway.Warmup(ctx, cfg.Symbols); err != nil {
			c.mu.Lock()
			_ = c.transitionLocked(ctx, types.StatusStopped)
			c.mu.Unlock()
			c.emit(ctx, alert.TypeBotLifecycle, alert.LevelWarning, fmt.Sprintf("start aborted: %v", err))
			return fmt.Errorf("bot %s: warmup: %w", c.bot.ID, err)
		}
	}

	tick, err := scheduler.ParseIntervalDuration(cfg.Timeframe)
	if err != nil {
		c.mu.Lock()
		_ = c.transitionLocked(ctx, types.StatusStopped)
		c.mu.Unlock()
		return fmt.Errorf("bot %s: timeframe: %w", c.bot.ID, err)
	}

	c.mu.Lock()
	if err := c.transitionLocked(ctx, types.StatusRunning); err != nil {
		c.mu.Unlock()
		return err
	}
	started := c.now()
	c.bot.StartedAt = &started
	c.deps.Safety.ClearBreach()
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.lastCkpt = c.now()
	c.mu.Unlock()

	c.persistBot(ctx)
	c.emit(ctx, alert.TypeBotLifecycle, alert.LevelInfo, "bot started")

	c.wg.Add(1)
	go c.run(stopCh, tick)
	return nil
}

// Stop winds the loop down and joins it. Returns only after the loop has
// exited and the final checkpoint is written; a bot reported stopped never
// has a live loop behind it.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.bot.Status.IsResting() {
		c.mu.Unlock()
		return nil
	}
	if c.bot.Status == types.StatusStopping {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	if err := c.transitionLocked(ctx, types.StatusStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	stopCh := c.stopCh
	c.mu.Unlock()

	c.persistBot(ctx)
	if stopCh != nil {
		close(stopCh)
	}
	c.wg.Wait()
	return nil
}

func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.bot.Status == types.StatusPaused {
		c.mu.Unlock()
		return nil
	}
	err := c.transitionLocked(ctx, types.StatusPaused)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.persistBot(ctx)
	return nil
}

// Resume re-enters trading from PAUSED. It runs the same emergency gate as
// Start: a bot paused by an escalated trip stays paused until the emergency
// alert is acknowledged.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.bot.Status == types.StatusRunning {
		c.mu.Unlock()
		return nil
	}
	ok, err := c.deps.Safety.CanStart(ctx)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("bot %s: resume gate: %w", c.bot.ID, err)
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("bot %s: blocked by unacknowledged emergency alert", c.bot.ID)
	}
	err = c.transitionLocked(ctx, types.StatusRunning)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.deps.Safety.ClearBreach()
	c.persistBot(ctx)
	return nil
}

// AcknowledgeError moves an errored bot back to stopped so a fresh Start is
// accepted.
func (c *Controller) AcknowledgeError(ctx context.Context) error {
	c.mu.Lock()
	if c.bot.Status != types.StatusError {
		status := c.bot.Status
		c.mu.Unlock()
		return fmt.Errorf("bot %s: not in error state (status=%s)", c.bot.ID, status)
	}
	err := c.transitionLocked(ctx, types.StatusStopped)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.persistBot(ctx)
	return nil
}

func (c *Controller) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot.Status
}

func (c *Controller) Bot() types.Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bot.Clone()
	b.Config.CurrentCapital = c.capital
	return b
}

func (c *Controller) Positions() []types.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out
}

// Orders returns the order book. With activeOnly only pending and partial
// orders are listed; otherwise recently retired orders are appended. Older
// terminal orders are visible only as Trades.
func (c *Controller) Orders(activeOnly bool) []types.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, *o)
	}
	if !activeOnly {
		out = append(out, c.retired...)
	}
	return out
}

func (c *Controller) ActiveOrders() []types.Order { return c.Orders(true) }

// Performance summarizes the bot's current equity curve point.
func (c *Controller) Performance() types.PerformanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() types.PerformanceSnapshot {
	equity := c.equityLocked()
	peak := c.deps.Safety.PeakEquity()
	dd := 0.0
	if peak > 0 {
		dd = (peak - equity) / peak
		if dd < 0 {
			dd = 0
		}
	}
	winRate := 0.0
	if c.total > 0 {
		winRate = float64(c.wins) / float64(c.total)
	}
	return types.PerformanceSnapshot{
		BotID:      c.bot.ID,
		Timestamp:  c.now(),
		Equity:     equity,
		Drawdown:   dd,
		WinRate:    winRate,
		TradeCount: c.total,
	}
}

func (c *Controller) equityLocked() float64 {
	equity := c.capital
	for _, p := range c.positions {
		equity += p.UnrealizedPnL
	}
	return equity
}

// transitionLocked validates and applies a status change. Persisting is the
// caller's job (outside the lock).
func (c *Controller) transitionLocked(ctx context.Context, to types.Status) error {
	if !types.CanTransition(c.bot.Status, to) {
		return &types.ErrInvalidTransition{From: c.bot.Status, To: to}
	}
	logger.Infof("bot %s: %s -> %s", c.bot.ID, c.bot.Status, to)
	c.bot.Status = to
	return nil
}

// persistBot writes the bot record so the stored status tracks the
// controller. Failures are logged, not fatal: the books checkpoint is the
// durable state that matters.
func (c *Controller) persistBot(ctx context.Context) {
	c.mu.Lock()
	b := c.bot.Clone()
	b.Config.CurrentCapital = c.capital
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.deps.Store.SaveBot(pctx, b); err != nil {
		logger.Errorf("bot %s: persist record: %v", b.ID, err)
	}
}

func (c *Controller) emit(ctx context.Context, typ string, level alert.Level, msg string) {
	if c.deps.Bus == nil {
		return
	}
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := c.deps.Bus.Publish(ectx, alert.Alert{
		BotID:   c.bot.ID,
		Type:    typ,
		Level:   level,
		Message: msg,
	}); err != nil {
		logger.Warnf("bot %s: publish alert: %v", c.bot.ID, err)
	}
}

// fault records an unrecoverable loop failure: forced checkpoint, ERROR
// state, critical alert. The loop exits right after.
func (c *Controller) fault(cause error) {
	ctx := context.Background()
	c.checkpoint(ctx, true)

	c.mu.Lock()
	if err := c.transitionLocked(ctx, types.StatusError); err != nil {
		logger.Errorf("bot %s: fault transition: %v", c.bot.ID, err)
	}
	c.mu.Unlock()

	c.persistBot(ctx)
	c.emit(ctx, alert.TypeBotError, alert.LevelCritical, fmt.Sprintf("loop fault: %v", cause))
}

func newOrderID() string { return uuid.NewString() }

const retiredOrderCap = 64

// retireLocked keeps a terminal order queryable for a while after it leaves
// the active book.
func (c *Controller) retireLocked(o types.Order) {
	c.retired = append(c.retired, o)
	if len(c.retired) > retiredOrderCap {
		c.retired = c.retired[len(c.retired)-retiredOrderCap:]
	}
}

func (c *Controller) checkpointInterval() time.Duration {
	if c.bot.Config.CheckpointInterval > 0 {
		return c.bot.Config.CheckpointInterval
	}
	return DefaultCheckpointInterval
}

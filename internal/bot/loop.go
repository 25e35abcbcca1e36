package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"punch/internal/alert"
	"punch/internal/gateway/exchange"
	"punch/internal/logger"
	"punch/internal/pkg/symbol"
	"punch/internal/safety"
	"punch/internal/store"
	"punch/internal/strategy"
	"punch/internal/types"
)

// run is the bot's loop goroutine. One tick per timeframe interval; the
// stop channel wins over pending ticks. A panic in a tick becomes an ERROR
// transition, never a dead goroutine with a live status.
func (c *Controller) run(stopCh <-chan struct{}, tick time.Duration) {
	defer c.wg.Done()
	logger.Infof("bot %s: loop started, tick=%s", c.bot.ID, tick)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			c.shutdown()
			return
		case <-ticker.C:
			if fault := c.safeStep(stopCh); fault != nil {
				c.fault(fault)
				return
			}
		}
	}
}

// shutdown finishes the loop cleanly: final checkpoint, then STOPPED.
func (c *Controller) shutdown() {
	ctx := context.Background()
	c.checkpoint(ctx, true)

	c.mu.Lock()
	if c.bot.Status == types.StatusStopping {
		if err := c.transitionLocked(ctx, types.StatusStopped); err != nil {
			logger.Errorf("bot %s: shutdown transition: %v", c.bot.ID, err)
		}
	}
	c.mu.Unlock()

	c.persistBot(ctx)
	c.emit(ctx, alert.TypeBotLifecycle, alert.LevelInfo, "bot stopped")
	logger.Infof("bot %s: loop exited", c.bot.ID)
}

func (c *Controller) safeStep(stopCh <-chan struct{}) (fault error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("bot %s: panic in loop: %v", c.bot.ID, r)
			debug.PrintStack()
			fault = fmt.Errorf("panic: %v", r)
		}
	}()
	c.step(context.Background(), stopCh)
	return nil
}

// step is one tick. Cancellation is checked at the top and between signals
// so a stop request never waits on a full pass.
func (c *Controller) step(ctx context.Context, stopCh <-chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}

	c.reconcileOrders(ctx)
	c.markToMarket(ctx)

	c.mu.Lock()
	status := c.bot.Status
	cfg := c.bot.Config
	snap := c.safetySnapshotLocked(0)
	c.mu.Unlock()

	// Paused bots keep marking to market and checkpointing but trade nothing.
	if status == types.StatusPaused {
		c.checkpointIfDue(ctx)
		return
	}
	if status != types.StatusRunning {
		return
	}

	// Hard limits can breach between signals purely from mark-to-market
	// moves; check them every tick, not only per signal.
	if v := c.deps.Safety.CheckLimits(ctx, snap); v.Kind == safety.Trip {
		c.tripPause(ctx, v)
		c.checkpointIfDue(ctx)
		return
	}

	sigs, err := c.deps.Signals.Signals(ctx, cfg.Symbols, cfg.Timeframe)
	if err != nil {
		logger.Warnf("bot %s: signal fetch failed: %v", c.bot.ID, err)
		c.checkpointIfDue(ctx)
		return
	}

	for _, sig := range sigs {
		select {
		case <-stopCh:
			return
		default:
		}
		if tripped := c.handleSignal(ctx, sig); tripped {
			break
		}
	}

	c.checkpointIfDue(ctx)
}

// reconcileOrders cancels remainders still resting from an earlier tick.
// Everything active at the top of a tick predates this tick's submissions,
// so a partial fill never sits in the book past the next pass. A failed
// cancel leaves the order in place for the following tick.
func (c *Controller) reconcileOrders(ctx context.Context) {
	c.mu.Lock()
	stale := make([]*types.Order, 0, len(c.orders))
	for _, o := range c.orders {
		stale = append(stale, o)
	}
	c.mu.Unlock()

	for _, o := range stale {
		if err := c.deps.Gateway.Cancel(ctx, o.Symbol, o.ID); err != nil {
			logger.Warnf("bot %s: cancel resting order %s: %v", c.bot.ID, o.ID, err)
			continue
		}
		c.mu.Lock()
		o.Status = types.OrderCancelled
		o.UpdatedAt = c.now()
		delete(c.orders, o.ID)
		c.retireLocked(*o)
		c.mu.Unlock()
		logger.Infof("bot %s: cancelled resting remainder %s on %s", c.bot.ID, o.ID, o.Symbol)
	}
}

// markToMarket refreshes current price and unrealized PnL of every open
// position from the gateway.
func (c *Controller) markToMarket(ctx context.Context) {
	c.mu.Lock()
	syms := make([]string, 0, len(c.positions))
	for sym := range c.positions {
		syms = append(syms, sym)
	}
	c.mu.Unlock()

	for _, sym := range syms {
		pos, err := c.deps.Gateway.GetPosition(ctx, sym)
		if err != nil {
			logger.Warnf("bot %s: mark %s failed: %v", c.bot.ID, sym, err)
			continue
		}
		if pos == nil || pos.CurrentPrice <= 0 {
			continue
		}
		c.mu.Lock()
		if local, ok := c.positions[sym]; ok {
			local.MarkToMarket(pos.CurrentPrice)
		}
		c.mu.Unlock()
	}
}

// safetySnapshotLocked assembles what the safety manager needs to judge the
// current tick, plus a proposed notional for sizing checks.
func (c *Controller) safetySnapshotLocked(proposedNotional float64) safety.Snapshot {
	unrealized := 0.0
	openNotional := 0.0
	for _, p := range c.positions {
		unrealized += p.UnrealizedPnL
		openNotional += p.Notional()
	}
	return safety.Snapshot{
		Equity:           c.capital + unrealized,
		UnrealizedPnL:    unrealized,
		OpenPositions:    len(c.positions),
		OpenNotional:     openNotional,
		ProposedNotional: proposedNotional,
	}
}

// handleSignal routes one candidate signal: close an opposing position, or
// open a new one if safety accepts it. Returns true when the bot tripped.
func (c *Controller) handleSignal(ctx context.Context, sig strategy.Signal) bool {
	sym := symbol.Normalize(sig.Symbol)
	if sym == "" {
		logger.Warnf("bot %s: signal with bad symbol %q dropped", c.bot.ID, sig.Symbol)
		return false
	}

	wantLong := sig.Direction == strategy.DirectionBuy

	c.mu.Lock()
	pos, held := c.positions[sym]
	var posSide string
	var posSize float64
	if held {
		posSide = pos.Side
		posSize = pos.Size
	}
	c.mu.Unlock()

	if held {
		sameSide := (posSide == types.SideLong) == wantLong
		if sameSide {
			return false // already positioned this way
		}
		// Opposing signal closes the position. Exits reduce exposure and
		// skip safety evaluation.
		closeSide := types.SideSell
		if posSide == types.SideShort {
			closeSide = types.SideBuy
		}
		c.submitOrder(ctx, sym, closeSide, posSize, sig, "opposing_signal")
		return false
	}

	if sig.EntryPrice <= 0 {
		logger.Warnf("bot %s: signal %s without entry price dropped", c.bot.ID, sym)
		return false
	}
	conf := sig.Confidence
	if conf <= 0 {
		return false
	}

	c.mu.Lock()
	equity := c.equityLocked()
	notional := equity * c.bot.Config.MaxPositionSize * conf
	snap := c.safetySnapshotLocked(notional)
	c.mu.Unlock()
	if notional <= 0 {
		return false
	}

	switch v := c.deps.Safety.Evaluate(ctx, sig, snap); v.Kind {
	case safety.Reject:
		logger.Infof("bot %s: signal %s rejected: %s", c.bot.ID, sym, v.Reason)
		return false
	case safety.Trip:
		c.tripPause(ctx, v)
		return true
	}

	side := types.SideBuy
	if !wantLong {
		side = types.SideSell
	}
	size := notional / sig.EntryPrice
	c.submitOrder(ctx, sym, side, size, sig, "entry_signal")
	return false
}

// submitOrder sends one order through the gateway and folds the result into
// the books. Venue rejections come back inside the result; a returned error
// means the request itself was malformed.
func (c *Controller) submitOrder(ctx context.Context, sym, side string, size float64, sig strategy.Signal, intent string) {
	ord := &types.Order{
		ID:            newOrderID(),
		BotID:         c.bot.ID,
		Symbol:        sym,
		Side:          side,
		RequestedSize: size,
		Status:        types.OrderPending,
		CreatedAt:     c.now(),
		UpdatedAt:     c.now(),
	}
	c.mu.Lock()
	c.orders[ord.ID] = ord
	c.mu.Unlock()

	res, err := c.deps.Gateway.Submit(ctx, exchange.OrderRequest{
		OrderID: ord.ID,
		BotID:   c.bot.ID,
		Symbol:  sym,
		Side:    side,
		Size:    size,
		Price:   sig.EntryPrice,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.orders, ord.ID)
		c.mu.Unlock()
		logger.Errorf("bot %s: submit %s %s rejected by gateway: %v", c.bot.ID, side, sym, err)
		return
	}

	c.foldResult(ctx, ord, res, sig, intent)
}

// foldResult applies an order result to the order and position books.
func (c *Controller) foldResult(ctx context.Context, ord *types.Order, res exchange.OrderResult, sig strategy.Signal, intent string) {
	c.mu.Lock()
	ord.Status = res.Status
	ord.FillPrice = res.FillPrice
	ord.FilledSize = res.FilledSize
	ord.Fee = res.Fee
	ord.Reason = res.Reason
	ord.UpdatedAt = c.now()
	if !ord.Active() {
		delete(c.orders, ord.ID)
		c.retireLocked(*ord)
	}
	c.mu.Unlock()

	switch res.Status {
	case types.OrderFilled, types.OrderPartial:
		c.applyFill(ctx, ord, sig, intent)
		if res.Status == types.OrderPartial {
			logger.Infof("bot %s: order %s partial fill %.6f of %.6f on %s",
				c.bot.ID, ord.ID, res.FilledSize, ord.RequestedSize, ord.Symbol)
		}
	case types.OrderRejected:
		logger.Warnf("bot %s: order %s rejected: %s", c.bot.ID, ord.ID, res.Reason)
		c.emit(ctx, alert.TypeOrderRejected, alert.LevelWarning,
			fmt.Sprintf("%s %s %.6f rejected: %s", ord.Side, ord.Symbol, ord.RequestedSize, res.Reason))
	case types.OrderCancelled:
		logger.Infof("bot %s: order %s cancelled at venue", c.bot.ID, ord.ID)
	case types.OrderPending:
		logger.Infof("bot %s: order %s resting at venue", c.bot.ID, ord.ID)
	}
}

// applyFill folds a (possibly partial) fill into the position book,
// producing a Trade when it reduces or closes a position.
func (c *Controller) applyFill(ctx context.Context, ord *types.Order, sig strategy.Signal, intent string) {
	if ord.FilledSize <= 0 || ord.FillPrice <= 0 {
		return
	}

	c.mu.Lock()
	pos, held := c.positions[ord.Symbol]
	fillSide := types.SideLong
	if ord.Side == types.SideSell {
		fillSide = types.SideShort
	}

	if !held {
		c.positions[ord.Symbol] = &types.Position{
			BotID:        c.bot.ID,
			Symbol:       ord.Symbol,
			Side:         fillSide,
			Size:         ord.FilledSize,
			EntryPrice:   ord.FillPrice,
			CurrentPrice: ord.FillPrice,
			OpenedAt:     c.now(),
		}
		c.capital -= ord.Fee
		c.mu.Unlock()
		logger.Infof("bot %s: opened %s %s %.6f @ %.4f", c.bot.ID, fillSide, ord.Symbol, ord.FilledSize, ord.FillPrice)
		return
	}

	if pos.Side == fillSide {
		// Extending: weighted average entry.
		total := pos.Size + ord.FilledSize
		pos.EntryPrice = (pos.EntryPrice*pos.Size + ord.FillPrice*ord.FilledSize) / total
		pos.Size = total
		pos.MarkToMarket(ord.FillPrice)
		c.capital -= ord.Fee
		c.mu.Unlock()
		return
	}

	// Reducing or closing.
	closed := ord.FilledSize
	if closed > pos.Size {
		closed = pos.Size
	}
	gross := (ord.FillPrice - pos.EntryPrice) * closed
	if pos.Side == types.SideShort {
		gross = -gross
	}
	net := gross - ord.Fee
	c.capital += net
	c.realized += net
	c.total++
	if net > 0 {
		c.wins++
	}

	trade := types.Trade{
		ID:          ord.ID,
		BotID:       c.bot.ID,
		Symbol:      ord.Symbol,
		Side:        pos.Side,
		Size:        closed,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   ord.FillPrice,
		EntryTime:   pos.OpenedAt,
		ExitTime:    c.now(),
		RealizedPnL: net,
		Fee:         ord.Fee,
		Strategy:    sig.StrategyID,
		ExitReason:  intent,
	}

	pos.Size -= closed
	if pos.Size <= 1e-12 {
		delete(c.positions, ord.Symbol)
	} else {
		pos.MarkToMarket(ord.FillPrice)
	}
	c.mu.Unlock()

	logger.Infof("bot %s: closed %s %s %.6f @ %.4f pnl=%.4f", c.bot.ID, trade.Side, trade.Symbol, closed, ord.FillPrice, net)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	if err := c.deps.Store.AppendTrade(pctx, trade); err != nil {
		logger.Errorf("bot %s: append trade %s: %v", c.bot.ID, trade.ID, err)
	}
	cancel()
	c.deps.Safety.RecordTrade(ctx, net)
}

// tripPause moves the bot to PAUSED after a hard safety violation. The
// safety manager has already raised the alert.
func (c *Controller) tripPause(ctx context.Context, v safety.Verdict) {
	logger.Warnf("bot %s: safety trip (%s): %s", c.bot.ID, v.Level, v.Reason)
	c.mu.Lock()
	if c.bot.Status == types.StatusRunning {
		if err := c.transitionLocked(ctx, types.StatusPaused); err != nil {
			logger.Errorf("bot %s: trip transition: %v", c.bot.ID, err)
		}
	}
	c.mu.Unlock()
	c.persistBot(ctx)
	c.checkpoint(ctx, true)
}

func (c *Controller) checkpointIfDue(ctx context.Context) {
	c.mu.Lock()
	due := c.now().Sub(c.lastCkpt) >= c.checkpointInterval()
	c.mu.Unlock()
	if due {
		c.checkpoint(ctx, false)
	}
}

// checkpoint writes the whole-bot state as one record, plus an equity-curve
// snapshot. Forced checkpoints run before STOPPING and ERROR transitions so
// the durable state reflects the moment trading stopped.
func (c *Controller) checkpoint(ctx context.Context, forced bool) {
	dailyRealized, dailyAnchor := c.deps.Safety.DailyRealized()

	c.mu.Lock()
	st := store.BotState{
		Positions:      make([]types.Position, 0, len(c.positions)),
		Orders:         make([]types.Order, 0, len(c.orders)),
		CurrentCapital: c.capital,
		PeakEquity:     c.deps.Safety.PeakEquity(),
		DailyRealized:  dailyRealized,
		DailyAnchor:    dailyAnchor,
		TotalTrades:    c.total,
		WinningTrades:  c.wins,
		RealizedPnL:    c.realized,
		CheckpointAt:   c.now(),
	}
	for _, p := range c.positions {
		st.Positions = append(st.Positions, *p)
	}
	for _, o := range c.orders {
		st.Orders = append(st.Orders, *o)
	}
	snap := c.snapshotLocked()
	botID := c.bot.ID
	c.lastCkpt = c.now()
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := c.deps.Store.SaveCheckpoint(pctx, botID, st)
	if err != nil {
		// One retry, then alert. Trading continues; a bot that cannot
		// checkpoint is degraded, not broken.
		logger.Warnf("bot %s: checkpoint failed, retrying once: %v", botID, err)
		err = c.deps.Store.SaveCheckpoint(pctx, botID, st)
	}
	if err != nil {
		logger.Errorf("bot %s: checkpoint failed (forced=%v): %v", botID, forced, err)
		c.emit(ctx, alert.TypeBotError, alert.LevelCritical, fmt.Sprintf("checkpoint write failed: %v", err))
		return
	}
	if err := c.deps.Store.SaveSnapshot(pctx, snap); err != nil {
		logger.Warnf("bot %s: snapshot write failed: %v", botID, err)
	}
}

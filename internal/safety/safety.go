// Package safety enforces per-bot risk limits. Soft violations reject a
// single signal; hard violations trip the bot out of trading and raise an
// operator alert.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"punch/internal/alert"
	"punch/internal/logger"
	"punch/internal/strategy"
	"punch/internal/types"
)

type Kind int

const (
	Accept Kind = iota
	// Reject drops the signal without touching bot state.
	Reject
	// Trip pauses the bot and raises an alert.
	Trip
)

type Verdict struct {
	Kind   Kind
	Reason string
	// Level is set on trips: critical normally, emergency when trips repeat
	// fast enough to suggest the bot would resume into the same loss.
	Level alert.Level
}

func accepted() Verdict              { return Verdict{Kind: Accept} }
func rejected(reason string) Verdict { return Verdict{Kind: Reject, Reason: reason} }

// Snapshot is the bot runtime state a single evaluation needs. The
// controller owns the live numbers; this package only judges them.
type Snapshot struct {
	Equity           float64
	UnrealizedPnL    float64
	OpenPositions    int
	OpenNotional     float64
	ProposedNotional float64
}

// Predicate is a pluggable pre-trade check (correlation, unusual market).
// Returning unusual=true rejects the signal; predicates can never trip the
// bot, so market noise is not over-penalized.
type Predicate func(sig strategy.Signal, snap Snapshot) (unusual bool, reason string)

const (
	// EscalationThreshold trips within EscalationWindow escalate to emergency.
	EscalationThreshold = 3
	EscalationWindow    = 30 * time.Minute

	lossStreakThreshold = 5
)

// Manager holds the risk state of one bot.
type Manager struct {
	botID string
	cfg   types.BotConfig
	bus   *alert.Bus
	preds []Predicate
	now   func() time.Time

	mu            sync.Mutex
	dailyRealized float64
	dailyAnchor   time.Time // UTC midnight of the current trading day
	peakEquity    float64
	lossStreak    int
	tripTimes     []time.Time
	// breached latches after the first trip of an episode so a bot sitting
	// on a breached limit raises one critical alert, not one per tick.
	breached bool
}

func New(botID string, cfg types.BotConfig, bus *alert.Bus, preds ...Predicate) *Manager {
	now := time.Now().UTC()
	return &Manager{
		botID:       botID,
		cfg:         cfg,
		bus:         bus,
		preds:       preds,
		now:         func() time.Time { return time.Now().UTC() },
		dailyAnchor: midnightUTC(now),
		peakEquity:  cfg.InitialCapital,
	}
}

// Restore seeds risk state from a checkpoint.
func (m *Manager) Restore(dailyRealized float64, dailyAnchor time.Time, peakEquity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyRealized = dailyRealized
	if !dailyAnchor.IsZero() {
		m.dailyAnchor = midnightUTC(dailyAnchor.UTC())
	}
	if peakEquity > m.peakEquity {
		m.peakEquity = peakEquity
	}
}

// Evaluate judges one candidate signal against the bot's limits.
// Order matters: pluggable predicates first, then sizing, then the hard
// loss limits. Rejections are logged but never alerted.
func (m *Manager) Evaluate(ctx context.Context, sig strategy.Signal, snap Snapshot) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	for _, pred := range m.preds {
		if unusual, reason := pred(sig, snap); unusual {
			logger.Infof("safety %s: signal %s rejected by predicate: %s", m.botID, sig.Symbol, reason)
			return rejected(reason)
		}
	}

	if m.cfg.MaxPositionSize > 0 && snap.Equity > 0 {
		maxNotional := m.cfg.MaxPositionSize * snap.Equity
		if snap.ProposedNotional > maxNotional {
			return rejected(fmt.Sprintf("position %.2f exceeds max %.2f (%.0f%% of equity)",
				snap.ProposedNotional, maxNotional, m.cfg.MaxPositionSize*100))
		}
	}
	if m.cfg.MaxOpenPositions > 0 && snap.OpenPositions >= m.cfg.MaxOpenPositions {
		return rejected(fmt.Sprintf("open positions at limit %d", m.cfg.MaxOpenPositions))
	}

	if v, ok := m.checkHardLimitsLocked(ctx, snap); ok {
		return v
	}
	return accepted()
}

// CheckLimits evaluates only the hard limits, for ticks with no signal. The
// bot must still trip when marked-to-market losses cross a limit between
// signals.
func (m *Manager) CheckLimits(ctx context.Context, snap Snapshot) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	if v, ok := m.checkHardLimitsLocked(ctx, snap); ok {
		return v
	}
	return accepted()
}

func (m *Manager) checkHardLimitsLocked(ctx context.Context, snap Snapshot) (Verdict, bool) {
	base := m.cfg.InitialCapital
	if base <= 0 {
		base = snap.Equity
	}
	if m.cfg.MaxDailyLoss > 0 && base > 0 {
		dailyPnL := m.dailyRealized + snap.UnrealizedPnL
		if dailyPnL < 0 && -dailyPnL >= m.cfg.MaxDailyLoss*base {
			reason := fmt.Sprintf("daily loss %.2f breaches limit %.2f", -dailyPnL, m.cfg.MaxDailyLoss*base)
			return m.tripLocked(ctx, alert.TypeDailyLossLimit, reason), true
		}
	}

	if snap.Equity > m.peakEquity {
		m.peakEquity = snap.Equity
	}
	if m.cfg.MaxDrawdown > 0 && m.peakEquity > 0 {
		dd := (m.peakEquity - snap.Equity) / m.peakEquity
		if dd < 0 {
			dd = 0
		}
		if dd >= m.cfg.MaxDrawdown {
			reason := fmt.Sprintf("drawdown %.1f%% breaches limit %.1f%%", dd*100, m.cfg.MaxDrawdown*100)
			return m.tripLocked(ctx, alert.TypeDrawdownLimit, reason), true
		}
	}
	return Verdict{}, false
}

func (m *Manager) tripLocked(ctx context.Context, typ, reason string) Verdict {
	now := m.now()

	// Keep only trips inside the escalation window.
	kept := m.tripTimes[:0]
	for _, t := range m.tripTimes {
		if now.Sub(t) < EscalationWindow {
			kept = append(kept, t)
		}
	}
	m.tripTimes = append(kept, now)

	level := alert.LevelCritical
	if len(m.tripTimes) >= EscalationThreshold {
		level = alert.LevelEmergency
		typ = alert.TypeRiskEscalation
		reason = fmt.Sprintf("%d trips within %s, latest: %s", len(m.tripTimes), EscalationWindow, reason)
	}

	// One critical per breach episode; emergencies always go out because
	// they change what the operator must do.
	if !m.breached || level == alert.LevelEmergency {
		if m.bus != nil {
			if _, err := m.bus.Publish(ctx, alert.Alert{
				BotID:   m.botID,
				Type:    typ,
				Level:   level,
				Message: reason,
			}); err != nil {
				logger.Errorf("safety %s: publish trip alert: %v", m.botID, err)
			}
		}
	}
	m.breached = true
	return Verdict{Kind: Trip, Reason: reason, Level: level}
}

// RecordTrade folds a closed trade into the daily tally and the loss streak.
func (m *Manager) RecordTrade(ctx context.Context, realizedPnL float64) {
	m.mu.Lock()
	m.rollDayLocked()
	m.dailyRealized += realizedPnL
	if realizedPnL < 0 {
		m.lossStreak++
	} else {
		m.lossStreak = 0
	}
	streak := m.lossStreak
	m.mu.Unlock()

	if streak > 0 && streak%lossStreakThreshold == 0 && m.bus != nil {
		if _, err := m.bus.Publish(ctx, alert.Alert{
			BotID:   m.botID,
			Type:    alert.TypeLossStreak,
			Level:   alert.LevelWarning,
			Message: fmt.Sprintf("%d consecutive losing trades", streak),
		}); err != nil {
			logger.Warnf("safety %s: publish loss streak alert: %v", m.botID, err)
		}
	}
}

// ClearBreach resets the episode latch. Called when the operator resumes or
// restarts the bot; the next breach raises a fresh critical alert.
func (m *Manager) ClearBreach() {
	m.mu.Lock()
	m.breached = false
	m.mu.Unlock()
}

// CanStart reports whether the bot may enter trading: false while an
// unacknowledged emergency alert stands against it.
func (m *Manager) CanStart(ctx context.Context) (bool, error) {
	if m.bus == nil {
		return true, nil
	}
	blocked, err := m.bus.HasBlockingAlert(ctx, m.botID)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// DailyRealized returns the realized PnL of the current trading day and the
// day's anchor, for checkpointing.
func (m *Manager) DailyRealized() (float64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.dailyRealized, m.dailyAnchor
}

func (m *Manager) PeakEquity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakEquity
}

// rollDayLocked resets the daily tally when the UTC day changes.
func (m *Manager) rollDayLocked() {
	now := m.now()
	if now.Sub(m.dailyAnchor) >= 24*time.Hour {
		m.dailyAnchor = midnightUTC(now)
		m.dailyRealized = 0
	}
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusStopped, StatusStarting},
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusStopped},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusStopping},
		{StatusRunning, StatusError},
		{StatusPaused, StatusRunning},
		{StatusPaused, StatusStopping},
		{StatusStopping, StatusStopped},
		{StatusError, StatusStarting},
		{StatusError, StatusStopped},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusStopped, StatusRunning},
		{StatusStopped, StatusPaused},
		{StatusRunning, StatusStarting},
		{StatusPaused, StatusStarting},
		{StatusStopping, StatusRunning},
		{StatusError, StatusRunning},
		{StatusError, StatusPaused},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusRunning.IsActive())
	assert.True(t, StatusStopping.IsActive())
	assert.False(t, StatusStopped.IsActive())
	assert.False(t, StatusError.IsActive())

	assert.True(t, StatusStopped.IsResting())
	assert.True(t, StatusError.IsResting())
	assert.False(t, StatusPaused.IsResting())

	assert.True(t, StatusPaused.Valid())
	assert.False(t, Status("exploded").Valid())
}

func TestErrInvalidTransitionMessage(t *testing.T) {
	err := &ErrInvalidTransition{From: StatusStopped, To: StatusPaused}
	assert.Contains(t, err.Error(), "stopped -> paused")
}

func TestMarkToMarket(t *testing.T) {
	long := Position{Side: SideLong, Size: 2, EntryPrice: 100}
	long.MarkToMarket(110)
	assert.InDelta(t, 20.0, long.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 220.0, long.Notional(), 1e-9)

	short := Position{Side: SideShort, Size: 3, EntryPrice: 100}
	short.MarkToMarket(90)
	assert.InDelta(t, 30.0, short.UnrealizedPnL, 1e-9)

	// Non-positive prices are ignored.
	short.MarkToMarket(0)
	assert.InDelta(t, 90.0, short.CurrentPrice, 1e-9)
}

func TestBotCloneIsDeep(t *testing.T) {
	started := time.Now().UTC()
	b := Bot{
		ID:     "b1",
		Status: StatusRunning,
		Config: BotConfig{
			Symbols:         []string{"BTC/USDT"},
			StrategyWeights: map[string]float64{"trend": 1},
		},
		StartedAt: &started,
	}
	cp := b.Clone()
	cp.Config.Symbols[0] = "ETH/USDT"
	cp.Config.StrategyWeights["trend"] = 0
	*cp.StartedAt = started.AddDate(0, 0, 1)

	assert.Equal(t, "BTC/USDT", b.Config.Symbols[0])
	assert.Equal(t, 1.0, b.Config.StrategyWeights["trend"])
	assert.Equal(t, started, *b.StartedAt)
}

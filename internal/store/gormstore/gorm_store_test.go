package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punch/internal/store"
	"punch/internal/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "bots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBot(id string) types.Bot {
	return types.Bot{
		ID:     id,
		Name:   "test-bot",
		Status: types.StatusStopped,
		Config: types.BotConfig{
			Symbols:         []string{"BTC/USDT"},
			Timeframe:       "1h",
			PaperTrading:    true,
			InitialCapital:  10000,
			MaxPositionSize: 0.1,
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestSaveAndGetBot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bot := sampleBot("b1")
	require.NoError(t, s.SaveBot(ctx, bot))

	got, err := s.GetBot(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bot.Name, got.Name)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, []string{"BTC/USDT"}, got.Config.Symbols)
	assert.Equal(t, 10000.0, got.Config.InitialCapital)

	// Upsert replaces status in place.
	bot.Status = types.StatusRunning
	started := time.Now().UTC().Truncate(time.Millisecond)
	bot.StartedAt = &started
	require.NoError(t, s.SaveBot(ctx, bot))

	got, err = s.GetBot(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started.UnixMilli(), got.StartedAt.UnixMilli())
}

func TestGetBotNotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetBot(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListBotsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := sampleBot("b-old")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := sampleBot("b-new")
	require.NoError(t, s.SaveBot(ctx, newer))
	require.NoError(t, s.SaveBot(ctx, older))

	got, err := s.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b-old", got[0].ID)
	assert.Equal(t, "b-new", got[1].ID)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LoadCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, got, "no checkpoint yet")

	st := store.BotState{
		Positions: []types.Position{{
			BotID: "b1", Symbol: "BTC/USDT", Side: types.SideLong,
			Size: 0.1, EntryPrice: 50000, CurrentPrice: 51000, UnrealizedPnL: 100,
		}},
		CurrentCapital: 9990,
		PeakEquity:     10100,
		DailyRealized:  -50,
		DailyAnchor:    time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC),
		TotalTrades:    4,
		WinningTrades:  3,
		RealizedPnL:    120,
		CheckpointAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, "b1", st))

	got, err = s.LoadCheckpoint(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9990.0, got.CurrentCapital)
	assert.Equal(t, 10100.0, got.PeakEquity)
	assert.Equal(t, -50.0, got.DailyRealized)
	assert.Equal(t, 4, got.TotalTrades)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "BTC/USDT", got.Positions[0].Symbol)
}

func TestCheckpointLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	newer := store.BotState{CurrentCapital: 2222, CheckpointAt: now}
	older := store.BotState{CurrentCapital: 1111, CheckpointAt: now.Add(-time.Minute)}

	require.NoError(t, s.SaveCheckpoint(ctx, "b1", newer))
	// A stale writer landing second must not clobber the newer record.
	require.NoError(t, s.SaveCheckpoint(ctx, "b1", older))

	got, err := s.LoadCheckpoint(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2222.0, got.CurrentCapital)

	// A genuinely newer write replaces it.
	newest := store.BotState{CurrentCapital: 3333, CheckpointAt: now.Add(time.Minute)}
	require.NoError(t, s.SaveCheckpoint(ctx, "b1", newest))
	got, err = s.LoadCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3333.0, got.CurrentCapital)
}

func TestAppendTradeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := types.Trade{
		ID: "t1", BotID: "b1", Symbol: "BTC/USDT", Side: types.SideLong,
		Size: 0.1, EntryPrice: 50000, ExitPrice: 51000,
		EntryTime: time.Now().UTC().Add(-time.Hour), ExitTime: time.Now().UTC(),
		RealizedPnL: 95, Fee: 5, Strategy: "trend", ExitReason: "opposing_signal",
	}
	require.NoError(t, s.AppendTrade(ctx, trade))
	// Replaying the same close must not duplicate the row.
	require.NoError(t, s.AppendTrade(ctx, trade))

	got, err := s.ListTrades(ctx, "b1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, 95.0, got[0].RealizedPnL)
	assert.Equal(t, "opposing_signal", got[0].ExitReason)
}

func TestListTradesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendTrade(ctx, types.Trade{
			ID: string(rune('a' + i)), BotID: "b1", Symbol: "BTC/USDT",
			ExitTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	got, err := s.ListTrades(ctx, "b1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, types.PerformanceSnapshot{
			BotID: "b1", Timestamp: base.Add(time.Duration(i) * time.Minute),
			Equity: 10000 + float64(i)*100,
		}))
	}
	got, err := s.ListSnapshots(ctx, "b1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 10200.0, got[0].Equity, "newest first")
}

func TestDeleteBotRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBot(ctx, sampleBot("b1")))
	require.NoError(t, s.SaveCheckpoint(ctx, "b1", store.BotState{CurrentCapital: 1, CheckpointAt: time.Now()}))
	require.NoError(t, s.AppendTrade(ctx, types.Trade{ID: "t1", BotID: "b1"}))
	require.NoError(t, s.SaveSnapshot(ctx, types.PerformanceSnapshot{BotID: "b1", Timestamp: time.Now()}))

	require.NoError(t, s.DeleteBot(ctx, "b1"))

	bot, err := s.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, bot)
	ckpt, err := s.LoadCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, ckpt)
	trades, err := s.ListTrades(ctx, "b1", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	snaps, err := s.ListSnapshots(ctx, "b1", 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

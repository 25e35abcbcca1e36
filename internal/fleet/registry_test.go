package fleet

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punch/internal/alert"
	"punch/internal/config"
	"punch/internal/market"
	"punch/internal/store"
	"punch/internal/store/gormstore"
	"punch/internal/strategy"
	"punch/internal/types"
)

type staticSource struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (s *staticSource) LatestPrice(ctx context.Context, sym string) (market.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return market.PriceQuote{Symbol: sym, Last: s.prices[sym], UpdatedAt: time.Now().UTC()}, nil
}

type noSignals struct{}

func (noSignals) Signals(ctx context.Context, symbols []string, timeframe string) ([]strategy.Signal, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) (*Registry, store.Store, *alert.Bus) {
	t.Helper()
	dir := t.TempDir()
	st, err := gormstore.NewGormStore(filepath.Join(dir, "bots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus, err := alert.NewBus(filepath.Join(dir, "alerts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	defaults := config.BotDefaults{}
	r, err := New(Deps{
		Store:    st,
		Bus:      bus,
		Signals:  noSignals{},
		Market:   &staticSource{prices: map[string]float64{"BTC/USDT": 50000}},
		Validate: defaults.BotValidator(),
	})
	require.NoError(t, err)
	return r, st, bus
}

func paperConfig() types.BotConfig {
	return types.BotConfig{
		Symbols:      []string{"BTC/USDT"},
		Timeframe:    "1h",
		PaperTrading: true,
	}
}

func TestCreateAppliesDefaultsAndPersists(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, "alpha", paperConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, types.StatusStopped, b.Status)
	// Defaults filled in by the validator.
	assert.Equal(t, 10000.0, b.Config.InitialCapital)
	assert.Equal(t, 0.1, b.Config.MaxPositionSize)

	persisted, err := st.GetBot(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "alpha", persisted.Name)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Create(context.Background(), "bad", types.BotConfig{PaperTrading: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbols")
}

func TestCreateLiveBotWithoutGatewayFails(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	cfg := paperConfig()
	cfg.PaperTrading = false
	_, err := r.Create(context.Background(), "live", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live")
}

func TestLifecycleCommands(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, "alpha", paperConfig())
	require.NoError(t, err)

	require.NoError(t, r.Start(ctx, b.ID))
	got, err := r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)

	require.NoError(t, r.Pause(ctx, b.ID))
	require.NoError(t, r.Resume(ctx, b.ID))

	orders, err := r.GetOrders(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Empty(t, orders)

	require.NoError(t, r.Stop(ctx, b.ID))

	got, err = r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)

	assert.ErrorIs(t, r.Start(ctx, "missing"), ErrNotFound)
}

func TestConcurrentStartsSpawnOneLoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, "alpha", paperConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Start(ctx, b.ID))
		}()
	}
	wg.Wait()

	got, err := r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)

	// A single Stop joins the only loop and lands in STOPPED; a second
	// loop would leave the status flapping.
	require.NoError(t, r.Stop(ctx, b.ID))
	got, err = r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestUpdateRequiresStoppedBot(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, "alpha", paperConfig())
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, b.ID))

	cfg := paperConfig()
	cfg.Symbols = []string{"ETH/USDT"}
	_, err = r.Update(ctx, b.ID, cfg)
	assert.ErrorIs(t, err, ErrBotActive)

	require.NoError(t, r.Stop(ctx, b.ID))
	updated, err := r.Update(ctx, b.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH/USDT"}, updated.Config.Symbols)
}

func TestDeleteRequiresStoppedBot(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, "alpha", paperConfig())
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, b.ID))
	assert.ErrorIs(t, r.Delete(ctx, b.ID), ErrBotActive)

	require.NoError(t, r.Stop(ctx, b.ID))
	require.NoError(t, r.Delete(ctx, b.ID))

	_, err = r.Get(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	persisted, err := st.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, persisted)
}

func TestListSortsAndFilters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Create(ctx, "a", paperConfig())
	require.NoError(t, err)
	b, err := r.Create(ctx, "b", paperConfig())
	require.NoError(t, err)

	require.NoError(t, r.Start(ctx, b.ID))
	defer r.Stop(ctx, b.ID)

	all := r.List(ctx, false)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	active := r.List(ctx, true)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)
}

func TestRestoreForcesStoppedStatus(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, "alpha", paperConfig())
	require.NoError(t, err)

	// Simulate a crash: the persisted record says running, with a checkpoint
	// holding an open position.
	crashed := b
	crashed.Status = types.StatusRunning
	require.NoError(t, st.SaveBot(ctx, crashed))
	require.NoError(t, st.SaveCheckpoint(ctx, b.ID, store.BotState{
		Positions: []types.Position{{
			BotID: b.ID, Symbol: "BTC/USDT", Side: types.SideLong,
			Size: 0.1, EntryPrice: 48000, CurrentPrice: 50000,
		}},
		CurrentCapital: 9800,
		CheckpointAt:   time.Now().UTC(),
	}))

	// Fresh registry over the same store, as after a process restart.
	bus2, err := alert.NewBus(filepath.Join(t.TempDir(), "alerts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { bus2.Close() })
	defaults := config.BotDefaults{}
	r2, err := New(Deps{
		Store:    st,
		Bus:      bus2,
		Signals:  noSignals{},
		Market:   &staticSource{prices: map[string]float64{"BTC/USDT": 50000}},
		Validate: defaults.BotValidator(),
	})
	require.NoError(t, err)
	require.NoError(t, r2.Restore(ctx))

	got, err := r2.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status, "restored bots never auto-resume")

	positions, err := r2.GetPositions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC/USDT", positions[0].Symbol)

	persisted, err := st.GetBot(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, types.StatusStopped, persisted.Status)
}

func TestStopAllJoinsEveryBot(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		b, err := r.Create(ctx, name, paperConfig())
		require.NoError(t, err)
		require.NoError(t, r.Start(ctx, b.ID))
		ids = append(ids, b.ID)
	}

	require.NoError(t, r.StopAll(ctx))
	for _, id := range ids {
		got, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusStopped, got.Status)
	}
}

func TestQueriesOnUnknownBot(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.GetPositions(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetOrders(ctx, "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetTrades(ctx, "missing", 10)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetPerformance(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlertsThroughRegistry(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	ctx := context.Background()

	a, err := bus.Publish(ctx, alert.Alert{BotID: "b1", Type: alert.TypeBotError, Level: alert.LevelCritical, Message: "x"})
	require.NoError(t, err)

	got, err := r.ListAlerts(ctx, alert.Filter{BotID: "b1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, r.Acknowledge(ctx, a.ID, "ops"))
	got, err = r.ListAlerts(ctx, alert.Filter{BotID: "b1", Unacked: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

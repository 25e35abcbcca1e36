package alert

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBus(filepath.Join(t.TempDir(), "alerts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestPublishAndList(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	a, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeDailyLossLimit, Level: LevelCritical, Message: "limit hit"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 0, a.RepeatCount)

	got, err := bus.List(ctx, Filter{BotID: "b1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, LevelCritical, got[0].Level)
	assert.False(t, got[0].Acknowledged)
}

func TestPublishValidation(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, Alert{Level: LevelInfo, Message: "no type"})
	assert.Error(t, err)
	_, err = bus.Publish(ctx, Alert{Type: TypeBotError, Level: Level("loud"), Message: "bad level"})
	assert.Error(t, err)
}

func TestDedupWindowBumpsRepeatCount(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	now := time.Now().UTC()
	bus.now = func() time.Time { return now }

	first, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeDrawdownLimit, Level: LevelCritical, Message: "dd"})
	require.NoError(t, err)

	// Same (bot, type) inside the window: no new row, counter bumped.
	bus.now = func() time.Time { return now.Add(30 * time.Second) }
	second, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeDrawdownLimit, Level: LevelCritical, Message: "dd again"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.RepeatCount)

	// Different bot is a separate key.
	other, err := bus.Publish(ctx, Alert{BotID: "b2", Type: TypeDrawdownLimit, Level: LevelCritical, Message: "dd"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// Past the window a fresh alert is created.
	bus.now = func() time.Time { return now.Add(DedupWindow + time.Second) }
	third, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeDrawdownLimit, Level: LevelCritical, Message: "dd"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestDedupUpgradesLevelInPlace(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	now := time.Now().UTC()
	bus.now = func() time.Time { return now }

	first, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotLifecycle, Level: LevelInfo, Message: "started"})
	require.NoError(t, err)

	// A critical repeat inside the window upgrades the record instead of
	// being swallowed as an info repeat.
	bus.now = func() time.Time { return now.Add(10 * time.Second) }
	second, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotLifecycle, Level: LevelCritical, Message: "loop fault"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.RepeatCount)
	assert.Equal(t, LevelCritical, second.Level)
	assert.Equal(t, "loop fault", second.Message)

	// A later lower-level repeat never downgrades it.
	bus.now = func() time.Time { return now.Add(20 * time.Second) }
	third, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotLifecycle, Level: LevelInfo, Message: "noise"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 2, third.RepeatCount)
	assert.Equal(t, LevelCritical, third.Level)
	assert.Equal(t, "loop fault", third.Message)
}

type captureNotifier struct{ sent chan string }

func (c *captureNotifier) SendText(text string) error {
	c.sent <- text
	return nil
}

func TestDedupUpgradePushesNotification(t *testing.T) {
	push := &captureNotifier{sent: make(chan string, 4)}
	bus, err := NewBus(filepath.Join(t.TempDir(), "alerts.db"), push)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	bus.now = func() time.Time { return now }

	_, err = bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotError, Level: LevelWarning, Message: "degraded"})
	require.NoError(t, err)
	select {
	case msg := <-push.sent:
		t.Fatalf("warning must not push: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	bus.now = func() time.Time { return now.Add(5 * time.Second) }
	_, err = bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotError, Level: LevelCritical, Message: "checkpoint write failed"})
	require.NoError(t, err)

	select {
	case msg := <-push.sent:
		assert.Contains(t, msg, "CRITICAL")
	case <-time.After(time.Second):
		t.Fatal("upgrade to critical did not push")
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	a, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotError, Level: LevelCritical, Message: "x"})
	require.NoError(t, err)

	require.NoError(t, bus.Acknowledge(ctx, a.ID, "ops"))
	require.NoError(t, bus.Acknowledge(ctx, a.ID, "ops"))

	got, err := bus.List(ctx, Filter{BotID: "b1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Acknowledged)
	assert.Equal(t, "ops", got[0].AcknowledgedBy)
	require.NotNil(t, got[0].AcknowledgedAt)

	assert.Error(t, bus.Acknowledge(ctx, "no-such-id", "ops"))
}

func TestHasBlockingAlert(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	blocked, err := bus.HasBlockingAlert(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, blocked)

	// Critical does not block, only emergency.
	_, err = bus.Publish(ctx, Alert{BotID: "b1", Type: TypeDailyLossLimit, Level: LevelCritical, Message: "x"})
	require.NoError(t, err)
	blocked, err = bus.HasBlockingAlert(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, blocked)

	em, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeRiskEscalation, Level: LevelEmergency, Message: "x"})
	require.NoError(t, err)
	blocked, err = bus.HasBlockingAlert(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Other bots are unaffected by a bot-scoped emergency.
	blocked, err = bus.HasBlockingAlert(ctx, "b2")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, bus.Acknowledge(ctx, em.ID, "ops"))
	blocked, err = bus.HasBlockingAlert(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestFleetWideEmergencyBlocksEveryBot(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, Alert{BotID: "", Type: TypeRiskEscalation, Level: LevelEmergency, Message: "fleet halt"})
	require.NoError(t, err)

	for _, id := range []string{"b1", "b2"} {
		blocked, err := bus.HasBlockingAlert(ctx, id)
		require.NoError(t, err)
		assert.True(t, blocked, id)
	}
}

func TestListFilters(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	mustPublish := func(botID, typ string, level Level) {
		t.Helper()
		_, err := bus.Publish(ctx, Alert{BotID: botID, Type: typ, Level: level, Message: "m"})
		require.NoError(t, err)
	}
	mustPublish("b1", TypeBotLifecycle, LevelInfo)
	mustPublish("b1", TypeLossStreak, LevelWarning)
	mustPublish("b2", TypeDailyLossLimit, LevelCritical)

	got, err := bus.List(ctx, Filter{MinLevel: LevelWarning})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = bus.List(ctx, Filter{BotID: "b1", Type: TypeLossStreak})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeLossStreak, got[0].Type)
}

func TestSubscribeFanout(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	sent, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeBotLifecycle, Level: LevelInfo, Message: "started"})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no alert fanned out")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	// Buffer of 1, never drained: the second publish must not block.
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_, err := bus.Publish(ctx, Alert{BotID: "b1", Type: TypeExchangeError, Level: LevelWarning, Message: "x"})
			assert.NoError(t, err)
			// Defeat dedup so every publish inserts.
			bus.mu.Lock()
			bus.recent = map[dedupKey]recentEntry{}
			bus.mu.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	wg.Wait()
}

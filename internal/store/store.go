package store

import (
	"context"
	"time"

	"punch/internal/types"
)

// BotState is the checkpoint payload: everything a bot needs to resume its
// books after a process restart. Saved and loaded as a single record so a
// partial write can never leave it half-updated.
type BotState struct {
	Positions      []types.Position `json:"positions"`
	Orders         []types.Order    `json:"orders"`
	CurrentCapital float64          `json:"current_capital"`
	PeakEquity     float64          `json:"peak_equity"`
	DailyRealized  float64          `json:"daily_realized"`
	DailyAnchor    time.Time        `json:"daily_anchor"`
	TotalTrades    int              `json:"total_trades"`
	WinningTrades  int              `json:"winning_trades"`
	RealizedPnL    float64          `json:"realized_pnl"`
	CheckpointAt   time.Time        `json:"checkpoint_at"`
}

// Store is the durable record of bot configuration and runtime state.
type Store interface {
	SaveBot(ctx context.Context, bot types.Bot) error
	GetBot(ctx context.Context, id string) (*types.Bot, error)
	DeleteBot(ctx context.Context, id string) error
	ListBots(ctx context.Context) ([]types.Bot, error)

	// SaveCheckpoint replaces the bot's state record atomically. Concurrent
	// writes for the same bot resolve to last-writer-wins by CheckpointAt.
	SaveCheckpoint(ctx context.Context, botID string, st BotState) error
	// LoadCheckpoint returns nil when the bot has never checkpointed.
	LoadCheckpoint(ctx context.Context, botID string) (*BotState, error)

	AppendTrade(ctx context.Context, trade types.Trade) error
	ListTrades(ctx context.Context, botID string, limit int) ([]types.Trade, error)

	SaveSnapshot(ctx context.Context, snap types.PerformanceSnapshot) error
	ListSnapshots(ctx context.Context, botID string, limit int) ([]types.PerformanceSnapshot, error)

	Close() error
}

// Package strategy defines the contract with the signal-generation
// collaborator. The core never computes signals itself; it pulls them once
// per tick per configured symbol.
package strategy

import (
	"context"
	"time"
)

const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// Signal is one trade candidate produced by a strategy.
type Signal struct {
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"` // "buy" or "sell"
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit []float64 `json:"take_profit"`
	Confidence float64   `json:"confidence"` // 0..1
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}

// Provider supplies the latest signals for a set of symbols on a timeframe.
type Provider interface {
	Signals(ctx context.Context, symbols []string, timeframe string) ([]Signal, error)
}

package types

import "time"

// BotConfig is the operator-supplied configuration of one bot. It is
// immutable while the bot is active; updates require stopped state.
type BotConfig struct {
	Symbols         []string           `json:"symbols" mapstructure:"symbols"`
	Timeframe       string             `json:"timeframe" mapstructure:"timeframe"`
	StrategyWeights map[string]float64 `json:"strategy_weights" mapstructure:"strategy_weights"`
	PaperTrading    bool               `json:"paper_trading" mapstructure:"paper_trading"`

	InitialCapital float64 `json:"initial_capital" mapstructure:"initial_capital"`
	CurrentCapital float64 `json:"current_capital" mapstructure:"current_capital"`

	// Risk limits. MaxPositionSize, MaxDailyLoss and MaxDrawdown are
	// fractions of capital (0.1 = 10%).
	MaxPositionSize  float64 `json:"max_position_size" mapstructure:"max_position_size"`
	MaxDailyLoss     float64 `json:"max_daily_loss" mapstructure:"max_daily_loss"`
	MaxDrawdown      float64 `json:"max_drawdown" mapstructure:"max_drawdown"`
	MaxOpenPositions int     `json:"max_open_positions" mapstructure:"max_open_positions"`

	// Paper execution model.
	SlippageRate float64 `json:"slippage_rate" mapstructure:"slippage_rate"`
	FeeRate      float64 `json:"fee_rate" mapstructure:"fee_rate"`

	CheckpointInterval time.Duration `json:"checkpoint_interval" mapstructure:"checkpoint_interval"`
}

// Bot is one configured automated trading worker. Owned exclusively by the
// fleet registry; everyone else gets copies.
type Bot struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Config    BotConfig  `json:"config"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (b Bot) Clone() Bot {
	cp := b
	cp.Config.Symbols = append([]string(nil), b.Config.Symbols...)
	if b.Config.StrategyWeights != nil {
		w := make(map[string]float64, len(b.Config.StrategyWeights))
		for k, v := range b.Config.StrategyWeights {
			w[k] = v
		}
		cp.Config.StrategyWeights = w
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		cp.StartedAt = &t
	}
	return cp
}

package config

import (
	"fmt"
	"strings"

	"punch/internal/scheduler"
	"punch/internal/types"
)

// ValidationError reports one rejected configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Data.Dir == "" {
		c.Data.Dir = "data"
	}
	c.Fleet.Defaults.applyDefaults()
}

func (d *BotDefaults) applyDefaults() {
	if d.Timeframe == "" {
		d.Timeframe = "1h"
	}
	if d.InitialCapital <= 0 {
		d.InitialCapital = 10000
	}
	if d.MaxPositionSize <= 0 {
		d.MaxPositionSize = 0.1
	}
	if d.MaxDailyLoss <= 0 {
		d.MaxDailyLoss = 0.05
	}
	if d.MaxDrawdown <= 0 {
		d.MaxDrawdown = 0.15
	}
	if d.MaxOpenPositions <= 0 {
		d.MaxOpenPositions = 5
	}
	if d.SlippageRate <= 0 {
		d.SlippageRate = 0.0005
	}
	if d.FeeRate <= 0 {
		d.FeeRate = 0.001
	}
	if d.CheckpointInterval == "" {
		d.CheckpointInterval = "5m"
	}
}

func validate(c *Config) error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", fmt.Sprintf("must be debug|info|warn|error, got %q", c.Log.Level))
	}
	if c.Exchange.Binance.Enabled {
		if strings.TrimSpace(c.Exchange.Binance.APIKey) == "" || strings.TrimSpace(c.Exchange.Binance.APISecret) == "" {
			return invalid("exchange.binance", "enabled but missing api_key or api_secret")
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return invalid("notify.telegram", "enabled but missing bot_token or chat_id")
		}
	}
	if _, err := scheduler.ParseIntervalDuration(c.Fleet.Defaults.Timeframe); err != nil {
		return invalid("fleet.defaults.timeframe", err.Error())
	}
	if _, err := scheduler.ParseIntervalDuration(c.Fleet.Defaults.CheckpointInterval); err != nil {
		return invalid("fleet.defaults.checkpoint_interval", err.Error())
	}
	return nil
}

// BotValidator builds the validation pass the fleet applies to every bot
// config: fill gaps from the defaults, then reject out-of-range values.
func (d BotDefaults) BotValidator() func(*types.BotConfig) error {
	d.applyDefaults()
	ckpt, _ := scheduler.ParseIntervalDuration(d.CheckpointInterval)
	return func(cfg *types.BotConfig) error {
		if len(cfg.Symbols) == 0 {
			return invalid("bot.symbols", "requires at least one symbol")
		}
		for i, s := range cfg.Symbols {
			if strings.TrimSpace(s) == "" {
				return invalid("bot.symbols", fmt.Sprintf("entry %d is empty", i))
			}
		}
		if cfg.Timeframe == "" {
			cfg.Timeframe = d.Timeframe
		}
		if _, err := scheduler.ParseIntervalDuration(cfg.Timeframe); err != nil {
			return invalid("bot.timeframe", err.Error())
		}
		if cfg.InitialCapital == 0 {
			cfg.InitialCapital = d.InitialCapital
		}
		if cfg.InitialCapital <= 0 {
			return invalid("bot.initial_capital", "must be > 0")
		}
		if cfg.CurrentCapital <= 0 {
			cfg.CurrentCapital = cfg.InitialCapital
		}
		if cfg.MaxPositionSize == 0 {
			cfg.MaxPositionSize = d.MaxPositionSize
		}
		if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1 {
			return invalid("bot.max_position_size", "must be in (0, 1]")
		}
		if cfg.MaxDailyLoss == 0 {
			cfg.MaxDailyLoss = d.MaxDailyLoss
		}
		if cfg.MaxDailyLoss <= 0 || cfg.MaxDailyLoss > 1 {
			return invalid("bot.max_daily_loss", "must be in (0, 1]")
		}
		if cfg.MaxDrawdown == 0 {
			cfg.MaxDrawdown = d.MaxDrawdown
		}
		if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown > 1 {
			return invalid("bot.max_drawdown", "must be in (0, 1]")
		}
		if cfg.MaxOpenPositions == 0 {
			cfg.MaxOpenPositions = d.MaxOpenPositions
		}
		if cfg.MaxOpenPositions < 0 {
			return invalid("bot.max_open_positions", "must be >= 0")
		}
		if cfg.SlippageRate == 0 {
			cfg.SlippageRate = d.SlippageRate
		}
		if cfg.SlippageRate < 0 {
			return invalid("bot.slippage_rate", "must be >= 0")
		}
		if cfg.FeeRate == 0 {
			cfg.FeeRate = d.FeeRate
		}
		if cfg.FeeRate < 0 {
			return invalid("bot.fee_rate", "must be >= 0")
		}
		for name, w := range cfg.StrategyWeights {
			if w < 0 {
				return invalid("bot.strategy_weights", fmt.Sprintf("%s must be >= 0", name))
			}
		}
		if cfg.CheckpointInterval <= 0 {
			cfg.CheckpointInterval = ckpt
		}
		return nil
	}
}

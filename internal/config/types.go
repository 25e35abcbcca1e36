package config

// Config is the process configuration. Paths are resolved relative to the
// working directory unless absolute.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Data     DataConfig     `mapstructure:"data"`
	Market   MarketConfig   `mapstructure:"market"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
}

type MarketConfig struct {
	RESTBaseURL  string `mapstructure:"rest_base_url"`
	CacheTTLSecs int    `mapstructure:"cache_ttl_secs"`
}

type StrategyConfig struct {
	// SignalsURL points at the external signal service. Empty means bots
	// run with no signal feed (mark-to-market and safety checks only).
	SignalsURL  string `mapstructure:"signals_url"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug|info|warn|error
	File  string `mapstructure:"file"`  // empty = stdout only
}

type DataConfig struct {
	Dir string `mapstructure:"dir"` // holds bots.db and alerts.db
}

type ExchangeConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
}

type BinanceConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	APISecret   string  `mapstructure:"api_secret"`
	RESTBaseURL string  `mapstructure:"rest_base_url"`
	FeeRate     float64 `mapstructure:"fee_rate"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type FleetConfig struct {
	// TemplatesFile optionally points to a YAML file of reusable bot
	// configuration templates, hot-reloaded on change.
	TemplatesFile string      `mapstructure:"templates_file"`
	Defaults      BotDefaults `mapstructure:"defaults"`
}

// BotDefaults fill the gaps of operator-supplied bot configs.
type BotDefaults struct {
	Timeframe          string  `mapstructure:"timeframe"`
	InitialCapital     float64 `mapstructure:"initial_capital"`
	MaxPositionSize    float64 `mapstructure:"max_position_size"`
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown        float64 `mapstructure:"max_drawdown"`
	MaxOpenPositions   int     `mapstructure:"max_open_positions"`
	SlippageRate       float64 `mapstructure:"slippage_rate"`
	FeeRate            float64 `mapstructure:"fee_rate"`
	CheckpointInterval string  `mapstructure:"checkpoint_interval"`
}

package model

import "gorm.io/datatypes"

type BotModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Name          string         `gorm:"column:name"`
	Status        string         `gorm:"column:status"`
	ConfigJSON    datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	StartedAtUnix *int64         `gorm:"column:started_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (BotModel) TableName() string { return "bots" }

type CheckpointModel struct {
	BotID        string         `gorm:"column:bot_id;primaryKey"`
	StateJSON    datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	CheckpointTS int64          `gorm:"column:checkpoint_ts"` // unix nanos, last-writer-wins guard
	UpdatedAt    int64          `gorm:"column:updated_at"`
}

func (CheckpointModel) TableName() string { return "checkpoints" }

type TradeModel struct {
	ID            string  `gorm:"column:id;primaryKey"`
	BotID         string  `gorm:"column:bot_id;index"`
	Symbol        string  `gorm:"column:symbol"`
	Side          string  `gorm:"column:side"`
	Size          float64 `gorm:"column:size"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	ExitPrice     float64 `gorm:"column:exit_price"`
	EntryTimeUnix int64   `gorm:"column:entry_time"`
	ExitTimeUnix  int64   `gorm:"column:exit_time"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	Fee           float64 `gorm:"column:fee"`
	Strategy      string  `gorm:"column:strategy"`
	ExitReason    string  `gorm:"column:exit_reason"`
}

func (TradeModel) TableName() string { return "trades" }

type SnapshotModel struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement"`
	BotID         string  `gorm:"column:bot_id;index"`
	TimestampUnix int64   `gorm:"column:timestamp"`
	Equity        float64 `gorm:"column:equity"`
	Drawdown      float64 `gorm:"column:drawdown"`
	WinRate       float64 `gorm:"column:win_rate"`
	TradeCount    int     `gorm:"column:trade_count"`
}

func (SnapshotModel) TableName() string { return "performance_snapshots" }

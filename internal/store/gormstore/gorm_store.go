// Package gormstore persists bots, checkpoints, trades, and performance
// snapshots in SQLite via Gorm.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"punch/internal/store"
	storemodel "punch/internal/store/model"
	"punch/internal/types"
)

type botModel = storemodel.BotModel
type checkpointModel = storemodel.CheckpointModel
type tradeModel = storemodel.TradeModel
type snapshotModel = storemodel.SnapshotModel

type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&botModel{},
		&checkpointModel{},
		&tradeModel{},
		&snapshotModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a little parallelism for registry reads while
	// keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------------- Bot Records ------------------------------

func (s *GormStore) SaveBot(ctx context.Context, bot types.Bot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(bot.ID) == "" {
		return fmt.Errorf("save bot: id is required")
	}
	model, err := newBotModel(bot)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "status", "config_json", "started_at", "updated_at",
			}),
		}).
		Create(&model).Error
}

func (s *GormStore) GetBot(ctx context.Context, id string) (*types.Bot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var model botModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	bot, err := botModelToRecord(model)
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// DeleteBot removes the bot record together with its checkpoint, trades,
// and snapshots in one transaction.
func (s *GormStore) DeleteBot(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Delete(&botModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bot_id = ?", id).Delete(&checkpointModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bot_id = ?", id).Delete(&tradeModel{}).Error; err != nil {
			return err
		}
		return tx.Where("bot_id = ?", id).Delete(&snapshotModel{}).Error
	})
}

func (s *GormStore) ListBots(ctx context.Context) ([]types.Bot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []botModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Bot, 0, len(models))
	for _, m := range models {
		bot, err := botModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, bot)
	}
	return out, nil
}

// --------------------------- Checkpoints ------------------------------

func (s *GormStore) SaveCheckpoint(ctx context.Context, botID string, st store.BotState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(botID) == "" {
		return fmt.Errorf("save checkpoint: bot id is required")
	}
	if st.CheckpointAt.IsZero() {
		st.CheckpointAt = time.Now().UTC()
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", botID, err)
	}
	model := checkpointModel{
		BotID:        botID,
		StateJSON:    datatypes.JSON(payload),
		CheckpointTS: st.CheckpointAt.UnixNano(),
		UpdatedAt:    time.Now().Unix(),
	}
	// Last-writer-wins by checkpoint timestamp: a stale writer must not
	// clobber a newer record.
	updates := clause.Assignments(map[string]interface{}{
		"state_json":    gorm.Expr("CASE WHEN excluded.checkpoint_ts >= checkpoints.checkpoint_ts THEN excluded.state_json ELSE checkpoints.state_json END"),
		"checkpoint_ts": gorm.Expr("MAX(excluded.checkpoint_ts, checkpoints.checkpoint_ts)"),
		"updated_at":    gorm.Expr("excluded.updated_at"),
	})
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot_id"}},
			DoUpdates: updates,
		}).
		Create(&model).Error
}

func (s *GormStore) LoadCheckpoint(ctx context.Context, botID string) (*store.BotState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var model checkpointModel
	if err := s.db.WithContext(ctx).Where("bot_id = ?", botID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var st store.BotState
	if err := json.Unmarshal(model.StateJSON, &st); err != nil {
		return nil, fmt.Errorf("load checkpoint %s: corrupt state: %w", botID, err)
	}
	return &st, nil
}

// --------------------------- Trades -----------------------------------

func (s *GormStore) AppendTrade(ctx context.Context, trade types.Trade) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(trade.ID) == "" {
		return fmt.Errorf("append trade: id is required")
	}
	model := tradeModel{
		ID:            trade.ID,
		BotID:         trade.BotID,
		Symbol:        strings.ToUpper(strings.TrimSpace(trade.Symbol)),
		Side:          trade.Side,
		Size:          trade.Size,
		EntryPrice:    trade.EntryPrice,
		ExitPrice:     trade.ExitPrice,
		EntryTimeUnix: trade.EntryTime.UnixMilli(),
		ExitTimeUnix:  trade.ExitTime.UnixMilli(),
		RealizedPnL:   trade.RealizedPnL,
		Fee:           trade.Fee,
		Strategy:      trade.Strategy,
		ExitReason:    trade.ExitReason,
	}
	// Trades are append-only; replaying the same close must not duplicate
	// the row.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(&model).Error
}

func (s *GormStore) ListTrades(ctx context.Context, botID string, limit int) ([]types.Trade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []tradeModel
	if err := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("exit_time DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, types.Trade{
			ID:          m.ID,
			BotID:       m.BotID,
			Symbol:      m.Symbol,
			Side:        m.Side,
			Size:        m.Size,
			EntryPrice:  m.EntryPrice,
			ExitPrice:   m.ExitPrice,
			EntryTime:   time.UnixMilli(m.EntryTimeUnix),
			ExitTime:    time.UnixMilli(m.ExitTimeUnix),
			RealizedPnL: m.RealizedPnL,
			Fee:         m.Fee,
			Strategy:    m.Strategy,
			ExitReason:  m.ExitReason,
		})
	}
	return out, nil
}

// --------------------------- Snapshots --------------------------------

func (s *GormStore) SaveSnapshot(ctx context.Context, snap types.PerformanceSnapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	model := snapshotModel{
		BotID:         snap.BotID,
		TimestampUnix: snap.Timestamp.UnixMilli(),
		Equity:        snap.Equity,
		Drawdown:      snap.Drawdown,
		WinRate:       snap.WinRate,
		TradeCount:    snap.TradeCount,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListSnapshots(ctx context.Context, botID string, limit int) ([]types.PerformanceSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var models []snapshotModel
	if err := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.PerformanceSnapshot, 0, len(models))
	for _, m := range models {
		out = append(out, types.PerformanceSnapshot{
			BotID:      m.BotID,
			Timestamp:  time.UnixMilli(m.TimestampUnix),
			Equity:     m.Equity,
			Drawdown:   m.Drawdown,
			WinRate:    m.WinRate,
			TradeCount: m.TradeCount,
		})
	}
	return out, nil
}

// --------------------------- Model Helpers ----------------------------

func newBotModel(bot types.Bot) (botModel, error) {
	cfgBytes, err := json.Marshal(bot.Config)
	if err != nil {
		return botModel{}, fmt.Errorf("save bot %s: %w", bot.ID, err)
	}
	now := time.Now()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	model := botModel{
		ID:            bot.ID,
		Name:          strings.TrimSpace(bot.Name),
		Status:        string(bot.Status),
		ConfigJSON:    datatypes.JSON(cfgBytes),
		CreatedAtUnix: bot.CreatedAt.UnixMilli(),
		UpdatedAtUnix: now.UnixMilli(),
	}
	if bot.StartedAt != nil && !bot.StartedAt.IsZero() {
		val := bot.StartedAt.UnixMilli()
		model.StartedAtUnix = &val
	}
	return model, nil
}

func botModelToRecord(m botModel) (types.Bot, error) {
	bot := types.Bot{
		ID:        m.ID,
		Name:      m.Name,
		Status:    types.Status(m.Status),
		CreatedAt: time.UnixMilli(m.CreatedAtUnix),
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &bot.Config); err != nil {
			return types.Bot{}, fmt.Errorf("bot %s: corrupt config: %w", m.ID, err)
		}
	}
	if m.StartedAtUnix != nil && *m.StartedAtUnix > 0 {
		ts := time.UnixMilli(*m.StartedAtUnix)
		bot.StartedAt = &ts
	}
	return bot, nil
}

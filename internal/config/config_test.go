package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punch/internal/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "log:\n  level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "data", cfg.Data.Dir)
	assert.Equal(t, "1h", cfg.Fleet.Defaults.Timeframe)
	assert.Equal(t, 10000.0, cfg.Fleet.Defaults.InitialCapital)
	assert.Equal(t, 0.05, cfg.Fleet.Defaults.MaxDailyLoss)
	assert.Equal(t, "5m", cfg.Fleet.Defaults.CheckpointInterval)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeFile(t, base, "log:\n  level: debug\ndata:\n  dir: basedata\n")
	main := filepath.Join(dir, "config.yaml")
	writeFile(t, main, "include:\n  - base.yaml\ndata:\n  dir: maindata\n")

	cfg, err := Load(main)
	require.NoError(t, err)
	// The including file wins on conflicts; included values fill the rest.
	assert.Equal(t, "maindata", cfg.Data.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, a, "include: [b.yaml]\n")
	writeFile(t, b, "include: [a.yaml]\n")

	_, err := Load(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "badlevel.yaml")
	writeFile(t, path, "log:\n  level: loud\n")
	_, err := Load(path)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "log.level", verr.Field)

	path = filepath.Join(dir, "binance.yaml")
	writeFile(t, path, "exchange:\n  binance:\n    enabled: true\n")
	_, err = Load(path)
	require.Error(t, err)

	path = filepath.Join(dir, "timeframe.yaml")
	writeFile(t, path, "fleet:\n  defaults:\n    timeframe: nope\n")
	_, err = Load(path)
	require.Error(t, err)
}

func TestBotValidatorFillsDefaults(t *testing.T) {
	validate := BotDefaults{}.BotValidator()

	cfg := types.BotConfig{Symbols: []string{"BTC/USDT"}, PaperTrading: true}
	require.NoError(t, validate(&cfg))
	assert.Equal(t, "1h", cfg.Timeframe)
	assert.Equal(t, 10000.0, cfg.InitialCapital)
	assert.Equal(t, 10000.0, cfg.CurrentCapital)
	assert.Equal(t, 0.1, cfg.MaxPositionSize)
	assert.Equal(t, 0.05, cfg.MaxDailyLoss)
	assert.Equal(t, 0.15, cfg.MaxDrawdown)
	assert.Equal(t, 5, cfg.MaxOpenPositions)
	assert.Equal(t, 0.0005, cfg.SlippageRate)
	assert.Equal(t, 0.001, cfg.FeeRate)
	assert.Equal(t, 5*time.Minute, cfg.CheckpointInterval)
}

func TestBotValidatorRejectsOutOfRange(t *testing.T) {
	validate := BotDefaults{}.BotValidator()

	cases := []types.BotConfig{
		{},
		{Symbols: []string{" "}},
		{Symbols: []string{"BTC/USDT"}, Timeframe: "huh"},
		{Symbols: []string{"BTC/USDT"}, InitialCapital: -5},
		{Symbols: []string{"BTC/USDT"}, MaxPositionSize: 1.5},
		{Symbols: []string{"BTC/USDT"}, MaxDailyLoss: -0.1},
		{Symbols: []string{"BTC/USDT"}, MaxDrawdown: 2},
		{Symbols: []string{"BTC/USDT"}, SlippageRate: -1},
		{Symbols: []string{"BTC/USDT"}, StrategyWeights: map[string]float64{"trend": -1}},
	}
	for i, cfg := range cases {
		cfg := cfg
		assert.Error(t, validate(&cfg), "case %d", i)
	}
}

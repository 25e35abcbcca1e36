package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTemplates = `bot_templates:
  conservative:
    description: tight limits
    config:
      symbols: [BTC/USDT, ETH/USDT]
      timeframe: 1h
      paper_trading: true
      initial_capital: 10000
      max_position_size: 0.05
      max_daily_loss: 0.03
`

func TestTemplateRegistryResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeFile(t, path, sampleTemplates)

	r, err := NewTemplateRegistry(path)
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Contains(t, snap.Templates, "conservative")
	assert.Equal(t, "tight limits", snap.Templates["conservative"].Description)

	cfg, err := r.Resolve("conservative")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Symbols)
	assert.True(t, cfg.PaperTrading)
	assert.Equal(t, 10000.0, cfg.InitialCapital)
	assert.Equal(t, 0.05, cfg.MaxPositionSize)

	_, err = r.Resolve("missing")
	assert.Error(t, err)
}

func TestTemplateRegistryRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeFile(t, path, `bot_templates:
  sloppy:
    config:
      symbols: [BTC/USDT]
      leverage: 100
`)
	_, err := NewTemplateRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestTemplateRegistryRejectsOutOfRangeValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeFile(t, path, `bot_templates:
  wild:
    config:
      symbols: [BTC/USDT]
      max_position_size: 3
`)
	_, err := NewTemplateRegistry(path)
	assert.Error(t, err)
}

func TestTemplateRegistryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeFile(t, path, sampleTemplates)

	r, err := NewTemplateRegistry(path)
	require.NoError(t, err)

	writeFile(t, path, sampleTemplates+`  aggressive:
    config:
      symbols: [SOL/USDT]
      max_position_size: 0.2
`)
	require.NoError(t, r.reload())

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.Version)
	assert.Contains(t, snap.Templates, "aggressive")

	cfg, err := r.Resolve("aggressive")
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.MaxPositionSize)
}

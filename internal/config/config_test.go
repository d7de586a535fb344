package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `markets:
  - market: btcusdt
    unit_size: 100
    small_flow_pct: 0.04
    small_flow_units: 2
    large_flow_pct: 0.17
    large_flow_units: 10
    take_profit_pct: 0.006
    leverage: 5
    margin_mode: ISOLATED
  - market: ETHUSDT
    unit_size: 50
    initial_units: 2
    small_flow_pct: 0.03
    small_flow_units: 1
    large_flow_pct: 0.12
    large_flow_units: 4
    take_profit_pct: 0.01
    leverage: 3
`

func TestParseSettings(t *testing.T) {
	settings, err := ParseSettings([]byte(settingsYAML))
	require.NoError(t, err)
	require.Len(t, settings, 2)

	btc := settings["BTCUSDT"]
	assert.Equal(t, 100.0, btc.UnitSize)
	assert.Equal(t, 0.17, btc.LargeFlowPct)
	assert.Equal(t, 5, btc.Leverage)
	assert.Equal(t, 2.0, settings["ETHUSDT"].InitialUnits)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, Markets(settings))
}

func TestParseSettingsRejectsInvalidRows(t *testing.T) {
	_, err := ParseSettings([]byte("markets:\n  - market: BTCUSDT\n    unit_size: 0\n"))
	assert.Error(t, err)

	_, err = ParseSettings([]byte("markets: []\n"))
	assert.Error(t, err)

	dup := settingsYAML + `  - market: BTCUSDT
    unit_size: 1
    small_flow_pct: 0.1
    small_flow_units: 1
    large_flow_pct: 0.2
    large_flow_units: 1
    take_profit_pct: 0.01
    leverage: 1
`
	_, err = ParseSettings([]byte(dup))
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "db_path": "data/ledger",
  "risk": {"initial_capital": 3000, "stop_loss_threshold": 0.65, "maintenance_margin_rate": 0.005},
  "log": {"level": "info", "output": "console"}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "data/ledger", cfg.DBPath)
	assert.Equal(t, 3000.0, cfg.Risk.InitialCapital)
	assert.Equal(t, 1440, cfg.Risk.CooldownMinutes)
	assert.Equal(t, 3000.0, cfg.Risk.ReinvestThreshold)
	assert.Equal(t, 1.0, cfg.Risk.SafetyFactor)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, "ISOLATED", cfg.MarginMode)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

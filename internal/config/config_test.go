package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
backtest:
  symbol: ETH-USD
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD", cfg.Backtest.Symbol)
	assert.Equal(t, defaultTimeframe, cfg.Backtest.Timeframe)
	assert.Equal(t, defaultFeeRate, cfg.Backtest.FeeRate)
	assert.Equal(t, float64(defaultSlippageBps), cfg.Backtest.SlippageBps)
	assert.Equal(t, "synthetic", cfg.Data.Source)
	assert.Equal(t, int64(42), cfg.Data.Synthetic.Seed)
	assert.True(t, cfg.Chart.Enabled)
	assert.Equal(t, "ma_cross", cfg.Strategy.Name)
	assert.Len(t, cfg.Optimize.Grid, 6)
}

func TestLoadKeepsExplicitZero(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
backtest:
  fee_rate: 0
  slippage_bps: 0
chart:
  enabled: false
optimize:
  grid:
    short_period: [5, 10]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Backtest.FeeRate)
	assert.Zero(t, cfg.Backtest.SlippageBps)
	assert.False(t, cfg.Chart.Enabled)
	require.Contains(t, cfg.Optimize.Grid, "short_period")
	assert.Len(t, cfg.Optimize.Grid, 1)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
backtest:
  symbol: SOL-USD
  timeframe: 4h
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
backtest:
  timeframe: 1h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "SOL-USD", cfg.Backtest.Symbol)
	assert.Equal(t, "1h", cfg.Backtest.Timeframe)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadEnvOverridesKeysMissingFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
storage:
  driver: postgres
`)
	t.Setenv("AUTOQUANT_STORAGE_POSTGRES_DSN", "postgres://quant@localhost/autoquant")
	t.Setenv("AUTOQUANT_BACKTEST_FEE_RATE", "0")
	t.Setenv("AUTOQUANT_DATA_SYNTHETIC_SEED", "7")
	t.Setenv("AUTOQUANT_CHART_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://quant@localhost/autoquant", cfg.Storage.PostgresDSN)
	assert.Zero(t, cfg.Backtest.FeeRate, "环境变量给出的 0 不应被默认值覆盖")
	assert.Equal(t, int64(7), cfg.Data.Synthetic.Seed)
	assert.False(t, cfg.Chart.Enabled)
	assert.Equal(t, defaultSymbol, cfg.Backtest.Symbol)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
backtest:
  symbol: ETH-USD
`)
	t.Setenv("AUTOQUANT_BACKTEST_SYMBOL", "SOL-USD")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "SOL-USD", cfg.Backtest.Symbol)
}

func TestLoadRejectsUnknownSection(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
backtset:
  symbol: ETH-USD
charts:
  enabled: false
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtset, charts")
}

func TestLoadIncludeMustBeList(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "backtest:\n  symbol: SOL-USD\n")
	path := writeConfig(t, dir, "config.yaml", "include: base.yaml\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"source":   "data:\n  source: bloomberg\n",
		"driver":   "storage:\n  driver: postgres\n",
		"range":    "backtest:\n  start: 2024-01-01\n  end: 2023-01-01\n",
		"position": "backtest:\n  position_pct: 1.5\n",
		"fee":      "backtest:\n  fee_rate: 0.5\n",
		"chart":    "chart:\n  format: svg\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	start, end, err := cfg.Backtest.Range()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.After(start))
}

func TestParseDate(t *testing.T) {
	ts, err := ParseDate("2023-06-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), ts)

	ts, err = ParseDate("2023-06-01 12:30")
	require.NoError(t, err)
	assert.Equal(t, 12, ts.Hour())

	ts, err = ParseDate("2023-06-01T08:00:00+08:00")
	require.NoError(t, err)
	assert.Equal(t, 0, ts.Hour())

	_, err = ParseDate("")
	assert.Error(t, err)
	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "synthetic", cfg.Data.Source)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 100000.0, cfg.Backtest.InitialBalance)
	assert.EqualValues(t, 10, cfg.Strategy.Params["short_period"])
	assert.Len(t, cfg.Optimize.Grid, 6)
}

package main

import (
	"os"
	"testing"

	"autoquant/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.Preset = "tuned"
	err := applyOverrides(cfg, overrides{
		symbol:   "ETH-USD",
		start:    "2023-02-01",
		end:      "2023-05-01",
		strategy: "breakout",
		source:   "Yahoo",
	})
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD", cfg.Backtest.Symbol)
	assert.Equal(t, "2023-02-01", cfg.Backtest.Start)
	assert.Equal(t, "yahoo", cfg.Data.Source)
	assert.Equal(t, "breakout", cfg.Strategy.Name)
	assert.Empty(t, cfg.Strategy.Preset)
}

func TestApplyOverridesValidates(t *testing.T) {
	cfg := config.Default()
	err := applyOverrides(cfg, overrides{start: "2024-01-01", end: "2023-01-01"})
	assert.Error(t, err)

	cfg = config.Default()
	err = applyOverrides(cfg, overrides{source: "bloomberg"})
	assert.Error(t, err)
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("AUTOQUANT_CONFIG", "")
	assert.Equal(t, "configs/config.yaml", resolveConfigPath(""))

	t.Setenv("AUTOQUANT_CONFIG", "/etc/autoquant.yaml")
	assert.Equal(t, "/etc/autoquant.yaml", resolveConfigPath(""))
	assert.Equal(t, "local.yaml", resolveConfigPath("local.yaml"))
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AUTOQUANT_CONFIG", "")
	err := run([]string{"-config", writeTempConfig(t, dir), "explode"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode")
}

func writeTempConfig(t *testing.T, dir string) string {
	t.Helper()
	path := dir + "/config.yaml"
	body := "data:\n  root: " + dir + "/candles\nstorage:\n  results_dir: " + dir + "/results\noptimize:\n  db_path: " + dir + "/optimize.db\nstrategy:\n  presets_path: " + dir + "/none.yaml\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

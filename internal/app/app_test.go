package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autoquant/internal/backtest"
	"autoquant/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.Root = filepath.Join(dir, "candles")
	cfg.Storage.ResultsDir = filepath.Join(dir, "results")
	cfg.Strategy.PresetsPath = filepath.Join(dir, "missing.yaml")
	cfg.Chart.OutputDir = filepath.Join(dir, "charts")
	cfg.Optimize.DBPath = filepath.Join(dir, "optimize.db")
	cfg.Backtest.Start = "2023-03-01"
	cfg.Backtest.End = "2023-06-30"
	cfg.App.LogLevel = "warn"
	require.NoError(t, cfg.Validate())
	return cfg
}

func buildTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAppRunWritesResultAndChart(t *testing.T) {
	cfg := testConfig(t)
	a := buildTestApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Snapshots, 122)
	assert.Equal(t, "BTC-USD", res.Config.Symbol)
	assert.Equal(t, "ma_cross", res.Config.Strategy)

	run, err := a.results.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Stats.FinalBalance, run.FinalBalance)

	require.NotEmpty(t, res.ChartPath)
	_, err = os.Stat(res.ChartPath)
	assert.NoError(t, err)
}

func TestAppFetchFillsCache(t *testing.T) {
	cfg := testConfig(t)
	a := buildTestApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := a.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, backtest.JobStatusDone, job.Status)
	assert.Empty(t, job.Missing)

	key, err := backtest.NewSeriesKey(cfg.Data.Source, cfg.Backtest.Symbol, "1d")
	require.NoError(t, err)
	m, err := a.candles.Manifest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", m.Source)
	assert.Equal(t, int64(122), m.Rows)
}

func TestAppOptimizeStoresSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chart.Enabled = false
	cfg.Optimize.Grid = map[string][]any{
		"short_period": {5, 10},
		"long_period":  {20, 30},
	}
	cfg.Optimize.MaxConcurrent = 2
	a := buildTestApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := a.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Combinations)
	assert.Equal(t, 4, res.Evaluated)
	require.NotNil(t, res.Best)

	sweep, err := a.sweeps.GetSweep(ctx, res.SweepID)
	require.NoError(t, err)
	assert.Equal(t, 4, sweep.Evaluated)
	assert.Equal(t, res.Best.Stats.ReturnPct, sweep.BestReturn)
}

func TestBuildClosesOnFailure(t *testing.T) {
	cfg := testConfig(t)
	boom := errors.New("boom")
	_, err := NewAppBuilder(cfg, WithCandleStore(func(context.Context, *config.Config) (backtest.CandleStore, error) {
		return nil, boom
	})).Build(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunDefaultsPresetOwnsStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Preset = "breakout_daily"
	d, err := runDefaults(cfg)
	require.NoError(t, err)
	assert.Empty(t, d.Strategy)
	assert.Equal(t, "breakout_daily", d.Preset)
	assert.Equal(t, time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), d.StartTS)
}

func TestSummaryListsSources(t *testing.T) {
	cfg := testConfig(t)
	a := buildTestApp(t, cfg)
	var buf bytes.Buffer
	a.Summary.Fprint(&buf)
	out := buf.String()
	assert.Contains(t, out, "binance, synthetic, yahoo")
	assert.Contains(t, out, "BTC-USD @ 1d")
	assert.Contains(t, out, "组合数: 6400")
}

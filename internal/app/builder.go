package app

import (
	"context"
	"fmt"
	"strings"

	"autoquant/internal/backtest"
	"autoquant/internal/config"
	"autoquant/internal/gateway"
	"autoquant/internal/logger"
	"autoquant/internal/store/optstore"
	"autoquant/internal/store/pgcandles"
	"autoquant/internal/strategy/preset"
)

// AppBuilder 按配置组装各组件；测试可通过 Option 替换数据源与 K 线存储。
type AppBuilder struct {
	cfg *config.Config

	sourcesFn     func(config.DataConfig) (map[string]backtest.CandleSource, error)
	candleStoreFn func(context.Context, *config.Config) (backtest.CandleStore, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSources 替换数据源构建函数。
func WithSources(fn func(config.DataConfig) (map[string]backtest.CandleSource, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

// WithCandleStore 替换 K 线缓存构建函数。
func WithCandleStore(fn func(context.Context, *config.Config) (backtest.CandleStore, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.candleStoreFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		sourcesFn:     gateway.NewSourcesFromConfig,
		candleStoreFn: buildCandleStore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 构建 App；任何一步失败都会关闭已打开的存储。
func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sources, err := b.sourcesFn(cfg.Data)
	if err != nil {
		return nil, err
	}
	a.candles, err = b.candleStoreFn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.results, err = backtest.NewResultStore(cfg.Storage.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("初始化结果库失败: %w", err)
	}
	a.presets, err = preset.NewRegistry(cfg.Strategy.PresetsPath)
	if err != nil {
		return nil, fmt.Errorf("加载策略预设失败: %w", err)
	}
	a.svc, err = backtest.NewService(backtest.ServiceConfig{
		Store:           a.candles,
		Sources:         sources,
		DefaultExchange: cfg.Data.Source,
		RateLimitPerMin: cfg.Data.RateLimitPerMin,
		MaxBatch:        cfg.Data.MaxBatch,
		MaxConcurrent:   cfg.Data.MaxConcurrent,
	})
	if err != nil {
		return nil, err
	}
	defaults, err := runDefaults(cfg)
	if err != nil {
		return nil, err
	}
	a.runner, err = backtest.NewRunner(backtest.RunnerConfig{
		Fetcher: a.svc,
		Store:   a.candles,
		Results: a.results,
		Presets: a.presets,
		Chart: backtest.ChartOptions{
			Enabled:   cfg.Chart.Enabled,
			OutputDir: cfg.Chart.OutputDir,
			Format:    cfg.Chart.Format,
		},
		Defaults:      defaults,
		MaxConcurrent: cfg.Backtest.MaxConcurrentRuns,
	})
	if err != nil {
		return nil, err
	}
	a.sweeps, err = optstore.Open(cfg.Optimize.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化优化结果库失败: %w", err)
	}
	a.optimizer = backtest.NewOptimizer(a.runner, a.sweeps)
	a.Summary = buildSummary(cfg, sources)
	return a, nil
}

func buildCandleStore(ctx context.Context, cfg *config.Config) (backtest.CandleStore, error) {
	if cfg.Storage.Driver == "postgres" {
		st, err := pgcandles.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := backtest.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// runDefaults 把配置中的回测参数转换为 Runner 的默认 RunConfig。
// 指定 preset 时策略名由预设决定。
func runDefaults(cfg *config.Config) (backtest.RunConfig, error) {
	start, end, err := cfg.Backtest.Range()
	if err != nil {
		return backtest.RunConfig{}, err
	}
	out := backtest.RunConfig{
		Symbol:         cfg.Backtest.Symbol,
		Source:         cfg.Data.Source,
		Timeframe:      cfg.Backtest.Timeframe,
		StartTS:        start.UnixMilli(),
		EndTS:          end.UnixMilli(),
		InitialBalance: cfg.Backtest.InitialBalance,
		FeeRate:        cfg.Backtest.FeeRate,
		SlippageBps:    cfg.Backtest.SlippageBps,
		PositionPct:    cfg.Backtest.PositionPct,
		WarmupBars:     cfg.Backtest.WarmupBars,
		Strategy:       cfg.Strategy.Name,
		Preset:         strings.TrimSpace(cfg.Strategy.Preset),
		Params:         cfg.Strategy.Params,
	}
	if out.Preset != "" {
		out.Strategy = ""
	}
	return out, nil
}

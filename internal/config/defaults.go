package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultDataSource        = "synthetic"
	defaultDataRoot          = "data/candles"
	defaultDataRatePerMin    = 1200
	defaultDataMaxBatch      = 1000
	defaultDataMaxConcurrent = 2
	defaultBinanceREST       = "https://api.binance.com"
	defaultYahooBase         = "https://query1.finance.yahoo.com"
	defaultHTTPTimeout       = 15
	defaultSyntheticProfile  = "realistic"
	defaultSyntheticSeed     = 42
	defaultSyntheticPrice    = 16500
	defaultSyntheticDrift    = 0.0015
	defaultSyntheticVol      = 0.02
	defaultSyntheticAnchor   = "2023-01-01"
	defaultStorageDriver     = "sqlite"
	defaultStorageMaxConns   = 4
	defaultResultsDir        = "data/results"
	defaultSymbol            = "BTC-USD"
	defaultTimeframe         = "1d"
	defaultStart             = "2023-01-01"
	defaultEnd               = "2023-12-31"
	defaultInitialBalance    = 100000
	defaultFeeRate           = 0.001
	defaultSlippageBps       = 2
	defaultPositionPct       = 1
	defaultMaxRuns           = 2
	defaultStrategyName      = "ma_cross"
	defaultPresetsPath       = "configs/strategies.yaml"
	defaultChartDir          = "data/charts"
	defaultChartFormat       = "html"
	defaultOptimizeWorkers   = 4
	defaultOptimizeDB        = "data/optimize.db"
	defaultOptimizeTop       = 10
)

// DefaultOptimizeGrid 为 ma_cross 的默认搜索网格。
func DefaultOptimizeGrid() map[string][]any {
	return map[string][]any{
		"short_period":      {7, 10, 12, 15, 18},
		"long_period":       {25, 30, 35, 40, 45},
		"stop_loss_pct":     {0.02, 0.03, 0.04, 0.05},
		"trailing_stop_pct": {0.03, 0.04, 0.05, 0.06},
		"rsi_period":        {10, 14, 18, 21},
		"rsi_upper":         {65, 70, 75, 80},
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Chart.applyDefaults(keys)
	c.Optimize.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.source", &d.Source, defaultDataSource),
		stringFieldDefault("data.root", &d.Root, defaultDataRoot),
		intFieldDefault("data.rate_limit_per_min", &d.RateLimitPerMin, defaultDataRatePerMin),
		intFieldDefault("data.max_batch", &d.MaxBatch, defaultDataMaxBatch),
		intFieldDefault("data.max_concurrent", &d.MaxConcurrent, defaultDataMaxConcurrent),
		stringFieldDefault("data.binance.rest_base_url", &d.Binance.RESTBaseURL, defaultBinanceREST),
		intFieldDefault("data.binance.timeout_seconds", &d.Binance.TimeoutSeconds, defaultHTTPTimeout),
		stringFieldDefault("data.yahoo.base_url", &d.Yahoo.BaseURL, defaultYahooBase),
		intFieldDefault("data.yahoo.timeout_seconds", &d.Yahoo.TimeoutSeconds, defaultHTTPTimeout),
		stringFieldDefault("data.synthetic.profile", &d.Synthetic.Profile, defaultSyntheticProfile),
		fieldDefault{
			key:   "data.synthetic.seed",
			need:  func() bool { return d.Synthetic.Seed == 0 },
			apply: func() { d.Synthetic.Seed = defaultSyntheticSeed },
		},
		floatFieldDefault("data.synthetic.initial_price", &d.Synthetic.InitialPrice, defaultSyntheticPrice),
		floatFieldDefault("data.synthetic.drift", &d.Synthetic.Drift, defaultSyntheticDrift),
		floatFieldDefault("data.synthetic.volatility", &d.Synthetic.Volatility, defaultSyntheticVol),
		stringFieldDefault("data.synthetic.anchor", &d.Synthetic.Anchor, defaultSyntheticAnchor),
	)
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.driver", &s.Driver, defaultStorageDriver),
		intFieldDefault("storage.max_conns", &s.MaxConns, defaultStorageMaxConns),
		stringFieldDefault("storage.results_dir", &s.ResultsDir, defaultResultsDir),
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.symbol", &b.Symbol, defaultSymbol),
		stringFieldDefault("backtest.timeframe", &b.Timeframe, defaultTimeframe),
		stringFieldDefault("backtest.start", &b.Start, defaultStart),
		stringFieldDefault("backtest.end", &b.End, defaultEnd),
		floatFieldDefault("backtest.initial_balance", &b.InitialBalance, defaultInitialBalance),
		fieldDefault{
			key:   "backtest.fee_rate",
			need:  func() bool { return b.FeeRate == 0 },
			apply: func() { b.FeeRate = defaultFeeRate },
		},
		fieldDefault{
			key:   "backtest.slippage_bps",
			need:  func() bool { return b.SlippageBps == 0 },
			apply: func() { b.SlippageBps = defaultSlippageBps },
		},
		fieldDefault{
			key:   "backtest.position_pct",
			need:  func() bool { return b.PositionPct <= 0 },
			apply: func() { b.PositionPct = defaultPositionPct },
		},
		intFieldDefault("backtest.max_concurrent_runs", &b.MaxConcurrentRuns, defaultMaxRuns),
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.name", &s.Name, defaultStrategyName),
		stringFieldDefault("strategy.presets_path", &s.PresetsPath, defaultPresetsPath),
	)
	if s.Params == nil {
		s.Params = map[string]any{}
	}
}

func (c *ChartConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("chart.enabled", &c.Enabled, true),
		stringFieldDefault("chart.output_dir", &c.OutputDir, defaultChartDir),
		stringFieldDefault("chart.format", &c.Format, defaultChartFormat),
	)
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
}

func (o *OptimizeConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "optimize.grid",
			need:  func() bool { return len(o.Grid) == 0 },
			apply: func() { o.Grid = DefaultOptimizeGrid() },
		},
		intFieldDefault("optimize.max_concurrent", &o.MaxConcurrent, defaultOptimizeWorkers),
		stringFieldDefault("optimize.db_path", &o.DBPath, defaultOptimizeDB),
		intFieldDefault("optimize.top", &o.Top, defaultOptimizeTop),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

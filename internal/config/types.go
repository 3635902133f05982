package config

import "strings"

// Config 是 AutoQuant 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Data     DataConfig     `toml:"data"`
	Storage  StorageConfig  `toml:"storage"`
	Backtest BacktestConfig `toml:"backtest"`
	Strategy StrategyConfig `toml:"strategy"`
	Chart    ChartConfig    `toml:"chart"`
	Optimize OptimizeConfig `toml:"optimize"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// DataConfig 描述行情数据源与本地缓存。
type DataConfig struct {
	Source          string                `toml:"source"`
	Root            string                `toml:"root"`
	RateLimitPerMin int                   `toml:"rate_limit_per_min"`
	MaxBatch        int                   `toml:"max_batch"`
	MaxConcurrent   int                   `toml:"max_concurrent"`
	Binance         BinanceSourceConfig   `toml:"binance"`
	Yahoo           YahooSourceConfig     `toml:"yahoo"`
	Synthetic       SyntheticSourceConfig `toml:"synthetic"`
}

type BinanceSourceConfig struct {
	RESTBaseURL    string `toml:"rest_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ProxyURL       string `toml:"proxy_url"`
}

type YahooSourceConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
}

// SyntheticSourceConfig 控制离线随机游走数据。
type SyntheticSourceConfig struct {
	Profile      string  `toml:"profile"`
	Seed         int64   `toml:"seed"`
	InitialPrice float64 `toml:"initial_price"`
	Drift        float64 `toml:"drift"`
	Volatility   float64 `toml:"volatility"`
	// Anchor 为游走起点日期，该日 K 线开盘价等于 initial_price。
	Anchor string `toml:"anchor"`
}

// StorageConfig 选择 K 线缓存后端与结果目录。
type StorageConfig struct {
	Driver      string `toml:"driver"`
	PostgresDSN string `toml:"postgres_dsn"`
	MaxConns    int    `toml:"max_conns"`
	ResultsDir  string `toml:"results_dir"`
}

// BacktestConfig 为单次回测的默认参数，CLI/HTTP 可覆盖。
type BacktestConfig struct {
	Symbol            string  `toml:"symbol"`
	Timeframe         string  `toml:"timeframe"`
	Start             string  `toml:"start"`
	End               string  `toml:"end"`
	InitialBalance    float64 `toml:"initial_balance"`
	FeeRate           float64 `toml:"fee_rate"`
	SlippageBps       float64 `toml:"slippage_bps"`
	PositionPct       float64 `toml:"position_pct"`
	WarmupBars        int     `toml:"warmup_bars"`
	MaxConcurrentRuns int     `toml:"max_concurrent_runs"`
}

type StrategyConfig struct {
	Name        string         `toml:"name"`
	Preset      string         `toml:"preset"`
	PresetsPath string         `toml:"presets_path"`
	Params      map[string]any `toml:"params"`
}

type ChartConfig struct {
	Enabled   bool   `toml:"enabled"`
	OutputDir string `toml:"output_dir"`
	Format    string `toml:"format"`
}

// OptimizeConfig 描述参数网格搜索。
type OptimizeConfig struct {
	Grid            map[string][]any `toml:"grid"`
	MaxConcurrent   int              `toml:"max_concurrent"`
	TargetReturnPct float64          `toml:"target_return_pct"`
	DBPath          string           `toml:"db_path"`
	Top             int              `toml:"top"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	if _, ok := k[path]; ok {
		return true
	}
	// map 类型字段（如 optimize.grid）只要任一子键被设置即视为已设置
	prefix := path + "."
	for key := range k {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

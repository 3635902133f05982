package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"autoquant/internal/backtest"
	"autoquant/internal/config"
)

type StartupSummary struct {
	Data     DataSummary
	Backtest BacktestSummary
	Strategy StrategySummary
	Optimize OptimizeSummary
}

type DataSummary struct {
	Source  string
	Sources []string
	Storage string
	Root    string
}

type BacktestSummary struct {
	Symbol      string
	Timeframe   string
	Window      string
	Balance     float64
	FeeRate     float64
	SlippageBps float64
	Chart       string
}

type StrategySummary struct {
	Name    string
	Preset  string
	Presets string
	Params  map[string]any
}

type OptimizeSummary struct {
	GridKeys      []string
	Combinations  int
	MaxConcurrent int
}

func buildSummary(cfg *config.Config, sources map[string]backtest.CandleSource) *StartupSummary {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	storage := cfg.Storage.Driver
	root := cfg.Data.Root
	if storage == "postgres" {
		root = "-"
	}
	chart := "关闭"
	if cfg.Chart.Enabled {
		chart = fmt.Sprintf("%s → %s", cfg.Chart.Format, cfg.Chart.OutputDir)
	}
	keys := make([]string, 0, len(cfg.Optimize.Grid))
	combos := 1
	for k, values := range cfg.Optimize.Grid {
		keys = append(keys, k)
		combos *= len(values)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		combos = 0
	}
	return &StartupSummary{
		Data: DataSummary{Source: cfg.Data.Source, Sources: names, Storage: storage, Root: root},
		Backtest: BacktestSummary{
			Symbol:      cfg.Backtest.Symbol,
			Timeframe:   cfg.Backtest.Timeframe,
			Window:      cfg.Backtest.Start + " → " + cfg.Backtest.End,
			Balance:     cfg.Backtest.InitialBalance,
			FeeRate:     cfg.Backtest.FeeRate,
			SlippageBps: cfg.Backtest.SlippageBps,
			Chart:       chart,
		},
		Strategy: StrategySummary{
			Name:    cfg.Strategy.Name,
			Preset:  cfg.Strategy.Preset,
			Presets: cfg.Strategy.PresetsPath,
			Params:  cfg.Strategy.Params,
		},
		Optimize: OptimizeSummary{GridKeys: keys, Combinations: combos, MaxConcurrent: cfg.Optimize.MaxConcurrent},
	}
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[行情数据 (MARKET DATA)]")
	fmt.Fprintf(w, "  默认数据源: %s\n", s.Data.Source)
	fmt.Fprintf(w, "  可用数据源: %s\n", formatList(s.Data.Sources))
	fmt.Fprintf(w, "  缓存: %s (%s)\n", s.Data.Storage, s.Data.Root)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[回测参数 (BACKTEST)]")
	fmt.Fprintf(w, "  标的: %s @ %s\n", s.Backtest.Symbol, s.Backtest.Timeframe)
	fmt.Fprintf(w, "  区间: %s\n", s.Backtest.Window)
	fmt.Fprintf(w, "  初始资金: %.2f  手续费: %.4f  滑点: %.1f bps\n", s.Backtest.Balance, s.Backtest.FeeRate, s.Backtest.SlippageBps)
	fmt.Fprintf(w, "  图表: %s\n", s.Backtest.Chart)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[策略 (STRATEGY)]")
	name := s.Strategy.Name
	if s.Strategy.Preset != "" {
		name = "preset:" + s.Strategy.Preset
	}
	fmt.Fprintf(w, "  策略: %s\n", name)
	fmt.Fprintf(w, "  预设文件: %s\n", s.Strategy.Presets)
	if len(s.Strategy.Params) == 0 {
		fmt.Fprintln(w, "  参数: (默认)")
	} else {
		keys := make([]string, 0, len(s.Strategy.Params))
		for k := range s.Strategy.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "  参数:")
		for _, k := range keys {
			fmt.Fprintf(w, "    - %s = %v\n", k, s.Strategy.Params[k])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[参数优化 (OPTIMIZE)]")
	fmt.Fprintf(w, "  网格参数: %s\n", formatList(s.Optimize.GridKeys))
	fmt.Fprintf(w, "  组合数: %d  并发: %d\n", s.Optimize.Combinations, s.Optimize.MaxConcurrent)
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

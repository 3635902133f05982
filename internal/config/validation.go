package config

import (
	"fmt"
	"strings"
	"time"
)

var (
	supportedSources = map[string]bool{"synthetic": true, "yahoo": true, "binance": true}
	supportedDrivers = map[string]bool{"sqlite": true, "postgres": true}
	supportedCharts  = map[string]bool{"html": true, "png": true}
)

// Validate 对外暴露校验，CLI 覆盖参数后需要重新调用。
func (c *Config) Validate() error {
	return validate(c)
}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config 不能为空")
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Strategy.Name) == "" && strings.TrimSpace(c.Strategy.Preset) == "" {
		return fmt.Errorf("strategy.name 与 strategy.preset 不能同时为空")
	}
	if c.Chart.Enabled && !supportedCharts[c.Chart.Format] {
		return fmt.Errorf("chart.format 仅支持 html/png: %s", c.Chart.Format)
	}
	if c.Optimize.MaxConcurrent < 1 {
		return fmt.Errorf("optimize.max_concurrent 必须 >= 1")
	}
	for key, values := range c.Optimize.Grid {
		if len(values) == 0 {
			return fmt.Errorf("optimize.grid.%s 至少需要一个取值", key)
		}
	}
	return nil
}

func (d *DataConfig) validate() error {
	if !supportedSources[d.Source] {
		return fmt.Errorf("data.source 不支持: %s", d.Source)
	}
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("data.root 不能为空")
	}
	if d.Source == "synthetic" && d.Synthetic.InitialPrice <= 0 {
		return fmt.Errorf("data.synthetic.initial_price 必须 > 0")
	}
	if _, err := ParseDate(d.Synthetic.Anchor); err != nil {
		return fmt.Errorf("data.synthetic.anchor 非法: %w", err)
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if !supportedDrivers[s.Driver] {
		return fmt.Errorf("storage.driver 仅支持 sqlite/postgres: %s", s.Driver)
	}
	if s.Driver == "postgres" && strings.TrimSpace(s.PostgresDSN) == "" {
		return fmt.Errorf("storage.driver=postgres 需要配置 storage.postgres_dsn")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if strings.TrimSpace(b.Symbol) == "" {
		return fmt.Errorf("backtest.symbol 不能为空")
	}
	if strings.TrimSpace(b.Timeframe) == "" {
		return fmt.Errorf("backtest.timeframe 不能为空")
	}
	if b.InitialBalance <= 0 {
		return fmt.Errorf("backtest.initial_balance 必须 > 0")
	}
	if b.FeeRate < 0 || b.FeeRate >= 0.1 {
		return fmt.Errorf("backtest.fee_rate 需在 [0, 0.1) 之间")
	}
	if b.SlippageBps < 0 {
		return fmt.Errorf("backtest.slippage_bps 必须 >= 0")
	}
	if b.PositionPct <= 0 || b.PositionPct > 1 {
		return fmt.Errorf("backtest.position_pct 需在 (0, 1] 之间")
	}
	if b.WarmupBars < 0 {
		return fmt.Errorf("backtest.warmup_bars 必须 >= 0")
	}
	start, end, err := b.Range()
	if err != nil {
		return err
	}
	if !end.After(start) {
		return fmt.Errorf("backtest.end 必须晚于 backtest.start")
	}
	return nil
}

// Range 解析回测起止时间（UTC）。
func (b BacktestConfig) Range() (time.Time, time.Time, error) {
	start, err := ParseDate(b.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start 非法: %w", err)
	}
	end, err := ParseDate(b.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end 非法: %w", err)
	}
	return start, end, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

// ParseDate 支持 YYYY-MM-DD、带时分秒以及 RFC3339。
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("日期不能为空")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析日期 %q", raw)
}

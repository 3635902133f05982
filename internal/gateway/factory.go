package gateway

import (
	"fmt"
	"strings"
	"time"

	"autoquant/internal/backtest"
	"autoquant/internal/config"
	"autoquant/internal/gateway/binance"
	"autoquant/internal/gateway/synthetic"
	"autoquant/internal/gateway/yahoo"
)

// NewSourcesFromConfig 构建全部数据源，按 Name() 建索引；data.source 只决定默认值。
func NewSourcesFromConfig(cfg config.DataConfig) (map[string]backtest.CandleSource, error) {
	out := make(map[string]backtest.CandleSource, 3)

	anchor, err := config.ParseDate(cfg.Synthetic.Anchor)
	if err != nil {
		return nil, fmt.Errorf("data.synthetic.anchor 非法: %w", err)
	}
	syn, err := synthetic.New(synthetic.Config{
		Profile:      cfg.Synthetic.Profile,
		Seed:         cfg.Synthetic.Seed,
		InitialPrice: cfg.Synthetic.InitialPrice,
		Drift:        cfg.Synthetic.Drift,
		Volatility:   cfg.Synthetic.Volatility,
		Anchor:       anchor,
	})
	if err != nil {
		return nil, fmt.Errorf("init synthetic source: %w", err)
	}
	out[syn.Name()] = syn

	yh := yahoo.New(yahoo.Config{
		BaseURL:     cfg.Yahoo.BaseURL,
		HTTPTimeout: seconds(cfg.Yahoo.TimeoutSeconds),
		UserAgent:   cfg.Yahoo.UserAgent,
	})
	out[yh.Name()] = yh

	bn, err := binance.New(binance.Config{
		RESTBaseURL: cfg.Binance.RESTBaseURL,
		HTTPTimeout: seconds(cfg.Binance.TimeoutSeconds),
		ProxyURL:    cfg.Binance.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init binance source: %w", err)
	}
	out[bn.Name()] = bn

	if _, ok := out[strings.ToLower(cfg.Source)]; !ok {
		return nil, fmt.Errorf("%w: %s", backtest.ErrUnknownSource, cfg.Source)
	}
	return out, nil
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

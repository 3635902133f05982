package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autoquant/internal/backtest"
	"autoquant/internal/market"
	symbolpkg "autoquant/internal/pkg/symbol"

	gobinance "github.com/adshao/go-binance/v2"
)

const maxKlineLimit = 1000

// Source 基于 go-binance SDK 拉取现货 K 线，实现 backtest.CandleSource。
type Source struct {
	cfg    Config
	client *gobinance.Client
	now    func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := gobinance.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

func (s *Source) Name() string { return "binance" }

// Fetch 拉取 [Start, End] 区间的 K 线，单次最多 1000 根；未收盘的 K 线会被丢弃。
func (s *Source) Fetch(ctx context.Context, req backtest.FetchRequest) ([]market.Candle, error) {
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	svc := s.client.NewKlinesService().
		Symbol(symbolpkg.Binance.ToExchange(symbol)).
		Interval(interval).
		Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}
	nowMs := s.now().UnixMilli()
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		if kl.CloseTime >= nowMs {
			continue
		}
		out = append(out, market.Candle{
			Symbol:    symbol,
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

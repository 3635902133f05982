package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autoquant/internal/backtest"
	"autoquant/internal/market"
	symbolpkg "autoquant/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; autoquant/1.0)"

// Yahoo chart API 支持的周期，4h 等不在其中。
var intervalParams = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"1d":  "1d",
	"1w":  "1wk",
}

type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
	UserAgent   string
}

// Source 通过 /v8/finance/chart 拉取股票与加密货币日线。
type Source struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func New(cfg Config) *Source {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://query1.finance.yahoo.com"
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Source{
		baseURL:   base,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
	}
}

func (s *Source) Name() string { return "yahoo" }

func (s *Source) Fetch(ctx context.Context, req backtest.FetchRequest) ([]market.Candle, error) {
	if strings.TrimSpace(req.Symbol) == "" || req.Interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	tf, err := backtest.ParseTimeframe(req.Interval)
	if err != nil {
		return nil, err
	}
	param, ok := intervalParams[tf.Key]
	if !ok {
		return nil, fmt.Errorf("yahoo 不支持周期 %s", req.Interval)
	}
	ticker := symbolpkg.Yahoo.ToExchange(req.Symbol)
	u, err := url.Parse(s.baseURL + "/v8/finance/chart/" + url.PathEscape(ticker))
	if err != nil {
		return nil, err
	}
	end := req.End
	if end <= 0 {
		end = time.Now().UnixMilli()
	}
	q := u.Query()
	q.Set("period1", strconv.FormatInt(req.Start/1000, 10))
	q.Set("period2", strconv.FormatInt(end/1000+1, 10))
	q.Set("interval", param)
	q.Set("events", "history")
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", s.userAgent)
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		if desc := gjson.GetBytes(body, "chart.error.description").String(); desc != "" {
			return nil, fmt.Errorf("yahoo 返回状态码 %d: %s", resp.StatusCode, desc)
		}
		return nil, fmt.Errorf("yahoo 返回状态码 %d", resp.StatusCode)
	}
	return parseChart(body, req.Symbol, tf, req.Start, end, req.Limit)
}

// parseChart 解析 chart 响应，跳过 OHLC 为 null 的行，并把时间对齐到周期网格。
func parseChart(body []byte, symbol string, tf backtest.Timeframe, start, end int64, limit int) ([]market.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("yahoo 返回非法 JSON")
	}
	root := gjson.ParseBytes(body)
	if errNode := root.Get("chart.error"); errNode.Exists() && errNode.Type != gjson.Null {
		return nil, fmt.Errorf("yahoo chart error: %s %s", errNode.Get("code").String(), errNode.Get("description").String())
	}
	result := root.Get("chart.result.0")
	if !result.Exists() {
		return nil, fmt.Errorf("yahoo 响应缺少 chart.result")
	}
	stamps := result.Get("timestamp").Array()
	quote := result.Get("indicators.quote.0")
	opens := quote.Get("open").Array()
	highs := quote.Get("high").Array()
	lows := quote.Get("low").Array()
	closes := quote.Get("close").Array()
	volumes := quote.Get("volume").Array()

	stepMs := tf.Duration.Milliseconds()
	out := make([]market.Candle, 0, len(stamps))
	for i, ts := range stamps {
		if i >= len(opens) || i >= len(highs) || i >= len(lows) || i >= len(closes) {
			break
		}
		if isNull(opens[i]) || isNull(highs[i]) || isNull(lows[i]) || isNull(closes[i]) {
			continue
		}
		openTime := tf.Align(ts.Int() * 1000)
		if openTime < tf.Align(start) || openTime > end {
			continue
		}
		c := market.Candle{
			Symbol:    symbol,
			OpenTime:  openTime,
			CloseTime: openTime + stepMs - 1,
			Open:      opens[i].Float(),
			High:      highs[i].Float(),
			Low:       lows[i].Float(),
			Close:     closes[i].Float(),
		}
		if i < len(volumes) {
			c.Volume = volumes[i].Float()
		}
		// 对齐后同一网格可能出现两条（例如盘中实时行），保留后者
		if n := len(out); n > 0 && out[n-1].OpenTime == openTime {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isNull(v gjson.Result) bool {
	return !v.Exists() || v.Type == gjson.Null
}

package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autoquant/internal/logger"
	"autoquant/internal/market"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	FormatHTML = "html"
	FormatPNG  = "png"
)

// Series 是与 K 线一一对齐的一条指标线，NaN 表示该位置无值。
type Series struct {
	Name   string
	Values []float64
}

// Marker 标记一笔成交，Index 为其所在 K 线的下标。
type Marker struct {
	Index int
	Price float64
	Buy   bool
	Label string
}

// BacktestChartInput 汇总绘制回测图所需的数据。
type BacktestChartInput struct {
	Title     string
	Symbol    string
	Timeframe string
	Candles   []market.Candle
	Overlays  []Series
	Markers   []Marker
	// Equity 与 Drawdown 与 Candles 等长，Drawdown 为 0~1 的比例。
	Equity   []float64
	Drawdown []float64
}

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#fb7185"

	chartWidthPx    = 1600
	klineHeightPx   = 600
	equityHeightPx  = 300
	drawdownHeight  = 240
	markerSymbolPx  = 14
	pngMinHeightPx  = 520
	renderTimeout   = 20 * time.Second
	renderSettleDur = 1500 * time.Millisecond
)

var overlayPalette = []string{"#fbbf24", "#22d3ee", "#f472b6", "#a78bfa", "#facc15"}

// RenderBacktest 生成包含价格、指标叠加、买卖点、资金曲线与回撤的 HTML 页面。
func RenderBacktest(input BacktestChartInput) ([]byte, error) {
	if len(input.Candles) == 0 {
		return nil, fmt.Errorf("没有 K 线可绘制")
	}
	if input.Title == "" {
		input.Title = fmt.Sprintf("%s %s", strings.ToUpper(input.Symbol), input.Timeframe)
	}
	xAxis := buildXAxis(input.Candles)

	page := components.NewPage()
	page.PageTitle = input.Title
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(
		buildPriceChart(input, xAxis),
		buildEquityChart(xAxis, input.Equity),
		buildDrawdownChart(xAxis, input.Drawdown),
	)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteBacktestChart 将图表写入 dir/<name>.html；format=png 时额外栅格化为 PNG，
// 栅格化失败仅记录警告并返回 HTML 路径。
func WriteBacktestChart(ctx context.Context, dir, name, format string, input BacktestChartInput) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("chart name 不能为空")
	}
	html, err := RenderBacktest(input)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	htmlPath := filepath.Join(dir, name+".html")
	if err := os.WriteFile(htmlPath, html, 0o644); err != nil {
		return "", err
	}
	if !strings.EqualFold(format, FormatPNG) {
		return htmlPath, nil
	}
	log := logger.Named("chart")
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		log.Warnf("headless chrome 不可用，保留 HTML: %v", err)
		return htmlPath, nil
	}
	height := max(klineHeightPx+equityHeightPx+drawdownHeight+120, pngMinHeightPx)
	png, err := renderHTMLToPNG(ctx, html, chartWidthPx, height)
	if err != nil {
		log.Warnf("PNG 渲染失败，保留 HTML: %v", err)
		return htmlPath, nil
	}
	pngPath := filepath.Join(dir, name+".png")
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		return "", err
	}
	return pngPath, nil
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func buildPriceChart(input BacktestChartInput, xAxis []string) *charts.Kline {
	minPrice, maxPrice := priceBounds(input.Candles)
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxPrice)*0.01)
	}
	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(klineHeightPx)),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:      input.Title,
			Left:       "left",
			Top:        "10",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, 4),
			Max:       round(maxPrice+padding, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", buildKlineSeries(input.Candles))
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)

	if len(input.Overlays) > 0 {
		line := charts.NewLine()
		line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		line.SetXAxis(xAxis)
		for i, ov := range input.Overlays {
			color := overlayPalette[i%len(overlayPalette)]
			line.AddSeries(ov.Name, toLineData(ov.Values, len(input.Candles)),
				charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: 2}))
		}
		kline.Overlap(line)
	}

	buys, sells := buildMarkers(input.Markers, len(input.Candles))
	kline.Overlap(markerScatter(xAxis, "Buy", buys, colorBull), markerScatter(xAxis, "Sell", sells, colorBear))
	return kline
}

func markerScatter(xAxis []string, name string, data []opts.ScatterData, color string) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetXAxis(xAxis)
	scatter.AddSeries(name, data)
	scatter.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{Color: color, BorderColor: color}),
	)
	return scatter
}

// buildMarkers 买入用向上三角，卖出用向下三角。
func buildMarkers(markers []Marker, length int) (buys, sells []opts.ScatterData) {
	buys = make([]opts.ScatterData, length)
	sells = make([]opts.ScatterData, length)
	for i := 0; i < length; i++ {
		buys[i] = opts.ScatterData{Value: nil, SymbolSize: 0}
		sells[i] = opts.ScatterData{Value: nil, SymbolSize: 0}
	}
	for _, m := range markers {
		if m.Index < 0 || m.Index >= length || m.Price <= 0 {
			continue
		}
		point := opts.ScatterData{
			Name:       m.Label,
			Value:      round(m.Price, 4),
			Symbol:     "triangle",
			SymbolSize: markerSymbolPx,
		}
		if m.Buy {
			buys[m.Index] = point
			continue
		}
		point.SymbolRotate = 180
		sells[m.Index] = point
	}
	return buys, sells
}

func buildEquityChart(xAxis []string, equity []float64) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "Equity", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", toLineData(equity, len(xAxis)),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func buildDrawdownChart(xAxis []string, drawdown []float64) *charts.Line {
	pct := make([]float64, len(drawdown))
	for i, v := range drawdown {
		pct[i] = -v * 100
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(drawdownHeight)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("Drawdown", toLineData(pct, len(xAxis)),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 1}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Color: colorDrawdown, Opacity: opts.Float(0.3)}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func buildXAxis(candles []market.Candle) []string {
	x := make([]string, len(candles))
	for i, c := range candles {
		x[i] = time.UnixMilli(c.OpenTime).UTC().Format("2006-01-02 15:04")
	}
	return x
}

func buildKlineSeries(candles []market.Candle) []opts.KlineData {
	data := make([]opts.KlineData, 0, len(candles))
	for _, c := range candles {
		data = append(data, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}
	return data
}

// toLineData 右对齐 series，不足部分与 NaN 均留空。
func toLineData(series []float64, length int) []opts.LineData {
	line := make([]opts.LineData, length)
	offset := max(length-len(series), 0)
	for i := 0; i < offset; i++ {
		line[i] = opts.LineData{Value: nil}
	}
	start := max(len(series)-length, 0)
	for i := start; i < len(series); i++ {
		val := series[i]
		idx := offset + i - start
		if math.IsNaN(val) || math.IsInf(val, 0) {
			line[idx] = opts.LineData{Value: nil}
		} else {
			line[idx] = opts.LineData{Value: round(val, 4)}
		}
	}
	return line
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func priceBounds(candles []market.Candle) (minVal, maxVal float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	minVal = candles[0].Low
	maxVal = candles[0].High
	for _, c := range candles {
		minVal = min(minVal, c.Low)
		maxVal = max(maxVal, c.High)
	}
	return minVal, maxVal
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测本机是否能启动 headless Chrome，结果只计算一次。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		parent, cancel := chromedp.NewContext(ctx)
		defer cancel()
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, renderTimeout)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(renderSettleDur),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}

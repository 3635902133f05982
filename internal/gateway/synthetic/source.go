package synthetic

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"autoquant/internal/backtest"
	"autoquant/internal/market"
)

const (
	ProfileRealistic = "realistic"
	ProfileDummy     = "dummy"

	defaultLimit = 1000

	// 每隔 markEvery 根缓存一次游走水平，补任意缺口时从最近的检查点续算。
	markEvery = 1024
)

// DefaultAnchor 为游走起点：该时刻所在 K 线的开盘价等于 InitialPrice。
var DefaultAnchor = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

const dayMillis = float64(24 * time.Hour / time.Millisecond)

type Config struct {
	Profile      string
	Seed         int64
	InitialPrice float64
	// Drift/Volatility 按日给出，其他周期按时长缩放。
	Drift      float64
	Volatility float64
	Anchor     time.Time
}

func (c Config) withDefaults() Config {
	out := c
	out.Profile = strings.ToLower(strings.TrimSpace(out.Profile))
	if out.Profile == "" {
		out.Profile = ProfileRealistic
	}
	if out.InitialPrice <= 0 {
		if out.Profile == ProfileDummy {
			out.InitialPrice = 10000
		} else {
			out.InitialPrice = 16500
		}
	}
	if out.Volatility <= 0 {
		out.Volatility = 0.02
		if out.Profile == ProfileDummy {
			out.Volatility = 0.05
		}
	}
	if out.Anchor.IsZero() {
		out.Anchor = DefaultAnchor
	}
	return out
}

// Source 生成可复现的随机游走 K 线，用于离线回测。
// 第 i 根（相对 anchor）的随机量只取决于 (seed, symbol, interval, i)，
// 价格水平由 anchor 处的 InitialPrice 向前或向后累乘得到，
// 因此任意区间、任意拉取顺序得到的同一根 K 线完全一致。
type Source struct {
	cfg Config

	mu    sync.Mutex
	paths map[string]*path
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	if final.Profile != ProfileRealistic && final.Profile != ProfileDummy {
		return nil, fmt.Errorf("未知 synthetic profile: %s", cfg.Profile)
	}
	if final.Volatility >= 0.5 || math.Abs(final.Drift) >= 0.1 {
		return nil, fmt.Errorf("synthetic drift/volatility 过大: drift=%v volatility=%v", final.Drift, final.Volatility)
	}
	return &Source{cfg: final, paths: make(map[string]*path)}, nil
}

func (s *Source) Name() string { return "synthetic" }

func (s *Source) Fetch(ctx context.Context, req backtest.FetchRequest) ([]market.Candle, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	tf, err := backtest.ParseTimeframe(req.Interval)
	if err != nil {
		return nil, err
	}
	step := tf.Duration.Milliseconds()
	end := req.End
	if end <= 0 {
		end = time.Now().UnixMilli()
	}
	start, end := tf.AlignRange(req.Start, end)
	limit := req.Limit
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pathFor(req.Symbol, tf)
	anchor := tf.Align(s.cfg.Anchor.UnixMilli())
	first := floorDiv(start-anchor, step)
	level := p.levelAt(first)

	out := make([]market.Candle, 0, min(limit, int(tf.ExpectedCandles(start, end))))
	for i, ts := first, anchor+first*step; ts <= end && len(out) < limit; i, ts = i+1, ts+step {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := level * (1 + p.step(i+1))
		var c market.Candle
		if s.cfg.Profile == ProfileDummy {
			c = p.dummyBar(i, level, next)
		} else {
			c = p.realisticBar(i, level)
		}
		c.Symbol = req.Symbol
		c.OpenTime = ts
		c.CloseTime = ts + step - 1
		out = append(out, c)
		level = next
	}
	return out, nil
}

func (s *Source) pathFor(symbol string, tf backtest.Timeframe) *path {
	key := strings.ToUpper(strings.TrimSpace(symbol)) + "@" + tf.Key
	if p, ok := s.paths[key]; ok {
		return p
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s", strings.ToUpper(strings.TrimSpace(symbol)), tf.Key)
	scale := float64(tf.Duration.Milliseconds()) / dayMillis
	p := &path{
		base:    h.Sum64() ^ uint64(s.cfg.Seed),
		profile: s.cfg.Profile,
		drift:   s.cfg.Drift * scale,
		vol:     s.cfg.Volatility * math.Sqrt(scale),
		marks:   map[int64]float64{0: s.cfg.InitialPrice},
	}
	s.paths[key] = p
	return p
}

// path 是一条 symbol@interval 的游走。level(i) = level(i-1) * (1 + step(i))，level(0) = InitialPrice。
type path struct {
	base    uint64
	profile string
	drift   float64
	vol     float64
	marks   map[int64]float64
}

// step 为第 i 根相对上一根的涨跌幅。realistic：U(-vol,vol)*U(0.5,1.5)+drift；dummy：U(-vol,vol)。
func (p *path) step(i int64) float64 {
	change := p.uniform(i, 0)*2*p.vol - p.vol
	if p.profile == ProfileDummy {
		return change
	}
	return change*(0.5+p.uniform(i, 1)) + p.drift
}

func (p *path) levelAt(i int64) float64 {
	m := floorDiv(i, markEvery) * markEvery
	level := p.mark(m)
	for j := m + 1; j <= i; j++ {
		level *= 1 + p.step(j)
	}
	return level
}

// mark 返回检查点 m 的水平，必要时从离 0 更近的已知检查点逐段推算并缓存。
func (p *path) mark(m int64) float64 {
	if level, ok := p.marks[m]; ok {
		return level
	}
	dir := int64(markEvery)
	if m < 0 {
		dir = -dir
	}
	k := m - dir
	for {
		if _, ok := p.marks[k]; ok {
			break
		}
		k -= dir
	}
	level := p.marks[k]
	for k != m {
		next := k + dir
		if dir > 0 {
			for j := k + 1; j <= next; j++ {
				level *= 1 + p.step(j)
			}
		} else {
			for j := k; j > next; j-- {
				level /= 1 + p.step(j)
			}
		}
		k = next
		p.marks[k] = level
	}
	return level
}

// realisticBar：开盘价为游走水平，日内高低 ±1%，收盘在开盘 ±0.5%。
func (p *path) realisticBar(i int64, level float64) market.Candle {
	high := level * (1 + p.uniform(i, 2)*0.01)
	low := level * (1 - p.uniform(i, 3)*0.01)
	closePrice := level * (1 + p.uniform(i, 4)*0.01 - 0.005)
	volume := 1e9 + p.uniform(i, 5)*4e9
	return shapeBar(level, high, low, closePrice, volume)
}

// dummyBar：开盘为本根水平、收盘为下一根水平，高低在实体外再扩 3%。
func (p *path) dummyBar(i int64, level, next float64) market.Candle {
	top, bottom := math.Max(level, next), math.Min(level, next)
	high := top * (1 + p.uniform(i, 2)*0.03)
	low := bottom * (1 - p.uniform(i, 3)*0.03)
	volume := 10000 + p.uniform(i, 4)*990000
	return shapeBar(level, high, low, next, volume)
}

// uniform 返回 [0,1) 的确定性随机数（splitmix64）。
func (p *path) uniform(i int64, k uint64) float64 {
	z := p.base ^ uint64(i)*0x9e3779b97f4a7c15 ^ (k+1)*0xd1b54a32d192ed03
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return float64(z>>11) / (1 << 53)
}

// shapeBar 取两位小数，并保证 high/low 包住 open/close。
func shapeBar(open, high, low, closePrice, volume float64) market.Candle {
	o, h, l, c := round2(open), round2(high), round2(low), round2(closePrice)
	h = math.Max(h, math.Max(o, c))
	l = math.Min(l, math.Min(o, c))
	if l <= 0 {
		l = 0.01
	}
	return market.Candle{Open: o, High: h, Low: l, Close: c, Volume: round2(volume)}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

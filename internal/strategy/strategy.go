package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"autoquant/internal/market"

	"github.com/mitchellh/mapstructure"
)

// ErrUnknownStrategy 表示未注册的策略名。
var ErrUnknownStrategy = errors.New("未知策略")

// PositionView 是引擎维护的持仓只读视图，策略据此判断止损与离场。
type PositionView struct {
	Side         market.Direction
	EntryPrice   float64
	Quantity     float64
	HighestClose float64
	LowestClose  float64
	EntryTime    int64
}

// Bar 是喂给策略的一根已收盘 K 线，Position 为空表示空仓。
type Bar struct {
	market.Candle
	Position *PositionView
}

// Strategy 逐根 K 线产生信号，内部自行维护价格历史。
type Strategy interface {
	Name() string
	// Warmup 返回产生第一个信号前至少需要的 K 线数量。
	Warmup() int
	OnBar(bar Bar) (*market.Signal, error)
}

// Overlay 是叠加在价格图上的指标线，与输入 K 线一一对齐。
type Overlay struct {
	Name   string
	Values []float64
}

// Overlayer 由可以输出图表叠加线的策略实现。
type Overlayer interface {
	Overlays(candles market.Candles) []Overlay
}

// Described 返回策略当前生效的参数，用于日志与结果记录。
type Described interface {
	Params() map[string]any
}

type builder struct {
	defaults func() map[string]any
	build    func(params map[string]any) (Strategy, error)
}

var registry = map[string]builder{
	MACrossName: {
		defaults: func() map[string]any { return structToMap(DefaultMACrossParams()) },
		build: func(params map[string]any) (Strategy, error) {
			p := DefaultMACrossParams()
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return NewMACross(p)
		},
	},
	BreakoutName: {
		defaults: func() map[string]any { return structToMap(DefaultBreakoutParams()) },
		build: func(params map[string]any) (Strategy, error) {
			p := DefaultBreakoutParams()
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return NewBreakout(p)
		},
	},
}

// New 根据名称与参数创建策略；未给出的参数取默认值，未知参数报错。
func New(name string, params map[string]any) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	b, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	st, err := b.build(params)
	if err != nil {
		return nil, fmt.Errorf("%s 参数无效: %w", key, err)
	}
	return st, nil
}

// Names 返回已注册的策略名（排序后）。
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Defaults 返回策略的默认参数。
func Defaults(name string) (map[string]any, error) {
	b, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return b.defaults(), nil
}

func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

func structToMap(v any) map[string]any {
	out := map[string]any{}
	_ = mapstructure.Decode(v, &out)
	return out
}

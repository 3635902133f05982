package preset

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"autoquant/internal/strategy"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func integer(lo int) map[string]any {
	return map[string]any{"type": "integer", "minimum": lo}
}

func ratio() map[string]any {
	return map[string]any{"type": "number", "minimum": 0, "exclusiveMaximum": 1}
}

func number(lo, hi float64) map[string]any {
	return map[string]any{"type": "number", "minimum": lo, "maximum": hi}
}

// schemas 描述各策略允许的参数键与取值范围，跨字段约束（如 short < long）由策略构造函数校验。
var schemas = map[string]map[string]any{
	strategy.MACrossName: {
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"short_period":      integer(1),
			"long_period":       integer(2),
			"ma_type":           map[string]any{"enum": []any{"ema", "sma", "EMA", "SMA"}},
			"stop_loss_pct":     ratio(),
			"trailing_stop_pct": ratio(),
			"rsi_period":        integer(2),
			"rsi_upper":         number(0, 100),
			"rsi_lower":         number(0, 100),
			"rsi_exit_high":     number(0, 100),
			"rsi_exit_low":      number(0, 100),
			"allow_short":       map[string]any{"type": "boolean"},
			"exit_on_cross":     map[string]any{"type": "boolean"},
		},
	},
	strategy.BreakoutName: {
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"entry_lookback": integer(2),
			"exit_lookback":  integer(1),
			"atr_period":     integer(1),
			"atr_stop_mult":  map[string]any{"type": "number", "minimum": 0},
			"allow_short":    map[string]any{"type": "boolean"},
		},
	},
}

// Schema 返回策略参数的 JSON Schema 原文，供 HTTP 展示。
func Schema(name string) (map[string]any, bool) {
	s, ok := schemas[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

func compileSchema(name string, data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func compileAll() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(schemas))
	for name, data := range schemas {
		compiled, err := compileSchema(name, data)
		if err != nil {
			return nil, fmt.Errorf("编译 %s 参数 schema 失败: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}

// normalizeParams 把 YAML/HTTP 解析出的值转换为 JSON 语义（数字统一为 float64），
// 字符串形式的数字同时转为数字。
func normalizeParams(params map[string]any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return coerceNumbers(out), nil
}

func coerceNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = coerceNumbers(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = coerceNumbers(child)
		}
		return val
	case string:
		s := strings.TrimSpace(val)
		if num, err := strconv.ParseFloat(s, 64); err == nil && s != "" {
			return num
		}
		return val
	default:
		return val
	}
}

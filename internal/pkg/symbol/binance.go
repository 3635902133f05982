package symbol

import "strings"

type BinanceConverter struct{}

// ToExchange 输出 BTCUSDT 形式；Binance 现货没有 USD 报价，统一映射到 USDT。
func (BinanceConverter) ToExchange(internal string) string {
	sym := Parse(internal)
	if sym.Base == "" || sym.Quote == "" {
		s := strings.ToUpper(strings.TrimSpace(internal))
		return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	}
	if sym.Quote == "USD" {
		sym.Quote = "USDT"
	}
	return sym.Binance()
}

func (BinanceConverter) FromExchange(raw string) string {
	return Parse(raw).Internal()
}

func (BinanceConverter) Format() Format {
	return FormatBinance
}

var Binance = BinanceConverter{}

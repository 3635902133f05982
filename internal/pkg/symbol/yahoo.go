package symbol

import "strings"

type YahooConverter struct{}

// ToExchange 输出 Yahoo 写法：加密货币为 BTC-USD，股票代码原样返回。
func (YahooConverter) ToExchange(internal string) string {
	s := strings.ToUpper(strings.TrimSpace(internal))
	sym := Parse(s)
	if sym.Base == "" || sym.Quote == "" {
		return s
	}
	switch sym.Quote {
	case "USDT", "USDC", "BUSD", "TUSD":
		sym.Quote = "USD"
	}
	return sym.Base + "-" + sym.Quote
}

func (YahooConverter) FromExchange(raw string) string {
	if n := Normalize(raw); n != "" {
		return n
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func (YahooConverter) Format() Format {
	return FormatYahoo
}

var Yahoo = YahooConverter{}

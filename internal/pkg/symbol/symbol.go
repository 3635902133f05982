package symbol

import (
	"strings"
)

type Format string

const (
	FormatInternal Format = "internal"
	FormatBinance  Format = "binance"
	FormatYahoo    Format = "yahoo"
)

// Converter 负责内部 symbol 与各数据源写法之间的互转。
type Converter interface {
	ToExchange(internal string) string

	FromExchange(raw string) string

	Format() Format
}

type Symbol struct {
	Base  string
	Quote string
}

// Internal 返回 BASE/QUOTE 形式；无法识别报价币时返回空串。
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// Parse 识别 BTC/USDT、BTC-USD、BTC_USDT、BTCUSDT 等写法。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{
				Base:  strings.TrimSpace(parts[0]),
				Quote: strings.TrimSpace(parts[1]),
			}
		}
	}

	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}

	return Symbol{}
}

func Normalize(s string) string {
	return Parse(s).Internal()
}

// FileKey 返回可用于目录名/表键的写法（BTC-USD、AAPL）。
func FileKey(s string) string {
	sym := Parse(s)
	if sym.Base == "" || sym.Quote == "" {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	return sym.Base + "-" + sym.Quote
}

package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Symbol
	}{
		{"BTC/USDT", Symbol{"BTC", "USDT"}},
		{"btc-usd", Symbol{"BTC", "USD"}},
		{"ETH_USDT", Symbol{"ETH", "USDT"}},
		{"BNBUSDT", Symbol{"BNB", "USDT"}},
		{"AAPL", Symbol{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Parse(tc.in), tc.in)
	}
}

func TestConverters(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Binance.ToExchange("BTC-USD"))
	assert.Equal(t, "ETHUSDT", Binance.ToExchange("eth/usdt"))
	assert.Equal(t, "BTC-USD", Yahoo.ToExchange("BTC/USDT"))
	assert.Equal(t, "AAPL", Yahoo.ToExchange("aapl"))
	assert.Equal(t, "BTC/USDT", Binance.FromExchange("BTCUSDT"))
}

func TestFileKey(t *testing.T) {
	assert.Equal(t, "BTC-USD", FileKey("btc/usd"))
	assert.Equal(t, "AAPL", FileKey("aapl"))
}

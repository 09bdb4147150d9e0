package binance

import "strings"

// NormalizeSymbol converts common pair spellings to Binance style: upper
// case, no separators, BTC instead of XBT. "btc-usdt", "BTC/USDT" and
// "XBT_USDT" all become "BTCUSDT".
func NormalizeSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

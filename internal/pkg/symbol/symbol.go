package symbol

import "strings"

// Symbol is the internal representation of a trading pair ("BTC/USDT").
type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Binance renders the pair without a separator ("BTCUSDT").
func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

// Parse accepts "BTC/USDT", "BTCUSDT" or "BTC/USDT:USDT" and normalizes it.
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}

	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize returns the canonical internal form, or "" when unparseable.
func Normalize(s string) string {
	return Parse(s).Internal()
}

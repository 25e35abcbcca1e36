package types

import "time"

// Position is an open exposure held by one bot. Created on fill, converted
// into a Trade on full exit.
type Position struct {
	BotID         string    `json:"bot_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" or "short"
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Notional is the current market value of the position.
func (p *Position) Notional() float64 {
	return p.Size * p.CurrentPrice
}

// MarkToMarket refreshes the position against the latest price.
func (p *Position) MarkToMarket(price float64) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	if p.Side == SideShort {
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Size
	} else {
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Size
	}
}

const (
	SideLong  = "long"
	SideShort = "short"
)

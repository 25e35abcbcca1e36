package types

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is ephemeral: it exists from submission until a terminal state and
// is then folded into Position/Trade records.
type Order struct {
	ID            string      `json:"id"`
	BotID         string      `json:"bot_id"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"` // "buy" or "sell"
	RequestedSize float64     `json:"requested_size"`
	Status        OrderStatus `json:"status"`
	FilledSize    float64     `json:"filled_size"`
	FillPrice     float64     `json:"fill_price"`
	Fee           float64     `json:"fee"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Active reports whether the order still awaits a terminal state.
func (o Order) Active() bool {
	return o.Status == OrderPending || o.Status == OrderPartial
}

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is the immutable record of a closed position.
type Trade struct {
	ID          string    `json:"id"`
	BotID       string    `json:"bot_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fee         float64   `json:"fee"`
	Strategy    string    `json:"strategy"`
	ExitReason  string    `json:"exit_reason"`
}

// PerformanceSnapshot is one point of a bot's equity curve, produced once
// per checkpoint interval.
type PerformanceSnapshot struct {
	BotID      string    `json:"bot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Equity     float64   `json:"equity"`
	Drawdown   float64   `json:"drawdown"`
	WinRate    float64   `json:"win_rate"`
	TradeCount int       `json:"trade_count"`
}

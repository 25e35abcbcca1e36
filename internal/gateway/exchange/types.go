package exchange

import (
	"time"

	"punch/internal/types"
)

// DefaultCallTimeout bounds every gateway call. A timeout is treated the
// same as a rejection so the bot loop can never block indefinitely.
const DefaultCallTimeout = 10 * time.Second

// OrderRequest describes one order to route to the venue.
type OrderRequest struct {
	OrderID string  // caller-assigned id, echoed back in the result
	BotID   string
	Symbol  string  // internal form, e.g. "BTC/USDT"
	Side    string  // types.SideBuy or types.SideSell
	Size    float64 // base-asset quantity
	Price   float64 // advisory entry price from the signal; venues fill at market
}

// OrderResult is the terminal outcome of a submission.
type OrderResult struct {
	OrderID    string
	Status     types.OrderStatus
	FillPrice  float64
	FilledSize float64
	Fee        float64
	Reason     string // populated for rejected results
}

// Rejected builds a rejection result carrying the failure reason.
func Rejected(orderID, reason string) OrderResult {
	return OrderResult{OrderID: orderID, Status: types.OrderRejected, Reason: reason}
}

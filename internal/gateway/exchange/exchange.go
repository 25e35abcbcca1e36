// Package exchange defines a common abstraction for order execution.
// The core routes every order through this contract so paper and live
// venues stay interchangeable at bot-creation time.
package exchange

import (
	"context"

	"punch/internal/types"
)

type Gateway interface {
	Name() string

	// Warmup loads venue metadata before the first order. Paper venues
	// skip it entirely; a live warmup failure fails bot start.
	Warmup(ctx context.Context, symbols []string) error

	// Submit executes an order request. Venue-side failures (rejection,
	// timeout, retry exhaustion) come back inside the OrderResult; the
	// error return is reserved for malformed requests.
	Submit(ctx context.Context, req OrderRequest) (OrderResult, error)

	Cancel(ctx context.Context, symbol, orderID string) error

	// GetPosition returns the venue-side position for symbol, or nil when
	// the venue holds none.
	GetPosition(ctx context.Context, symbol string) (*types.Position, error)
}

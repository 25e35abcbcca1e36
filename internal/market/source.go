// Package market defines the contract with the market-data collaborator.
// Ingestion, normalization and multi-source fallback live outside the core;
// the core only consumes the latest price per symbol.
package market

import (
	"context"
	"time"
)

// PriceQuote is the latest known price for a symbol.
type PriceQuote struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// Source supplies latest prices for paper fills and mark-to-market.
type Source interface {
	LatestPrice(ctx context.Context, symbol string) (PriceQuote, error)
}

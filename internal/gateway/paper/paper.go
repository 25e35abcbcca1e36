// Package paper implements the exchange gateway against the latest known
// market price instead of a real venue. Fills are synthetic: a configured
// slippage percentage is applied against the trade and a fee is charged on
// the filled notional. Orders either fill in full or reject; partial fills
// are not modeled here.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"punch/internal/gateway/exchange"
	"punch/internal/market"
	"punch/internal/pkg/symbol"
	"punch/internal/types"
)

type Config struct {
	SlippageRate float64 // e.g. 0.0005 = 5 bps against the trade
	FeeRate      float64 // e.g. 0.001 = 10 bps of filled notional
	CallTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SlippageRate < 0 {
		c.SlippageRate = 0
	}
	if c.FeeRate < 0 {
		c.FeeRate = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = exchange.DefaultCallTimeout
	}
	return c
}

// Gateway simulates execution for one bot. Each paper bot owns its own
// instance, so the position book here is per bot by construction.
type Gateway struct {
	cfg    Config
	source market.Source

	mu        sync.Mutex
	positions map[string]*book // keyed by internal symbol
}

// book is the venue-side net position for one symbol.
type book struct {
	size     decimal.Decimal // positive long, negative short
	avgEntry decimal.Decimal
	openedAt time.Time
}

func New(source market.Source, cfg Config) (*Gateway, error) {
	if source == nil {
		return nil, fmt.Errorf("paper gateway requires a market source")
	}
	return &Gateway{
		cfg:       cfg.withDefaults(),
		source:    source,
		positions: make(map[string]*book),
	}, nil
}

func (g *Gateway) Name() string { return "paper" }

// Warmup is a no-op: paper trading needs no venue metadata, and skipping
// the preload removes a common source of spurious startup failures.
func (g *Gateway) Warmup(ctx context.Context, symbols []string) error { return nil }

func (g *Gateway) Submit(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	sym := symbol.Normalize(req.Symbol)
	if sym == "" {
		return exchange.OrderResult{}, fmt.Errorf("paper submit: invalid symbol %q", req.Symbol)
	}
	if req.Size <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("paper submit: size must be positive, got %v", req.Size)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return exchange.OrderResult{}, fmt.Errorf("paper submit: unknown side %q", req.Side)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	quote, err := g.source.LatestPrice(ctx, sym)
	if err != nil {
		return exchange.Rejected(req.OrderID, fmt.Sprintf("no price for %s: %v", sym, err)), nil
	}
	if quote.Last <= 0 {
		return exchange.Rejected(req.OrderID, fmt.Sprintf("stale price for %s", sym)), nil
	}

	last := decimal.NewFromFloat(quote.Last)
	slip := decimal.NewFromFloat(g.cfg.SlippageRate)
	one := decimal.NewFromInt(1)

	// Slippage always works against the trade: buys fill above the last
	// price, sells below.
	var fill decimal.Decimal
	if req.Side == types.SideBuy {
		fill = last.Mul(one.Add(slip))
	} else {
		fill = last.Mul(one.Sub(slip))
	}

	size := decimal.NewFromFloat(req.Size)
	fee := fill.Mul(size).Mul(decimal.NewFromFloat(g.cfg.FeeRate))

	g.apply(sym, req.Side, size, fill)

	fillF, _ := fill.Float64()
	feeF, _ := fee.Round(8).Float64()
	return exchange.OrderResult{
		OrderID:    req.OrderID,
		Status:     types.OrderFilled,
		FillPrice:  fillF,
		FilledSize: req.Size,
		Fee:        feeF,
	}, nil
}

// apply folds a fill into the venue-side book under the lock.
func (g *Gateway) apply(sym, side string, size, fill decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.positions[sym]
	if !ok {
		b = &book{openedAt: time.Now().UTC()}
		g.positions[sym] = b
	}

	signed := size
	if side == types.SideSell {
		signed = size.Neg()
	}

	next := b.size.Add(signed)
	switch {
	case next.IsZero():
		delete(g.positions, sym)
	case b.size.IsZero() || b.size.Sign() != next.Sign():
		// fresh position, or a fill that flipped the side
		b.size = next
		b.avgEntry = fill
		b.openedAt = time.Now().UTC()
	case signed.Sign() == b.size.Sign():
		// extending: weighted average entry
		notional := b.avgEntry.Mul(b.size.Abs()).Add(fill.Mul(size))
		b.size = next
		b.avgEntry = notional.Div(next.Abs())
	default:
		// reducing keeps the entry price
		b.size = next
	}
}

// Cancel has nothing to cancel: paper orders never rest.
func (g *Gateway) Cancel(ctx context.Context, sym, orderID string) error {
	return fmt.Errorf("paper gateway: order %s not found", orderID)
}

func (g *Gateway) GetPosition(ctx context.Context, rawSym string) (*types.Position, error) {
	sym := symbol.Normalize(rawSym)
	g.mu.Lock()
	b, ok := g.positions[sym]
	if !ok {
		g.mu.Unlock()
		return nil, nil
	}
	size := b.size
	entry := b.avgEntry
	openedAt := b.openedAt
	g.mu.Unlock()

	side := types.SideLong
	if size.Sign() < 0 {
		side = types.SideShort
	}
	sizeF, _ := size.Abs().Float64()
	entryF, _ := entry.Float64()

	pos := &types.Position{
		Symbol:       sym,
		Side:         side,
		Size:         sizeF,
		EntryPrice:   entryF,
		CurrentPrice: entryF,
		OpenedAt:     openedAt,
	}
	if quote, err := g.source.LatestPrice(ctx, sym); err == nil && quote.Last > 0 {
		pos.MarkToMarket(quote.Last)
	}
	return pos, nil
}

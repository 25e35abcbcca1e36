// Package binance implements the live exchange gateway on Binance USDT-M
// futures via the go-binance SDK. Transient venue failures are retried with
// bounded exponential backoff before surfacing as a rejection; permanent
// venue errors reject immediately.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"punch/internal/gateway/exchange"
	"punch/internal/logger"
	"punch/internal/pkg/circuit"
	"punch/internal/pkg/retry"
	symbolpkg "punch/internal/pkg/symbol"
	"punch/internal/types"
)

type Gateway struct {
	cfg     Config
	client  *futures.Client
	breaker *circuit.Breaker

	metaMu sync.RWMutex
	// quantity precision per venue symbol, loaded during Warmup
	qtyPrecision map[string]int
}

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.APISecret == "" {
		return nil, fmt.Errorf("binance gateway requires api credentials")
	}
	client := futures.NewClient(final.APIKey, final.APISecret)
	if final.RESTBaseURL != "" {
		client.BaseURL = final.RESTBaseURL
	}
	return &Gateway{
		cfg:          final,
		client:       client,
		breaker:      circuit.NewBreaker("binance", final.BreakerThreshold, final.BreakerTimeout),
		qtyPrecision: make(map[string]int),
	}, nil
}

func (g *Gateway) Name() string { return "binance" }

// Warmup preloads exchange metadata (quantity precision) for the bot's
// symbols. Live bots need this before the first order can be sized.
func (g *Gateway) Warmup(ctx context.Context, symbols []string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance warmup: exchange info failed: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if venue := symbolpkg.Parse(s).Binance(); venue != "" {
			wanted[venue] = true
		}
	}

	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	found := 0
	for _, s := range info.Symbols {
		if !wanted[s.Symbol] {
			continue
		}
		g.qtyPrecision[s.Symbol] = s.QuantityPrecision
		found++
	}
	if found < len(wanted) {
		return fmt.Errorf("binance warmup: %d of %d symbols unknown to venue", len(wanted)-found, len(wanted))
	}
	logger.Infof("binance: warmed up metadata for %d symbols", found)
	return nil
}

func (g *Gateway) Submit(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	venueSym := symbolpkg.Parse(req.Symbol).Binance()
	if venueSym == "" {
		return exchange.OrderResult{}, fmt.Errorf("binance submit: invalid symbol %q", req.Symbol)
	}
	if req.Size <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("binance submit: size must be positive, got %v", req.Size)
	}
	side := futures.SideTypeBuy
	if req.Side == types.SideSell {
		side = futures.SideTypeSell
	} else if req.Side != types.SideBuy {
		return exchange.OrderResult{}, fmt.Errorf("binance submit: unknown side %q", req.Side)
	}

	if !g.breaker.Allow() {
		return exchange.Rejected(req.OrderID, "venue circuit open"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	qty := g.formatQuantity(venueSym, req.Size)

	var resp *futures.CreateOrderResponse
	err := retry.Do(ctx, retryConfig(), func() error {
		var callErr error
		resp, callErr = g.client.NewCreateOrderService().
			Symbol(venueSym).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(qty).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT).
			Do(ctx)
		return classify(callErr)
	})
	if err != nil {
		g.breaker.RecordFailure()
		reason := fmt.Sprintf("submit failed: %v", err)
		if !retry.IsPermanent(err) {
			reason = fmt.Sprintf("submit failed after retries: %v", err)
		}
		return exchange.Rejected(req.OrderID, reason), nil
	}
	g.breaker.RecordSuccess()

	res := exchange.OrderResult{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		FillPrice:  parseFloat(resp.AvgPrice),
		FilledSize: parseFloat(resp.ExecutedQuantity),
	}
	res.Fee = res.FillPrice * res.FilledSize * g.cfg.FeeRate

	switch resp.Status {
	case futures.OrderStatusTypeFilled:
		res.Status = types.OrderFilled
	case futures.OrderStatusTypePartiallyFilled:
		// Reconcile what filled; the remainder stays a pending order the
		// caller may cancel.
		res.Status = types.OrderPartial
	case futures.OrderStatusTypeNew:
		res.Status = types.OrderPending
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		res.Status = types.OrderCancelled
	default:
		res.Status = types.OrderRejected
		res.Reason = fmt.Sprintf("venue status %s", resp.Status)
	}
	return res, nil
}

func (g *Gateway) Cancel(ctx context.Context, sym, orderID string) error {
	venueSym := symbolpkg.Parse(sym).Binance()
	id, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return fmt.Errorf("binance cancel: invalid order id %q", orderID)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	_, err = g.client.NewCancelOrderService().Symbol(venueSym).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance cancel %s: %w", orderID, err)
	}
	return nil
}

func (g *Gateway) GetPosition(ctx context.Context, sym string) (*types.Position, error) {
	venueSym := symbolpkg.Parse(sym).Binance()
	if venueSym == "" {
		return nil, fmt.Errorf("binance position: invalid symbol %q", sym)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	risks, err := g.client.NewGetPositionRiskService().Symbol(venueSym).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance position %s: %w", sym, err)
	}
	for _, r := range risks {
		if r == nil || !strings.EqualFold(r.Symbol, venueSym) {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		pos := &types.Position{
			Symbol:       symbolpkg.Normalize(sym),
			Side:         types.SideLong,
			Size:         amt,
			EntryPrice:   parseFloat(r.EntryPrice),
			CurrentPrice: parseFloat(r.MarkPrice),
		}
		if amt < 0 {
			pos.Side = types.SideShort
			pos.Size = -amt
		}
		pos.MarkToMarket(pos.CurrentPrice)
		return pos, nil
	}
	return nil, nil
}

func (g *Gateway) formatQuantity(venueSym string, size float64) string {
	g.metaMu.RLock()
	prec, ok := g.qtyPrecision[venueSym]
	g.metaMu.RUnlock()
	if !ok {
		prec = 3
	}
	return strconv.FormatFloat(size, 'f', prec, 64)
}

func retryConfig() retry.Config {
	cfg := retry.ExchangeConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warnf("binance: transient error, retry %d in %s: %v", attempt, delay, err)
	}
	return cfg
}

// permanentCodes are venue errors that retrying cannot fix.
var permanentCodes = map[int64]bool{
	-1111: true, // precision over maximum
	-1121: true, // invalid symbol
	-2010: true, // new order rejected
	-2019: true, // margin insufficient
	-4164: true, // notional below minimum
}

// classify marks non-retryable venue errors as permanent so the backoff
// loop surfaces them immediately.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.Code] {
		return retry.Permanent(err)
	}
	return err
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	symbolpkg "punch/internal/pkg/symbol"
)

// DefaultCacheTTL bounds how stale a served quote may be. Quotes for every
// symbol arrive in one venue call, so a short TTL keeps request volume flat
// no matter how many bots share the source.
const DefaultCacheTTL = 3 * time.Second

// BinanceSource serves latest prices from Binance USDT-M futures. Public
// endpoints only; no credentials required.
type BinanceSource struct {
	client *futures.Client
	ttl    time.Duration

	mu        sync.Mutex
	quotes    map[string]PriceQuote // keyed by venue symbol
	fetchedAt time.Time
}

func NewBinanceSource(restBaseURL string, ttl time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if restBaseURL = strings.TrimSpace(restBaseURL); restBaseURL != "" {
		client.BaseURL = restBaseURL
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &BinanceSource{
		client: client,
		ttl:    ttl,
		quotes: make(map[string]PriceQuote),
	}
}

func (s *BinanceSource) LatestPrice(ctx context.Context, sym string) (PriceQuote, error) {
	venue := symbolpkg.Parse(sym).Binance()
	if venue == "" {
		return PriceQuote{}, fmt.Errorf("market: invalid symbol %q", sym)
	}

	s.mu.Lock()
	fresh := time.Since(s.fetchedAt) < s.ttl
	quote, ok := s.quotes[venue]
	s.mu.Unlock()
	if fresh && ok {
		return quote, nil
	}

	if err := s.refresh(ctx); err != nil {
		// Serve the stale quote rather than nothing when the venue blips.
		if ok {
			return quote, nil
		}
		return PriceQuote{}, err
	}

	s.mu.Lock()
	quote, ok = s.quotes[venue]
	s.mu.Unlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("market: no price for %s", sym)
	}
	return quote, nil
}

func (s *BinanceSource) refresh(ctx context.Context) error {
	prices, err := s.client.NewListPricesService().Do(ctx)
	if err != nil {
		return fmt.Errorf("market: price refresh failed: %w", err)
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prices {
		if p == nil {
			continue
		}
		last, err := strconv.ParseFloat(strings.TrimSpace(p.Price), 64)
		if err != nil || last <= 0 {
			continue
		}
		s.quotes[p.Symbol] = PriceQuote{
			Symbol:    p.Symbol,
			Last:      last,
			UpdatedAt: now,
		}
	}
	s.fetchedAt = now
	return nil
}

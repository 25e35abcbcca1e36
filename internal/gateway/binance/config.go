package binance

import (
	"strings"
	"time"

	"punch/internal/gateway/exchange"
)

type Config struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	CallTimeout time.Duration
	// FeeRate estimates taker fees on filled notional; the venue reports
	// exact commissions asynchronously, which the core does not consume.
	FeeRate float64

	// Circuit breaker around the venue client.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	c.RESTBaseURL = strings.TrimSpace(c.RESTBaseURL)
	if c.CallTimeout <= 0 {
		c.CallTimeout = exchange.DefaultCallTimeout
	}
	if c.FeeRate < 0 {
		c.FeeRate = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"punch/internal/alert"
	"punch/internal/config"
	"punch/internal/fleet"
	"punch/internal/gateway/binance"
	"punch/internal/gateway/exchange"
	"punch/internal/logger"
	"punch/internal/market"
	"punch/internal/notifier"
	"punch/internal/safety"
	"punch/internal/store"
	"punch/internal/store/gormstore"
	"punch/internal/strategy"
)

// AppBuilder assembles the object graph. The function fields exist so tests
// can swap collaborators without a real venue or signal service.
type AppBuilder struct {
	cfg *config.Config

	storeFn   func(*config.Config) (store.Store, error)
	busFn     func(*config.Config, notifier.TextNotifier) (*alert.Bus, error)
	marketFn  func(*config.Config) market.Source
	signalsFn func(*config.Config) (strategy.Provider, error)
	liveFn    func(*config.Config) (exchange.Gateway, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storeFn:   buildStore,
		busFn:     buildBus,
		marketFn:  buildMarketSource,
		signalsFn: buildSignalProvider,
		liveFn:    buildLiveGateway,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithStore overrides the persistence store (tests).
func WithStore(s store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(*config.Config) (store.Store, error) { return s, nil }
	}
}

// WithSignals overrides the signal provider (tests).
func WithSignals(p strategy.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.signalsFn = func(*config.Config) (strategy.Provider, error) { return p, nil }
	}
}

// WithMarket overrides the market source (tests).
func WithMarket(src market.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.marketFn = func(*config.Config) market.Source { return src }
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.Log.Level)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := b.storeFn(cfg)
	if err != nil {
		return nil, err
	}

	var push notifier.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		push = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		logger.Infof("telegram alert push enabled")
	}
	bus, err := b.busFn(cfg, push)
	if err != nil {
		return nil, err
	}

	signals, err := b.signalsFn(cfg)
	if err != nil {
		return nil, err
	}
	live, err := b.liveFn(cfg)
	if err != nil {
		return nil, err
	}

	var templates *config.TemplateRegistry
	if cfg.Fleet.TemplatesFile != "" {
		templates, err = config.NewTemplateRegistry(cfg.Fleet.TemplatesFile)
		if err != nil {
			return nil, fmt.Errorf("bot templates: %w", err)
		}
	}

	registry, err := fleet.New(fleet.Deps{
		Store:      st,
		Bus:        bus,
		Signals:    signals,
		Market:     b.marketFn(cfg),
		Live:       live,
		Validate:   cfg.Fleet.Defaults.BotValidator(),
		Predicates: []safety.Predicate{safety.StaleSignalPredicate(defaultSignalMaxAge)},
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		registry:  registry,
		store:     st,
		bus:       bus,
		templates: templates,
	}, nil
}

const defaultSignalMaxAge = 15 * time.Minute

func buildStore(cfg *config.Config) (store.Store, error) {
	return gormstore.NewGormStore(filepath.Join(cfg.Data.Dir, "bots.db"))
}

func buildBus(cfg *config.Config, push notifier.TextNotifier) (*alert.Bus, error) {
	return alert.NewBus(filepath.Join(cfg.Data.Dir, "alerts.db"), push)
}

func buildMarketSource(cfg *config.Config) market.Source {
	ttl := time.Duration(cfg.Market.CacheTTLSecs) * time.Second
	return market.NewBinanceSource(cfg.Market.RESTBaseURL, ttl)
}

func buildSignalProvider(cfg *config.Config) (strategy.Provider, error) {
	if cfg.Strategy.SignalsURL == "" {
		logger.Warnf("strategy.signals_url not set: bots will run without a signal feed")
		return noSignals{}, nil
	}
	timeout := time.Duration(cfg.Strategy.TimeoutSecs) * time.Second
	return strategy.NewHTTPProvider(cfg.Strategy.SignalsURL, timeout)
}

func buildLiveGateway(cfg *config.Config) (exchange.Gateway, error) {
	if !cfg.Exchange.Binance.Enabled {
		return nil, nil
	}
	gw, err := binance.New(binance.Config{
		APIKey:      cfg.Exchange.Binance.APIKey,
		APISecret:   cfg.Exchange.Binance.APISecret,
		RESTBaseURL: cfg.Exchange.Binance.RESTBaseURL,
		FeeRate:     cfg.Exchange.Binance.FeeRate,
	})
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// noSignals keeps bots alive with an empty feed.
type noSignals struct{}

func (noSignals) Signals(ctx context.Context, symbols []string, timeframe string) ([]strategy.Signal, error) {
	return nil, nil
}

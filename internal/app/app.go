// Package app assembles the process: persistence, alerting, market data,
// signal feed, and the bot fleet, plus the run loop that ties their
// lifetimes together.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"punch/internal/alert"
	"punch/internal/config"
	"punch/internal/fleet"
	"punch/internal/logger"
	"punch/internal/store"
	"punch/internal/types"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	cfg       *config.Config
	registry  *fleet.Registry
	store     store.Store
	bus       *alert.Bus
	templates *config.TemplateRegistry
}

// NewApp builds a ready-to-run application from configuration.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	return buildAppWithWire(ctx, cfg)
}

// Registry exposes the fleet for embedding surfaces (API servers, CLIs).
func (a *App) Registry() *fleet.Registry { return a.registry }

// Alerts exposes the alert bus for embedding surfaces.
func (a *App) Alerts() *alert.Bus { return a.bus }

// CreateBotFromTemplate resolves a named template and creates a bot from it.
func (a *App) CreateBotFromTemplate(ctx context.Context, name, template string) (types.Bot, error) {
	if a.templates == nil {
		return types.Bot{}, fmt.Errorf("app: no bot templates configured")
	}
	cfg, err := a.templates.Resolve(template)
	if err != nil {
		return types.Bot{}, err
	}
	return a.registry.Create(ctx, name, cfg)
}

// Run restores the persisted fleet and blocks until ctx is cancelled, then
// stops every bot and releases resources. Bots restored from disk stay
// stopped until an operator starts them.
func (a *App) Run(ctx context.Context) error {
	if err := a.registry.Restore(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	alerts, unsubscribe := a.bus.Subscribe(64)
	g.Go(func() error {
		a.pumpAlerts(gctx, alerts)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		unsubscribe()
		return nil
	})

	logger.Infof("app: running")
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := a.registry.StopAll(stopCtx); stopErr != nil {
		logger.Errorf("app: stopping fleet: %v", stopErr)
	}
	if closeErr := a.bus.Close(); closeErr != nil {
		logger.Errorf("app: closing alert bus: %v", closeErr)
	}
	if closeErr := a.store.Close(); closeErr != nil {
		logger.Errorf("app: closing store: %v", closeErr)
	}
	logger.Infof("app: shut down")

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// pumpAlerts mirrors every published alert into the process log so the log
// file alone tells the whole story of a run.
func (a *App) pumpAlerts(ctx context.Context, alerts <-chan alert.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case al, ok := <-alerts:
			if !ok {
				return
			}
			switch al.Level {
			case alert.LevelEmergency, alert.LevelCritical:
				logger.Errorf("alert [%s] bot=%s type=%s: %s", al.Level, al.BotID, al.Type, al.Message)
			case alert.LevelWarning:
				logger.Warnf("alert [%s] bot=%s type=%s: %s", al.Level, al.BotID, al.Type, al.Message)
			default:
				logger.Infof("alert [%s] bot=%s type=%s: %s", al.Level, al.BotID, al.Type, al.Message)
			}
		}
	}
}

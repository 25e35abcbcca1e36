// Package fleet manages the set of bots: CRUD, lifecycle commands, and the
// query surface. It owns the only controller instance per bot id and
// serializes commands per bot.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"punch/internal/alert"
	"punch/internal/bot"
	"punch/internal/gateway/exchange"
	"punch/internal/gateway/paper"
	"punch/internal/logger"
	"punch/internal/market"
	"punch/internal/safety"
	"punch/internal/store"
	"punch/internal/strategy"
	"punch/internal/types"
)

var (
	ErrNotFound  = errors.New("fleet: bot not found")
	ErrBotActive = errors.New("fleet: bot must be stopped first")
)

// Deps wires the registry's collaborators. Live may be nil for paper-only
// deployments; creating a live bot then fails with a configuration error.
type Deps struct {
	Store   store.Store
	Bus     *alert.Bus
	Signals strategy.Provider
	Market  market.Source
	Live    exchange.Gateway

	// Validate applies defaults and rejects invalid bot configs. Required.
	Validate func(*types.BotConfig) error

	// Predicates are installed into every bot's safety manager.
	Predicates []safety.Predicate
}

type Registry struct {
	deps Deps

	mu          sync.Mutex
	controllers map[string]*bot.Controller
	cmdLocks    map[string]*sync.Mutex
}

func New(deps Deps) (*Registry, error) {
	if deps.Store == nil || deps.Signals == nil || deps.Market == nil || deps.Validate == nil {
		return nil, fmt.Errorf("fleet: missing dependencies")
	}
	return &Registry{
		deps:        deps,
		controllers: make(map[string]*bot.Controller),
		cmdLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// cmdLock serializes lifecycle commands per bot. Concurrent commands on
// different bots proceed independently.
func (r *Registry) cmdLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.cmdLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.cmdLocks[id] = lock
	}
	return lock
}

func (r *Registry) controller(id string) (*bot.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.controllers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ctrl, nil
}

// ------------------------------- CRUD ----------------------------------

// Create validates the config, persists the bot, and registers a stopped
// controller for it. Validation failures surface synchronously.
func (r *Registry) Create(ctx context.Context, name string, cfg types.BotConfig) (types.Bot, error) {
	if err := r.deps.Validate(&cfg); err != nil {
		return types.Bot{}, err
	}
	b := types.Bot{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    types.StatusStopped,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	ctrl, err := r.buildController(b)
	if err != nil {
		return types.Bot{}, err
	}
	if err := r.deps.Store.SaveBot(ctx, b); err != nil {
		return types.Bot{}, fmt.Errorf("fleet: persist bot: %w", err)
	}

	r.mu.Lock()
	r.controllers[b.ID] = ctrl
	r.mu.Unlock()

	logger.Infof("fleet: created bot %s (%s), paper=%v", b.ID, b.Name, cfg.PaperTrading)
	return b.Clone(), nil
}

// buildController assembles the per-bot collaborator graph. Paper bots get
// their own simulated gateway; live bots share the venue gateway.
func (r *Registry) buildController(b types.Bot) (*bot.Controller, error) {
	var gw exchange.Gateway
	if b.Config.PaperTrading {
		pg, err := paper.New(r.deps.Market, paper.Config{
			SlippageRate: b.Config.SlippageRate,
			FeeRate:      b.Config.FeeRate,
		})
		if err != nil {
			return nil, fmt.Errorf("fleet: paper gateway for %s: %w", b.ID, err)
		}
		gw = pg
	} else {
		if r.deps.Live == nil {
			return nil, fmt.Errorf("fleet: bot %s requires live trading but no live gateway is configured", b.ID)
		}
		gw = r.deps.Live
	}

	mgr := safety.New(b.ID, b.Config, r.deps.Bus, r.deps.Predicates...)
	return bot.New(b, bot.Deps{
		Gateway: gw,
		Signals: r.deps.Signals,
		Safety:  mgr,
		Store:   r.deps.Store,
		Bus:     r.deps.Bus,
	})
}

func (r *Registry) Get(ctx context.Context, id string) (types.Bot, error) {
	ctrl, err := r.controller(id)
	if err != nil {
		return types.Bot{}, err
	}
	return ctrl.Bot(), nil
}

// List returns bots ordered by creation time. With activeOnly, resting bots
// are filtered out.
func (r *Registry) List(ctx context.Context, activeOnly bool) []types.Bot {
	r.mu.Lock()
	ctrls := make([]*bot.Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	out := make([]types.Bot, 0, len(ctrls))
	for _, c := range ctrls {
		b := c.Bot()
		if activeOnly && !b.Status.IsActive() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces the configuration of a stopped bot. The controller is
// rebuilt so gateway and safety state match the new config.
func (r *Registry) Update(ctx context.Context, id string, cfg types.BotConfig) (types.Bot, error) {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctrl, err := r.controller(id)
	if err != nil {
		return types.Bot{}, err
	}
	if ctrl.Status() != types.StatusStopped {
		return types.Bot{}, fmt.Errorf("%w: update of %s", ErrBotActive, id)
	}
	if err := r.deps.Validate(&cfg); err != nil {
		return types.Bot{}, err
	}

	b := ctrl.Bot()
	b.Config = cfg
	b.Status = types.StatusStopped
	next, err := r.buildController(b)
	if err != nil {
		return types.Bot{}, err
	}
	if err := r.deps.Store.SaveBot(ctx, b); err != nil {
		return types.Bot{}, fmt.Errorf("fleet: persist update: %w", err)
	}

	r.mu.Lock()
	r.controllers[id] = next
	r.mu.Unlock()
	logger.Infof("fleet: updated bot %s config", id)
	return b.Clone(), nil
}

// Delete removes a stopped bot and all its records.
func (r *Registry) Delete(ctx context.Context, id string) error {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	if ctrl.Status() != types.StatusStopped {
		return fmt.Errorf("%w: delete of %s", ErrBotActive, id)
	}
	if err := r.deps.Store.DeleteBot(ctx, id); err != nil {
		return fmt.Errorf("fleet: delete bot: %w", err)
	}

	r.mu.Lock()
	delete(r.controllers, id)
	delete(r.cmdLocks, id)
	r.mu.Unlock()
	logger.Infof("fleet: deleted bot %s", id)
	return nil
}

// ---------------------------- Lifecycle --------------------------------

func (r *Registry) Start(ctx context.Context, id string) error {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Start(ctx)
}

func (r *Registry) Stop(ctx context.Context, id string) error {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Stop(ctx)
}

func (r *Registry) Pause(ctx context.Context, id string) error {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Pause(ctx)
}

func (r *Registry) Resume(ctx context.Context, id string) error {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Resume(ctx)
}

// AcknowledgeError clears an errored bot back to stopped.
func (r *Registry) AcknowledgeError(ctx context.Context, id string) error {
	lock := r.cmdLock(id)
	lock.Lock()
	defer lock.Unlock()
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	return ctrl.AcknowledgeError(ctx)
}

// ------------------------------ Queries --------------------------------

func (r *Registry) GetPositions(ctx context.Context, id string) ([]types.Position, error) {
	ctrl, err := r.controller(id)
	if err != nil {
		return nil, err
	}
	return ctrl.Positions(), nil
}

// GetOrders lists the bot's order book. With activeOnly only resting orders
// come back; otherwise recently terminal orders are included. Older terminal
// orders are visible only through GetTrades.
func (r *Registry) GetOrders(ctx context.Context, id string, activeOnly bool) ([]types.Order, error) {
	ctrl, err := r.controller(id)
	if err != nil {
		return nil, err
	}
	return ctrl.Orders(activeOnly), nil
}

func (r *Registry) GetTrades(ctx context.Context, id string, limit int) ([]types.Trade, error) {
	if _, err := r.controller(id); err != nil {
		return nil, err
	}
	return r.deps.Store.ListTrades(ctx, id, limit)
}

func (r *Registry) GetPerformance(ctx context.Context, id string) (types.PerformanceSnapshot, error) {
	ctrl, err := r.controller(id)
	if err != nil {
		return types.PerformanceSnapshot{}, err
	}
	return ctrl.Performance(), nil
}

// GetEquityCurve returns persisted performance snapshots, newest first.
func (r *Registry) GetEquityCurve(ctx context.Context, id string, limit int) ([]types.PerformanceSnapshot, error) {
	if _, err := r.controller(id); err != nil {
		return nil, err
	}
	return r.deps.Store.ListSnapshots(ctx, id, limit)
}

func (r *Registry) ListAlerts(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	if r.deps.Bus == nil {
		return nil, nil
	}
	return r.deps.Bus.List(ctx, f)
}

func (r *Registry) Acknowledge(ctx context.Context, alertID, by string) error {
	if r.deps.Bus == nil {
		return fmt.Errorf("fleet: no alert bus configured")
	}
	return r.deps.Bus.Acknowledge(ctx, alertID, by)
}

// ----------------------------- Lifecycle of the fleet ------------------

// Restore reconstructs controllers for every persisted bot. Restored bots
// always come back stopped regardless of their status at last checkpoint;
// resuming automated trading after an uncontrolled restart requires an
// explicit operator start.
func (r *Registry) Restore(ctx context.Context) error {
	bots, err := r.deps.Store.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("fleet: list persisted bots: %w", err)
	}
	restored := 0
	for _, b := range bots {
		if b.Status != types.StatusStopped {
			logger.Warnf("fleet: bot %s was %s at last checkpoint, restoring as stopped", b.ID, b.Status)
			b.Status = types.StatusStopped
			if err := r.deps.Store.SaveBot(ctx, b); err != nil {
				logger.Errorf("fleet: persist restored status for %s: %v", b.ID, err)
			}
		}
		ctrl, err := r.buildController(b)
		if err != nil {
			logger.Errorf("fleet: rebuild bot %s: %v", b.ID, err)
			continue
		}
		st, err := r.deps.Store.LoadCheckpoint(ctx, b.ID)
		if err != nil {
			logger.Errorf("fleet: load checkpoint for %s: %v", b.ID, err)
		} else if st != nil {
			ctrl.RestoreState(*st)
		}

		r.mu.Lock()
		r.controllers[b.ID] = ctrl
		r.mu.Unlock()
		restored++
	}
	logger.Infof("fleet: restored %d bots", restored)
	return nil
}

// StopAll stops every active bot concurrently and waits for all loops to
// join. Used on process shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.Stop(gctx, id); err != nil {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

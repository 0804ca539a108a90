// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. One public and (credentials permitting) one private composite per
//     configured exchange, built through the adapter factory.
//  2. A composite registry handing live venues to strategy tasks by enum.
//  3. The scheduler, which drives strategy tasks cooperatively and
//     persists their contexts for crash recovery.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/composite"
	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/scheduler"
	"crossarb/internal/strategy"
	"crossarb/pkg/types"
)

// venueSlot is one exchange's live composites.
type venueSlot struct {
	public  *composite.Public
	private *composite.Private
}

// Engine owns the lifecycle of every venue connection and the scheduler.
type Engine struct {
	cfg      *config.Config
	factory  *exchange.Factory
	registry *composite.Registry
	store    *scheduler.Store
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	slotsMu sync.RWMutex
	slots   map[types.ExchangeEnum]*venueSlot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var registerOnce sync.Once

// New creates and wires all engine components. Venue connections are not
// opened until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := scheduler.OpenStore(cfg.Scheduler.PersistDir)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	registry := composite.NewRegistry()
	registerOnce.Do(func() {
		strategy.RegisterReconstructors(registry, logger)
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		factory:  exchange.NewFactory(logger),
		registry: registry,
		store:    store,
		sched:    scheduler.New(cfg.Scheduler, store, logger),
		logger:   logger.With("component", "engine"),
		slots:    make(map[types.ExchangeEnum]*venueSlot),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry exposes the live composites, mainly for tests and tooling.
func (e *Engine) Registry() *composite.Registry { return e.registry }

// Start connects every configured exchange, recovers persisted tasks,
// and launches the scheduler loop.
func (e *Engine) Start() error {
	if e.cfg.DryRun {
		e.logger.Warn("DRY-RUN mode: order mutations will not reach any exchange")
	}

	for enum, exCfg := range e.cfg.Exchanges {
		if err := e.startVenue(enum, exCfg); err != nil {
			e.closeVenues()
			return fmt.Errorf("start %s: %w", enum, err)
		}
	}

	if e.cfg.Scheduler.Recover {
		tasks, err := scheduler.Recover(e.store, e.cfg.Scheduler.MaxContextAge, e.logger)
		if err != nil {
			return fmt.Errorf("recover tasks: %w", err)
		}
		for _, task := range tasks {
			e.sched.Add(task)
		}
		if len(tasks) > 0 {
			e.logger.Info("resumed persisted tasks", "count", len(tasks))
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sched.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("scheduler stopped", "error", err)
		}
	}()

	e.logger.Info("engine started", "exchanges", len(e.slots), "dry_run", e.cfg.DryRun)
	return nil
}

// startVenue builds and initializes one exchange's composites and
// registers them for task resolution.
func (e *Engine) startVenue(enum types.ExchangeEnum, exCfg config.ExchangeConfig) error {
	symbols, err := exCfg.ParsedSymbols()
	if err != nil {
		return err
	}

	pub, err := composite.NewPublic(enum, exCfg, e.factory, e.logger)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(e.ctx, 60*time.Second)
	defer cancel()
	if err := pub.Initialize(initCtx, symbols); err != nil {
		return err
	}

	priv, err := composite.NewPrivate(enum, exCfg, e.factory,
		composite.PrivateWebsocketHandlers{}, e.cfg.DryRun, e.logger)
	if err != nil {
		pub.Close()
		return err
	}
	pubREST, err := e.factory.PublicREST(enum, exCfg)
	if err != nil {
		pub.Close()
		return err
	}
	if err := priv.Initialize(initCtx, pubREST); err != nil {
		pub.Close()
		return err
	}

	e.registry.SetPublic(enum, pub)
	e.registry.SetPrivate(enum, priv)

	e.slotsMu.Lock()
	e.slots[enum] = &venueSlot{public: pub, private: priv}
	e.slotsMu.Unlock()

	e.logger.Info("venue online", "exchange", string(enum), "symbols", len(symbols))
	return nil
}

// Submit adds a strategy task, making sure its venues track the symbols
// the task needs before the first step runs.
func (e *Engine) Submit(task scheduler.Task) error {
	if err := e.trackSymbol(task.Symbol()); err != nil {
		return err
	}
	e.sched.Add(task)
	e.logger.Info("task submitted", "task_id", task.ID(),
		"context_type", task.ContextType(), "symbol", task.Symbol().String())
	return nil
}

// SubmitIceberg builds and schedules an iceberg execution task.
func (e *Engine) SubmitIceberg(ctx strategy.IcebergContext) error {
	task, err := strategy.NewIcebergTask(ctx, e.registry, e.logger)
	if err != nil {
		return err
	}
	return e.Submit(task)
}

// SubmitDeltaNeutral builds and schedules a delta-neutral arbitrage task.
func (e *Engine) SubmitDeltaNeutral(ctx strategy.DeltaNeutralContext) error {
	task, err := strategy.NewDeltaNeutralTask(ctx, e.registry, e.logger)
	if err != nil {
		return err
	}
	return e.Submit(task)
}

// SubmitCrossExchange builds and schedules a cross-exchange arbitrage task.
func (e *Engine) SubmitCrossExchange(ctx strategy.CrossExchangeContext) error {
	task, err := strategy.NewCrossExchangeTask(ctx, e.registry, e.logger)
	if err != nil {
		return err
	}
	return e.Submit(task)
}

// trackSymbol makes every online venue track the spot and futures twins
// of a task's symbol where it is not already watched. Venues that do not
// list the pair fail their snapshot and are skipped with a warning.
func (e *Engine) trackSymbol(symbol types.Symbol) error {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	for enum, slot := range e.slots {
		want := symbol.Spot()
		if enum.IsFutures() {
			want = symbol.Futures()
		}
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		err := slot.public.AddSymbol(ctx, want)
		cancel()
		if err != nil {
			e.logger.Warn("venue cannot track symbol",
				"exchange", string(enum), "symbol", want.String(), "error", err)
		}
	}
	return nil
}

// Stop gracefully shuts down: stops the scheduler (which persists final
// contexts), sends a cancel-all per venue as a safety net, and closes
// all connections.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	// Safety net: pull any strategy orders still resting on the venues
	e.slotsMu.RLock()
	for enum, slot := range e.slots {
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), e.cfg.Scheduler.StopTimeout)
		for _, sym := range slot.public.Symbols() {
			if _, err := slot.private.CancelAllOrders(cancelCtx, sym); err != nil {
				e.logger.Error("shutdown cancel-all failed",
					"exchange", string(enum), "symbol", sym.String(), "error", err)
			}
		}
		cancelCancel()
	}
	e.slotsMu.RUnlock()

	e.closeVenues()
	e.logger.Info("shutdown complete")
}

func (e *Engine) closeVenues() {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	for enum, slot := range e.slots {
		if err := slot.public.Close(); err != nil {
			e.logger.Warn("public composite close", "exchange", string(enum), "error", err)
		}
		if err := slot.private.Close(); err != nil {
			e.logger.Warn("private composite close", "exchange", string(enum), "error", err)
		}
		delete(e.slots, enum)
	}
}

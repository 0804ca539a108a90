// Package strategy implements the trading state machines the scheduler
// drives: iceberg execution, spot/futures delta-neutral arbitrage, and
// cross-exchange arbitrage with a futures hedge. Every task persists a
// typed context and registers a reconstructor so a restart resumes
// mid-flight work.
package strategy

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"crossarb/internal/composite"
	"crossarb/internal/scheduler"
	"crossarb/pkg/types"
)

// marketData is what a task reads from a public composite.
type marketData interface {
	BookTicker(types.Symbol) (types.BookTicker, bool)
	SymbolInfo(types.Symbol) (types.SymbolInfo, bool)
}

// trader is what a task calls on a private composite. Every method hits
// the wire; tasks own all caching decisions.
type trader interface {
	PlaceLimitOrder(ctx context.Context, symbol types.Symbol, side types.Side, price, quantity float64) (*types.Order, error)
	PlaceMarketOrder(ctx context.Context, symbol types.Symbol, side types.Side, quantity, priceHint float64) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error)
	CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error)
	GetOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error)
	GetBalances(ctx context.Context) (*types.BalanceSnapshot, error)
}

var (
	_ marketData = (*composite.Public)(nil)
	_ trader     = (*composite.Private)(nil)
)

// taskBase carries the pieces every strategy task shares. Composites
// are resolved lazily from the registry so recovered tasks reattach to
// whatever the engine built this run.
type taskBase struct {
	id       string
	symbol   types.Symbol
	registry *composite.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	state   scheduler.TaskState
	stopped bool
}

func newTaskBase(id string, symbol types.Symbol, registry *composite.Registry, logger *slog.Logger) taskBase {
	return taskBase{
		id:       id,
		symbol:   symbol,
		registry: registry,
		logger:   logger.With("task_id", id),
		state:    scheduler.TaskIdle,
	}
}

func (b *taskBase) ID() string           { return b.id }
func (b *taskBase) Symbol() types.Symbol { return b.symbol }

func (b *taskBase) State() scheduler.TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *taskBase) setState(s scheduler.TaskState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Stop flags the task; the flag is honored at the next step boundary.
func (b *taskBase) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *taskBase) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// venues resolves the composites for one enum, lazily. Tests inject
// fakes directly and never touch the registry.
func (b *taskBase) venues(enum types.ExchangeEnum) (marketData, trader, error) {
	pub, err := b.registry.Public(enum)
	if err != nil {
		return nil, nil, err
	}
	priv, err := b.registry.Private(enum)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// stepDelay jitters the pause between steps so sibling tasks do not
// thunder against the same rate budget.
func stepDelay() time.Duration {
	return 500*time.Millisecond + time.Duration(rand.Int64N(500))*time.Millisecond
}

func fail(state scheduler.TaskState, err error) scheduler.StepResult {
	return scheduler.StepResult{Continue: true, State: state, Err: err}
}

func terminal(state scheduler.TaskState) scheduler.StepResult {
	return scheduler.StepResult{Continue: false, State: state}
}

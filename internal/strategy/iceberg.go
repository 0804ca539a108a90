package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"crossarb/internal/composite"
	"crossarb/internal/errs"
	"crossarb/internal/scheduler"
	"crossarb/pkg/types"
)

// IcebergContextType tags persisted iceberg contexts.
const IcebergContextType = "iceberg"

// IcebergContext is the persisted state of one iceberg execution. A
// pending cancel id gates new placements: after a cancel is issued, no
// replacement goes out until the venue confirms the old order is dead,
// so a lost cancel ack can never leave two live orders.
type IcebergContext struct {
	TaskID        string             `json:"task_id"`
	Exchange      types.ExchangeEnum `json:"exchange_enum"`
	Symbol        types.Symbol       `json:"symbol"`
	Side          types.Side         `json:"side"`
	TotalQuantity float64            `json:"total_quantity"`
	OrderQuantity float64            `json:"order_quantity"`
	OffsetTicks   int                `json:"offset_ticks"`
	TickTolerance float64            `json:"tick_tolerance"`
	FilledTotal   float64            `json:"filled_total"`
	LastOrder     *types.Order       `json:"last_order,omitempty"`
	PendingCancel string             `json:"pending_cancel_id,omitempty"`
}

func (c IcebergContext) validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("iceberg: task id required")
	}
	if c.TotalQuantity <= 0 || c.OrderQuantity <= 0 {
		return fmt.Errorf("iceberg %s: quantities must be positive", c.TaskID)
	}
	if c.Side != types.BUY && c.Side != types.SELL {
		return fmt.Errorf("iceberg %s: side %q", c.TaskID, c.Side)
	}
	return nil
}

// IcebergTask slices a large order into small resting limit orders held
// near the top of book.
type IcebergTask struct {
	taskBase
	ctx IcebergContext

	market marketData
	trade  trader
}

// NewIcebergTask builds the task; composites resolve lazily on the
// first step so recovered tasks construct before the engine finishes
// wiring venues.
func NewIcebergTask(ctx IcebergContext, registry *composite.Registry, logger *slog.Logger) (*IcebergTask, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	return &IcebergTask{
		taskBase: newTaskBase(ctx.TaskID, ctx.Symbol, registry, logger),
		ctx:      ctx,
	}, nil
}

func (t *IcebergTask) Context() any        { return t.snapshot() }
func (t *IcebergTask) ContextType() string { return IcebergContextType }

func (t *IcebergTask) snapshot() IcebergContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.ctx
	if t.ctx.LastOrder != nil {
		o := *t.ctx.LastOrder
		cp.LastOrder = &o
	}
	return cp
}

// ExecuteOnce advances the slicer by one decision.
func (t *IcebergTask) ExecuteOnce(ctx context.Context) scheduler.StepResult {
	if t.isStopped() {
		t.setState(scheduler.TaskCancelled)
		return terminal(scheduler.TaskCancelled)
	}
	t.setState(scheduler.TaskRunning)

	if t.market == nil || t.trade == nil {
		market, trade, err := t.venues(t.ctx.Exchange)
		if err != nil {
			return fail(scheduler.TaskRunning, err)
		}
		t.market, t.trade = market, trade
	}
	info, ok := t.market.SymbolInfo(t.ctx.Symbol)
	if !ok {
		return fail(scheduler.TaskRunning, fmt.Errorf("no symbol info for %s on %s", t.ctx.Symbol, t.ctx.Exchange))
	}

	// settle the outstanding order before reading the book
	if res, done := t.settleWorkingOrder(ctx); done {
		return res
	}

	if t.remaining(info) <= 0 {
		if t.ctx.LastOrder == nil && t.ctx.PendingCancel == "" {
			t.setState(scheduler.TaskCompleted)
			return terminal(scheduler.TaskCompleted)
		}
		// remainder hit zero with an order still resting: pull it
		return t.cancelWorkingOrder(ctx)
	}

	// a cancel is in flight; placement stays gated until it confirms
	if t.ctx.PendingCancel != "" {
		return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
	}

	ticker, ok := t.market.BookTicker(t.ctx.Symbol)
	if !ok {
		return fail(scheduler.TaskRunning, fmt.Errorf("no book ticker for %s", t.ctx.Symbol))
	}
	target := t.targetPrice(ticker, info)
	if target <= 0 {
		return fail(scheduler.TaskRunning, fmt.Errorf("empty book for %s", t.ctx.Symbol))
	}

	if t.ctx.LastOrder != nil {
		if math.Abs(t.ctx.LastOrder.Price-target) <= t.ctx.TickTolerance*info.Tick {
			return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
		}
		return t.cancelWorkingOrder(ctx)
	}

	return t.placeSlice(ctx, target, info)
}

// settleWorkingOrder refreshes the resting or cancel-pending order and
// accrues its fills. Returns done=true when this step already consumed
// its transition.
func (t *IcebergTask) settleWorkingOrder(ctx context.Context) (scheduler.StepResult, bool) {
	orderID := t.ctx.PendingCancel
	if orderID == "" && t.ctx.LastOrder != nil {
		orderID = t.ctx.LastOrder.OrderID
	}
	if orderID == "" {
		return scheduler.StepResult{}, false
	}

	order, err := t.trade.GetOrder(ctx, t.ctx.Symbol, orderID)
	var notFound *errs.OrderNotFoundError
	switch {
	case errors.As(err, &notFound):
		// the venue forgot the id; treat the recorded fills as final
		if t.ctx.LastOrder != nil {
			t.accrue(t.ctx.LastOrder.FilledQuantity)
		}
		t.clearWorkingOrder()
		return scheduler.StepResult{}, false
	case err != nil:
		return fail(scheduler.TaskRunning, err), true
	}

	if order.IsDone() {
		t.accrue(order.FilledQuantity)
		t.clearWorkingOrder()
		return scheduler.StepResult{}, false
	}
	t.mu.Lock()
	t.ctx.LastOrder = order
	t.mu.Unlock()
	return scheduler.StepResult{}, false
}

func (t *IcebergTask) cancelWorkingOrder(ctx context.Context) scheduler.StepResult {
	order := t.ctx.LastOrder
	if order == nil {
		return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
	}
	if _, err := t.trade.CancelOrder(ctx, t.ctx.Symbol, order.OrderID); err != nil {
		var notFound *errs.OrderNotFoundError
		if !errors.As(err, &notFound) {
			return fail(scheduler.TaskRunning, err)
		}
	}
	t.mu.Lock()
	t.ctx.PendingCancel = order.OrderID
	t.mu.Unlock()
	return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
}

func (t *IcebergTask) placeSlice(ctx context.Context, target float64, info types.SymbolInfo) scheduler.StepResult {
	qty := composite.TruncateToStep(math.Min(t.ctx.OrderQuantity, t.remaining(info)), info)
	if qty < info.MinQuantity {
		// remainder too small to place; call the execution done
		t.setState(scheduler.TaskCompleted)
		return terminal(scheduler.TaskCompleted)
	}
	price := composite.TruncateToTick(target, info)

	order, err := t.trade.PlaceLimitOrder(ctx, t.ctx.Symbol, t.ctx.Side, price, qty)
	if err != nil {
		var vErr *errs.ValidationError
		if errors.As(err, &vErr) {
			t.setState(scheduler.TaskError)
			return scheduler.StepResult{Continue: false, State: scheduler.TaskError, Err: err}
		}
		return fail(scheduler.TaskRunning, err)
	}
	t.mu.Lock()
	t.ctx.LastOrder = order
	t.mu.Unlock()
	t.logger.Info("iceberg slice placed",
		"order_id", order.OrderID, "price", price, "qty", qty,
		"filled_total", t.ctx.FilledTotal)
	return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
}

// targetPrice keeps the slice passive: a sell rests offset ticks above
// the best ask, a buy offset ticks below the best bid.
func (t *IcebergTask) targetPrice(ticker types.BookTicker, info types.SymbolInfo) float64 {
	offset := float64(t.ctx.OffsetTicks) * info.Tick
	if t.ctx.Side == types.SELL {
		return ticker.AskPrice + offset
	}
	return ticker.BidPrice - offset
}

func (t *IcebergTask) remaining(info types.SymbolInfo) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rem := t.ctx.TotalQuantity - t.ctx.FilledTotal
	if rem < info.Step {
		return 0
	}
	return rem
}

func (t *IcebergTask) accrue(filled float64) {
	t.mu.Lock()
	t.ctx.FilledTotal += filled
	t.ctx.PendingCancel = ""
	t.mu.Unlock()
}

func (t *IcebergTask) clearWorkingOrder() {
	t.mu.Lock()
	t.ctx.LastOrder = nil
	t.ctx.PendingCancel = ""
	t.mu.Unlock()
}

// Cleanup pulls the resting slice, if any.
func (t *IcebergTask) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	order := t.ctx.LastOrder
	t.mu.Unlock()
	if order == nil || t.trade == nil {
		return nil
	}
	_, err := t.trade.CancelOrder(ctx, t.ctx.Symbol, order.OrderID)
	var notFound *errs.OrderNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

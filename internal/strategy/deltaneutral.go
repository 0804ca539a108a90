package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"crossarb/internal/composite"
	"crossarb/internal/errs"
	"crossarb/internal/scheduler"
	"crossarb/pkg/types"
)

// DeltaNeutralContextType tags persisted delta-neutral contexts.
const DeltaNeutralContextType = "delta_neutral"

// ArbState is the phase of an arbitrage state machine. Each ExecuteOnce
// advances at most one transition.
type ArbState string

const (
	ArbIdle      ArbState = "idle"
	ArbAnalyzing ArbState = "analyzing"
	ArbEntering  ArbState = "entering"
	ArbHolding   ArbState = "holding"
	ArbExiting   ArbState = "exiting"
	ArbError     ArbState = "error"
)

// TradingParameters tunes one delta-neutral cycle. Fees are fractions
// (0.001 = 10 bps); thresholds are percentages.
type TradingParameters struct {
	OrderQuantity           float64 `json:"order_quantity"`
	MaxEntryCostPct         float64 `json:"max_entry_cost_pct"`
	MinProfitPct            float64 `json:"min_profit_pct"`
	StopLossPct             float64 `json:"stop_loss_pct"`
	MaxHours                float64 `json:"max_hours"`
	SpotFee                 float64 `json:"spot_fee"`
	FutFee                  float64 `json:"fut_fee"`
	LimitOrdersEnabled      bool    `json:"limit_orders_enabled"`
	LimitProfitPct          float64 `json:"limit_profit_pct"`
	LimitProfitTolerancePct float64 `json:"limit_profit_tolerance_pct"`
}

// PositionState is the two legs of one delta-neutral trade.
type PositionState struct {
	Spot    *types.Position `json:"spot"`
	Futures *types.Position `json:"futures"`
}

// Opportunity records the spread that justified an entry.
type Opportunity struct {
	SpotAsk   float64   `json:"spot_ask"`
	FutBid    float64   `json:"fut_bid"`
	SpreadPct float64   `json:"spread_pct"`
	SeenAt    time.Time `json:"seen_at"`
}

// DeltaNeutralContext is the persisted state of one long-spot /
// short-futures arbitrage cycle runner.
type DeltaNeutralContext struct {
	TaskID          string                            `json:"task_id"`
	Symbol          types.Symbol                      `json:"symbol"`
	SpotExchange    types.ExchangeEnum                `json:"spot_exchange"`
	FuturesExchange types.ExchangeEnum                `json:"futures_exchange"`
	Params          TradingParameters                 `json:"params"`
	Positions       PositionState                     `json:"positions"`
	ArbitrageState  ArbState                          `json:"arbitrage_state"`
	Opportunity     *Opportunity                      `json:"current_opportunity,omitempty"`
	EntryTime       *time.Time                        `json:"entry_time,omitempty"`
	ActiveOrders    map[string]map[string]types.Order `json:"active_orders"`
	Cycles          int                               `json:"cycles"`
	Volume          float64                           `json:"volume"`
}

const (
	legSpot    = "spot"
	legFutures = "futures"
)

func (c DeltaNeutralContext) validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("delta-neutral: task id required")
	}
	if c.Params.OrderQuantity <= 0 {
		return fmt.Errorf("delta-neutral %s: order_quantity must be positive", c.TaskID)
	}
	return nil
}

// DeltaNeutralTask runs entry/hold/exit cycles of long spot against
// short futures on the same underlying.
type DeltaNeutralTask struct {
	taskBase
	ctx DeltaNeutralContext

	spotMarket marketData
	spotTrade  trader
	futMarket  marketData
	futTrade   trader
}

func NewDeltaNeutralTask(ctx DeltaNeutralContext, registry *composite.Registry, logger *slog.Logger) (*DeltaNeutralTask, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	if ctx.ArbitrageState == "" {
		ctx.ArbitrageState = ArbIdle
	}
	if ctx.ActiveOrders == nil {
		ctx.ActiveOrders = map[string]map[string]types.Order{legSpot: {}, legFutures: {}}
	}
	if ctx.Positions.Spot == nil {
		ctx.Positions.Spot = types.NewPosition(ctx.Params.OrderQuantity)
	}
	if ctx.Positions.Futures == nil {
		fut := types.NewPosition(ctx.Params.OrderQuantity)
		fut.SetMode(types.ModeHedge)
		ctx.Positions.Futures = fut
	}
	return &DeltaNeutralTask{
		taskBase: newTaskBase(ctx.TaskID, ctx.Symbol, registry, logger),
		ctx:      ctx,
	}, nil
}

func (t *DeltaNeutralTask) Context() any        { return t.snapshot() }
func (t *DeltaNeutralTask) ContextType() string { return DeltaNeutralContextType }

func (t *DeltaNeutralTask) snapshot() DeltaNeutralContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.ctx
	if t.ctx.Positions.Spot != nil {
		s := *t.ctx.Positions.Spot
		cp.Positions.Spot = &s
	}
	if t.ctx.Positions.Futures != nil {
		f := *t.ctx.Positions.Futures
		cp.Positions.Futures = &f
	}
	return cp
}

// ExecuteOnce advances the state machine by at most one transition.
func (t *DeltaNeutralTask) ExecuteOnce(ctx context.Context) scheduler.StepResult {
	if t.isStopped() {
		return t.stopRequested(ctx)
	}
	t.setState(scheduler.TaskRunning)

	if err := t.resolve(); err != nil {
		return fail(scheduler.TaskRunning, err)
	}

	var err error
	switch t.ctx.ArbitrageState {
	case ArbIdle:
		t.transition(ArbAnalyzing)
	case ArbAnalyzing:
		err = t.analyze()
	case ArbEntering:
		err = t.enter(ctx)
	case ArbHolding:
		err = t.hold()
	case ArbExiting:
		err = t.exit(ctx)
	case ArbError:
		t.setState(scheduler.TaskError)
		return terminal(scheduler.TaskError)
	default:
		t.setState(scheduler.TaskError)
		return scheduler.StepResult{Continue: false, State: scheduler.TaskError,
			Err: fmt.Errorf("unknown arbitrage state %q", t.ctx.ArbitrageState)}
	}

	if err != nil {
		return t.translateError(err)
	}
	return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
}

func (t *DeltaNeutralTask) resolve() error {
	if t.spotMarket == nil || t.spotTrade == nil {
		market, trade, err := t.venues(t.ctx.SpotExchange)
		if err != nil {
			return err
		}
		t.spotMarket, t.spotTrade = market, trade
	}
	if t.futMarket == nil || t.futTrade == nil {
		market, trade, err := t.venues(t.ctx.FuturesExchange)
		if err != nil {
			return err
		}
		t.futMarket, t.futTrade = market, trade
	}
	return nil
}

// translateError maps trading errors to transitions: no balance means
// liquidate what we hold, a validation failure is a bug worth stopping
// for, anything else backs off and retries.
func (t *DeltaNeutralTask) translateError(err error) scheduler.StepResult {
	var insufficient *errs.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		t.logger.Warn("insufficient balance, unwinding", "error", err)
		t.transition(ArbExiting)
		return fail(scheduler.TaskRunning, err)
	}
	var vErr *errs.ValidationError
	if errors.As(err, &vErr) {
		t.transition(ArbError)
		t.setState(scheduler.TaskError)
		return scheduler.StepResult{Continue: false, State: scheduler.TaskError, Err: err}
	}
	return fail(scheduler.TaskRunning, err)
}

func (t *DeltaNeutralTask) stopRequested(ctx context.Context) scheduler.StepResult {
	// flat: stop cleanly; holding inventory: unwind first
	if t.ctx.Positions.Spot.Qty == 0 && t.ctx.Positions.Futures.Qty == 0 {
		t.setState(scheduler.TaskCancelled)
		return terminal(scheduler.TaskCancelled)
	}
	if t.ctx.ArbitrageState != ArbExiting {
		t.transition(ArbExiting)
		return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
	}
	if err := t.exit(ctx); err != nil {
		return fail(scheduler.TaskRunning, err)
	}
	return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
}

// entrySpreadPct is the fee-adjusted entry edge in percent.
func entrySpreadPct(spotAsk, futBid, spotFee, futFee float64) float64 {
	if spotAsk <= 0 {
		return math.Inf(-1)
	}
	return (futBid-spotAsk)/spotAsk*100 - (spotFee+futFee)*100
}

func (t *DeltaNeutralTask) analyze() error {
	spot, ok := t.spotMarket.BookTicker(t.ctx.Symbol.Spot())
	if !ok {
		return fmt.Errorf("no spot ticker for %s", t.ctx.Symbol)
	}
	fut, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !ok {
		return fmt.Errorf("no futures ticker for %s", t.ctx.Symbol)
	}

	spread := entrySpreadPct(spot.AskPrice, fut.BidPrice, t.ctx.Params.SpotFee, t.ctx.Params.FutFee)
	if spread < -t.ctx.Params.MaxEntryCostPct {
		return nil // keep analyzing
	}
	t.mu.Lock()
	t.ctx.Opportunity = &Opportunity{
		SpotAsk:   spot.AskPrice,
		FutBid:    fut.BidPrice,
		SpreadPct: spread,
		SeenAt:    time.Now(),
	}
	t.mu.Unlock()
	t.logger.Info("entry opportunity", "spread_pct", spread,
		"spot_ask", spot.AskPrice, "fut_bid", fut.BidPrice)
	t.transition(ArbEntering)
	return nil
}

// enter builds the two legs. The futures hedge is adjusted to the spot
// quantity actually filled before any further spot action, keeping the
// book delta-neutral under partial fills.
func (t *DeltaNeutralTask) enter(ctx context.Context) error {
	spotTicker, ok := t.spotMarket.BookTicker(t.ctx.Symbol.Spot())
	if !ok {
		return fmt.Errorf("no spot ticker for %s", t.ctx.Symbol)
	}
	futTicker, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !ok {
		return fmt.Errorf("no futures ticker for %s", t.ctx.Symbol)
	}
	info, ok := t.spotMarket.SymbolInfo(t.ctx.Symbol.Spot())
	if !ok {
		return fmt.Errorf("no symbol info for %s", t.ctx.Symbol)
	}
	futInfo, ok := t.futMarket.SymbolInfo(t.ctx.Symbol.Futures())
	if !ok {
		return fmt.Errorf("no futures symbol info for %s", t.ctx.Symbol)
	}

	// settle resting orders first so delta and remainder are current
	spotPos := t.ctx.Positions.Spot
	working, err := t.settleLeg(ctx, legSpot, t.spotTrade, t.ctx.Symbol.Spot(), spotPos)
	if err != nil {
		return err
	}

	// hedge next: futures must always cover the spot inventory, even
	// the part a still-resting order has already filled. The threshold
	// is the contract's own minimum; the spot minimum can be smaller
	// than what the futures venue will accept.
	if delta := t.delta(); delta >= minHedgeQty(futInfo) {
		return t.hedge(ctx, delta, futTicker)
	}

	need := composite.TruncateToStep(spotPos.RemainingQty(info.Step), info)
	if !working && need < info.MinQuantity {
		now := time.Now()
		t.mu.Lock()
		t.ctx.EntryTime = &now
		t.mu.Unlock()
		t.transition(ArbHolding)
		return nil
	}

	// the limit path owns its resting order: it re-prices on drift even
	// while the order works
	if t.ctx.Params.LimitOrdersEnabled {
		return t.placeSpotLimit(ctx, need, spotTicker, futTicker, info)
	}
	if working {
		return nil
	}

	order, err := t.spotTrade.PlaceMarketOrder(ctx, t.ctx.Symbol.Spot(), types.BUY, need, spotTicker.AskPrice)
	if err != nil {
		return err
	}
	t.applyFill(legSpot, spotPos, order, spotTicker.AskPrice)
	return nil
}

// placeSpotLimit rests a maker buy priced off the futures bid so the
// locked-in spread stays at limit_profit_pct, never lifting the ask.
func (t *DeltaNeutralTask) placeSpotLimit(ctx context.Context, need float64, spotTicker, futTicker types.BookTicker, info types.SymbolInfo) error {
	limit := futTicker.BidPrice / (1 + t.ctx.Params.LimitProfitPct/100)
	if limit >= spotTicker.AskPrice {
		limit = spotTicker.AskPrice - info.Tick
	}
	limit = composite.TruncateToTick(limit, info)
	if limit <= 0 {
		return fmt.Errorf("degenerate limit price for %s", t.ctx.Symbol)
	}

	// replace a resting limit only when it drifted past tolerance
	if resting := t.firstActive(legSpot); resting != nil {
		driftPct := math.Abs(resting.Price-limit) / limit * 100
		if driftPct <= t.ctx.Params.LimitProfitTolerancePct {
			return nil
		}
		canceled, err := t.spotTrade.CancelOrder(ctx, t.ctx.Symbol.Spot(), resting.OrderID)
		if err != nil {
			var notFound *errs.OrderNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
		t.reconcileCanceled(legSpot, t.ctx.Positions.Spot, *resting, canceled)
		return nil
	}

	order, err := t.spotTrade.PlaceLimitOrder(ctx, t.ctx.Symbol.Spot(), types.BUY, limit, need)
	if err != nil {
		return err
	}
	t.applyFill(legSpot, t.ctx.Positions.Spot, order, limit)
	return nil
}

// reconcileCanceled merges fills the cancel ack reported beyond the
// last poll, then stops tracking the order. Without this a fill that
// lands between the last GetOrder and the venue purging the id would
// vanish from the position.
func (t *DeltaNeutralTask) reconcileCanceled(leg string, pos *types.Position, prev types.Order, canceled *types.Order) {
	if canceled != nil {
		if newFill := canceled.FilledQuantity - prev.FilledQuantity; newFill > 0 {
			price := canceled.AveragePrice
			if price == 0 {
				price = prev.Price
			}
			pos.Update(prev.Side, newFill, price)
			t.addVolume(newFill * price)
		}
	}
	t.dropActive(leg, prev.OrderID)
}

// settleLeg refreshes tracked orders on one leg and merges fills into
// the position. Returns acted=true when an order is still working.
func (t *DeltaNeutralTask) settleLeg(ctx context.Context, leg string, trade trader, symbol types.Symbol, pos *types.Position) (acted bool, err error) {
	for id := range t.activeOrders(leg) {
		order, err := trade.GetOrder(ctx, symbol, id)
		var notFound *errs.OrderNotFoundError
		if errors.As(err, &notFound) {
			// the venue forgot the id; every observed fill was merged
			// incrementally, so the tracked state is already final
			t.dropActive(leg, id)
			continue
		}
		if err != nil {
			return false, err
		}
		prev := t.activeOrders(leg)[id]
		if newFill := order.FilledQuantity - prev.FilledQuantity; newFill > 0 {
			pos.Update(order.Side, newFill, order.Price)
			t.addVolume(newFill * order.Price)
		}
		if order.IsDone() {
			t.dropActive(leg, id)
			continue
		}
		t.trackActive(leg, *order)
		acted = true
	}
	return acted, nil
}

// hedge sends one futures market order for the signed delta.
func (t *DeltaNeutralTask) hedge(ctx context.Context, delta float64, futTicker types.BookTicker) error {
	side := types.SELL
	hint := futTicker.BidPrice
	if delta < 0 {
		side = types.BUY
		hint = futTicker.AskPrice
	}
	qty := math.Abs(delta)
	order, err := t.futTrade.PlaceMarketOrder(ctx, t.ctx.Symbol.Futures(), side, qty, hint)
	if err != nil {
		return err
	}
	t.applyFill(legFutures, t.ctx.Positions.Futures, order, hint)
	return nil
}

// delta is spot exposure minus the futures short covering it.
func (t *DeltaNeutralTask) delta() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx.Positions.Spot.Qty - t.ctx.Positions.Futures.Qty
}

// hold watches for the exit condition: profit target, max hold time, or
// stop loss.
func (t *DeltaNeutralTask) hold() error {
	pnl, err := t.unrealizedPnLPct()
	if err != nil {
		return err
	}

	p := t.ctx.Params
	switch {
	case pnl >= p.MinProfitPct:
		t.logger.Info("profit target reached", "pnl_pct", pnl)
	case p.StopLossPct > 0 && pnl <= -p.StopLossPct:
		t.logger.Warn("stop loss hit", "pnl_pct", pnl)
	case t.ctx.EntryTime != nil && time.Since(*t.ctx.EntryTime) >= time.Duration(p.MaxHours*float64(time.Hour)):
		t.logger.Info("max hold time elapsed", "pnl_pct", pnl)
	default:
		return nil
	}
	t.transition(ArbExiting)
	return nil
}

// unrealizedPnLPct marks both legs to the prices an exit would realize:
// spot sells at the bid net of fees, futures buys back at the ask plus
// fees.
func (t *DeltaNeutralTask) unrealizedPnLPct() (float64, error) {
	spot, ok := t.spotMarket.BookTicker(t.ctx.Symbol.Spot())
	if !ok {
		return 0, fmt.Errorf("no spot ticker for %s", t.ctx.Symbol)
	}
	fut, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !ok {
		return 0, fmt.Errorf("no futures ticker for %s", t.ctx.Symbol)
	}
	spotPos, futPos := t.ctx.Positions.Spot, t.ctx.Positions.Futures
	if spotPos.Qty == 0 || spotPos.Price == 0 {
		return 0, nil
	}
	p := t.ctx.Params
	spotEdge := spot.BidPrice*(1-p.SpotFee) - spotPos.Price
	futEdge := futPos.Price - fut.AskPrice*(1+p.FutFee)
	return (spotEdge + futEdge) / spotPos.Price * 100, nil
}

// exit unwinds both legs with market orders, then closes the cycle.
func (t *DeltaNeutralTask) exit(ctx context.Context) error {
	spotTicker, okSpot := t.spotMarket.BookTicker(t.ctx.Symbol.Spot())
	futTicker, okFut := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !okSpot || !okFut {
		return fmt.Errorf("no tickers for %s during exit", t.ctx.Symbol)
	}

	// pull any resting entry order before liquidating
	if resting := t.firstActive(legSpot); resting != nil {
		canceled, err := t.spotTrade.CancelOrder(ctx, t.ctx.Symbol.Spot(), resting.OrderID)
		if err != nil {
			var notFound *errs.OrderNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
		t.reconcileCanceled(legSpot, t.ctx.Positions.Spot, *resting, canceled)
		return nil
	}

	spotPos, futPos := t.ctx.Positions.Spot, t.ctx.Positions.Futures
	if spotPos.Qty > 0 {
		order, err := t.spotTrade.PlaceMarketOrder(ctx, t.ctx.Symbol.Spot(), types.SELL, spotPos.Qty, spotTicker.BidPrice)
		if err != nil {
			return err
		}
		t.applyFill(legSpot, spotPos, order, spotTicker.BidPrice)
		return nil
	}
	if futPos.Qty > 0 {
		order, err := t.futTrade.PlaceMarketOrder(ctx, t.ctx.Symbol.Futures(), types.BUY, futPos.Qty, futTicker.AskPrice)
		if err != nil {
			return err
		}
		t.applyFill(legFutures, futPos, order, futTicker.AskPrice)
		return nil
	}

	// flat: close out the cycle
	t.mu.Lock()
	t.ctx.Cycles++
	t.ctx.Opportunity = nil
	t.ctx.EntryTime = nil
	t.ctx.Positions.Spot.Reset(t.ctx.Params.OrderQuantity, false)
	t.ctx.Positions.Futures.Reset(t.ctx.Params.OrderQuantity, false)
	cycles := t.ctx.Cycles
	t.mu.Unlock()
	t.logger.Info("cycle closed", "cycles", cycles)
	t.transition(ArbIdle)
	return nil
}

// applyFill merges a just-placed order into the position. Market acks
// that do not echo fills are treated as filled at the hint price.
func (t *DeltaNeutralTask) applyFill(leg string, pos *types.Position, order *types.Order, hint float64) {
	qty := order.FilledQuantity
	price := order.AveragePrice
	if qty == 0 && order.OrderType == types.OrderTypeMarket {
		qty = order.Quantity
	}
	if price == 0 {
		price = hint
	}
	if qty == 0 {
		t.trackActive(leg, *order)
		return
	}
	pos.Update(order.Side, qty, price)
	t.addVolume(qty * price)
	// a partial ack keeps working; track it with its fills merged so
	// settleLeg only accrues the increment beyond them
	if !order.IsDone() {
		t.trackActive(leg, *order)
	}
}

func (t *DeltaNeutralTask) transition(next ArbState) {
	t.mu.Lock()
	prev := t.ctx.ArbitrageState
	t.ctx.ArbitrageState = next
	t.mu.Unlock()
	if prev != next {
		t.logger.Info("arbitrage transition", "from", string(prev), "to", string(next))
	}
}

func (t *DeltaNeutralTask) activeOrders(leg string) map[string]types.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]types.Order, len(t.ctx.ActiveOrders[leg]))
	for id, o := range t.ctx.ActiveOrders[leg] {
		out[id] = o
	}
	return out
}

func (t *DeltaNeutralTask) firstActive(leg string) *types.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.ctx.ActiveOrders[leg] {
		cp := o
		return &cp
	}
	return nil
}

func (t *DeltaNeutralTask) trackActive(leg string, order types.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.ActiveOrders[leg] == nil {
		t.ctx.ActiveOrders[leg] = map[string]types.Order{}
	}
	t.ctx.ActiveOrders[leg][order.OrderID] = order
}

func (t *DeltaNeutralTask) dropActive(leg, orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ctx.ActiveOrders[leg], orderID)
}

func (t *DeltaNeutralTask) addVolume(v float64) {
	t.mu.Lock()
	t.ctx.Volume += v
	t.mu.Unlock()
}

// minHedgeQty is the smallest order the hedge venue accepts; callers
// pass the futures contract's rules, never the spot symbol's.
func minHedgeQty(info types.SymbolInfo) float64 {
	if info.MinQuantity > 0 {
		return info.MinQuantity
	}
	return info.Step
}

// Cleanup cancels any resting entry order. Open positions stay; the
// persisted context records them for the operator.
func (t *DeltaNeutralTask) Cleanup(ctx context.Context) error {
	if t.spotTrade == nil {
		return nil
	}
	for id := range t.activeOrders(legSpot) {
		if _, err := t.spotTrade.CancelOrder(ctx, t.ctx.Symbol.Spot(), id); err != nil {
			var notFound *errs.OrderNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
		t.dropActive(legSpot, id)
	}
	return nil
}

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

// CrossExchangeContextType tags persisted cross-exchange contexts.
const CrossExchangeContextType = "cross_exchange"

// OperationMode selects how the spot leg behaves.
type OperationMode string

const (
	// ModeTraditional enters once, holds, exits once.
	ModeTraditional OperationMode = "traditional"
	// ModeSpotSwitching migrates the spot leg between venues as
	// relative prices drift.
	ModeSpotSwitching OperationMode = "spot_switching"
)

// SpotOpportunity is the cheapest spot entry found in the last scan.
type SpotOpportunity struct {
	Exchange     types.ExchangeEnum `json:"exchange"`
	SpotAsk      float64            `json:"spot_ask"`
	FutBid       float64            `json:"fut_bid"`
	EntryCostPct float64            `json:"entry_cost_pct"`
	SeenAt       time.Time          `json:"seen_at"`
}

// MultiSpotPositionState tracks the spot inventory per venue plus the
// single futures hedge covering the sum of it.
type MultiSpotPositionState struct {
	// ActiveSpot is the venue currently holding inventory; empty when flat.
	ActiveSpot types.ExchangeEnum                     `json:"active_spot,omitempty"`
	Spots      map[types.ExchangeEnum]*types.Position `json:"spots"`
	Futures    *types.Position                        `json:"futures"`
}

// TotalSpotQty sums spot inventory across venues.
func (m *MultiSpotPositionState) TotalSpotQty() float64 {
	var total float64
	for _, pos := range m.Spots {
		total += pos.Qty
	}
	return total
}

// Delta is total spot exposure minus the futures hedge.
func (m *MultiSpotPositionState) Delta() float64 {
	return m.TotalSpotQty() - m.Futures.Qty
}

// CrossExchangeContext is the persisted state of the multi-venue
// arbitrage runner: buy spot where it is cheapest relative to the
// futures bid, hedge on the futures venue, optionally migrate the spot
// leg when another venue prices better.
type CrossExchangeContext struct {
	TaskID             string                 `json:"task_id"`
	Symbol             types.Symbol           `json:"symbol"`
	SpotExchanges      []types.ExchangeEnum   `json:"spot_exchanges"`
	FuturesExchange    types.ExchangeEnum     `json:"futures_exchange"`
	OperationMode      OperationMode          `json:"operation_mode"`
	Params             TradingParameters      `json:"params"`
	MinSwitchProfitPct float64                `json:"min_switch_profit_pct"`
	SpotSwitchEnabled  bool                   `json:"spot_switch_enabled"`
	Positions          MultiSpotPositionState `json:"multi_spot_positions"`
	ArbitrageState     ArbState               `json:"arbitrage_state"`
	Opportunity        *SpotOpportunity       `json:"current_opportunity,omitempty"`
	EntryTime          *time.Time             `json:"entry_time,omitempty"`
	Cycles             int                    `json:"cycles"`
	Volume             float64                `json:"volume"`
}

func (c CrossExchangeContext) validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("cross-exchange: task id required")
	}
	if len(c.SpotExchanges) == 0 {
		return fmt.Errorf("cross-exchange %s: at least one spot exchange required", c.TaskID)
	}
	if c.Params.OrderQuantity <= 0 {
		return fmt.Errorf("cross-exchange %s: order_quantity must be positive", c.TaskID)
	}
	switch c.OperationMode {
	case ModeTraditional, ModeSpotSwitching:
	default:
		return fmt.Errorf("cross-exchange %s: operation mode %q", c.TaskID, c.OperationMode)
	}
	return nil
}

// CrossExchangeTask runs the multi-spot arbitrage state machine.
type CrossExchangeTask struct {
	taskBase
	ctx CrossExchangeContext

	spotMarkets map[types.ExchangeEnum]marketData
	spotTraders map[types.ExchangeEnum]trader
	futMarket   marketData
	futTrade    trader
}

func NewCrossExchangeTask(ctx CrossExchangeContext, registry *composite.Registry, logger *slog.Logger) (*CrossExchangeTask, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	if ctx.ArbitrageState == "" {
		ctx.ArbitrageState = ArbIdle
	}
	if ctx.Positions.Spots == nil {
		ctx.Positions.Spots = make(map[types.ExchangeEnum]*types.Position)
	}
	for _, enum := range ctx.SpotExchanges {
		if ctx.Positions.Spots[enum] == nil {
			ctx.Positions.Spots[enum] = types.NewPosition(ctx.Params.OrderQuantity)
		}
	}
	if ctx.Positions.Futures == nil {
		fut := types.NewPosition(ctx.Params.OrderQuantity)
		fut.SetMode(types.ModeHedge)
		ctx.Positions.Futures = fut
	}
	return &CrossExchangeTask{
		taskBase:    newTaskBase(ctx.TaskID, ctx.Symbol, registry, logger),
		ctx:         ctx,
		spotMarkets: make(map[types.ExchangeEnum]marketData),
		spotTraders: make(map[types.ExchangeEnum]trader),
	}, nil
}

func (t *CrossExchangeTask) Context() any        { return t.snapshot() }
func (t *CrossExchangeTask) ContextType() string { return CrossExchangeContextType }

func (t *CrossExchangeTask) snapshot() CrossExchangeContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.ctx
	cp.Positions.Spots = make(map[types.ExchangeEnum]*types.Position, len(t.ctx.Positions.Spots))
	for enum, pos := range t.ctx.Positions.Spots {
		p := *pos
		cp.Positions.Spots[enum] = &p
	}
	if t.ctx.Positions.Futures != nil {
		f := *t.ctx.Positions.Futures
		cp.Positions.Futures = &f
	}
	return cp
}

func (t *CrossExchangeTask) resolve() error {
	for _, enum := range t.ctx.SpotExchanges {
		if t.spotMarkets[enum] != nil {
			continue
		}
		market, trade, err := t.venues(enum)
		if err != nil {
			return err
		}
		t.spotMarkets[enum] = market
		t.spotTraders[enum] = trade
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

// ExecuteOnce advances the state machine by at most one transition.
func (t *CrossExchangeTask) ExecuteOnce(ctx context.Context) scheduler.StepResult {
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
		t.setArbState(ArbAnalyzing)
	case ArbAnalyzing:
		err = t.analyze()
	case ArbEntering:
		err = t.enter(ctx)
	case ArbHolding:
		err = t.hold(ctx)
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

func (t *CrossExchangeTask) translateError(err error) scheduler.StepResult {
	var insufficient *errs.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		t.logger.Warn("insufficient balance, unwinding", "error", err)
		t.setArbState(ArbExiting)
		return fail(scheduler.TaskRunning, err)
	}
	var vErr *errs.ValidationError
	if errors.As(err, &vErr) {
		t.setArbState(ArbError)
		t.setState(scheduler.TaskError)
		return scheduler.StepResult{Continue: false, State: scheduler.TaskError, Err: err}
	}
	return fail(scheduler.TaskRunning, err)
}

func (t *CrossExchangeTask) stopRequested(ctx context.Context) scheduler.StepResult {
	if t.ctx.Positions.TotalSpotQty() == 0 && t.ctx.Positions.Futures.Qty == 0 {
		t.setState(scheduler.TaskCancelled)
		return terminal(scheduler.TaskCancelled)
	}
	if t.ctx.ArbitrageState != ArbExiting {
		t.setArbState(ArbExiting)
	} else if err := t.exit(ctx); err != nil {
		return fail(scheduler.TaskRunning, err)
	}
	return scheduler.StepResult{Continue: true, NextDelay: stepDelay(), State: scheduler.TaskRunning}
}

// scanOpportunities computes the fee-free entry cost against every spot
// venue and returns them cheapest first.
func (t *CrossExchangeTask) scanOpportunities() ([]SpotOpportunity, error) {
	fut, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !ok || fut.BidPrice <= 0 {
		return nil, fmt.Errorf("no futures ticker for %s", t.ctx.Symbol)
	}

	var best []SpotOpportunity
	for _, enum := range t.ctx.SpotExchanges {
		ticker, ok := t.spotMarkets[enum].BookTicker(t.ctx.Symbol.Spot())
		if !ok || ticker.AskPrice <= 0 {
			continue
		}
		cost := (ticker.AskPrice - fut.BidPrice) / ticker.AskPrice * 100
		best = append(best, SpotOpportunity{
			Exchange:     enum,
			SpotAsk:      ticker.AskPrice,
			FutBid:       fut.BidPrice,
			EntryCostPct: cost,
			SeenAt:       time.Now(),
		})
	}
	if len(best) == 0 {
		return nil, fmt.Errorf("no spot tickers for %s", t.ctx.Symbol)
	}
	for i := 1; i < len(best); i++ {
		for j := i; j > 0 && best[j].EntryCostPct < best[j-1].EntryCostPct; j-- {
			best[j], best[j-1] = best[j-1], best[j]
		}
	}
	return best, nil
}

func (t *CrossExchangeTask) analyze() error {
	opps, err := t.scanOpportunities()
	if err != nil {
		return err
	}
	pick := opps[0]
	if pick.EntryCostPct > t.ctx.Params.MaxEntryCostPct {
		return nil // too expensive everywhere; keep scanning
	}
	t.mu.Lock()
	t.ctx.Opportunity = &pick
	t.mu.Unlock()
	t.logger.Info("spot entry opportunity", "exchange", string(pick.Exchange),
		"entry_cost_pct", pick.EntryCostPct)
	t.setArbState(ArbEntering)
	return nil
}

// enter builds the spot leg on the chosen venue, then the hedge.
func (t *CrossExchangeTask) enter(ctx context.Context) error {
	opp := t.ctx.Opportunity
	if opp == nil {
		t.setArbState(ArbAnalyzing)
		return nil
	}
	info, ok := t.spotMarkets[opp.Exchange].SymbolInfo(t.ctx.Symbol.Spot())
	if !ok {
		return fmt.Errorf("no symbol info for %s on %s", t.ctx.Symbol, opp.Exchange)
	}
	minHedge, err := t.hedgeMinQty()
	if err != nil {
		return err
	}

	// hedge lag comes first, always
	if delta := t.ctx.Positions.Delta(); math.Abs(delta) >= minHedge {
		return t.rehedge(ctx, delta)
	}

	pos := t.ctx.Positions.Spots[opp.Exchange]
	need := composite.TruncateToStep(pos.RemainingQty(info.Step), info)
	if need < info.MinQuantity {
		now := time.Now()
		t.mu.Lock()
		t.ctx.EntryTime = &now
		t.ctx.Positions.ActiveSpot = opp.Exchange
		t.mu.Unlock()
		t.setArbState(ArbHolding)
		return nil
	}

	ticker, ok := t.spotMarkets[opp.Exchange].BookTicker(t.ctx.Symbol.Spot())
	if !ok {
		return fmt.Errorf("no spot ticker on %s", opp.Exchange)
	}
	order, err := t.spotTraders[opp.Exchange].PlaceMarketOrder(ctx, t.ctx.Symbol.Spot(), types.BUY, need, ticker.AskPrice)
	if err != nil {
		return err
	}
	t.applySpotFill(pos, order, ticker.AskPrice)
	return nil
}

// rehedge adjusts the futures leg with a single market order of the
// signed delta so it always covers the total spot inventory.
func (t *CrossExchangeTask) rehedge(ctx context.Context, delta float64) error {
	fut, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !ok {
		return fmt.Errorf("no futures ticker for %s", t.ctx.Symbol)
	}
	side := types.SELL
	hint := fut.BidPrice
	if delta < 0 {
		side = types.BUY
		hint = fut.AskPrice
	}
	order, err := t.futTrade.PlaceMarketOrder(ctx, t.ctx.Symbol.Futures(), side, math.Abs(delta), hint)
	if err != nil {
		return err
	}
	qty := order.FilledQuantity
	if qty == 0 {
		qty = order.Quantity
	}
	price := order.AveragePrice
	if price == 0 {
		price = hint
	}
	t.mu.Lock()
	t.ctx.Positions.Futures.Update(order.Side, qty, price)
	t.ctx.Volume += qty * price
	t.mu.Unlock()
	return nil
}

// hold keeps the hedge tight and, in spot_switching mode, migrates the
// spot leg when another venue prices better by min_switch_profit_pct.
// Exit conditions mirror the delta-neutral task.
func (t *CrossExchangeTask) hold(ctx context.Context) error {
	minHedge, err := t.hedgeMinQty()
	if err != nil {
		return err
	}
	if delta := t.ctx.Positions.Delta(); math.Abs(delta) >= minHedge {
		return t.rehedge(ctx, delta)
	}

	if t.switchEnabled() {
		switched, err := t.trySpotSwitch(ctx)
		if err != nil || switched {
			return err
		}
	}

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
	t.setArbState(ArbExiting)
	return nil
}

func (t *CrossExchangeTask) switchEnabled() bool {
	return t.ctx.OperationMode == ModeSpotSwitching && t.ctx.SpotSwitchEnabled
}

// trySpotSwitch sells the active spot leg and rebuys on a venue whose
// entry is cheaper by at least min_switch_profit_pct. Both migration
// legs run in the same step so total spot exposure never dips across a
// step boundary and the futures hedge stays untouched.
func (t *CrossExchangeTask) trySpotSwitch(ctx context.Context) (bool, error) {
	active := t.ctx.Positions.ActiveSpot
	if active == "" {
		return false, nil
	}
	activePos := t.ctx.Positions.Spots[active]
	if activePos == nil || activePos.Qty == 0 {
		return false, nil
	}

	exitTicker, ok := t.spotMarkets[active].BookTicker(t.ctx.Symbol.Spot())
	if !ok {
		return false, fmt.Errorf("no spot ticker on %s", active)
	}

	var target types.ExchangeEnum
	var targetAsk float64
	for _, enum := range t.ctx.SpotExchanges {
		if enum == active {
			continue
		}
		ticker, ok := t.spotMarkets[enum].BookTicker(t.ctx.Symbol.Spot())
		if !ok || ticker.AskPrice <= 0 {
			continue
		}
		impliedPct := (exitTicker.BidPrice - ticker.AskPrice) / ticker.AskPrice * 100
		if impliedPct >= t.ctx.MinSwitchProfitPct && (target == "" || ticker.AskPrice < targetAsk) {
			target = enum
			targetAsk = ticker.AskPrice
		}
	}
	if target == "" {
		return false, nil
	}

	qty := activePos.Qty
	t.logger.Info("switching spot leg", "from", string(active), "to", string(target), "qty", qty)
	sellOrder, err := t.spotTraders[active].PlaceMarketOrder(ctx, t.ctx.Symbol.Spot(), types.SELL, qty, exitTicker.BidPrice)
	if err != nil {
		return false, err
	}
	t.applySpotFill(activePos, sellOrder, exitTicker.BidPrice)

	buyOrder, err := t.spotTraders[target].PlaceMarketOrder(ctx, t.ctx.Symbol.Spot(), types.BUY, qty, targetAsk)
	if err != nil {
		return true, err
	}
	t.applySpotFill(t.ctx.Positions.Spots[target], buyOrder, targetAsk)

	t.mu.Lock()
	t.ctx.Positions.ActiveSpot = target
	t.mu.Unlock()
	return true, nil
}

// hedgeMinQty is the rehedge threshold, taken from the futures
// contract's rules: a delta the contract cannot express stays open
// rather than bouncing off the venue's minimum-size check.
func (t *CrossExchangeTask) hedgeMinQty() (float64, error) {
	info, ok := t.futMarket.SymbolInfo(t.ctx.Symbol.Futures())
	if !ok {
		return 0, fmt.Errorf("no futures symbol info for %s", t.ctx.Symbol)
	}
	return minHedgeQty(info), nil
}

// unrealizedPnLPct marks the active spot leg and the hedge to exit
// prices, the same way the delta-neutral task does.
func (t *CrossExchangeTask) unrealizedPnLPct() (float64, error) {
	active := t.ctx.Positions.ActiveSpot
	if active == "" {
		return 0, nil
	}
	spotPos := t.ctx.Positions.Spots[active]
	futPos := t.ctx.Positions.Futures
	if spotPos == nil || spotPos.Qty == 0 || spotPos.Price == 0 {
		return 0, nil
	}
	spot, ok := t.spotMarkets[active].BookTicker(t.ctx.Symbol.Spot())
	if !ok {
		return 0, fmt.Errorf("no spot ticker on %s", active)
	}
	fut, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
	if !ok {
		return 0, fmt.Errorf("no futures ticker for %s", t.ctx.Symbol)
	}
	p := t.ctx.Params
	spotEdge := spot.BidPrice*(1-p.SpotFee) - spotPos.Price
	futEdge := futPos.Price - fut.AskPrice*(1+p.FutFee)
	return (spotEdge + futEdge) / spotPos.Price * 100, nil
}

// exit unwinds every spot leg, then the hedge, then closes the cycle.
func (t *CrossExchangeTask) exit(ctx context.Context) error {
	for _, enum := range t.ctx.SpotExchanges {
		pos := t.ctx.Positions.Spots[enum]
		if pos == nil || pos.Qty == 0 {
			continue
		}
		ticker, ok := t.spotMarkets[enum].BookTicker(t.ctx.Symbol.Spot())
		if !ok {
			return fmt.Errorf("no spot ticker on %s during exit", enum)
		}
		order, err := t.spotTraders[enum].PlaceMarketOrder(ctx, t.ctx.Symbol.Spot(), types.SELL, pos.Qty, ticker.BidPrice)
		if err != nil {
			return err
		}
		t.applySpotFill(pos, order, ticker.BidPrice)
		return nil
	}

	if futPos := t.ctx.Positions.Futures; futPos.Qty > 0 {
		fut, ok := t.futMarket.BookTicker(t.ctx.Symbol.Futures())
		if !ok {
			return fmt.Errorf("no futures ticker during exit")
		}
		order, err := t.futTrade.PlaceMarketOrder(ctx, t.ctx.Symbol.Futures(), types.BUY, futPos.Qty, fut.AskPrice)
		if err != nil {
			return err
		}
		qty := order.FilledQuantity
		if qty == 0 {
			qty = order.Quantity
		}
		price := order.AveragePrice
		if price == 0 {
			price = fut.AskPrice
		}
		t.mu.Lock()
		futPos.Update(order.Side, qty, price)
		t.ctx.Volume += qty * price
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	t.ctx.Cycles++
	t.ctx.Opportunity = nil
	t.ctx.EntryTime = nil
	t.ctx.Positions.ActiveSpot = ""
	for _, pos := range t.ctx.Positions.Spots {
		pos.Reset(t.ctx.Params.OrderQuantity, false)
	}
	t.ctx.Positions.Futures.Reset(t.ctx.Params.OrderQuantity, false)
	cycles := t.ctx.Cycles
	t.mu.Unlock()
	t.logger.Info("cycle closed", "cycles", cycles)
	t.setArbState(ArbIdle)
	return nil
}

func (t *CrossExchangeTask) applySpotFill(pos *types.Position, order *types.Order, hint float64) {
	qty := order.FilledQuantity
	if qty == 0 && order.OrderType == types.OrderTypeMarket {
		qty = order.Quantity
	}
	price := order.AveragePrice
	if price == 0 {
		price = hint
	}
	if qty == 0 {
		return
	}
	t.mu.Lock()
	pos.Update(order.Side, qty, price)
	t.ctx.Volume += qty * price
	t.mu.Unlock()
}

func (t *CrossExchangeTask) setArbState(next ArbState) {
	t.mu.Lock()
	prev := t.ctx.ArbitrageState
	t.ctx.ArbitrageState = next
	t.mu.Unlock()
	if prev != next {
		t.logger.Info("arbitrage transition", "from", string(prev), "to", string(next))
	}
}

// Cleanup leaves open positions for the operator; there are no resting
// orders to pull because entries are market orders.
func (t *CrossExchangeTask) Cleanup(context.Context) error { return nil }

package strategy

import (
	"context"
	"math"
	"testing"

	"crossarb/internal/composite"
	"crossarb/internal/errs"
	"crossarb/internal/scheduler"
	"crossarb/pkg/types"
)

func newDeltaNeutralForTest(t *testing.T, ctx DeltaNeutralContext, spot, fut *fakeVenue) *DeltaNeutralTask {
	t.Helper()
	task, err := NewDeltaNeutralTask(ctx, composite.NewRegistry(), testLogger())
	if err != nil {
		t.Fatalf("NewDeltaNeutralTask: %v", err)
	}
	task.spotMarket, task.spotTrade = spot, spot
	task.futMarket, task.futTrade = fut, fut
	return task
}

func dnParams() TradingParameters {
	return TradingParameters{
		OrderQuantity:   1.0,
		MaxEntryCostPct: 0.3,
		MinProfitPct:    0.05,
		StopLossPct:     5.0,
		MaxHours:        10,
		SpotFee:         0.001,
		FutFee:          0.001,
	}
}

func dnStep(t *testing.T, task *DeltaNeutralTask) scheduler.StepResult {
	t.Helper()
	res := task.ExecuteOnce(context.Background())
	if res.Err != nil {
		t.Fatalf("step error in state %s: %v", task.snapshot().ArbitrageState, res.Err)
	}
	return res
}

func TestDeltaNeutralFullCycle(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 100.60, 100.70)

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-1", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: dnParams(),
	}, spot, fut)

	dnStep(t, task) // idle -> analyzing
	dnStep(t, task) // spread 0.399% - 0.2% fees clears the entry gate
	snap := task.snapshot()
	if snap.ArbitrageState != ArbEntering {
		t.Fatalf("state = %s, want %s", snap.ArbitrageState, ArbEntering)
	}
	if snap.Opportunity == nil || math.Abs(snap.Opportunity.SpreadPct-0.199) > 0.01 {
		t.Fatalf("opportunity = %+v, want spread near 0.199%%", snap.Opportunity)
	}

	dnStep(t, task) // spot leg: market buy 1.0 at the ask
	if spot.marketCount() != 1 {
		t.Fatalf("spot market orders = %d, want 1", spot.marketCount())
	}
	if o := spot.marketPlaced[0]; o.Side != types.BUY || math.Abs(o.Quantity-1.0) > 1e-9 {
		t.Fatalf("spot entry = %+v", o)
	}

	dnStep(t, task) // futures leg: hedge the 1.0 delta short
	if fut.marketCount() != 1 {
		t.Fatalf("futures market orders = %d, want 1", fut.marketCount())
	}
	if o := fut.marketPlaced[0]; o.Side != types.SELL || math.Abs(o.Quantity-1.0) > 1e-9 {
		t.Fatalf("futures hedge = %+v", o)
	}

	dnStep(t, task) // both legs filled -> holding
	snap = task.snapshot()
	if snap.ArbitrageState != ArbHolding {
		t.Fatalf("state = %s, want %s", snap.ArbitrageState, ArbHolding)
	}
	if snap.EntryTime == nil {
		t.Fatal("entry time not recorded")
	}

	// spread converges enough to clear the profit target net of fees
	spot.setTicker(sym.Spot(), 100.35, 100.45)
	fut.setTicker(sym.Futures(), 100.30, 100.40)
	dnStep(t, task) // holding -> exiting
	if got := task.snapshot().ArbitrageState; got != ArbExiting {
		t.Fatalf("state = %s, want %s", got, ArbExiting)
	}

	dnStep(t, task) // sell spot
	dnStep(t, task) // buy back futures
	dnStep(t, task) // flat -> cycle closed
	snap = task.snapshot()
	if snap.ArbitrageState != ArbIdle {
		t.Fatalf("state = %s, want %s after cycle", snap.ArbitrageState, ArbIdle)
	}
	if snap.Cycles != 1 {
		t.Fatalf("cycles = %d, want 1", snap.Cycles)
	}
	if snap.Positions.Spot.Qty != 0 || snap.Positions.Futures.Qty != 0 {
		t.Fatalf("positions not flat: spot=%v fut=%v",
			snap.Positions.Spot.Qty, snap.Positions.Futures.Qty)
	}
	if snap.Volume <= 0 {
		t.Fatalf("volume = %v, want > 0", snap.Volume)
	}
}

func TestDeltaNeutralSkipsExpensiveEntry(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	// futures trades far below spot: entering would lock in a loss
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 99.00, 99.10)

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-skip", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: dnParams(),
	}, spot, fut)

	dnStep(t, task)
	for i := 0; i < 5; i++ {
		dnStep(t, task)
	}
	if got := task.snapshot().ArbitrageState; got != ArbAnalyzing {
		t.Fatalf("state = %s, want to keep %s", got, ArbAnalyzing)
	}
	if spot.marketCount()+spot.limitCount()+fut.marketCount() != 0 {
		t.Fatal("orders were placed despite negative spread")
	}
}

func TestDeltaNeutralLimitEntryRestsBelowAsk(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 100.60, 100.70)

	params := dnParams()
	params.LimitOrdersEnabled = true
	params.LimitProfitPct = 0.3
	params.LimitProfitTolerancePct = 0.05

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-limit", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: params,
	}, spot, fut)

	dnStep(t, task) // idle -> analyzing
	dnStep(t, task) // analyzing -> entering
	dnStep(t, task) // rests the maker buy

	if spot.limitCount() != 1 {
		t.Fatalf("limit orders = %d, want 1", spot.limitCount())
	}
	resting := spot.limitPlaced[0]
	// fut_bid/(1+0.3%) = 100.299 crosses the ask, so it clamps to ask-tick
	if math.Abs(resting.Price-100.19) > 1e-9 {
		t.Fatalf("limit price = %v, want 100.19", resting.Price)
	}
	if resting.Price >= 100.20 {
		t.Fatalf("limit price %v would lift the ask", resting.Price)
	}

	// order rests untouched within tolerance: no churn
	dnStep(t, task)
	if spot.limitCount() != 1 || len(spot.canceled) != 0 {
		t.Fatalf("resting order churned: placed=%d canceled=%d",
			spot.limitCount(), len(spot.canceled))
	}

	// fill lands; the next steps hedge and settle into holding
	spot.finishOrder(resting.OrderID, resting.Quantity, types.OrderStatusFilled)
	dnStep(t, task) // settles fill, hedges
	if fut.marketCount() != 1 {
		t.Fatalf("futures hedge count = %d, want 1", fut.marketCount())
	}
	dnStep(t, task) // -> holding
	if got := task.snapshot().ArbitrageState; got != ArbHolding {
		t.Fatalf("state = %s, want %s", got, ArbHolding)
	}
}

func TestDeltaNeutralHedgeWaitsForContractMinimum(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	// the contract's minimum dwarfs the spot minimum
	contract := futInfo()
	contract.MinQuantity = 0.5
	fut.setInfo(sym.Futures(), contract)
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 100.60, 100.70)

	params := dnParams()
	params.LimitOrdersEnabled = true
	params.LimitProfitPct = 0.3
	params.LimitProfitTolerancePct = 0.05

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-contract-min", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: params,
	}, spot, fut)

	dnStep(t, task) // idle -> analyzing
	dnStep(t, task) // analyzing -> entering
	dnStep(t, task) // rests the maker buy
	resting := spot.limitPlaced[0]

	// a 0.3 partial is above the spot minimum but below what the
	// contract can express: no hedge order yet
	spot.finishOrder(resting.OrderID, 0.3, types.OrderStatusPartiallyFilled)
	dnStep(t, task)
	if fut.marketCount() != 0 {
		t.Fatalf("hedged %d times below the contract minimum", fut.marketCount())
	}

	spot.finishOrder(resting.OrderID, 1.0, types.OrderStatusFilled)
	dnStep(t, task) // settles the rest; delta 1.0 clears the minimum
	if fut.marketCount() != 1 {
		t.Fatalf("futures hedge count = %d, want 1", fut.marketCount())
	}
	if o := fut.marketPlaced[0]; o.Side != types.SELL || math.Abs(o.Quantity-1.0) > 1e-9 {
		t.Fatalf("futures hedge = %+v, want sell 1.0", o)
	}
}

func TestDeltaNeutralCancelAckFillsEnterPosition(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 100.60, 100.70)

	params := dnParams()
	params.LimitOrdersEnabled = true
	params.LimitProfitPct = 0.3
	params.LimitProfitTolerancePct = 0.05

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-cancel-fill", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: params,
	}, spot, fut)

	dnStep(t, task) // idle -> analyzing
	dnStep(t, task) // analyzing -> entering
	dnStep(t, task) // rests the maker buy

	// the futures bid collapses, drifting the target price past
	// tolerance; a 0.4 fill races the replace cancel to the venue
	spot.fillOnCancel = 0.4
	fut.setTicker(sym.Futures(), 99.00, 99.10)
	dnStep(t, task) // cancel; the ack reports the raced fill

	if len(spot.canceled) != 1 {
		t.Fatalf("cancels = %d, want 1", len(spot.canceled))
	}
	snap := task.snapshot()
	if math.Abs(snap.Positions.Spot.Qty-0.4) > 1e-9 {
		t.Fatalf("spot position = %v, want the 0.4 from the cancel ack", snap.Positions.Spot.Qty)
	}

	dnStep(t, task) // the recovered fill gets hedged
	if fut.marketCount() != 1 || math.Abs(fut.marketPlaced[0].Quantity-0.4) > 1e-9 {
		t.Fatalf("hedge orders = %+v, want one sell of 0.4", fut.marketPlaced)
	}
}

func TestDeltaNeutralInsufficientBalanceUnwinds(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 100.60, 100.70)
	spot.placeErr = &errs.InsufficientBalanceError{Asset: "USDT", Required: 100.20}

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-poor", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: dnParams(),
	}, spot, fut)

	dnStep(t, task) // idle -> analyzing
	dnStep(t, task) // analyzing -> entering
	res := task.ExecuteOnce(context.Background())
	if res.Err == nil || !res.Continue {
		t.Fatalf("want retriable error, got %+v", res)
	}
	if got := task.snapshot().ArbitrageState; got != ArbExiting {
		t.Fatalf("state = %s, want %s", got, ArbExiting)
	}
}

func TestDeltaNeutralRecoveryPreservesPositions(t *testing.T) {
	t.Parallel()
	registerTestReconstructors(t)

	sym := types.NewSymbol("BTC", "USDT")
	spot, fut := newFakeVenue(), newFakeVenue()
	spot.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	spot.setTicker(sym.Spot(), 100.10, 100.20)
	fut.setTicker(sym.Futures(), 100.60, 100.70)

	task := newDeltaNeutralForTest(t, DeltaNeutralContext{
		TaskID: "dn-recover", Symbol: sym,
		SpotExchange: types.MEXCSpot, FuturesExchange: types.GateioFutures,
		Params: dnParams(),
	}, spot, fut)

	// run until both legs are on
	for i := 0; i < 5; i++ {
		dnStep(t, task)
	}
	if got := task.snapshot().ArbitrageState; got != ArbHolding {
		t.Fatalf("state = %s, want %s before persist", got, ArbHolding)
	}

	store, err := scheduler.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := store.Save(task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tasks, err := scheduler.Recover(store, 0, testLogger())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("recovered %d tasks, want 1", len(tasks))
	}
	restored, ok := tasks[0].(*DeltaNeutralTask)
	if !ok {
		t.Fatalf("recovered %T, want *DeltaNeutralTask", tasks[0])
	}
	if restored.ID() != "dn-recover" {
		t.Fatalf("task id = %s", restored.ID())
	}
	snap := restored.snapshot()
	if snap.ArbitrageState != ArbHolding {
		t.Fatalf("restored state = %s, want %s", snap.ArbitrageState, ArbHolding)
	}
	if math.Abs(snap.Positions.Spot.Qty-1.0) > 1e-9 || math.Abs(snap.Positions.Futures.Qty-1.0) > 1e-9 {
		t.Fatalf("restored positions: spot=%v fut=%v, want 1.0 each",
			snap.Positions.Spot.Qty, snap.Positions.Futures.Qty)
	}

	// resumed task holds without re-entering: no duplicate orders
	restored.spotMarket, restored.spotTrade = spot, spot
	restored.futMarket, restored.futTrade = fut, fut
	before := spot.marketCount() + fut.marketCount()
	dnStep(t, restored)
	if after := spot.marketCount() + fut.marketCount(); after != before {
		t.Fatalf("recovered task placed %d duplicate orders", after-before)
	}
}

package strategy

import (
	"context"
	"math"
	"testing"

	"crossarb/internal/composite"
	"crossarb/internal/scheduler"
	"crossarb/pkg/types"
)

func newCrossForTest(t *testing.T, ctx CrossExchangeContext, spots map[types.ExchangeEnum]*fakeVenue, fut *fakeVenue) *CrossExchangeTask {
	t.Helper()
	task, err := NewCrossExchangeTask(ctx, composite.NewRegistry(), testLogger())
	if err != nil {
		t.Fatalf("NewCrossExchangeTask: %v", err)
	}
	for enum, venue := range spots {
		task.spotMarkets[enum] = venue
		task.spotTraders[enum] = venue
	}
	task.futMarket, task.futTrade = fut, fut
	return task
}

func ceParams() TradingParameters {
	p := dnParams()
	p.MinProfitPct = 5.0 // keep cycles from exiting mid-test
	return p
}

func ceContext(mode OperationMode) CrossExchangeContext {
	return CrossExchangeContext{
		TaskID: "ce-1", Symbol: types.NewSymbol("BTC", "USDT"),
		SpotExchanges:      []types.ExchangeEnum{types.MEXCSpot, types.GateioSpot},
		FuturesExchange:    types.GateioFutures,
		OperationMode:      mode,
		Params:             ceParams(),
		MinSwitchProfitPct: 0.2,
		SpotSwitchEnabled:  true,
	}
}

// ceSetup prices Gate as the cheaper spot venue against the futures bid.
func ceSetup(t *testing.T, mode OperationMode) (*CrossExchangeTask, *fakeVenue, *fakeVenue, *fakeVenue) {
	t.Helper()
	sym := types.NewSymbol("BTC", "USDT")
	mexc, gate, fut := newFakeVenue(), newFakeVenue(), newFakeVenue()
	mexc.setInfo(sym.Spot(), spotInfo())
	gate.setInfo(sym.Spot(), spotInfo())
	fut.setInfo(sym.Futures(), futInfo())
	mexc.setTicker(sym.Spot(), 100.40, 100.50)
	gate.setTicker(sym.Spot(), 100.20, 100.30)
	fut.setTicker(sym.Futures(), 100.60, 100.70)

	task := newCrossForTest(t, ceContext(mode), map[types.ExchangeEnum]*fakeVenue{
		types.MEXCSpot:   mexc,
		types.GateioSpot: gate,
	}, fut)
	return task, mexc, gate, fut
}

func ceStep(t *testing.T, task *CrossExchangeTask) scheduler.StepResult {
	t.Helper()
	res := task.ExecuteOnce(context.Background())
	if res.Err != nil {
		t.Fatalf("step error in state %s: %v", task.snapshot().ArbitrageState, res.Err)
	}
	return res
}

func ceDriveToHolding(t *testing.T, task *CrossExchangeTask) {
	t.Helper()
	for i := 0; i < 6; i++ {
		ceStep(t, task)
		if task.snapshot().ArbitrageState == ArbHolding {
			return
		}
	}
	t.Fatalf("never reached %s, stuck in %s", ArbHolding, task.snapshot().ArbitrageState)
}

func TestCrossExchangePicksCheapestSpotVenue(t *testing.T) {
	t.Parallel()
	task, mexc, gate, fut := ceSetup(t, ModeTraditional)

	ceDriveToHolding(t, task)

	snap := task.snapshot()
	if snap.Positions.ActiveSpot != types.GateioSpot {
		t.Fatalf("active spot = %s, want %s", snap.Positions.ActiveSpot, types.GateioSpot)
	}
	if snap.Opportunity == nil || snap.Opportunity.Exchange != types.GateioSpot {
		t.Fatalf("opportunity = %+v, want the Gate entry", snap.Opportunity)
	}
	if mexc.marketCount() != 0 {
		t.Fatalf("bought on the expensive venue: %d orders", mexc.marketCount())
	}
	if gate.marketCount() != 1 {
		t.Fatalf("gate market orders = %d, want 1", gate.marketCount())
	}
	if o := gate.marketPlaced[0]; o.Side != types.BUY || math.Abs(o.Quantity-1.0) > 1e-9 {
		t.Fatalf("spot entry = %+v", o)
	}
	if fut.marketCount() != 1 {
		t.Fatalf("futures hedge count = %d, want 1", fut.marketCount())
	}
	if o := fut.marketPlaced[0]; o.Side != types.SELL || math.Abs(o.Quantity-1.0) > 1e-9 {
		t.Fatalf("futures hedge = %+v", o)
	}
	if delta := snap.Positions.Delta(); math.Abs(delta) > 1e-9 {
		t.Fatalf("delta = %v, want neutral", delta)
	}
}

func TestCrossExchangeSwitchesSpotVenue(t *testing.T) {
	t.Parallel()
	task, mexc, gate, fut := ceSetup(t, ModeSpotSwitching)
	sym := types.NewSymbol("BTC", "USDT")

	ceDriveToHolding(t, task)

	// Gate's bid now clears MEXC's ask by ~0.4%: migrate the spot leg
	gate.setTicker(sym.Spot(), 100.80, 100.90)
	mexc.setTicker(sym.Spot(), 100.30, 100.40)
	ceStep(t, task)

	snap := task.snapshot()
	if snap.Positions.ActiveSpot != types.MEXCSpot {
		t.Fatalf("active spot = %s, want %s after switch", snap.Positions.ActiveSpot, types.MEXCSpot)
	}
	if qty := snap.Positions.Spots[types.GateioSpot].Qty; qty != 0 {
		t.Fatalf("gate position = %v, want flat after switch", qty)
	}
	if qty := snap.Positions.Spots[types.MEXCSpot].Qty; math.Abs(qty-1.0) > 1e-9 {
		t.Fatalf("mexc position = %v, want 1.0 after switch", qty)
	}
	if gate.marketCount() != 2 { // entry buy + switch sell
		t.Fatalf("gate market orders = %d, want 2", gate.marketCount())
	}
	if o := gate.marketPlaced[1]; o.Side != types.SELL {
		t.Fatalf("switch leg on gate = %+v, want a sell", o)
	}
	if mexc.marketCount() != 1 {
		t.Fatalf("mexc market orders = %d, want 1", mexc.marketCount())
	}
	// the hedge never moves: total spot is unchanged
	if fut.marketCount() != 1 {
		t.Fatalf("futures orders = %d, hedge should not churn on a switch", fut.marketCount())
	}
}

func TestCrossExchangeTraditionalNeverSwitches(t *testing.T) {
	t.Parallel()
	task, mexc, gate, _ := ceSetup(t, ModeTraditional)
	sym := types.NewSymbol("BTC", "USDT")

	ceDriveToHolding(t, task)

	gate.setTicker(sym.Spot(), 100.80, 100.90)
	mexc.setTicker(sym.Spot(), 100.30, 100.40)
	ceStep(t, task)

	snap := task.snapshot()
	if snap.Positions.ActiveSpot != types.GateioSpot {
		t.Fatalf("active spot moved to %s in traditional mode", snap.Positions.ActiveSpot)
	}
	if mexc.marketCount() != 0 {
		t.Fatalf("mexc market orders = %d, want 0", mexc.marketCount())
	}
}

func TestCrossExchangeStopUnwindsAllLegs(t *testing.T) {
	t.Parallel()
	task, _, gate, fut := ceSetup(t, ModeTraditional)

	ceDriveToHolding(t, task)
	task.Stop()

	var res scheduler.StepResult
	for i := 0; i < 10; i++ {
		res = task.ExecuteOnce(context.Background())
		if res.Err != nil {
			t.Fatalf("unwind step: %v", res.Err)
		}
		if !res.Continue {
			break
		}
	}
	if res.State != scheduler.TaskCancelled {
		t.Fatalf("final state = %s, want %s", res.State, scheduler.TaskCancelled)
	}
	snap := task.snapshot()
	if snap.Positions.TotalSpotQty() != 0 || snap.Positions.Futures.Qty != 0 {
		t.Fatalf("positions not flat: spot=%v fut=%v",
			snap.Positions.TotalSpotQty(), snap.Positions.Futures.Qty)
	}
	// entry buy then unwind sell on gate; hedge on then off on futures
	if gate.marketCount() != 2 || fut.marketCount() != 2 {
		t.Fatalf("unwind orders: gate=%d fut=%d, want 2 each",
			gate.marketCount(), fut.marketCount())
	}
}

package types

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPositionVWAPSameSide(t *testing.T) {
	t.Parallel()
	p := NewPosition(30)
	p.Update(BUY, 10, 100)
	p.Update(BUY, 10, 110)

	if !almostEqual(p.Qty, 20) {
		t.Errorf("Qty = %v, want 20", p.Qty)
	}
	if !almostEqual(p.Price, 105) {
		t.Errorf("Price = %v, want 105 (VWAP)", p.Price)
	}
	if p.Side != BUY {
		t.Errorf("Side = %v, want BUY", p.Side)
	}
}

func TestPositionReduceRealizesPnL(t *testing.T) {
	t.Parallel()
	p := NewPosition(0)
	p.Update(BUY, 10, 100)
	p.Update(SELL, 4, 110)

	if !almostEqual(p.Qty, 6) {
		t.Errorf("Qty = %v, want 6", p.Qty)
	}
	if !almostEqual(p.Price, 100) {
		t.Errorf("entry price should be unchanged on reduce, got %v", p.Price)
	}
	if !almostEqual(p.RealizedPnL, 40) {
		t.Errorf("RealizedPnL = %v, want 40", p.RealizedPnL)
	}
}

func TestPositionFlipOnOverfill(t *testing.T) {
	t.Parallel()
	p := NewPosition(0)
	p.Update(BUY, 5, 100)
	p.Update(SELL, 8, 90)

	if p.Side != SELL {
		t.Errorf("Side = %v, want SELL after flip", p.Side)
	}
	if !almostEqual(p.Qty, 3) {
		t.Errorf("Qty = %v, want 3", p.Qty)
	}
	if !almostEqual(p.Price, 90) {
		t.Errorf("Price = %v, want fill price 90", p.Price)
	}
	// Closed 5 @ 90 against entry 100, long side: -50.
	if !almostEqual(p.RealizedPnL, -50) {
		t.Errorf("RealizedPnL = %v, want -50", p.RealizedPnL)
	}
}

func TestPositionExactClose(t *testing.T) {
	t.Parallel()
	p := NewPosition(0)
	p.Update(SELL, 2, 50)
	p.Update(BUY, 2, 45)

	if p.Qty != 0 || p.Side != "" || p.Price != 0 {
		t.Errorf("position not flat: %+v", p)
	}
	if !almostEqual(p.RealizedPnL, 10) {
		t.Errorf("RealizedPnL = %v, want 10 (short 2 from 50 to 45)", p.RealizedPnL)
	}
}

func TestPositionAccumulateFulfillment(t *testing.T) {
	t.Parallel()
	p := NewPosition(10)
	p.Update(BUY, 6, 100)
	if p.IsFulfilled(0.001) {
		t.Error("should not be fulfilled at 6/10")
	}
	if !almostEqual(p.RemainingQty(0.001), 4) {
		t.Errorf("RemainingQty = %v, want 4", p.RemainingQty(0.001))
	}

	// A partial unwind must not reset accumulate progress.
	p.Update(SELL, 2, 101)
	if !almostEqual(p.RemainingQty(0.001), 4) {
		t.Errorf("accumulate progress lost on reduce: remaining = %v", p.RemainingQty(0.001))
	}

	p.Update(BUY, 3.9995, 100)
	if !p.IsFulfilled(0.001) {
		t.Error("should be fulfilled within min step tolerance")
	}
}

func TestPositionHedgeModeTracksLiveQty(t *testing.T) {
	t.Parallel()
	p := NewPosition(5)
	p.SetMode(ModeHedge)
	p.Update(SELL, 5, 100)
	if !p.IsFulfilled(0.001) {
		t.Error("hedge should be fulfilled at live qty 5")
	}
	p.Update(BUY, 2, 99)
	if p.IsFulfilled(0.001) {
		t.Error("hedge no longer fulfilled after reduction")
	}
	if !almostEqual(p.RemainingQty(0.001), 2) {
		t.Errorf("RemainingQty = %v, want 2", p.RemainingQty(0.001))
	}
}

func TestPositionReset(t *testing.T) {
	t.Parallel()
	p := NewPosition(10)
	p.Update(BUY, 10, 100)
	p.Update(SELL, 10, 110)
	p.LastOrder = &Order{OrderID: "x"}

	p.Reset(20, false)
	if p.Qty != 0 || p.AccQty != 0 || p.TargetQty != 20 || p.LastOrder != nil {
		t.Errorf("Reset left state behind: %+v", p)
	}
	if almostEqual(p.RealizedPnL, 0) {
		t.Error("Reset(resetPnL=false) should keep realized PnL")
	}

	p.Reset(5, true)
	if p.RealizedPnL != 0 {
		t.Error("Reset(resetPnL=true) should clear realized PnL")
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	t.Parallel()
	p := NewPosition(0)
	p.Update(SELL, 3, 100)
	if !almostEqual(p.UnrealizedPnL(95), 15) {
		t.Errorf("short UnrealizedPnL = %v, want 15", p.UnrealizedPnL(95))
	}
	if !almostEqual(p.SignedQty(), -3) {
		t.Errorf("SignedQty = %v, want -3", p.SignedQty())
	}
}

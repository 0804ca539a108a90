package types

import (
	"math"
	"time"
)

// PositionMode selects how a Position interprets its target.
//
//   - ModeAccumulate: the position is building toward TargetQty; AccQty
//     tracks the lifetime quantity accumulated so fulfillment survives
//     partial unwinds.
//   - ModeHedge: the position mirrors exposure elsewhere; fulfillment means
//     current Qty matches TargetQty.
type PositionMode string

const (
	ModeAccumulate PositionMode = "accumulate"
	ModeHedge      PositionMode = "hedge"
)

// Position tracks directional exposure for one (exchange, symbol) leg.
// Price is the volume-weighted average entry of the remaining quantity.
// Serialized to JSON inside task contexts for crash recovery.
type Position struct {
	Qty         float64      `json:"qty"`
	Price       float64      `json:"price"`
	Side        Side         `json:"side,omitempty"`
	Mode        PositionMode `json:"mode"`
	AccQty      float64      `json:"acc_qty"`
	TargetQty   float64      `json:"target_qty"`
	RealizedPnL float64      `json:"realized_pnl"`
	LastOrder   *Order       `json:"last_order,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at,omitempty"`
}

// NewPosition creates an empty accumulate-mode position with the given target.
func NewPosition(target float64) *Position {
	return &Position{Mode: ModeAccumulate, TargetQty: target}
}

// Update merges a fill into the position.
//
// Same side as the current exposure: quantities add and Price becomes the
// VWAP. Opposite side: the position is reduced, realizing PnL against the
// entry VWAP; a fill larger than the current quantity flips the side and
// the remainder carries the fill price as its new entry.
func (p *Position) Update(side Side, qty, price float64) {
	if qty <= 0 {
		return
	}
	defer func() { p.UpdatedAt = time.Now() }()

	if p.Mode == ModeAccumulate && (p.Side == "" || p.Side == side) {
		p.AccQty += qty
	}

	if p.Qty == 0 || p.Side == "" || p.Side == side {
		total := p.Qty + qty
		p.Price = (p.Price*p.Qty + price*qty) / total
		p.Qty = total
		p.Side = side
		return
	}

	// Opposite side: reduce, possibly flip.
	closed := math.Min(qty, p.Qty)
	p.RealizedPnL += (price - p.Price) * closed * p.Side.Sign()
	if qty < p.Qty {
		p.Qty -= qty
		return
	}
	remainder := qty - p.Qty
	if remainder == 0 {
		p.Qty = 0
		p.Price = 0
		p.Side = ""
		return
	}
	p.Qty = remainder
	p.Price = price
	p.Side = side
}

// RemainingQty returns the quantity still needed to reach the target.
// In accumulate mode progress is measured by AccQty, in hedge mode by the
// live quantity. Remainders below minStep collapse to zero.
func (p *Position) RemainingQty(minStep float64) float64 {
	var done float64
	switch p.Mode {
	case ModeHedge:
		done = p.Qty
	default:
		done = p.AccQty
	}
	rem := p.TargetQty - done
	if rem < minStep {
		return 0
	}
	return rem
}

// IsFulfilled reports whether the target has been reached within minStep.
func (p *Position) IsFulfilled(minStep float64) bool {
	return p.RemainingQty(minStep) == 0
}

// Reset clears the position and installs a new target. Realized PnL is
// preserved unless resetPnL is set.
func (p *Position) Reset(target float64, resetPnL bool) {
	p.Qty = 0
	p.Price = 0
	p.Side = ""
	p.AccQty = 0
	p.TargetQty = target
	p.LastOrder = nil
	if resetPnL {
		p.RealizedPnL = 0
	}
	p.UpdatedAt = time.Now()
}

// SetMode switches between accumulate and hedge accounting.
func (p *Position) SetMode(mode PositionMode) {
	p.Mode = mode
}

// SignedQty returns the quantity signed by side (+long, -short).
func (p *Position) SignedQty() float64 {
	if p.Side == "" {
		return 0
	}
	return p.Qty * p.Side.Sign()
}

// UnrealizedPnL marks the open quantity against price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Qty == 0 || p.Side == "" {
		return 0
	}
	return (price - p.Price) * p.Qty * p.Side.Sign()
}

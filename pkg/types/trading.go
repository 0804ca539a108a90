package types

import "math"

// Order is the normalized view of one exchange order. FilledQuantity is
// cumulative; Status FILLED implies FilledQuantity ≈ Quantity within the
// symbol's step tolerance.
type Order struct {
	OrderID        string      `json:"order_id"`
	Symbol         Symbol      `json:"symbol"`
	Side           Side        `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
	TimestampMs    int64       `json:"timestamp_ms"`
	ClientOrderID  string      `json:"client_order_id,omitempty"`
	AveragePrice   float64     `json:"average_price,omitempty"`
	Fee            float64     `json:"fee,omitempty"`
	FeeAsset       AssetName   `json:"fee_asset,omitempty"`
}

// RemainingQuantity returns the unfilled remainder, floored at zero.
func (o *Order) RemainingQuantity() float64 {
	return math.Max(o.Quantity-o.FilledQuantity, 0)
}

// IsDone reports whether the order reached a terminal status.
func (o *Order) IsDone() bool {
	return o.Status.IsTerminal()
}

// AssetBalance is one asset's free/locked split on a single exchange.
type AssetBalance struct {
	Asset     AssetName `json:"asset"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
}

// Total returns available plus locked.
func (b AssetBalance) Total() float64 {
	return b.Available + b.Locked
}

// OrderRequest is what a caller hands to a private composite to place an
// order. Price is ignored for market orders. ClientOrderID is optional;
// composites assign one when empty.
type OrderRequest struct {
	Symbol        Symbol      `json:"symbol"`
	Side          Side        `json:"side"`
	OrderType     OrderType   `json:"order_type"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	TimeInForce   TimeInForce `json:"time_in_force,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

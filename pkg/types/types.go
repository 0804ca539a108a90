// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — symbols, orders,
// balances, order books and the enums that describe them. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// AssetName is an uppercase asset ticker, e.g. "BTC" or "USDT".
type AssetName string

// ExchangeEnum identifies one adapter registration. Every adapter registers
// under exactly one tag; composites and persisted task contexts refer to
// exchanges by this tag only, never by handle.
type ExchangeEnum string

const (
	MEXCSpot      ExchangeEnum = "MEXC_SPOT"
	GateioSpot    ExchangeEnum = "GATEIO_SPOT"
	GateioFutures ExchangeEnum = "GATEIO_FUTURES"
)

// IsFutures reports whether the tag refers to a futures venue.
func (e ExchangeEnum) IsFutures() bool {
	return e == GateioFutures
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == BUY {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
	OrderTypeIOC        OrderType = "IMMEDIATE_OR_CANCEL"
	OrderTypeFOK        OrderType = "FILL_OR_KILL"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the lifecycle state reported by an exchange.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further fills can occur for this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// TimeInForce controls how long an order remains active.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTD TimeInForce = "GTD"
)

// KlineInterval is a candle period supported by both venues.
type KlineInterval string

const (
	Kline1m  KlineInterval = "1m"
	Kline5m  KlineInterval = "5m"
	Kline15m KlineInterval = "15m"
	Kline30m KlineInterval = "30m"
	Kline1h  KlineInterval = "1h"
	Kline4h  KlineInterval = "4h"
	Kline12h KlineInterval = "12h"
	Kline1d  KlineInterval = "1d"
	Kline1w  KlineInterval = "1w"
	Kline1M  KlineInterval = "1M"
)

// Duration returns the wall-clock span of one candle. Months use 30 days;
// the value is only used for pagination step sizing, not calendar math.
func (k KlineInterval) Duration() time.Duration {
	switch k {
	case Kline1m:
		return time.Minute
	case Kline5m:
		return 5 * time.Minute
	case Kline15m:
		return 15 * time.Minute
	case Kline30m:
		return 30 * time.Minute
	case Kline1h:
		return time.Hour
	case Kline4h:
		return 4 * time.Hour
	case Kline12h:
		return 12 * time.Hour
	case Kline1d:
		return 24 * time.Hour
	case Kline1w:
		return 7 * 24 * time.Hour
	case Kline1M:
		return 30 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// ————————————————————————————————————————————————————————————————————————
// Symbol
// ————————————————————————————————————————————————————————————————————————

// Symbol is a trading pair plus an instrument-kind flag. Equality is
// structural, so Symbol is usable directly as a map key.
type Symbol struct {
	Base      AssetName `json:"base"`
	Quote     AssetName `json:"quote"`
	IsFutures bool      `json:"is_futures"`
}

// NewSymbol builds a spot symbol.
func NewSymbol(base, quote AssetName) Symbol {
	return Symbol{Base: base, Quote: quote}
}

// NewFuturesSymbol builds a futures symbol.
func NewFuturesSymbol(base, quote AssetName) Symbol {
	return Symbol{Base: base, Quote: quote, IsFutures: true}
}

// ParseSymbol is the inverse of String: "BASE/QUOTE" with an optional
// ":FUT" suffix for futures.
func ParseSymbol(s string) (Symbol, error) {
	raw, fut := strings.CutSuffix(s, ":FUT")
	base, quote, ok := strings.Cut(raw, "/")
	if !ok || base == "" || quote == "" || strings.ContainsAny(quote, ":/") {
		return Symbol{}, fmt.Errorf("malformed symbol %q", s)
	}
	return Symbol{Base: AssetName(base), Quote: AssetName(quote), IsFutures: fut}, nil
}

// String renders "BASE/QUOTE", futures suffixed with ":FUT".
func (s Symbol) String() string {
	if s.IsFutures {
		return fmt.Sprintf("%s/%s:FUT", s.Base, s.Quote)
	}
	return fmt.Sprintf("%s/%s", s.Base, s.Quote)
}

// Less orders symbols lexicographically with futures after spot, so sorted
// listings group the spot leg ahead of its hedge.
func (s Symbol) Less(other Symbol) bool {
	if s.IsFutures != other.IsFutures {
		return !s.IsFutures
	}
	if s.Base != other.Base {
		return s.Base < other.Base
	}
	return s.Quote < other.Quote
}

// Spot returns the spot twin of a futures symbol (identity for spot).
func (s Symbol) Spot() Symbol {
	return Symbol{Base: s.Base, Quote: s.Quote}
}

// Futures returns the futures twin of a spot symbol (identity for futures).
func (s Symbol) Futures() Symbol {
	return Symbol{Base: s.Base, Quote: s.Quote, IsFutures: true}
}

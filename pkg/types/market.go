package types

import "time"

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// BookTicker is a compact top-of-book record.
type BookTicker struct {
	Symbol      Symbol  `json:"symbol"`
	BidPrice    float64 `json:"bid_price"`
	BidQty      float64 `json:"bid_qty"`
	AskPrice    float64 `json:"ask_price"`
	AskQty      float64 `json:"ask_qty"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// MidPrice returns (bid+ask)/2, or 0 when either side is empty.
func (bt BookTicker) MidPrice() float64 {
	if bt.BidPrice == 0 || bt.AskPrice == 0 {
		return 0
	}
	return (bt.BidPrice + bt.AskPrice) / 2
}

// OrderBook is an L2 view: bids sorted descending, asks ascending.
type OrderBook struct {
	Symbol      Symbol       `json:"symbol"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	TimestampMs int64        `json:"timestamp_ms"`
	UpdateID    int64        `json:"update_id"`
}

// BestBid returns the top bid level, ok=false on an empty side.
func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, ok=false on an empty side.
func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// TopOfBook condenses the book into a BookTicker.
func (ob *OrderBook) TopOfBook() BookTicker {
	bt := BookTicker{Symbol: ob.Symbol, TimestampMs: ob.TimestampMs}
	if bid, ok := ob.BestBid(); ok {
		bt.BidPrice, bt.BidQty = bid.Price, bid.Qty
	}
	if ask, ok := ob.BestAsk(); ok {
		bt.AskPrice, bt.AskQty = ask.Price, ask.Qty
	}
	return bt
}

// OrderBookUpdateKind tags how a book update was produced.
type OrderBookUpdateKind string

const (
	BookUpdateSnapshot  OrderBookUpdateKind = "SNAPSHOT"
	BookUpdateDiff      OrderBookUpdateKind = "DIFF"
	BookUpdateReconnect OrderBookUpdateKind = "RECONNECT"
)

// Trade is a public trade print.
type Trade struct {
	Symbol      Symbol  `json:"symbol"`
	Side        Side    `json:"side"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	QuoteQty    float64 `json:"quote_quantity"`
	TimestampMs int64   `json:"timestamp_ms"`
	TradeID     string  `json:"trade_id"`
	IsMaker     bool    `json:"is_maker"`
}

// Kline is one OHLCV candle.
type Kline struct {
	Symbol      Symbol        `json:"symbol"`
	Interval    KlineInterval `json:"interval"`
	OpenTimeMs  int64         `json:"open_time_ms"`
	CloseTimeMs int64         `json:"close_time_ms"`
	Open        float64       `json:"open"`
	High        float64       `json:"high"`
	Low         float64       `json:"low"`
	Close       float64       `json:"close"`
	Volume      float64       `json:"volume"`
}

// SymbolInfo carries per-symbol trading rules published by an exchange.
// Tick and Step are the price and quantity increments; precisions are the
// decimal places the wire format accepts.
type SymbolInfo struct {
	Symbol         Symbol  `json:"symbol"`
	PricePrecision int32   `json:"price_precision"`
	QtyPrecision   int32   `json:"qty_precision"`
	MinQuantity    float64 `json:"min_quantity"`
	MaxQuantity    float64 `json:"max_quantity"`
	MinNotional    float64 `json:"min_notional"`
	Tick           float64 `json:"tick"`
	Step           float64 `json:"step"`
	IsActive       bool    `json:"is_active"`
}

// SymbolsInfo maps every symbol one exchange lists to its trading rules.
type SymbolsInfo map[Symbol]SymbolInfo

// BalanceSnapshot is published by the private composite's periodic balance
// sync so consumers can observe account state without polling themselves.
type BalanceSnapshot struct {
	Exchange ExchangeEnum               `json:"exchange"`
	Balances map[AssetName]AssetBalance `json:"balances"`
	TakenAt  time.Time                  `json:"taken_at"`
}

// Package exchange defines the client contracts every venue adapter
// implements, plus the factory that builds them by ExchangeEnum.
//
// Adapters register their constructors in init(); consumers reach them
// only through the factory and never import adapter packages directly.
package exchange

import (
	"context"

	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// PublicREST is the unauthenticated market-data surface of one venue.
type PublicREST interface {
	// GetSymbolsInfo returns trading rules for every listed symbol.
	GetSymbolsInfo(ctx context.Context) (types.SymbolsInfo, error)
	// GetOrderBook returns a depth snapshot. depth<=0 uses the venue default.
	GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error)
	GetRecentTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error)
	GetBookTicker(ctx context.Context, symbol types.Symbol) (*types.BookTicker, error)
	// GetKlines covers [startMs, endMs), paginating across the venue's
	// per-call maximum and honoring the shared rate limiter.
	GetKlines(ctx context.Context, symbol types.Symbol, interval types.KlineInterval, startMs, endMs int64) ([]types.Kline, error)
}

// PrivateREST is the authenticated trading surface. Every call hits the
// wire; nothing here is cached.
type PrivateREST interface {
	GetBalances(ctx context.Context) (*types.BalanceSnapshot, error)
	GetAssetBalance(ctx context.Context, asset types.AssetName) (types.AssetBalance, error)
	GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error)
	GetOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error)
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error)
	CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error)
	// ModifyOrder amends price/quantity in place where the venue supports
	// it; otherwise returns a ClientError and callers cancel-and-replace.
	ModifyOrder(ctx context.Context, symbol types.Symbol, orderID string, price, quantity float64) (*types.Order, error)
	// GetPositions lists open derivative positions. Spot venues return an
	// empty slice.
	GetPositions(ctx context.Context) ([]FuturesPosition, error)
}

// ListenKeyManager is implemented by private REST clients whose private
// WS authenticates with a REST-minted session key.
type ListenKeyManager interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	DeleteListenKey(ctx context.Context, key string) error
}

// Stream is the common shape of a managed WS connection.
type Stream interface {
	// Run connects and blocks until ctx cancellation or a fatal error.
	Run(ctx context.Context) error
	Close() error
	OnStateChange(fn func(transport.ConnState))
	State() transport.ConnState
	// Messages yields decoded frames in receive order.
	Messages() <-chan transport.ParsedMessage
}

// PublicWS streams market data for dynamically managed symbol sets.
type PublicWS interface {
	Stream
	SubscribeOrderBook(symbols ...types.Symbol) error
	UnsubscribeOrderBook(symbols ...types.Symbol) error
	SubscribeBookTicker(symbols ...types.Symbol) error
	UnsubscribeBookTicker(symbols ...types.Symbol) error
	SubscribeTrades(symbols ...types.Symbol) error
	UnsubscribeTrades(symbols ...types.Symbol) error
}

// PrivateWS streams the account's order, balance, and execution events.
// Channel set is fixed at connect time.
type PrivateWS interface {
	Stream
}

// FuturesPosition is one open derivatives position as reported by the
// venue. Size is signed: positive long, negative short.
type FuturesPosition struct {
	Symbol        types.Symbol `json:"symbol"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Leverage      float64      `json:"leverage"`
}

// BookUpdate is the payload of an ORDERBOOK stream message. Full marks a
// complete snapshot; otherwise bids/asks are deltas (qty 0 removes).
type BookUpdate struct {
	Symbol      types.Symbol
	Bids        []types.PriceLevel
	Asks        []types.PriceLevel
	Full        bool
	UpdateID    int64
	TimestampMs int64
}

// Execution is one of our own fills from the private stream.
type Execution struct {
	OrderID     string
	Symbol      types.Symbol
	Side        types.Side
	Price       float64
	Quantity    float64
	Fee         float64
	FeeAsset    types.AssetName
	TimestampMs int64
	IsMaker     bool
}

// BalanceUpdate carries the balances changed by one private event.
type BalanceUpdate struct {
	Exchange    types.ExchangeEnum
	Balances    []types.AssetBalance
	TimestampMs int64
}

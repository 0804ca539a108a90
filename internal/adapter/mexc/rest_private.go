package mexc

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/metrics"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// PrivateClient is the authenticated spot trading surface. Every method
// issues a fresh REST request.
type PrivateClient struct {
	rest   *transport.RESTClient
	logger *slog.Logger
}

func NewPrivateClient(cfg config.ExchangeConfig, limiter *transport.Limiter, logger *slog.Logger) (exchange.PrivateREST, error) {
	rest := transport.NewRESTClient(transport.RESTConfig{
		Exchange:       "mexc",
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.Network.RequestTimeout,
		MaxRetries:     cfg.Network.MaxRetries,
		RetryDelay:     cfg.Network.RetryDelay,
	}, limiter, &signer{apiKey: cfg.Credentials.APIKey, secretKey: cfg.Credentials.SecretKey}, decodeError, logger)
	return &PrivateClient{rest: rest, logger: logger.With("adapter", "mexc")}, nil
}

type wireAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (c *PrivateClient) GetBalances(ctx context.Context) (*types.BalanceSnapshot, error) {
	var wire wireAccount
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/account",
		Query:  authQuery(),
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	snap := &types.BalanceSnapshot{
		Exchange: types.MEXCSpot,
		Balances: make(map[types.AssetName]types.AssetBalance, len(wire.Balances)),
		TakenAt:  time.Now(),
	}
	for _, b := range wire.Balances {
		asset := types.AssetName(b.Asset)
		snap.Balances[asset] = types.AssetBalance{
			Asset:     asset,
			Available: parseFloat(b.Free),
			Locked:    parseFloat(b.Locked),
		}
	}
	return snap, nil
}

func (c *PrivateClient) GetAssetBalance(ctx context.Context, asset types.AssetName) (types.AssetBalance, error) {
	snap, err := c.GetBalances(ctx)
	if err != nil {
		return types.AssetBalance{}, err
	}
	if b, ok := snap.Balances[asset]; ok {
		return b, nil
	}
	return types.AssetBalance{Asset: asset}, nil
}

// wireOrder is the order shape shared by place, query, and cancel
// responses.
type wireOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             string `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

func (w wireOrder) toDomain() (*types.Order, error) {
	sym, err := fromPair(w.Symbol)
	if err != nil {
		return nil, err
	}
	o := &types.Order{
		OrderID:        w.OrderID,
		Symbol:         sym,
		Side:           types.Side(w.Side),
		OrderType:      mapOrderType(w.Type),
		Price:          parseFloat(w.Price),
		Quantity:       parseFloat(w.OrigQty),
		FilledQuantity: parseFloat(w.ExecutedQty),
		Status:         mapStatus(w.Status),
		TimestampMs:    w.Time,
		ClientOrderID:  w.ClientOrderID,
	}
	if o.TimestampMs == 0 {
		o.TimestampMs = w.UpdateTime
	}
	if o.FilledQuantity > 0 {
		o.AveragePrice = parseFloat(w.CummulativeQuoteQty) / o.FilledQuantity
	}
	return o, nil
}

func (c *PrivateClient) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	q := authQuery()
	q.Set("symbol", toPair(symbol))
	var wire []wireOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/openOrders",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Order, 0, len(wire))
	for _, wo := range wire {
		o, err := wo.toDomain()
		if err != nil {
			c.logger.Warn("skipping unmappable order", "pair", wo.Symbol, "error", err)
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (c *PrivateClient) GetOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	q := authQuery()
	q.Set("symbol", toPair(symbol))
	q.Set("orderId", orderID)
	var wire wireOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/order",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	return wire.toDomain()
}

func (c *PrivateClient) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	wireType, ok := orderTypeToWire[req.OrderType]
	if !ok {
		return nil, &errs.ValidationError{Field: "order_type", Message: "type not supported by mexc spot"}
	}

	q := authQuery()
	q.Set("symbol", toPair(req.Symbol))
	q.Set("side", string(req.Side))
	q.Set("type", wireType)
	q.Set("quantity", formatQty(req.Quantity))
	if req.OrderType != types.OrderTypeMarket {
		q.Set("price", formatQty(req.Price))
	}
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}

	var wire wireOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/api/v3/order",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues("mexc", req.Symbol.String(), string(req.Side), string(req.OrderType)).Inc()

	order, derr := wire.toDomain()
	if derr != nil {
		return nil, derr
	}
	// Placement acks omit most fields; backfill from the request.
	order.Symbol = req.Symbol
	order.Side = req.Side
	order.OrderType = req.OrderType
	if order.Price == 0 {
		order.Price = req.Price
	}
	if order.Quantity == 0 {
		order.Quantity = req.Quantity
	}
	if order.Status == types.OrderStatusUnknown {
		order.Status = types.OrderStatusNew
	}
	return order, nil
}

func (c *PrivateClient) CancelOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	q := authQuery()
	q.Set("symbol", toPair(symbol))
	q.Set("orderId", orderID)
	var wire wireOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodDelete,
		Path:   "/api/v3/order",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersCanceled.WithLabelValues("mexc", symbol.String()).Inc()

	order, derr := wire.toDomain()
	if derr != nil {
		return nil, derr
	}
	order.Symbol = symbol
	if order.Status == types.OrderStatusUnknown {
		order.Status = types.OrderStatusCanceled
	}
	return order, nil
}

func (c *PrivateClient) CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	q := authQuery()
	q.Set("symbol", toPair(symbol))
	var wire []wireOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodDelete,
		Path:   "/api/v3/openOrders",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Order, 0, len(wire))
	for _, wo := range wire {
		o, derr := wo.toDomain()
		if derr != nil {
			continue
		}
		o.Symbol = symbol
		metrics.OrdersCanceled.WithLabelValues("mexc", symbol.String()).Inc()
		out = append(out, *o)
	}
	return out, nil
}

// ModifyOrder is not supported on MEXC spot; callers cancel-and-replace.
func (c *PrivateClient) ModifyOrder(ctx context.Context, symbol types.Symbol, orderID string, price, quantity float64) (*types.Order, error) {
	return nil, &errs.ClientError{Status: http.StatusBadRequest, Message: "mexc spot does not support order modification"}
}

// GetPositions returns empty: spot carries no derivative positions.
func (c *PrivateClient) GetPositions(ctx context.Context) ([]exchange.FuturesPosition, error) {
	return nil, nil
}

// —————————————————————————————————————————————————————————————————————
// Listen key session for the private stream
// —————————————————————————————————————————————————————————————————————

type wireListenKey struct {
	ListenKey string `json:"listenKey"`
}

func (c *PrivateClient) CreateListenKey(ctx context.Context) (string, error) {
	var wire wireListenKey
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/api/v3/userDataStream",
		Query:  authQuery(),
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return "", err
	}
	return wire.ListenKey, nil
}

func (c *PrivateClient) KeepAliveListenKey(ctx context.Context, key string) error {
	q := authQuery()
	q.Set("listenKey", key)
	return c.rest.Do(ctx, transport.Call{
		Method: http.MethodPut,
		Path:   "/api/v3/userDataStream",
		Query:  q,
		Auth:   true,
	})
}

func (c *PrivateClient) DeleteListenKey(ctx context.Context, key string) error {
	q := authQuery()
	q.Set("listenKey", key)
	return c.rest.Do(ctx, transport.Call{
		Method: http.MethodDelete,
		Path:   "/api/v3/userDataStream",
		Query:  q,
		Auth:   true,
	})
}

// authQuery seeds the per-request query with the signed timestamp params.
func authQuery() url.Values {
	return url.Values{
		"timestamp":  {strconv.FormatInt(time.Now().UnixMilli(), 10)},
		"recvWindow": {recvWindow},
	}
}

// formatQty prints a float without exponent notation, trimming trailing
// zeros. Precision truncation happens upstream in order validation.
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package gateio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
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

// PrivateClient is the authenticated surface for one market. All reads
// and mutations go straight to the wire.
type PrivateClient struct {
	rest    *transport.RESTClient
	futures bool
	enum    types.ExchangeEnum
	logger  *slog.Logger
}

func NewPrivateClient(enum types.ExchangeEnum) func(config.ExchangeConfig, *transport.Limiter, *slog.Logger) (exchange.PrivateREST, error) {
	return func(cfg config.ExchangeConfig, limiter *transport.Limiter, logger *slog.Logger) (exchange.PrivateREST, error) {
		rest := transport.NewRESTClient(transport.RESTConfig{
			Exchange:       "gateio",
			BaseURL:        cfg.BaseURL,
			RequestTimeout: cfg.Network.RequestTimeout,
			MaxRetries:     cfg.Network.MaxRetries,
			RetryDelay:     cfg.Network.RetryDelay,
		}, limiter, &signer{apiKey: cfg.Credentials.APIKey, secretKey: cfg.Credentials.SecretKey}, decodeError, logger)
		return &PrivateClient{
			rest:    rest,
			futures: enum.IsFutures(),
			enum:    enum,
			logger:  logger.With("adapter", "gateio", "futures", enum.IsFutures()),
		}, nil
	}
}

type wireSpotAccount struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type wireFuturesAccount struct {
	Currency  string `json:"currency"`
	Total     string `json:"total"`
	Available string `json:"available"`
}

func (c *PrivateClient) GetBalances(ctx context.Context) (*types.BalanceSnapshot, error) {
	snap := &types.BalanceSnapshot{
		Exchange: c.enum,
		Balances: make(map[types.AssetName]types.AssetBalance),
		TakenAt:  time.Now(),
	}

	if c.futures {
		var wire wireFuturesAccount
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v4/futures/" + settle + "/accounts",
			Auth:   true,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		asset := types.AssetName(wire.Currency)
		total := parseFloat(wire.Total)
		available := parseFloat(wire.Available)
		snap.Balances[asset] = types.AssetBalance{
			Asset:     asset,
			Available: available,
			Locked:    total - available,
		}
		return snap, nil
	}

	var wire []wireSpotAccount
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/accounts",
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	for _, b := range wire {
		asset := types.AssetName(b.Currency)
		snap.Balances[asset] = types.AssetBalance{
			Asset:     asset,
			Available: parseFloat(b.Available),
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

// wireSpotOrder is the spot order shape. left is the unfilled base amount.
type wireSpotOrder struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	CreateTimeMs string `json:"create_time_ms"`
	Status       string `json:"status"`
	CurrencyPair string `json:"currency_pair"`
	Type         string `json:"type"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	Left         string `json:"left"`
	AvgDealPrice string `json:"avg_deal_price"`
	Fee          string `json:"fee"`
	FeeCurrency  string `json:"fee_currency"`
	FinishAs     string `json:"finish_as"`
	TimeInForce  string `json:"time_in_force"`
}

func (w wireSpotOrder) toDomain() (*types.Order, error) {
	sym, err := fromPair(w.CurrencyPair)
	if err != nil {
		return nil, err
	}
	amount := parseFloat(w.Amount)
	filled := amount - parseFloat(w.Left)
	if filled < 0 {
		filled = 0
	}

	side := types.BUY
	if w.Side == "sell" {
		side = types.SELL
	}
	orderType := types.OrderTypeLimit
	if w.Type == "market" {
		orderType = types.OrderTypeMarket
	} else if w.TimeInForce == "poc" {
		orderType = types.OrderTypeLimitMaker
	}

	return &types.Order{
		OrderID:        w.ID,
		Symbol:         sym,
		Side:           side,
		OrderType:      orderType,
		Price:          parseFloat(w.Price),
		Quantity:       amount,
		FilledQuantity: filled,
		Status:         mapSpotStatus(w.Status, w.FinishAs, filled),
		TimestampMs:    int64(parseFloat(w.CreateTimeMs)),
		ClientOrderID:  clientIDFromText(w.Text),
		AveragePrice:   parseFloat(w.AvgDealPrice),
		Fee:            parseFloat(w.Fee),
		FeeAsset:       types.AssetName(w.FeeCurrency),
	}, nil
}

// wireFuturesOrder sizes are signed contract counts.
type wireFuturesOrder struct {
	ID         int64   `json:"id"`
	Contract   string  `json:"contract"`
	Size       int64   `json:"size"`
	Left       int64   `json:"left"`
	Price      string  `json:"price"`
	FillPrice  string  `json:"fill_price"`
	Status     string  `json:"status"`
	FinishAs   string  `json:"finish_as"`
	TIF        string  `json:"tif"`
	CreateTime float64 `json:"create_time"`
	Text       string  `json:"text"`
}

func (w wireFuturesOrder) toDomain() (*types.Order, error) {
	sym, _, err := fromContract(w.Contract)
	if err != nil {
		return nil, err
	}
	mult, _ := multiplierFor(w.Contract)
	if mult == 0 {
		mult = 1
	}

	size := w.Size
	side := types.BUY
	if size < 0 {
		side = types.SELL
		size = -size
	}
	left := w.Left
	if left < 0 {
		left = -left
	}
	filled := float64(size-left) * mult

	orderType := types.OrderTypeLimit
	if parseFloat(w.Price) == 0 {
		orderType = types.OrderTypeMarket
	} else if w.TIF == "poc" {
		orderType = types.OrderTypeLimitMaker
	}

	return &types.Order{
		OrderID:        strconv.FormatInt(w.ID, 10),
		Symbol:         sym,
		Side:           side,
		OrderType:      orderType,
		Price:          parseFloat(w.Price),
		Quantity:       float64(size) * mult,
		FilledQuantity: filled,
		Status:         mapFuturesStatus(w.Status, w.FinishAs, filled),
		TimestampMs:    int64(w.CreateTime * 1000),
		ClientOrderID:  clientIDFromText(w.Text),
		AveragePrice:   parseFloat(w.FillPrice),
	}, nil
}

// clientIDFromText strips the mandatory "t-" prefix of user-set text tags.
func clientIDFromText(text string) string {
	if len(text) > 2 && text[:2] == "t-" {
		return text[2:]
	}
	return ""
}

func (c *PrivateClient) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	if c.futures {
		q := url.Values{"contract": {toPair(symbol)}, "status": {"open"}}
		var wire []wireFuturesOrder
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v4/futures/" + settle + "/orders",
			Query:  q,
			Auth:   true,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		return collectFutures(wire, c.logger), nil
	}

	q := url.Values{"currency_pair": {toPair(symbol)}, "status": {"open"}}
	var wire []wireSpotOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/orders",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	return collectSpot(wire, c.logger), nil
}

func collectSpot(wire []wireSpotOrder, logger *slog.Logger) []types.Order {
	out := make([]types.Order, 0, len(wire))
	for _, wo := range wire {
		o, err := wo.toDomain()
		if err != nil {
			logger.Warn("skipping unmappable order", "pair", wo.CurrencyPair, "error", err)
			continue
		}
		out = append(out, *o)
	}
	return out
}

func collectFutures(wire []wireFuturesOrder, logger *slog.Logger) []types.Order {
	out := make([]types.Order, 0, len(wire))
	for _, wo := range wire {
		o, err := wo.toDomain()
		if err != nil {
			logger.Warn("skipping unmappable order", "contract", wo.Contract, "error", err)
			continue
		}
		out = append(out, *o)
	}
	return out
}

func (c *PrivateClient) GetOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	if c.futures {
		var wire wireFuturesOrder
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v4/futures/" + settle + "/orders/" + orderID,
			Key:    "/api/v4/futures/" + settle + "/orders/{id}",
			Auth:   true,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		return wire.toDomain()
	}

	var wire wireSpotOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/orders/" + orderID,
		Key:    "/api/v4/spot/orders/{id}",
		Query:  url.Values{"currency_pair": {toPair(symbol)}},
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	return wire.toDomain()
}

func (c *PrivateClient) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	switch req.OrderType {
	case types.OrderTypeLimit, types.OrderTypeMarket, types.OrderTypeLimitMaker, types.OrderTypeIOC, types.OrderTypeFOK:
	default:
		return nil, &errs.ValidationError{Field: "order_type", Message: fmt.Sprintf("type %s not supported by gate", req.OrderType)}
	}

	if c.futures {
		return c.placeFuturesOrder(ctx, req)
	}
	return c.placeSpotOrder(ctx, req)
}

func (c *PrivateClient) placeSpotOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	body := map[string]string{
		"currency_pair": toPair(req.Symbol),
		"side":          lower(req.Side),
		"time_in_force": wireTIF(req),
	}
	if req.ClientOrderID != "" {
		body["text"] = "t-" + req.ClientOrderID
	}

	if req.OrderType == types.OrderTypeMarket {
		body["type"] = "market"
		body["time_in_force"] = "ioc"
		if req.Side == types.BUY {
			// Market buys denominate amount in quote currency; a price
			// hint is required to convert the base quantity.
			if req.Price <= 0 {
				return nil, &errs.ValidationError{Field: "price", Message: "market buy needs a price hint to size the quote amount"}
			}
			body["amount"] = formatQty(req.Quantity * req.Price)
		} else {
			body["amount"] = formatQty(req.Quantity)
		}
	} else {
		body["type"] = "limit"
		body["amount"] = formatQty(req.Quantity)
		body["price"] = formatQty(req.Price)
	}

	var wire wireSpotOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/api/v4/spot/orders",
		Body:   body,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues("gateio", req.Symbol.String(), string(req.Side), string(req.OrderType)).Inc()

	order, derr := wire.toDomain()
	if derr != nil {
		return nil, derr
	}
	order.Symbol = req.Symbol
	order.OrderType = req.OrderType
	return order, nil
}

func (c *PrivateClient) placeFuturesOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	contract := toPair(req.Symbol)
	mult, ok := multiplierFor(contract)
	if !ok || mult == 0 {
		if err := c.loadMultiplier(ctx, contract); err != nil {
			return nil, err
		}
		mult, _ = multiplierFor(contract)
		if mult == 0 {
			mult = 1
		}
	}

	size := int64(math.Round(req.Quantity / mult))
	if size == 0 {
		return nil, &errs.ValidationError{Field: "quantity", Message: "quantity below one contract"}
	}
	if req.Side == types.SELL {
		size = -size
	}

	body := map[string]any{
		"contract": contract,
		"size":     size,
		"tif":      wireTIF(req),
	}
	if req.OrderType == types.OrderTypeMarket {
		body["price"] = "0"
		body["tif"] = "ioc"
	} else {
		body["price"] = formatQty(req.Price)
	}
	if req.ClientOrderID != "" {
		body["text"] = "t-" + req.ClientOrderID
	}

	var wire wireFuturesOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/api/v4/futures/" + settle + "/orders",
		Body:   body,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues("gateio", req.Symbol.String(), string(req.Side), string(req.OrderType)).Inc()

	order, derr := wire.toDomain()
	if derr != nil {
		return nil, derr
	}
	order.Symbol = req.Symbol
	order.OrderType = req.OrderType
	return order, nil
}

// loadMultiplier fetches one contract's metadata when the cache has not
// been primed by GetSymbolsInfo.
func (c *PrivateClient) loadMultiplier(ctx context.Context, contract string) error {
	var wire wireContract
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/futures/" + settle + "/contracts/" + contract,
		Key:    "/api/v4/futures/" + settle + "/contracts/{contract}",
		Result: &wire,
	})
	if err != nil {
		return err
	}
	mult := parseFloat(wire.QuantoMultiplier)
	if mult == 0 {
		mult = 1
	}
	contractMultipliers.Store(contract, mult)
	return nil
}

func (c *PrivateClient) CancelOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	if c.futures {
		var wire wireFuturesOrder
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodDelete,
			Path:   "/api/v4/futures/" + settle + "/orders/" + orderID,
			Key:    "/api/v4/futures/" + settle + "/orders/{id}",
			Auth:   true,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		metrics.OrdersCanceled.WithLabelValues("gateio", symbol.String()).Inc()
		return wire.toDomain()
	}

	var wire wireSpotOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodDelete,
		Path:   "/api/v4/spot/orders/" + orderID,
		Key:    "/api/v4/spot/orders/{id}",
		Query:  url.Values{"currency_pair": {toPair(symbol)}},
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersCanceled.WithLabelValues("gateio", symbol.String()).Inc()
	return wire.toDomain()
}

func (c *PrivateClient) CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	if c.futures {
		q := url.Values{"contract": {toPair(symbol)}}
		var wire []wireFuturesOrder
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodDelete,
			Path:   "/api/v4/futures/" + settle + "/orders",
			Query:  q,
			Auth:   true,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		for range wire {
			metrics.OrdersCanceled.WithLabelValues("gateio", symbol.String()).Inc()
		}
		return collectFutures(wire, c.logger), nil
	}

	q := url.Values{"currency_pair": {toPair(symbol)}}
	var wire []wireSpotOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodDelete,
		Path:   "/api/v4/spot/orders",
		Query:  q,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	for range wire {
		metrics.OrdersCanceled.WithLabelValues("gateio", symbol.String()).Inc()
	}
	return collectSpot(wire, c.logger), nil
}

// ModifyOrder amends price and/or quantity in place: PATCH for spot,
// PUT for futures. Zero values leave the field unchanged.
func (c *PrivateClient) ModifyOrder(ctx context.Context, symbol types.Symbol, orderID string, price, quantity float64) (*types.Order, error) {
	if c.futures {
		body := map[string]any{}
		if price > 0 {
			body["price"] = formatQty(price)
		}
		if quantity > 0 {
			mult, _ := multiplierFor(toPair(symbol))
			if mult == 0 {
				mult = 1
			}
			body["size"] = int64(math.Round(quantity / mult))
		}
		var wire wireFuturesOrder
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodPut,
			Path:   "/api/v4/futures/" + settle + "/orders/" + orderID,
			Key:    "/api/v4/futures/" + settle + "/orders/{id}",
			Body:   body,
			Auth:   true,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		return wire.toDomain()
	}

	body := map[string]string{}
	if price > 0 {
		body["price"] = formatQty(price)
	}
	if quantity > 0 {
		body["amount"] = formatQty(quantity)
	}
	var wire wireSpotOrder
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodPatch,
		Path:   "/api/v4/spot/orders/" + orderID,
		Key:    "/api/v4/spot/orders/{id}",
		Query:  url.Values{"currency_pair": {toPair(symbol)}},
		Body:   body,
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	return wire.toDomain()
}

type wirePosition struct {
	Contract      string  `json:"contract"`
	Size          int64   `json:"size"`
	EntryPrice    string  `json:"entry_price"`
	MarkPrice     string  `json:"mark_price"`
	UnrealisedPnl string  `json:"unrealised_pnl"`
	Leverage      string  `json:"leverage"`
	CrossLeverage string  `json:"cross_leverage_limit"`
	Value         float64 `json:"value,string"`
}

func (c *PrivateClient) GetPositions(ctx context.Context) ([]exchange.FuturesPosition, error) {
	if !c.futures {
		return nil, nil
	}

	var wire []wirePosition
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/futures/" + settle + "/positions",
		Auth:   true,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make([]exchange.FuturesPosition, 0, len(wire))
	for _, wp := range wire {
		if wp.Size == 0 {
			continue
		}
		sym, _, err := fromContract(wp.Contract)
		if err != nil {
			continue
		}
		mult, _ := multiplierFor(wp.Contract)
		if mult == 0 {
			mult = 1
		}
		out = append(out, exchange.FuturesPosition{
			Symbol:        sym,
			Size:          float64(wp.Size) * mult,
			EntryPrice:    parseFloat(wp.EntryPrice),
			MarkPrice:     parseFloat(wp.MarkPrice),
			UnrealizedPnL: parseFloat(wp.UnrealisedPnl),
			Leverage:      parseFloat(wp.Leverage),
		})
	}
	return out, nil
}

func lower(s types.Side) string {
	if s == types.SELL {
		return "sell"
	}
	return "buy"
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

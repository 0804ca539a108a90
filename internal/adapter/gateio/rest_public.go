package gateio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

const klineBatchMax = 1000

// contractMultipliers caches quanto multipliers (base units per contract)
// keyed by contract name. Shared between the public and private clients
// so order size conversion never needs an extra round trip after the
// symbols have been loaded once.
var contractMultipliers sync.Map

func multiplierFor(contract string) (float64, bool) {
	v, ok := contractMultipliers.Load(contract)
	if !ok {
		return 0, false
	}
	return v.(float64), true
}

// PublicClient is the unauthenticated REST surface for one market.
type PublicClient struct {
	rest    *transport.RESTClient
	futures bool
	logger  *slog.Logger
}

// NewPublicClient returns a constructor bound to one instrument kind.
func NewPublicClient(futures bool) func(config.ExchangeConfig, *transport.Limiter, *slog.Logger) (exchange.PublicREST, error) {
	return func(cfg config.ExchangeConfig, limiter *transport.Limiter, logger *slog.Logger) (exchange.PublicREST, error) {
		rest := transport.NewRESTClient(transport.RESTConfig{
			Exchange:       "gateio",
			BaseURL:        cfg.BaseURL,
			RequestTimeout: cfg.Network.RequestTimeout,
			MaxRetries:     cfg.Network.MaxRetries,
			RetryDelay:     cfg.Network.RetryDelay,
		}, limiter, nil, decodeError, logger)
		return &PublicClient{rest: rest, futures: futures, logger: logger.With("adapter", "gateio", "futures", futures)}, nil
	}
}

func (c *PublicClient) symbol(s types.Symbol) string {
	return toPair(s)
}

type wireCurrencyPair struct {
	ID              string `json:"id"`
	Base            string `json:"base"`
	Quote           string `json:"quote"`
	MinBaseAmount   string `json:"min_base_amount"`
	MinQuoteAmount  string `json:"min_quote_amount"`
	MaxBaseAmount   string `json:"max_base_amount"`
	AmountPrecision int32  `json:"amount_precision"`
	Precision       int32  `json:"precision"`
	TradeStatus     string `json:"trade_status"`
}

type wireContract struct {
	Name             string `json:"name"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	OrderPriceRound  string `json:"order_price_round"`
	OrderSizeMin     int64  `json:"order_size_min"`
	OrderSizeMax     int64  `json:"order_size_max"`
	InDelisting      bool   `json:"in_delisting"`
}

func (c *PublicClient) GetSymbolsInfo(ctx context.Context) (types.SymbolsInfo, error) {
	if c.futures {
		return c.futuresSymbolsInfo(ctx)
	}

	var wire []wireCurrencyPair
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/currency_pairs",
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make(types.SymbolsInfo, len(wire))
	for _, wp := range wire {
		sym := types.NewSymbol(types.AssetName(wp.Base), types.AssetName(wp.Quote))
		spotCache.put(wp.ID, sym)
		out[sym] = types.SymbolInfo{
			Symbol:         sym,
			PricePrecision: wp.Precision,
			QtyPrecision:   wp.AmountPrecision,
			MinQuantity:    parseFloat(wp.MinBaseAmount),
			MaxQuantity:    parseFloat(wp.MaxBaseAmount),
			MinNotional:    parseFloat(wp.MinQuoteAmount),
			Tick:           pow10(-wp.Precision),
			Step:           pow10(-wp.AmountPrecision),
			IsActive:       wp.TradeStatus == "tradable",
		}
	}
	return out, nil
}

func (c *PublicClient) futuresSymbolsInfo(ctx context.Context) (types.SymbolsInfo, error) {
	var wire []wireContract
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/futures/" + settle + "/contracts",
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make(types.SymbolsInfo, len(wire))
	for _, wc := range wire {
		sym, expiry, err := fromContract(wc.Name)
		if err != nil || !expiry.IsZero() {
			continue // delivery contracts are addressed explicitly, not listed
		}
		mult := parseFloat(wc.QuantoMultiplier)
		if mult == 0 {
			mult = 1
		}
		contractMultipliers.Store(wc.Name, mult)
		out[sym] = types.SymbolInfo{
			Symbol:         sym,
			PricePrecision: precisionOf(wc.OrderPriceRound),
			MinQuantity:    float64(wc.OrderSizeMin) * mult,
			MaxQuantity:    float64(wc.OrderSizeMax) * mult,
			Tick:           parseFloat(wc.OrderPriceRound),
			Step:           mult,
			IsActive:       !wc.InDelisting,
		}
	}
	return out, nil
}

type wireSpotBook struct {
	ID      int64      `json:"id"`
	Current int64      `json:"current"`
	Bids    [][]string `json:"bids"`
	Asks    [][]string `json:"asks"`
}

type wireFuturesLevel struct {
	Price string `json:"p"`
	Size  int64  `json:"s"`
}

type wireFuturesBook struct {
	ID      int64              `json:"id"`
	Current float64            `json:"current"`
	Bids    []wireFuturesLevel `json:"bids"`
	Asks    []wireFuturesLevel `json:"asks"`
}

func (c *PublicClient) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	q := url.Values{}
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}

	if c.futures {
		q.Set("contract", c.symbol(symbol))
		var wire wireFuturesBook
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v4/futures/" + settle + "/order_book",
			Query:  q,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		mult, _ := multiplierFor(c.symbol(symbol))
		if mult == 0 {
			mult = 1
		}
		return &types.OrderBook{
			Symbol:      symbol,
			Bids:        futuresLevels(wire.Bids, mult),
			Asks:        futuresLevels(wire.Asks, mult),
			UpdateID:    wire.ID,
			TimestampMs: int64(wire.Current * 1000),
		}, nil
	}

	q.Set("currency_pair", c.symbol(symbol))
	q.Set("with_id", "true")
	var wire wireSpotBook
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/order_book",
		Query:  q,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	return &types.OrderBook{
		Symbol:      symbol,
		Bids:        parseLevels(wire.Bids),
		Asks:        parseLevels(wire.Asks),
		UpdateID:    wire.ID,
		TimestampMs: wire.Current,
	}, nil
}

func futuresLevels(levels []wireFuturesLevel, mult float64) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, types.PriceLevel{Price: parseFloat(l.Price), Qty: float64(l.Size) * mult})
	}
	return out
}

type wireSpotTrade struct {
	ID           string `json:"id"`
	CreateTimeMs string `json:"create_time_ms"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
}

type wireFuturesTrade struct {
	ID           int64   `json:"id"`
	CreateTimeMs float64 `json:"create_time_ms"`
	Size         int64   `json:"size"`
	Price        string  `json:"price"`
}

func (c *PublicClient) GetRecentTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	if c.futures {
		q.Set("contract", c.symbol(symbol))
		var wire []wireFuturesTrade
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v4/futures/" + settle + "/trades",
			Query:  q,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		mult, _ := multiplierFor(c.symbol(symbol))
		if mult == 0 {
			mult = 1
		}
		out := make([]types.Trade, 0, len(wire))
		for _, wt := range wire {
			side := types.BUY
			size := wt.Size
			if size < 0 {
				side = types.SELL
				size = -size
			}
			out = append(out, types.Trade{
				Symbol:      symbol,
				Side:        side,
				Price:       parseFloat(wt.Price),
				Quantity:    float64(size) * mult,
				TimestampMs: int64(wt.CreateTimeMs),
				TradeID:     strconv.FormatInt(wt.ID, 10),
			})
		}
		return out, nil
	}

	q.Set("currency_pair", c.symbol(symbol))
	var wire []wireSpotTrade
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/trades",
		Query:  q,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(wire))
	for _, wt := range wire {
		side := types.BUY
		if wt.Side == "sell" {
			side = types.SELL
		}
		price := parseFloat(wt.Price)
		qty := parseFloat(wt.Amount)
		out = append(out, types.Trade{
			Symbol:      symbol,
			Side:        side,
			Price:       price,
			Quantity:    qty,
			QuoteQty:    price * qty,
			TimestampMs: int64(parseFloat(wt.CreateTimeMs)),
			TradeID:     wt.ID,
		})
	}
	return out, nil
}

// GetBookTicker reads a depth-1 book; the tickers endpoint reports no
// top-of-book sizes.
func (c *PublicClient) GetBookTicker(ctx context.Context, symbol types.Symbol) (*types.BookTicker, error) {
	book, err := c.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	bt := book.TopOfBook()
	return &bt, nil
}

// wireSpotCandle rows: [ts, quote_volume, close, high, low, open, base_volume, ...].
type wireFuturesCandle struct {
	T int64  `json:"t"`
	V int64  `json:"v"`
	C string `json:"c"`
	H string `json:"h"`
	L string `json:"l"`
	O string `json:"o"`
}

func (c *PublicClient) GetKlines(ctx context.Context, symbol types.Symbol, interval types.KlineInterval, startMs, endMs int64) ([]types.Kline, error) {
	wireInterval, err := mapInterval(interval)
	if err != nil {
		return nil, err
	}
	if endMs <= startMs {
		return nil, &errs.ValidationError{Field: "endMs", Message: "end must be after start"}
	}

	stepSec := int64(interval.Duration().Seconds())
	from := startMs / 1000
	to := endMs / 1000

	var out []types.Kline
	for from < to {
		batchTo := from + stepSec*(klineBatchMax-1)
		if batchTo > to {
			batchTo = to
		}

		batch, err := c.klineBatch(ctx, symbol, interval, wireInterval, from, batchTo)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) == 0 {
			break
		}
		last := batch[len(batch)-1].OpenTimeMs / 1000
		next := last + stepSec
		if next <= from {
			break
		}
		from = next
	}
	return out, nil
}

func (c *PublicClient) klineBatch(ctx context.Context, symbol types.Symbol, interval types.KlineInterval, wireInterval string, fromSec, toSec int64) ([]types.Kline, error) {
	q := url.Values{
		"interval": {wireInterval},
		"from":     {strconv.FormatInt(fromSec, 10)},
		"to":       {strconv.FormatInt(toSec, 10)},
	}
	stepMs := interval.Duration().Milliseconds()

	if c.futures {
		q.Set("contract", c.symbol(symbol))
		var wire []wireFuturesCandle
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v4/futures/" + settle + "/candlesticks",
			Query:  q,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		mult, _ := multiplierFor(c.symbol(symbol))
		if mult == 0 {
			mult = 1
		}
		out := make([]types.Kline, 0, len(wire))
		for _, wc := range wire {
			out = append(out, types.Kline{
				Symbol:      symbol,
				Interval:    interval,
				OpenTimeMs:  wc.T * 1000,
				CloseTimeMs: wc.T*1000 + stepMs,
				Open:        parseFloat(wc.O),
				High:        parseFloat(wc.H),
				Low:         parseFloat(wc.L),
				Close:       parseFloat(wc.C),
				Volume:      float64(wc.V) * mult,
			})
		}
		return out, nil
	}

	q.Set("currency_pair", c.symbol(symbol))
	var wire [][]json.Number
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v4/spot/candlesticks",
		Query:  q,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.Kline, 0, len(wire))
	for _, row := range wire {
		if len(row) < 7 {
			continue
		}
		ts, _ := row[0].Int64()
		out = append(out, types.Kline{
			Symbol:      symbol,
			Interval:    interval,
			OpenTimeMs:  ts * 1000,
			CloseTimeMs: ts*1000 + stepMs,
			Open:        numFloat(row[5]),
			High:        numFloat(row[3]),
			Low:         numFloat(row[4]),
			Close:       numFloat(row[2]),
			Volume:      numFloat(row[6]),
		})
	}
	return out, nil
}

func numFloat(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func pow10(exp int32) float64 {
	out := 1.0
	if exp >= 0 {
		for i := int32(0); i < exp; i++ {
			out *= 10
		}
		return out
	}
	for i := int32(0); i < -exp; i++ {
		out /= 10
	}
	return out
}

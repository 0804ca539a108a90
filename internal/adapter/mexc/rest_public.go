package mexc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

const klineBatchMax = 1000

// PublicClient is the unauthenticated spot REST surface.
type PublicClient struct {
	rest   *transport.RESTClient
	logger *slog.Logger
}

func NewPublicClient(cfg config.ExchangeConfig, limiter *transport.Limiter, logger *slog.Logger) (exchange.PublicREST, error) {
	rest := transport.NewRESTClient(transport.RESTConfig{
		Exchange:       "mexc",
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.Network.RequestTimeout,
		MaxRetries:     cfg.Network.MaxRetries,
		RetryDelay:     cfg.Network.RetryDelay,
	}, limiter, nil, decodeError, logger)
	return &PublicClient{rest: rest, logger: logger.With("adapter", "mexc")}, nil
}

type wireExchangeInfo struct {
	Symbols []struct {
		Symbol               string `json:"symbol"`
		Status               string `json:"status"`
		BaseAsset            string `json:"baseAsset"`
		QuoteAsset           string `json:"quoteAsset"`
		BaseSizePrecision    string `json:"baseSizePrecision"`
		QuotePrecision       int32  `json:"quotePrecision"`
		BaseAssetPrecision   int32  `json:"baseAssetPrecision"`
		QuoteAmountPrecision string `json:"quoteAmountPrecision"`
		MaxQuoteAmount       string `json:"maxQuoteAmount"`
	} `json:"symbols"`
}

func (c *PublicClient) GetSymbolsInfo(ctx context.Context) (types.SymbolsInfo, error) {
	var wire wireExchangeInfo
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/exchangeInfo",
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make(types.SymbolsInfo, len(wire.Symbols))
	for _, ws := range wire.Symbols {
		sym := types.NewSymbol(types.AssetName(ws.BaseAsset), types.AssetName(ws.QuoteAsset))
		symbolCache.put(ws.Symbol, sym)
		out[sym] = types.SymbolInfo{
			Symbol:         sym,
			PricePrecision: ws.QuotePrecision,
			QtyPrecision:   ws.BaseAssetPrecision,
			MinQuantity:    parseFloat(ws.BaseSizePrecision),
			MinNotional:    parseFloat(ws.QuoteAmountPrecision),
			Tick:           pow10(-ws.QuotePrecision),
			Step:           pow10(-ws.BaseAssetPrecision),
			IsActive:       ws.Status == "1" || ws.Status == "ENABLED",
		}
	}
	return out, nil
}

type wireDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	Timestamp    int64      `json:"timestamp"`
}

func (c *PublicClient) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	q := url.Values{"symbol": {toPair(symbol)}}
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}
	var wire wireDepth
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/depth",
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
		UpdateID:    wire.LastUpdateID,
		TimestampMs: wire.Timestamp,
	}, nil
}

type wireTrade struct {
	ID           json.Number `json:"id"`
	Price        string      `json:"price"`
	Qty          string      `json:"qty"`
	QuoteQty     string      `json:"quoteQty"`
	Time         int64       `json:"time"`
	IsBuyerMaker bool        `json:"isBuyerMaker"`
}

func (c *PublicClient) GetRecentTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	q := url.Values{"symbol": {toPair(symbol)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var wire []wireTrade
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/trades",
		Query:  q,
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Trade, 0, len(wire))
	for _, wt := range wire {
		side := types.BUY
		if wt.IsBuyerMaker {
			side = types.SELL // aggressor sold into the resting bid
		}
		out = append(out, types.Trade{
			Symbol:      symbol,
			Side:        side,
			Price:       parseFloat(wt.Price),
			Quantity:    parseFloat(wt.Qty),
			QuoteQty:    parseFloat(wt.QuoteQty),
			TimestampMs: wt.Time,
			TradeID:     wt.ID.String(),
			IsMaker:     wt.IsBuyerMaker,
		})
	}
	return out, nil
}

type wireBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

func (c *PublicClient) GetBookTicker(ctx context.Context, symbol types.Symbol) (*types.BookTicker, error) {
	var wire wireBookTicker
	err := c.rest.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/ticker/bookTicker",
		Query:  url.Values{"symbol": {toPair(symbol)}},
		Result: &wire,
	})
	if err != nil {
		return nil, err
	}
	return &types.BookTicker{
		Symbol:   symbol,
		BidPrice: parseFloat(wire.BidPrice),
		BidQty:   parseFloat(wire.BidQty),
		AskPrice: parseFloat(wire.AskPrice),
		AskQty:   parseFloat(wire.AskQty),
	}, nil
}

// GetKlines pages through /api/v3/klines in batches until endMs is
// covered or the venue returns a short page.
func (c *PublicClient) GetKlines(ctx context.Context, symbol types.Symbol, interval types.KlineInterval, startMs, endMs int64) ([]types.Kline, error) {
	wireInterval, err := mapInterval(interval)
	if err != nil {
		return nil, err
	}
	if endMs <= startMs {
		return nil, &errs.ValidationError{Field: "endMs", Message: "end must be after start"}
	}

	var out []types.Kline
	cursor := startMs
	for cursor < endMs {
		q := url.Values{
			"symbol":    {toPair(symbol)},
			"interval":  {wireInterval},
			"startTime": {strconv.FormatInt(cursor, 10)},
			"endTime":   {strconv.FormatInt(endMs, 10)},
			"limit":     {strconv.Itoa(klineBatchMax)},
		}
		var wire [][]json.Number
		err := c.rest.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   "/api/v3/klines",
			Query:  q,
			Result: &wire,
		})
		if err != nil {
			return nil, err
		}
		if len(wire) == 0 {
			break
		}

		for _, row := range wire {
			// [openTime, open, high, low, close, volume, closeTime, ...]
			if len(row) < 7 {
				continue
			}
			openTime, _ := row[0].Int64()
			closeTime, _ := row[6].Int64()
			out = append(out, types.Kline{
				Symbol:      symbol,
				Interval:    interval,
				OpenTimeMs:  openTime,
				CloseTimeMs: closeTime,
				Open:        numFloat(row[1]),
				High:        numFloat(row[2]),
				Low:         numFloat(row[3]),
				Close:       numFloat(row[4]),
				Volume:      numFloat(row[5]),
			})
		}

		last, _ := wire[len(wire)-1][0].Int64()
		next := last + interval.Duration().Milliseconds()
		if next <= cursor || len(wire) < klineBatchMax {
			break
		}
		cursor = next
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

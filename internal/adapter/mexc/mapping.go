// Package mexc implements the MEXC spot adapter: public and private REST
// clients plus public and private streams. Wire formats follow the spot
// v3 API.
package mexc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"crossarb/internal/errs"
	"crossarb/pkg/types"
)

// toPair formats a Symbol as a MEXC pair string: BTC/USDT -> BTCUSDT.
func toPair(s types.Symbol) string {
	return string(s.Base) + string(s.Quote)
}

// knownQuotes is checked longest-first when splitting a pair string.
var knownQuotes = []string{"USDT", "USDC", "TUSD", "EURT", "BTC", "ETH", "EUR", "TRY"}

// pairCache memoizes pair -> Symbol lookups for the stream hot path.
// Small hand-rolled LRU; the working set is the subscribed symbol set.
type pairCache struct {
	mu    sync.Mutex
	max   int
	items map[string]types.Symbol
	order []string
}

func newPairCache(max int) *pairCache {
	return &pairCache{max: max, items: make(map[string]types.Symbol, max)}
}

func (c *pairCache) get(pair string) (types.Symbol, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[pair]
	if ok {
		c.touch(pair)
	}
	return s, ok
}

func (c *pairCache) put(pair string, s types.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[pair]; !exists && len(c.items) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[pair] = s
	c.touch(pair)
}

func (c *pairCache) touch(pair string) {
	for i, p := range c.order {
		if p == pair {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, pair)
}

var symbolCache = newPairCache(512)

// fromPair parses a MEXC pair string back into a Symbol by matching a
// known quote asset suffix.
func fromPair(pair string) (types.Symbol, error) {
	if s, ok := symbolCache.get(pair); ok {
		return s, nil
	}
	for _, q := range knownQuotes {
		if len(pair) > len(q) && strings.HasSuffix(pair, q) {
			s := types.NewSymbol(types.AssetName(pair[:len(pair)-len(q)]), types.AssetName(q))
			symbolCache.put(pair, s)
			return s, nil
		}
	}
	return types.Symbol{}, fmt.Errorf("unrecognized mexc pair %q", pair)
}

// —————————————————————————————————————————————————————————————————————
// Enum dictionaries, built once at package load
// —————————————————————————————————————————————————————————————————————

var statusFromWire = map[string]types.OrderStatus{
	"NEW":                types.OrderStatusNew,
	"PARTIALLY_FILLED":   types.OrderStatusPartiallyFilled,
	"FILLED":             types.OrderStatusFilled,
	"CANCELED":           types.OrderStatusCanceled,
	"PARTIALLY_CANCELED": types.OrderStatusCanceled,
	"REJECTED":           types.OrderStatusRejected,
	"EXPIRED":            types.OrderStatusExpired,
}

func mapStatus(wire string) types.OrderStatus {
	if s, ok := statusFromWire[wire]; ok {
		return s
	}
	return types.OrderStatusUnknown
}

var orderTypeToWire = map[types.OrderType]string{
	types.OrderTypeLimit:      "LIMIT",
	types.OrderTypeMarket:     "MARKET",
	types.OrderTypeLimitMaker: "LIMIT_MAKER",
	types.OrderTypeIOC:        "IMMEDIATE_OR_CANCEL",
	types.OrderTypeFOK:        "FILL_OR_KILL",
}

var orderTypeFromWire = func() map[string]types.OrderType {
	m := make(map[string]types.OrderType, len(orderTypeToWire))
	for k, v := range orderTypeToWire {
		m[v] = k
	}
	return m
}()

func mapOrderType(wire string) types.OrderType {
	if t, ok := orderTypeFromWire[wire]; ok {
		return t
	}
	return types.OrderTypeLimit
}

// intervalToWire maps candle periods to MEXC spot interval tags. The
// venue uses 60m for hourly and capital W/M for week/month.
var intervalToWire = map[types.KlineInterval]string{
	types.Kline1m:  "1m",
	types.Kline5m:  "5m",
	types.Kline15m: "15m",
	types.Kline30m: "30m",
	types.Kline1h:  "60m",
	types.Kline4h:  "4h",
	types.Kline12h: "12h",
	types.Kline1d:  "1d",
	types.Kline1w:  "1W",
	types.Kline1M:  "1M",
}

func mapInterval(i types.KlineInterval) (string, error) {
	w, ok := intervalToWire[i]
	if !ok {
		return "", &errs.ValidationError{Field: "interval", Message: fmt.Sprintf("interval %s not supported by mexc", i)}
	}
	return w, nil
}

// parseFloat decodes the venue's string-encoded numbers; empty is zero.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseLevels(raw [][]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		out = append(out, types.PriceLevel{Price: parseFloat(pair[0]), Qty: parseFloat(pair[1])})
	}
	return out
}

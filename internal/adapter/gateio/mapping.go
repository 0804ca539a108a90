// Package gateio implements the Gate.io adapter for both the spot and
// the USDT-settled futures APIs (v4). One package serves both exchange
// tags; clients are parameterized by instrument kind at construction.
package gateio

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"crossarb/internal/errs"
	"crossarb/pkg/types"
)

const settle = "usdt"

// toPair formats a Symbol as a Gate pair: BTC/USDT -> BTC_USDT. Futures
// perpetual contracts use the same shape; delivery contracts append an
// expiry date via contractWithExpiry.
func toPair(s types.Symbol) string {
	return string(s.Base) + "_" + string(s.Quote)
}

// contractWithExpiry formats a delivery contract: BTC_USDT_20261225.
func contractWithExpiry(s types.Symbol, expiry time.Time) string {
	return toPair(s) + "_" + expiry.Format("20060102")
}

var expirySuffix = regexp.MustCompile(`_(\d{8})$`)

// pairCache memoizes contract string parses on the stream hot path.
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

var (
	spotCache     = newPairCache(512)
	contractCache = newPairCache(512)
)

// fromPair parses a spot pair string: BTC_USDT -> BTC/USDT.
func fromPair(pair string) (types.Symbol, error) {
	if s, ok := spotCache.get(pair); ok {
		return s, nil
	}
	parts := strings.Split(pair, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.Symbol{}, fmt.Errorf("malformed gate pair %q", pair)
	}
	s := types.NewSymbol(types.AssetName(parts[0]), types.AssetName(parts[1]))
	spotCache.put(pair, s)
	return s, nil
}

// fromContract parses a futures contract name. Delivery contracts carry a
// trailing YYYYMMDD expiry which is validated and stripped; the expiry is
// returned separately (zero for perpetuals).
func fromContract(contract string) (types.Symbol, time.Time, error) {
	if s, ok := contractCache.get(contract); ok {
		return s, time.Time{}, nil
	}

	name := contract
	var expiry time.Time
	if m := expirySuffix.FindStringSubmatch(contract); m != nil {
		t, err := time.Parse("20060102", m[1])
		if err != nil {
			return types.Symbol{}, time.Time{}, fmt.Errorf("bad expiry in contract %q", contract)
		}
		expiry = t
		name = strings.TrimSuffix(contract, "_"+m[1])
	}

	parts := strings.Split(name, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.Symbol{}, time.Time{}, fmt.Errorf("malformed gate contract %q", contract)
	}
	s := types.NewFuturesSymbol(types.AssetName(parts[0]), types.AssetName(parts[1]))
	if expiry.IsZero() {
		contractCache.put(contract, s)
	}
	return s, expiry, nil
}

// —————————————————————————————————————————————————————————————————————
// Enum dictionaries
// —————————————————————————————————————————————————————————————————————

// mapSpotStatus folds Gate's status + finish_as pair into an OrderStatus.
func mapSpotStatus(status, finishAs string, filled float64) types.OrderStatus {
	switch status {
	case "open":
		if filled > 0 {
			return types.OrderStatusPartiallyFilled
		}
		return types.OrderStatusNew
	case "closed":
		return types.OrderStatusFilled
	case "cancelled":
		switch finishAs {
		case "ioc", "fok":
			return types.OrderStatusExpired
		}
		return types.OrderStatusCanceled
	}
	return types.OrderStatusUnknown
}

// mapFuturesStatus folds futures status/finish_as.
func mapFuturesStatus(status, finishAs string, filled float64) types.OrderStatus {
	if status == "open" {
		if filled > 0 {
			return types.OrderStatusPartiallyFilled
		}
		return types.OrderStatusNew
	}
	switch finishAs {
	case "filled":
		return types.OrderStatusFilled
	case "cancelled", "liquidated", "position_closed", "auto_deleveraged", "reduce_only", "stp":
		return types.OrderStatusCanceled
	case "ioc", "expired":
		return types.OrderStatusExpired
	}
	return types.OrderStatusUnknown
}

var tifToWire = map[types.TimeInForce]string{
	types.TimeInForceGTC: "gtc",
	types.TimeInForceIOC: "ioc",
	types.TimeInForceFOK: "fok",
}

// wireTIF picks the Gate time_in_force tag for an order. Maker-only maps
// to poc (pending-or-cancelled).
func wireTIF(req types.OrderRequest) string {
	if req.OrderType == types.OrderTypeLimitMaker {
		return "poc"
	}
	if req.OrderType == types.OrderTypeIOC || req.OrderType == types.OrderTypeMarket {
		return "ioc"
	}
	if req.OrderType == types.OrderTypeFOK {
		return "fok"
	}
	if w, ok := tifToWire[req.TimeInForce]; ok {
		return w
	}
	return "gtc"
}

var intervalToWire = map[types.KlineInterval]string{
	types.Kline1m:  "1m",
	types.Kline5m:  "5m",
	types.Kline15m: "15m",
	types.Kline30m: "30m",
	types.Kline1h:  "1h",
	types.Kline4h:  "4h",
	types.Kline12h: "12h",
	types.Kline1d:  "1d",
	types.Kline1w:  "7d",
	types.Kline1M:  "30d",
}

func mapInterval(i types.KlineInterval) (string, error) {
	w, ok := intervalToWire[i]
	if !ok {
		return "", &errs.ValidationError{Field: "interval", Message: fmt.Sprintf("interval %s not supported by gate", i)}
	}
	return w, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// parseLevels decodes [["price","qty"], ...] pairs.
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

// precisionOf counts decimal places in a tick string like "0.01".
func precisionOf(tick string) int32 {
	if i := strings.IndexByte(tick, '.'); i >= 0 {
		return int32(len(tick) - i - 1)
	}
	return 0
}

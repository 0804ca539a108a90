package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crossarb/internal/composite"
	"crossarb/internal/errs"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var reconstructorsOnce sync.Once

// registerTestReconstructors installs the recovery table exactly once
// per test binary; reconstructed tasks get their venues injected by the
// test, so the empty registry is never consulted.
func registerTestReconstructors(t *testing.T) {
	t.Helper()
	reconstructorsOnce.Do(func() {
		RegisterReconstructors(composite.NewRegistry(), testLogger())
	})
}

// fakeVenue stands in for one exchange's public and private composites.
// Market orders ack fully filled at the hint price; limit orders rest
// until the test fills or cancels them.
type fakeVenue struct {
	mu      sync.Mutex
	tickers map[types.Symbol]types.BookTicker
	infos   map[types.Symbol]types.SymbolInfo
	orders  map[string]*types.Order
	nextID  int

	limitPlaced  []types.Order
	marketPlaced []types.Order
	canceled     []string

	// cancelLags leaves canceled orders live until the test finishes
	// them, modeling an in-flight cancel.
	cancelLags bool
	// fillOnCancel adds a fill at cancel time, modeling one that lands
	// between the last poll and the cancel reaching the venue.
	fillOnCancel float64
	placeErr     error
}

var (
	_ marketData = (*fakeVenue)(nil)
	_ trader     = (*fakeVenue)(nil)
)

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		tickers: make(map[types.Symbol]types.BookTicker),
		infos:   make(map[types.Symbol]types.SymbolInfo),
		orders:  make(map[string]*types.Order),
	}
}

func (v *fakeVenue) setTicker(sym types.Symbol, bid, ask float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickers[sym] = types.BookTicker{
		Symbol: sym, BidPrice: bid, BidQty: 10, AskPrice: ask, AskQty: 10,
		TimestampMs: time.Now().UnixMilli(),
	}
}

func (v *fakeVenue) setInfo(sym types.Symbol, info types.SymbolInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info.Symbol = sym
	v.infos[sym] = info
}

func (v *fakeVenue) BookTicker(sym types.Symbol) (types.BookTicker, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.tickers[sym]
	return t, ok
}

func (v *fakeVenue) SymbolInfo(sym types.Symbol) (types.SymbolInfo, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.infos[sym]
	return info, ok
}

func (v *fakeVenue) PlaceLimitOrder(_ context.Context, sym types.Symbol, side types.Side, price, qty float64) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	v.nextID++
	order := types.Order{
		OrderID: fmt.Sprintf("ord-%d", v.nextID), Symbol: sym, Side: side,
		OrderType: types.OrderTypeLimit, Price: price, Quantity: qty,
		Status: types.OrderStatusNew, TimestampMs: time.Now().UnixMilli(),
	}
	v.orders[order.OrderID] = &order
	v.limitPlaced = append(v.limitPlaced, order)
	cp := order
	return &cp, nil
}

func (v *fakeVenue) PlaceMarketOrder(_ context.Context, sym types.Symbol, side types.Side, qty, hint float64) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	v.nextID++
	order := types.Order{
		OrderID: fmt.Sprintf("ord-%d", v.nextID), Symbol: sym, Side: side,
		OrderType: types.OrderTypeMarket, Quantity: qty,
		FilledQuantity: qty, AveragePrice: hint,
		Status: types.OrderStatusFilled, TimestampMs: time.Now().UnixMilli(),
	}
	v.orders[order.OrderID] = &order
	v.marketPlaced = append(v.marketPlaced, order)
	cp := order
	return &cp, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, _ types.Symbol, orderID string) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[orderID]
	if !ok {
		return nil, &errs.OrderNotFoundError{OrderID: orderID}
	}
	v.canceled = append(v.canceled, orderID)
	if v.fillOnCancel > 0 {
		order.FilledQuantity += v.fillOnCancel
	}
	if !v.cancelLags {
		order.Status = types.OrderStatusCanceled
	}
	cp := *order
	return &cp, nil
}

func (v *fakeVenue) CancelAllOrders(ctx context.Context, sym types.Symbol) ([]types.Order, error) {
	v.mu.Lock()
	ids := make([]string, 0, len(v.orders))
	for id, o := range v.orders {
		if !o.IsDone() {
			ids = append(ids, id)
		}
	}
	v.mu.Unlock()
	var out []types.Order
	for _, id := range ids {
		o, err := v.CancelOrder(ctx, sym, id)
		if err != nil {
			return out, err
		}
		out = append(out, *o)
	}
	return out, nil
}

func (v *fakeVenue) GetOrder(_ context.Context, _ types.Symbol, orderID string) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[orderID]
	if !ok {
		return nil, &errs.OrderNotFoundError{OrderID: orderID}
	}
	cp := *order
	return &cp, nil
}

func (v *fakeVenue) GetBalances(context.Context) (*types.BalanceSnapshot, error) {
	return &types.BalanceSnapshot{TakenAt: time.Now()}, nil
}

// lastOpenOrderID returns the most recently placed order still live.
func (v *fakeVenue) lastOpenOrderID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var best string
	var bestSeq int
	for id, o := range v.orders {
		if o.IsDone() {
			continue
		}
		var seq int
		fmt.Sscanf(id, "ord-%d", &seq)
		if seq > bestSeq {
			best, bestSeq = id, seq
		}
	}
	return best
}

// finishOrder drives a resting order to a terminal status with the
// given cumulative fill.
func (v *fakeVenue) finishOrder(orderID string, filled float64, status types.OrderStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.orders[orderID]; ok {
		o.FilledQuantity = filled
		o.Status = status
		if o.AveragePrice == 0 {
			o.AveragePrice = o.Price
		}
	}
}

func (v *fakeVenue) limitCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.limitPlaced)
}

func (v *fakeVenue) marketCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.marketPlaced)
}

func spotInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Tick: 0.01, Step: 0.001, MinQuantity: 0.001, MaxQuantity: 10000,
		PricePrecision: 2, QtyPrecision: 3, MinNotional: 1,
	}
}

func futInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Tick: 0.01, Step: 0.001, MinQuantity: 0.001, MaxQuantity: 10000,
		PricePrecision: 2, QtyPrecision: 3, MinNotional: 1,
	}
}

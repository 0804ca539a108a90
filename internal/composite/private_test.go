package composite

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/pkg/types"
)

// fakePrivateREST counts every call so tests can prove the trading
// surface never serves from a cache.
type fakePrivateREST struct {
	balanceCalls atomic.Int64
	openCalls    atomic.Int64
	placeCalls   atomic.Int64
	cancelCalls  atomic.Int64
}

func (f *fakePrivateREST) GetBalances(context.Context) (*types.BalanceSnapshot, error) {
	f.balanceCalls.Add(1)
	return &types.BalanceSnapshot{
		Exchange: types.MEXCSpot,
		Balances: map[types.AssetName]types.AssetBalance{
			"USDT": {Asset: "USDT", Available: 1000},
		},
		TakenAt: time.Now(),
	}, nil
}

func (f *fakePrivateREST) GetAssetBalance(_ context.Context, asset types.AssetName) (types.AssetBalance, error) {
	return types.AssetBalance{Asset: asset, Available: 1000}, nil
}

func (f *fakePrivateREST) GetOpenOrders(context.Context, types.Symbol) ([]types.Order, error) {
	f.openCalls.Add(1)
	return nil, nil
}

func (f *fakePrivateREST) GetOrder(_ context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	return &types.Order{OrderID: orderID, Symbol: symbol, Status: types.OrderStatusNew}, nil
}

func (f *fakePrivateREST) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.Order, error) {
	f.placeCalls.Add(1)
	return &types.Order{
		OrderID:   "live-1",
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    types.OrderStatusNew,
	}, nil
}

func (f *fakePrivateREST) CancelOrder(_ context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	f.cancelCalls.Add(1)
	return &types.Order{OrderID: orderID, Symbol: symbol, Status: types.OrderStatusCanceled}, nil
}

func (f *fakePrivateREST) CancelAllOrders(context.Context, types.Symbol) ([]types.Order, error) {
	f.cancelCalls.Add(1)
	return nil, nil
}

func (f *fakePrivateREST) ModifyOrder(context.Context, types.Symbol, string, float64, float64) (*types.Order, error) {
	return nil, &errs.ClientError{Status: 400, Message: "not supported"}
}

func (f *fakePrivateREST) GetPositions(context.Context) ([]exchange.FuturesPosition, error) {
	return nil, nil
}

func newTestPrivate(rest exchange.PrivateREST, cfg config.ExchangeConfig, dryRun bool) *Private {
	p := &Private{
		base:   newBase(types.MEXCSpot, cfg, discardLogger()),
		rest:   rest,
		dryRun: dryRun,
		done:   make(chan struct{}),
	}
	p.setSymbolsInfo(types.SymbolsInfo{btcInfo.Symbol: btcInfo})
	return p
}

func TestPrivateTradingSurfaceIsUncached(t *testing.T) {
	t.Parallel()

	rest := &fakePrivateREST{}
	p := newTestPrivate(rest, testExchangeConfig(), false)
	ctx := context.Background()

	for range 3 {
		if _, err := p.GetBalances(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := p.GetOpenOrders(ctx, btcInfo.Symbol); err != nil {
			t.Fatal(err)
		}
	}
	if rest.balanceCalls.Load() != 3 || rest.openCalls.Load() != 3 {
		t.Fatalf("calls: balances=%d open=%d, want 3 each",
			rest.balanceCalls.Load(), rest.openCalls.Load())
	}
}

func TestPrivateValidatesBeforeWire(t *testing.T) {
	t.Parallel()

	rest := &fakePrivateREST{}
	p := newTestPrivate(rest, testExchangeConfig(), false)

	_, err := p.PlaceLimitOrder(context.Background(), btcInfo.Symbol, types.BUY, 50000.255, 0.001)
	var vErr *errs.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if rest.placeCalls.Load() != 0 {
		t.Fatal("rejected order reached the wire")
	}
}

func TestPrivateRejectsUnlistedSymbol(t *testing.T) {
	t.Parallel()

	p := newTestPrivate(&fakePrivateREST{}, testExchangeConfig(), false)

	_, err := p.PlaceLimitOrder(context.Background(), types.NewSymbol("DOGE", "USDT"), types.BUY, 0.1, 100)
	var vErr *errs.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestPrivatePlacesValidOrder(t *testing.T) {
	t.Parallel()

	rest := &fakePrivateREST{}
	p := newTestPrivate(rest, testExchangeConfig(), false)

	order, err := p.PlaceLimitOrder(context.Background(), btcInfo.Symbol, types.BUY, 50000.25, 0.001)
	if err != nil {
		t.Fatal(err)
	}
	if order.OrderID != "live-1" || rest.placeCalls.Load() != 1 {
		t.Fatalf("order = %+v, calls = %d", order, rest.placeCalls.Load())
	}
}

func TestPrivateDryRunFabricatesAcks(t *testing.T) {
	t.Parallel()

	rest := &fakePrivateREST{}
	p := newTestPrivate(rest, testExchangeConfig(), true)
	ctx := context.Background()

	order, err := p.PlaceLimitOrder(ctx, btcInfo.Symbol, types.BUY, 50000.25, 0.001)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(order.OrderID, "dry-") || order.Status != types.OrderStatusNew {
		t.Fatalf("fabricated order = %+v", order)
	}

	canceled, err := p.CancelOrder(ctx, btcInfo.Symbol, order.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if canceled.Status != types.OrderStatusCanceled {
		t.Fatalf("canceled = %+v", canceled)
	}

	if rest.placeCalls.Load() != 0 || rest.cancelCalls.Load() != 0 {
		t.Fatal("dry run hit the wire")
	}
}

func TestPrivateDryRunStillValidates(t *testing.T) {
	t.Parallel()

	p := newTestPrivate(&fakePrivateREST{}, testExchangeConfig(), true)

	_, err := p.PlaceLimitOrder(context.Background(), btcInfo.Symbol, types.BUY, 50000.25, 0.00015)
	var vErr *errs.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestPrivateBalanceSyncPublishes(t *testing.T) {
	t.Parallel()

	rest := &fakePrivateREST{}
	cfg := testExchangeConfig()
	cfg.BalanceSyncInterval = 10 * time.Millisecond
	p := newTestPrivate(rest, cfg, false)

	var (
		mu    sync.Mutex
		snaps []types.BalanceSnapshot
	)
	p.OnBalanceSnapshot(func(s types.BalanceSnapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	if err := p.Initialize(context.Background(), &fakePublicREST{}); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if snaps[0].Balances["USDT"].Available != 1000 {
		t.Fatalf("snapshot = %+v", snaps[0])
	}
}

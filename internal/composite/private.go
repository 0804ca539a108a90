package composite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// PrivateWebsocketHandlers carries the optional callbacks wired to the
// private stream. Any nil callback is simply not delivered; an entirely
// zero record skips the private WS altogether.
type PrivateWebsocketHandlers struct {
	OnOrder     func(types.Order)
	OnBalance   func(exchange.BalanceUpdate)
	OnExecution func(exchange.Execution)
}

func (h PrivateWebsocketHandlers) empty() bool {
	return h.OnOrder == nil && h.OnBalance == nil && h.OnExecution == nil
}

// Private is the trading surface for one venue. Every trading call
// issues a fresh REST request; nothing about orders, balances, or
// positions is cached here. Market data belongs to Public.
type Private struct {
	base
	rest     exchange.PrivateREST
	ws       exchange.PrivateWS // nil when no stream handlers were given
	handlers PrivateWebsocketHandlers
	dryRun   bool

	snapMu       sync.RWMutex
	snapHandlers []func(types.BalanceSnapshot)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPrivate builds the private composite through the factory. The
// private WS is only dialed when handlers carries at least one callback.
// dryRun short-circuits mutating calls with fabricated acks.
func NewPrivate(enum types.ExchangeEnum, cfg config.ExchangeConfig, f *exchange.Factory, handlers PrivateWebsocketHandlers, dryRun bool, logger *slog.Logger) (*Private, error) {
	rest, err := f.PrivateREST(enum, cfg)
	if err != nil {
		// Dry-run works without credentials: mutations fabricate acks and
		// reads return empty results.
		if !dryRun {
			return nil, err
		}
		rest = nil
	}
	p := &Private{
		base:     newBase(enum, cfg, logger),
		rest:     rest,
		handlers: handlers,
		dryRun:   dryRun,
		done:     make(chan struct{}),
	}
	if !handlers.empty() && rest != nil {
		ws, err := f.PrivateWS(enum, cfg)
		if err != nil {
			return nil, err
		}
		p.ws = ws
	}
	return p, nil
}

// OnBalanceSnapshot registers a consumer of the periodic balance sync.
// No-op unless the exchange config sets balance_sync_interval.
func (p *Private) OnBalanceSnapshot(fn func(types.BalanceSnapshot)) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	p.snapHandlers = append(p.snapHandlers, fn)
}

// Initialize loads trading rules for validation, starts the private
// stream when one was requested, and starts the balance sync ticker.
func (p *Private) Initialize(ctx context.Context, pub exchange.PublicREST) error {
	info, err := pub.GetSymbolsInfo(ctx)
	if err != nil {
		return fmt.Errorf("load symbols info: %w", err)
	}
	p.setSymbolsInfo(info)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	var wg sync.WaitGroup
	if p.ws != nil {
		p.ws.OnStateChange(func(s transport.ConnState) { p.dispatchState(s) })
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.ws.Run(runCtx); err != nil && runCtx.Err() == nil {
				p.logger.Error("private stream stopped", "error", err)
			}
		}()
		go p.pump()
	}
	if p.cfg.BalanceSyncInterval > 0 && p.rest != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.balanceSyncLoop(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return nil
}

// Close stops the stream and background loops.
func (p *Private) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	var err error
	if p.ws != nil {
		err = p.ws.Close()
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
	return err
}

// PlaceLimitOrder validates and submits a GTC limit order.
func (p *Private) PlaceLimitOrder(ctx context.Context, symbol types.Symbol, side types.Side, price, quantity float64) (*types.Order, error) {
	return p.PlaceOrder(ctx, types.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		OrderType:   types.OrderTypeLimit,
		Price:       price,
		Quantity:    quantity,
		TimeInForce: types.TimeInForceGTC,
	})
}

// PlaceMarketOrder validates and submits a market order. priceHint is a
// recent book price used for notional sizing on venues that denominate
// market buys in quote currency; pass the current ask or bid.
func (p *Private) PlaceMarketOrder(ctx context.Context, symbol types.Symbol, side types.Side, quantity, priceHint float64) (*types.Order, error) {
	return p.PlaceOrder(ctx, types.OrderRequest{
		Symbol:    symbol,
		Side:      side,
		OrderType: types.OrderTypeMarket,
		Price:     priceHint,
		Quantity:  quantity,
	})
}

// PlaceOrder validates req against the symbol's trading rules, then
// submits it. Validation failures return before any wire call.
func (p *Private) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	info, ok := p.SymbolInfo(req.Symbol)
	if !ok {
		return nil, &errs.ValidationError{Field: "symbol", Message: fmt.Sprintf("%s is not listed on %s", req.Symbol, p.enum)}
	}
	if err := validateOrder(req, info); err != nil {
		return nil, err
	}
	if p.dryRun {
		p.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol.String(), "side", string(req.Side),
			"type", string(req.OrderType), "price", req.Price, "qty", req.Quantity)
		return fabricateOrder(req), nil
	}
	return p.rest.PlaceOrder(ctx, req)
}

// CancelOrder cancels one order by exchange order id.
func (p *Private) CancelOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	if p.dryRun {
		p.logger.Info("DRY-RUN: would cancel order", "symbol", symbol.String(), "order_id", orderID)
		return &types.Order{
			OrderID:     orderID,
			Symbol:      symbol,
			Status:      types.OrderStatusCanceled,
			TimestampMs: time.Now().UnixMilli(),
		}, nil
	}
	return p.rest.CancelOrder(ctx, symbol, orderID)
}

// CancelAllOrders cancels every open order on the symbol.
func (p *Private) CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	if p.dryRun {
		p.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol.String())
		return nil, nil
	}
	return p.rest.CancelAllOrders(ctx, symbol)
}

// GetOrder fetches one order fresh from the venue.
func (p *Private) GetOrder(ctx context.Context, symbol types.Symbol, orderID string) (*types.Order, error) {
	if p.rest == nil {
		return nil, &errs.OrderNotFoundError{OrderID: orderID}
	}
	return p.rest.GetOrder(ctx, symbol, orderID)
}

// GetOpenOrders fetches the open orders fresh from the venue.
func (p *Private) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	if p.rest == nil {
		return nil, nil
	}
	return p.rest.GetOpenOrders(ctx, symbol)
}

// GetBalances fetches a fresh balance snapshot.
func (p *Private) GetBalances(ctx context.Context) (*types.BalanceSnapshot, error) {
	if p.rest == nil {
		return &types.BalanceSnapshot{
			Exchange: p.enum,
			Balances: map[types.AssetName]types.AssetBalance{},
			TakenAt:  time.Now(),
		}, nil
	}
	return p.rest.GetBalances(ctx)
}

// GetAssetBalance fetches one asset's balance.
func (p *Private) GetAssetBalance(ctx context.Context, asset types.AssetName) (types.AssetBalance, error) {
	if p.rest == nil {
		return types.AssetBalance{Asset: asset}, nil
	}
	return p.rest.GetAssetBalance(ctx, asset)
}

// GetPositions fetches open derivative positions. Spot venues return an
// empty slice.
func (p *Private) GetPositions(ctx context.Context) ([]exchange.FuturesPosition, error) {
	if p.rest == nil {
		return nil, nil
	}
	return p.rest.GetPositions(ctx)
}

func fabricateOrder(req types.OrderRequest) *types.Order {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &types.Order{
		OrderID:       "dry-" + uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        types.OrderStatusNew,
		TimestampMs:   time.Now().UnixMilli(),
		ClientOrderID: clientID,
	}
}

func (p *Private) pump() {
	for msg := range p.ws.Messages() {
		switch msg.Type {
		case transport.MsgOrder:
			if p.handlers.OnOrder != nil {
				if o, ok := msg.Data.(types.Order); ok {
					p.handlers.OnOrder(o)
				}
			}
		case transport.MsgBalance:
			if p.handlers.OnBalance != nil {
				if b, ok := msg.Data.(exchange.BalanceUpdate); ok {
					p.handlers.OnBalance(b)
				}
			}
		case transport.MsgExecution:
			if p.handlers.OnExecution != nil {
				if e, ok := msg.Data.(exchange.Execution); ok {
					p.handlers.OnExecution(e)
				}
			}
		}
	}
}

func (p *Private) balanceSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BalanceSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		snap, err := p.rest.GetBalances(reqCtx)
		cancel()
		if err != nil {
			p.logger.Warn("balance sync failed", "error", err)
			continue
		}
		p.snapMu.RLock()
		handlers := append([]func(types.BalanceSnapshot){}, p.snapHandlers...)
		p.snapMu.RUnlock()
		for _, fn := range handlers {
			fn(*snap)
		}
	}
}

package composite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/metrics"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// snapshotConcurrency bounds parallel REST snapshot loads during bulk
// init and reconnect refresh. The per-exchange limiter gates below this.
const snapshotConcurrency = 4

// BookHandler receives every order book change for a subscribed symbol.
// The book is a copy; handlers may keep it.
type BookHandler func(book *types.OrderBook, kind types.OrderBookUpdateKind)

// TradeHandler receives public trade prints.
type TradeHandler func(trade types.Trade)

// Public maintains live order book and top-of-book caches for a dynamic
// symbol set on one venue. Every tracked symbol is seeded with a REST
// snapshot before its WS subscription so diffs always land on a base.
type Public struct {
	base
	rest exchange.PublicREST
	ws   exchange.PublicWS

	mu      sync.RWMutex
	books   map[types.Symbol]*types.OrderBook
	tickers map[types.Symbol]types.BookTicker
	stale   map[types.Symbol]bool

	bookMu        sync.RWMutex
	bookHandlers  []BookHandler
	tradeHandlers []TradeHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublic builds the public composite for one venue through the
// factory. Call Initialize before reading any cache.
func NewPublic(enum types.ExchangeEnum, cfg config.ExchangeConfig, f *exchange.Factory, logger *slog.Logger) (*Public, error) {
	rest, err := f.PublicREST(enum, cfg)
	if err != nil {
		return nil, err
	}
	ws, err := f.PublicWS(enum, cfg)
	if err != nil {
		return nil, err
	}
	return &Public{
		base:    newBase(enum, cfg, logger),
		rest:    rest,
		ws:      ws,
		books:   make(map[types.Symbol]*types.OrderBook),
		tickers: make(map[types.Symbol]types.BookTicker),
		stale:   make(map[types.Symbol]bool),
		done:    make(chan struct{}),
	}, nil
}

// OnBookUpdate registers a handler for order book changes.
func (p *Public) OnBookUpdate(fn BookHandler) {
	p.bookMu.Lock()
	defer p.bookMu.Unlock()
	p.bookHandlers = append(p.bookHandlers, fn)
}

// OnTrade registers a handler for public trade prints. Trade streams are
// only subscribed when at least one handler is registered at Initialize.
func (p *Public) OnTrade(fn TradeHandler) {
	p.bookMu.Lock()
	defer p.bookMu.Unlock()
	p.tradeHandlers = append(p.tradeHandlers, fn)
}

// Initialize loads the venue's trading rules, starts the market data
// stream, and bulk-loads the given symbols: snapshots concurrently, then
// subscriptions. A symbol whose snapshot fails is logged and skipped;
// the rest proceed.
func (p *Public) Initialize(ctx context.Context, symbols []types.Symbol) error {
	info, err := p.rest.GetSymbolsInfo(ctx)
	if err != nil {
		return fmt.Errorf("load symbols info: %w", err)
	}
	p.setSymbolsInfo(info)

	p.ws.OnStateChange(p.onWSState)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go func() {
		defer close(p.done)
		if err := p.ws.Run(runCtx); err != nil && runCtx.Err() == nil {
			p.logger.Error("market data stream stopped", "error", err)
		}
	}()
	go p.pump()

	loaded := p.loadSnapshots(ctx, symbols, types.BookUpdateSnapshot)
	if len(loaded) == 0 && len(symbols) > 0 {
		return fmt.Errorf("no snapshot loaded for any of %d symbols", len(symbols))
	}
	return p.subscribe(loaded)
}

func (p *Public) subscribe(symbols []types.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	if err := p.ws.SubscribeOrderBook(symbols...); err != nil {
		return err
	}
	if err := p.ws.SubscribeBookTicker(symbols...); err != nil {
		return err
	}
	p.bookMu.RLock()
	wantTrades := len(p.tradeHandlers) > 0
	p.bookMu.RUnlock()
	if wantTrades {
		return p.ws.SubscribeTrades(symbols...)
	}
	return nil
}

// loadSnapshots fetches one book per symbol concurrently and installs
// them. Returns the symbols that loaded; failures are logged, not fatal.
func (p *Public) loadSnapshots(ctx context.Context, symbols []types.Symbol, kind types.OrderBookUpdateKind) []types.Symbol {
	var (
		mu     sync.Mutex
		loaded []types.Symbol
	)
	g := new(errgroup.Group)
	g.SetLimit(snapshotConcurrency)
	for _, symbol := range symbols {
		g.Go(func() error {
			book, err := p.rest.GetOrderBook(ctx, symbol, 0)
			if err != nil {
				p.logger.Warn("book snapshot failed", "symbol", symbol.String(), "error", err)
				return nil
			}
			p.installSnapshot(book, kind)
			mu.Lock()
			loaded = append(loaded, symbol)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return loaded
}

func (p *Public) installSnapshot(book *types.OrderBook, kind types.OrderBookUpdateKind) {
	p.mu.Lock()
	p.books[book.Symbol] = book
	p.tickers[book.Symbol] = book.TopOfBook()
	delete(p.stale, book.Symbol)
	p.mu.Unlock()
	metrics.OrderbookUpdates.WithLabelValues(string(p.enum), book.Symbol.String(), string(kind)).Inc()
	p.deliver(cloneBook(book), kind)
}

// AddSymbol starts tracking one more symbol: snapshot first, then
// subscription, so the first diff has a base to land on.
func (p *Public) AddSymbol(ctx context.Context, symbol types.Symbol) error {
	p.mu.RLock()
	_, tracked := p.books[symbol]
	p.mu.RUnlock()
	if tracked {
		return nil
	}
	book, err := p.rest.GetOrderBook(ctx, symbol, 0)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", symbol, err)
	}
	p.installSnapshot(book, types.BookUpdateSnapshot)
	return p.subscribe([]types.Symbol{symbol})
}

// RemoveSymbol stops tracking a symbol and evicts its cached state.
func (p *Public) RemoveSymbol(symbol types.Symbol) error {
	p.mu.Lock()
	delete(p.books, symbol)
	delete(p.tickers, symbol)
	delete(p.stale, symbol)
	p.mu.Unlock()

	if err := p.ws.UnsubscribeOrderBook(symbol); err != nil {
		return err
	}
	return p.ws.UnsubscribeBookTicker(symbol)
}

// OrderBook returns a copy of the cached book for a tracked symbol.
func (p *Public) OrderBook(symbol types.Symbol) (*types.OrderBook, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	book, ok := p.books[symbol]
	if !ok {
		return nil, false
	}
	return cloneBook(book), true
}

// BookTicker returns the cached top of book for a tracked symbol.
func (p *Public) BookTicker(symbol types.Symbol) (types.BookTicker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tickers[symbol]
	return t, ok
}

// Symbols lists the currently tracked symbols.
func (p *Public) Symbols() []types.Symbol {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Symbol, 0, len(p.books))
	for s := range p.books {
		out = append(out, s)
	}
	return out
}

// Close tears the stream down and waits for the run loop to exit.
func (p *Public) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.ws.Close()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
	return err
}

func (p *Public) pump() {
	for msg := range p.ws.Messages() {
		switch msg.Type {
		case transport.MsgOrderbook:
			upd, ok := msg.Data.(*exchange.BookUpdate)
			if !ok {
				continue
			}
			p.applyBookUpdate(upd)
		case transport.MsgBookTicker:
			if t, ok := msg.Data.(types.BookTicker); ok {
				p.mu.Lock()
				p.tickers[t.Symbol] = t
				p.mu.Unlock()
			}
		case transport.MsgTrade:
			if t, ok := msg.Data.(types.Trade); ok {
				p.bookMu.RLock()
				handlers := append([]TradeHandler(nil), p.tradeHandlers...)
				p.bookMu.RUnlock()
				for _, fn := range handlers {
					fn(t)
				}
			}
		}
	}
}

func (p *Public) applyBookUpdate(upd *exchange.BookUpdate) {
	kind := types.BookUpdateDiff
	if upd.Full {
		kind = types.BookUpdateSnapshot
	}

	p.mu.Lock()
	book, tracked := p.books[upd.Symbol]
	switch {
	case !tracked:
		// diff for a symbol we dropped, or one that raced removal
		p.mu.Unlock()
		return
	case upd.Full:
		book = &types.OrderBook{
			Symbol:      upd.Symbol,
			Bids:        upd.Bids,
			Asks:        upd.Asks,
			TimestampMs: upd.TimestampMs,
			UpdateID:    upd.UpdateID,
		}
		p.books[upd.Symbol] = book
		delete(p.stale, upd.Symbol)
	default:
		// Diffs after a reconnect must not merge into the book from the
		// previous session; the book is unusable until a fresh snapshot
		// replaces it.
		if p.stale[upd.Symbol] {
			p.mu.Unlock()
			return
		}
		if upd.UpdateID != 0 && upd.UpdateID <= book.UpdateID {
			p.mu.Unlock()
			return
		}
		book.Bids = mergeLevels(book.Bids, upd.Bids, true)
		book.Asks = mergeLevels(book.Asks, upd.Asks, false)
		book.UpdateID = upd.UpdateID
		book.TimestampMs = upd.TimestampMs
	}
	p.tickers[upd.Symbol] = book.TopOfBook()
	out := cloneBook(book)
	p.mu.Unlock()

	metrics.OrderbookUpdates.WithLabelValues(string(p.enum), upd.Symbol.String(), string(kind)).Inc()
	p.deliver(out, kind)
}

func (p *Public) deliver(book *types.OrderBook, kind types.OrderBookUpdateKind) {
	p.bookMu.RLock()
	handlers := append([]BookHandler(nil), p.bookHandlers...)
	p.bookMu.RUnlock()
	for _, fn := range handlers {
		fn(book, kind)
	}
}

func (p *Public) onWSState(s transport.ConnState) {
	if p.dispatchState(s) {
		p.markBooksStale()
		go p.refreshExchangeData(context.Background())
	}
}

// markBooksStale flags every tracked book on a reconnected session.
// Diffs dropped while the stream was down cannot be replayed, so the
// old books stop accepting diffs until refreshExchangeData reseeds
// them. Marking happens synchronously in the state callback, before
// any post-reconnect diff can reach applyBookUpdate.
func (p *Public) markBooksStale() {
	p.mu.Lock()
	for s := range p.books {
		p.stale[s] = true
	}
	p.mu.Unlock()
}

// refreshExchangeData reloads trading rules and re-snapshots every
// tracked book after a reconnect, since diffs missed while down cannot
// be replayed.
func (p *Public) refreshExchangeData(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if info, err := p.rest.GetSymbolsInfo(ctx); err != nil {
		p.logger.Warn("symbols info refresh failed", "error", err)
	} else {
		p.setSymbolsInfo(info)
	}
	p.loadSnapshots(ctx, p.Symbols(), types.BookUpdateReconnect)
}

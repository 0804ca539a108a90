// Package composite assembles the per-venue client pieces (REST, WS,
// symbol rules) into the two surfaces the rest of the engine consumes:
// a Public composite that keeps live order book and top-of-book caches,
// and a Private composite whose trading surface always hits the wire.
package composite

import (
	"log/slog"
	"sync"

	"crossarb/internal/config"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// base carries what both composites share: venue identity, config, the
// trading-rules map, and the WS connection state fan-out.
type base struct {
	enum   types.ExchangeEnum
	cfg    config.ExchangeConfig
	logger *slog.Logger

	stateMu   sync.RWMutex
	connState transport.ConnState
	everUp    bool

	handlerMu     sync.RWMutex
	stateHandlers []func(transport.ConnState)

	infoMu sync.RWMutex
	info   types.SymbolsInfo
}

func newBase(enum types.ExchangeEnum, cfg config.ExchangeConfig, logger *slog.Logger) base {
	return base{
		enum:      enum,
		cfg:       cfg,
		logger:    logger.With("exchange", string(enum)),
		connState: transport.StateDisconnected,
		info:      make(types.SymbolsInfo),
	}
}

// Exchange returns the venue this composite fronts.
func (b *base) Exchange() types.ExchangeEnum { return b.enum }

// ConnectionState returns the WS connection state, or DISCONNECTED for a
// composite running without a stream.
func (b *base) ConnectionState() transport.ConnState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.connState
}

// IsConnected reports whether the stream is currently up.
func (b *base) IsConnected() bool {
	return b.ConnectionState() == transport.StateConnected
}

// OnConnectionState registers an upstream connection state callback.
func (b *base) OnConnectionState(fn func(transport.ConnState)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.stateHandlers = append(b.stateHandlers, fn)
}

// dispatchState records a WS transition, fans it out to upstream
// handlers, and reports whether this CONNECTED follows an earlier
// session, which is the cue to refresh cached exchange data.
func (b *base) dispatchState(s transport.ConnState) (reconnected bool) {
	b.stateMu.Lock()
	b.connState = s
	if s == transport.StateConnected {
		reconnected = b.everUp
		b.everUp = true
	}
	b.stateMu.Unlock()

	b.handlerMu.RLock()
	handlers := append([]func(transport.ConnState){}, b.stateHandlers...)
	b.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(s)
	}
	return reconnected
}

// SymbolsInfo returns a copy of the venue's trading rules map.
func (b *base) SymbolsInfo() types.SymbolsInfo {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	out := make(types.SymbolsInfo, len(b.info))
	for k, v := range b.info {
		out[k] = v
	}
	return out
}

// SymbolInfo returns the trading rules for one symbol.
func (b *base) SymbolInfo(symbol types.Symbol) (types.SymbolInfo, bool) {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	info, ok := b.info[symbol]
	return info, ok
}

func (b *base) setSymbolsInfo(info types.SymbolsInfo) {
	b.infoMu.Lock()
	b.info = info
	b.infoMu.Unlock()
}

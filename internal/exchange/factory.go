package exchange

import (
	"fmt"
	"log/slog"
	"sync"

	"crossarb/internal/config"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// Constructors bundles one adapter's client builders. The shared limiter
// is exchange-global: public and private REST drain the same budget.
type Constructors struct {
	PublicREST  func(cfg config.ExchangeConfig, limiter *transport.Limiter, logger *slog.Logger) (PublicREST, error)
	PrivateREST func(cfg config.ExchangeConfig, limiter *transport.Limiter, logger *slog.Logger) (PrivateREST, error)
	PublicWS    func(cfg config.ExchangeConfig, logger *slog.Logger) (PublicWS, error)
	// PrivateWS receives the private REST client for venues whose stream
	// authenticates with a REST-minted listen key.
	PrivateWS func(cfg config.ExchangeConfig, rest PrivateREST, logger *slog.Logger) (PrivateWS, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[types.ExchangeEnum]Constructors)
)

// Register installs an adapter's constructors. Called from adapter init().
func Register(enum types.ExchangeEnum, c Constructors) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[enum]; dup {
		panic(fmt.Sprintf("exchange: duplicate registration for %s", enum))
	}
	registry[enum] = c
}

// Supported lists the registered exchange tags.
func Supported() []types.ExchangeEnum {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]types.ExchangeEnum, 0, len(registry))
	for e := range registry {
		out = append(out, e)
	}
	return out
}

func constructorsFor(enum types.ExchangeEnum) (Constructors, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[enum]
	if !ok {
		return Constructors{}, fmt.Errorf("exchange %s not registered", enum)
	}
	return c, nil
}

// Factory builds clients with per-enum singleton semantics. The rate
// limiter for each exchange is created once and shared by every client
// so the budget outlives any single task or composite.
type Factory struct {
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[types.ExchangeEnum]*transport.Limiter
	pubREST  map[types.ExchangeEnum]PublicREST
	privREST map[types.ExchangeEnum]PrivateREST
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{
		logger:   logger,
		limiters: make(map[types.ExchangeEnum]*transport.Limiter),
		pubREST:  make(map[types.ExchangeEnum]PublicREST),
		privREST: make(map[types.ExchangeEnum]PrivateREST),
	}
}

func (f *Factory) limiter(enum types.ExchangeEnum, cfg config.ExchangeConfig) *transport.Limiter {
	if l, ok := f.limiters[enum]; ok {
		return l
	}
	l := transport.NewLimiter(
		cfg.RateLimit.GlobalConcurrency,
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.Burst,
		cfg.RateLimit.MinInterval,
	)
	f.limiters[enum] = l
	return l
}

// PublicREST returns the singleton public REST client for enum.
func (f *Factory) PublicREST(enum types.ExchangeEnum, cfg config.ExchangeConfig) (PublicREST, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.pubREST[enum]; ok {
		return c, nil
	}
	ctors, err := constructorsFor(enum)
	if err != nil {
		return nil, err
	}
	c, err := ctors.PublicREST(cfg, f.limiter(enum, cfg), f.logger)
	if err != nil {
		return nil, err
	}
	f.pubREST[enum] = c
	return c, nil
}

// PrivateREST returns the singleton private REST client for enum.
// Requires credentials.
func (f *Factory) PrivateREST(enum types.ExchangeEnum, cfg config.ExchangeConfig) (PrivateREST, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.privREST[enum]; ok {
		return c, nil
	}
	if !cfg.Credentials.HasKeys() {
		return nil, fmt.Errorf("exchange %s: private client needs credentials", enum)
	}
	ctors, err := constructorsFor(enum)
	if err != nil {
		return nil, err
	}
	c, err := ctors.PrivateREST(cfg, f.limiter(enum, cfg), f.logger)
	if err != nil {
		return nil, err
	}
	f.privREST[enum] = c
	return c, nil
}

// PublicWS builds a public stream. Streams are per-caller, not singletons:
// each composite owns its connection lifecycle.
func (f *Factory) PublicWS(enum types.ExchangeEnum, cfg config.ExchangeConfig) (PublicWS, error) {
	ctors, err := constructorsFor(enum)
	if err != nil {
		return nil, err
	}
	return ctors.PublicWS(cfg, f.logger)
}

// PrivateWS builds a private stream bound to the singleton private REST
// client (listen-key venues mint sessions through it).
func (f *Factory) PrivateWS(enum types.ExchangeEnum, cfg config.ExchangeConfig) (PrivateWS, error) {
	rest, err := f.PrivateREST(enum, cfg)
	if err != nil {
		return nil, err
	}
	ctors, err := constructorsFor(enum)
	if err != nil {
		return nil, err
	}
	return ctors.PrivateWS(cfg, rest, f.logger)
}

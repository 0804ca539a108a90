package composite

import (
	"fmt"
	"sync"

	"crossarb/pkg/types"
)

// Registry hands live composites to strategy tasks by exchange enum.
// Tasks persist enums, never handles, so a recovered task reattaches to
// whatever composite the engine built this run.
type Registry struct {
	mu      sync.RWMutex
	public  map[types.ExchangeEnum]*Public
	private map[types.ExchangeEnum]*Private
}

func NewRegistry() *Registry {
	return &Registry{
		public:  make(map[types.ExchangeEnum]*Public),
		private: make(map[types.ExchangeEnum]*Private),
	}
}

// SetPublic installs the public composite for one venue.
func (r *Registry) SetPublic(enum types.ExchangeEnum, p *Public) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public[enum] = p
}

// SetPrivate installs the private composite for one venue.
func (r *Registry) SetPrivate(enum types.ExchangeEnum, p *Private) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private[enum] = p
}

// Public returns the live public composite for the venue.
func (r *Registry) Public(enum types.ExchangeEnum) (*Public, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.public[enum]
	if !ok {
		return nil, fmt.Errorf("no public composite for %s", enum)
	}
	return p, nil
}

// Private returns the live private composite for the venue.
func (r *Registry) Private(enum types.ExchangeEnum) (*Private, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.private[enum]
	if !ok {
		return nil, fmt.Errorf("no private composite for %s", enum)
	}
	return p, nil
}

// Exchanges lists every venue with at least a public composite.
func (r *Registry) Exchanges() []types.ExchangeEnum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ExchangeEnum, 0, len(r.public))
	for enum := range r.public {
		out = append(out, enum)
	}
	return out
}

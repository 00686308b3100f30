package gateway

import (
	"fmt"
	"sync"
)

// Registry resolves the concrete rail and chain adapter for a settlement
// network at call time. Providers register once during wiring; lookups are
// read-heavy and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	rails  map[string]SettlementRail
	chains map[string]ChainClient
}

func NewRegistry() *Registry {
	return &Registry{
		rails:  make(map[string]SettlementRail),
		chains: make(map[string]ChainClient),
	}
}

func (r *Registry) RegisterRail(network string, rail SettlementRail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[network] = rail
}

func (r *Registry) RegisterChain(network string, client ChainClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[network] = client
}

func (r *Registry) Rail(network string) (SettlementRail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rail, ok := r.rails[network]
	if !ok {
		return nil, fmt.Errorf("no settlement rail registered for network %q", network)
	}
	return rail, nil
}

func (r *Registry) Chain(network string) (ChainClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.chains[network]
	if !ok {
		return nil, fmt.Errorf("no chain client registered for network %q", network)
	}
	return client, nil
}

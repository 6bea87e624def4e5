// Package exchange holds the venue registry and decorators shared by every
// ExchangePort implementation.
package exchange

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Registry maps venue names to their ports.
type Registry struct {
	mu    sync.RWMutex
	ports map[domain.Venue]domain.ExchangePort
}

// NewRegistry returns a registry holding ports.
func NewRegistry(ports ...domain.ExchangePort) (*Registry, error) {
	r := &Registry{ports: make(map[domain.Venue]domain.ExchangePort, len(ports))}
	for _, p := range ports {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p under its own name.
func (r *Registry) Register(p domain.ExchangePort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("exchange: register unnamed port: %w", domain.ErrValidation)
	}
	if _, ok := r.ports[name]; ok {
		return fmt.Errorf("exchange: register %s: %w", name, domain.ErrAlreadyExists)
	}
	r.ports[name] = p
	return nil
}

// Get returns the port for v.
func (r *Registry) Get(v domain.Venue) (domain.ExchangePort, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[v]
	if !ok {
		return nil, fmt.Errorf("exchange: venue %s: %w", v, domain.ErrNotFound)
	}
	return p, nil
}

// Pair returns the ports of both venues in pair.
func (r *Registry) Pair(pair domain.VenuePair) (krw, usd domain.ExchangePort, err error) {
	if krw, err = r.Get(pair.KRW); err != nil {
		return nil, nil, err
	}
	if usd, err = r.Get(pair.USD); err != nil {
		return nil, nil, err
	}
	return krw, usd, nil
}

// Ports returns a copy of the venue map.
func (r *Registry) Ports() map[domain.Venue]domain.ExchangePort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.ports)
}

// Names returns the registered venues in sorted order.
func (r *Registry) Names() []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.ports))
}

package providers

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrProviderNotRegistered is returned when no adapter exists for an identity.
var ErrProviderNotRegistered = errors.New("provider not registered")

// Registry holds one adapter instance per provider. It is constructed once
// at process start and passed by reference into the router; there is no
// global default instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Identity]Provider
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		adapters: make(map[Identity]Provider),
		logger:   logger,
	}
}

// Register adds an adapter, replacing any previous instance for the same
// identity.
func (r *Registry) Register(adapter Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Identity()] = adapter
	r.logger.Info("provider registered", zap.String("provider", string(adapter.Identity())))
}

// Get retrieves the adapter for an identity.
func (r *Registry) Get(id Identity) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, ErrProviderNotRegistered
	}
	return adapter, nil
}

// List returns all registered identities.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]Identity, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

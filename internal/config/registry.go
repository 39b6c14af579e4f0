package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: capture backend not registered")

// BackendFactory builds a capture backend from the capture section.
type BackendFactory func(CaptureConfig) (audio.Backend, error)

// Registry maps capture backend names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns a registry that knows the "none" backend. Platform
// backends are registered by main so that this package does not link them.
func NewRegistry() *Registry {
	r := &Registry{backends: make(map[string]BackendFactory)}
	r.RegisterBackend(BackendNone, func(CaptureConfig) (audio.Backend, error) {
		return audio.NullBackend{}, nil
	})
	return r
}

// RegisterBackend registers factory under name, replacing any previous one.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateBackend builds the backend named by cfg.Backend.
func (r *Registry) CreateBackend(cfg CaptureConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create capture backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

package secrets

import (
	"context"
	"fmt"
)

// Backend looks up secret values for one strategy.
type Backend interface {
	Name() Strategy
	Lookup(ctx context.Context, ref Ref) ([]byte, error)
}

// Registry maps strategies to configured backends.
type Registry struct {
	backends map[Strategy]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[Strategy]Backend{}}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name Strategy) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: backend not configured: %s", ErrSecretUnavailable, name)
	}
	return b, nil
}

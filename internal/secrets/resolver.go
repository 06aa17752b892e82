package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ResolveError names the secret that could not be resolved.
type ResolveError struct {
	Name string
	From Strategy
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("secret %s (from %s): %v", e.Name, e.From, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver resolves references against a backend registry.
type Resolver struct {
	registry *Registry
}

func NewResolver(reg *Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Resolve looks up every reference. It stops at the first failure and scrubs
// whatever was already resolved, so a failed call leaves nothing in memory.
func (r *Resolver) Resolve(ctx context.Context, refs []Ref) (*Set, error) {
	set := newSet()
	for _, ref := range refs {
		value, err := r.lookup(ctx, ref)
		if err != nil {
			set.Scrub()
			if ctx.Err() != nil {
				return nil, err
			}
			if !errors.Is(err, ErrSecretUnavailable) {
				err = fmt.Errorf("%w: %w", ErrSecretUnavailable, err)
			}
			return nil, &ResolveError{Name: ref.Name, From: ref.From, Err: err}
		}
		set.values[ref.Name] = value
		log.Debug().Str("secret", ref.Name).Str("from", string(ref.From)).Msg("secret resolved")
	}
	return set, nil
}

func (r *Resolver) lookup(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := r.registry.Get(ref.From)
	if err != nil {
		return nil, err
	}
	value, err := b.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrSecretUnavailable)
	}
	return value, nil
}

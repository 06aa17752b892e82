package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvBackend reads secrets from the process environment, the way CI runners
// usually hand them over.
type EnvBackend struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (EnvBackend) Name() Strategy { return StrategyEnv }

func (b EnvBackend) Lookup(_ context.Context, ref Ref) ([]byte, error) {
	lookup := b.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(ref.LookupKey())
	if !ok {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretUnavailable, ref.LookupKey())
	}
	return []byte(v), nil
}

package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name secrets are stored under.
const DefaultKeyringService = "deployctl"

// KeyringBackend reads secrets from the operating system keyring, handy on an
// operator workstation.
type KeyringBackend struct {
	Service string
}

func (KeyringBackend) Name() Strategy { return StrategyKeyring }

func (b KeyringBackend) Lookup(_ context.Context, ref Ref) ([]byte, error) {
	service := b.Service
	if service == "" {
		service = DefaultKeyringService
	}
	v, err := keyring.Get(service, ref.LookupKey())
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s not in keyring service %s", ErrSecretUnavailable, ref.LookupKey(), service)
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return []byte(v), nil
}

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultBackend reads fields from HashiCorp Vault KV version 2 secrets. A
// reference path "secret/api/prod" reads mount "secret", path "api/prod".
type VaultBackend struct {
	client *vault.Client
}

// NewVaultBackend builds a client for addr. Empty addr and token fall back to
// VAULT_ADDR and VAULT_TOKEN.
func NewVaultBackend(addr, token string) (*VaultBackend, error) {
	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", cfg.Error)
	}
	if addr != "" {
		cfg.Address = addr
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultBackend{client: client}, nil
}

func (*VaultBackend) Name() Strategy { return StrategyVault }

func (b *VaultBackend) Lookup(ctx context.Context, ref Ref) ([]byte, error) {
	mount, path, ok := strings.Cut(strings.Trim(ref.Path, "/"), "/")
	if !ok || mount == "" || path == "" {
		return nil, fmt.Errorf("%w: vault path %q must be mount/path", ErrSecretUnavailable, ref.Path)
	}
	field := ref.Field
	if field == "" {
		field = ref.Name
	}
	secret, err := b.client.Logical().ReadWithContext(ctx, mount+"/data/"+path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", ref.Path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: vault path %s not found", ErrSecretUnavailable, ref.Path)
	}
	data, _ := secret.Data["data"].(map[string]interface{})
	raw, ok := data[field]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: field %s missing at vault path %s", ErrSecretUnavailable, field, ref.Path)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: field %s at vault path %s is not a string", ErrSecretUnavailable, field, ref.Path)
	}
	return []byte(s), nil
}

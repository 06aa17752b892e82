package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/deployctl/internal/secrets"
)

// SecretsEnvPath returns $XDG_CONFIG_HOME/deployctl/secrets.env.
func SecretsEnvPath() string {
	return filepath.Join(ConfigDir(), "secrets.env")
}

// LoadSecretsEnv reads $XDG_CONFIG_HOME/deployctl/secrets.env (or ~/.config/deployctl/secrets.env)
// and returns key/value pairs. A missing file yields an empty map; any other
// failure to read it is returned.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = SecretsEnvPath()
	}
	out, err := secrets.ParseEnvFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	return out, err
}

// SecretRegistry registers one backend per strategy. Backends that need
// settings the config lacks are left out, so references to them fail with
// ErrSecretUnavailable at resolve time.
func SecretRegistry(cfg Config) (*secrets.Registry, error) {
	reg := secrets.NewRegistry()
	reg.Register(secrets.EnvBackend{})
	reg.Register(secrets.KeyringBackend{Service: cfg.Secrets.Keyring.Service})
	if cfg.Secrets.File != "" {
		reg.Register(secrets.FileBackend{Path: cfg.Secrets.File})
	}
	if cfg.Secrets.Vault.Address != "" {
		vb, err := secrets.NewVaultBackend(cfg.Secrets.Vault.Address, cfg.Secrets.Vault.Token)
		if err != nil {
			return nil, fmt.Errorf("vault backend: %w", err)
		}
		reg.Register(vb)
	}
	return reg, nil
}

package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/secrets"
)

// Config is the operator's tool configuration. Deployment descriptors are
// separate files; this holds what is shared by every deploy from this machine.
type Config struct {
	SSH struct {
		KeyFile        string `yaml:"key_file"`
		KnownHosts     string `yaml:"known_hosts"`
		TrustNewHosts  bool   `yaml:"trust_new_hosts"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ssh"`
	Defaults struct {
		User          string `yaml:"user"`
		DescriptorDir string `yaml:"descriptor_dir"`
		DockerBinary  string `yaml:"docker_binary"`
		EnvDir        string `yaml:"env_dir"`
	} `yaml:"defaults"`
	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`
	Retry   deploy.RetryPolicy `yaml:"retry"`
	Secrets struct {
		File  string `yaml:"file"`
		Vault struct {
			Address string `yaml:"address"`
			Token   string `yaml:"token"`
		} `yaml:"vault"`
		Keyring struct {
			Service string `yaml:"service"`
		} `yaml:"keyring"`
	} `yaml:"secrets"`
	Webhook struct {
		Listen   string `yaml:"listen"`
		Token    string `yaml:"token"`
		TLSCert  string `yaml:"tls_cert"`
		TLSKey   string `yaml:"tls_key"`
		ClientCA string `yaml:"client_ca"`
	} `yaml:"webhook"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// ConfigDir returns $XDG_CONFIG_HOME/deployctl or ~/.config/deployctl.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "deployctl")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	dir := ConfigDir()
	if c.SSH.KeyFile == "" {
		c.SSH.KeyFile = filepath.Join(dir, "keys", "id_ed25519")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	}
	if c.SSH.TimeoutSeconds <= 0 {
		c.SSH.TimeoutSeconds = 15
	}
	if c.Defaults.User == "" {
		c.Defaults.User = "deploy"
	}
	if c.Defaults.DescriptorDir == "" {
		c.Defaults.DescriptorDir = filepath.Join(dir, "services")
	}
	if c.Defaults.EnvDir == "" {
		c.Defaults.EnvDir = deploy.DefaultEnvDir
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(dir, "deployctl.db")
	}
	d := deploy.DefaultRetryPolicy()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.MaxAttempts
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = d.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = d.MaxInterval
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = d.Multiplier
	}
	if c.Secrets.Keyring.Service == "" {
		c.Secrets.Keyring.Service = secrets.DefaultKeyringService
	}
	if c.Webhook.Listen == "" {
		c.Webhook.Listen = "127.0.0.1:8787"
	}
}

// SSHTimeout returns the dial timeout.
func (c Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSH.TimeoutSeconds) * time.Second
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/deployctl/config.yaml or ~/.config/deployctl/config.yaml, and
// a missing default file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	env, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, fmt.Errorf("load %s: %w", SecretsEnvPath(), err)
	}
	for _, k := range []string{"VAULT_ADDR", "VAULT_TOKEN", "DEPLOYCTL_VAULT_TOKEN", "DEPLOYCTL_WEBHOOK_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	if v := env["VAULT_ADDR"]; v != "" && cfg.Secrets.Vault.Address == "" {
		cfg.Secrets.Vault.Address = v
	}
	if v := env["VAULT_TOKEN"]; v != "" {
		cfg.Secrets.Vault.Token = v
	}
	if v := env["DEPLOYCTL_VAULT_TOKEN"]; v != "" {
		cfg.Secrets.Vault.Token = v
	}
	if v := env["DEPLOYCTL_WEBHOOK_TOKEN"]; v != "" {
		cfg.Webhook.Token = v
	}
	cfg.applyDefaults()
	return cfg, nil
}

// WriteConfig writes cfg to path with owner-only permissions. Tokens are left
// out; they belong in secrets.env or the environment.
func WriteConfig(path string, cfg Config) error {
	cfg.Secrets.Vault.Token = ""
	cfg.Webhook.Token = ""
	content, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

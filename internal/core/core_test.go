package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/ledger"
	"github.com/3cpo-dev/deployctl/internal/secrets"
	"github.com/3cpo-dev/deployctl/internal/ssh"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, k := range []string{"VAULT_ADDR", "VAULT_TOKEN", "DEPLOYCTL_VAULT_TOKEN", "DEPLOYCTL_WEBHOOK_TOKEN"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	dir := isolate(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "deployctl", "deployctl.db"), cfg.Ledger.Path)
	assert.Equal(t, filepath.Join(dir, "deployctl", "keys", "id_ed25519"), cfg.SSH.KeyFile)
	assert.Equal(t, "deploy", cfg.Defaults.User)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "/run/deployctl", cfg.Defaults.EnvDir)
	assert.Equal(t, 15*time.Second, cfg.SSHTimeout())

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMergesSecretsEnv(t *testing.T) {
	dir := isolate(t)
	cfgDir := filepath.Join(dir, "deployctl")
	require.NoError(t, os.MkdirAll(cfgDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(`
defaults:
  user: ops
retry:
  max_attempts: 5
  initial_interval: 2s
secrets:
  vault:
    address: https://vault.internal:8200
`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "secrets.env"), []byte("VAULT_TOKEN=from-file\nDEPLOYCTL_WEBHOOK_TOKEN='hook'\n"), 0600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Defaults.User)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, "from-file", cfg.Secrets.Vault.Token)
	assert.Equal(t, "hook", cfg.Webhook.Token)

	t.Setenv("DEPLOYCTL_VAULT_TOKEN", "from-env")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Secrets.Vault.Token)
}

func TestLoadConfigFailsOnUnreadableSecretsEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "deployctl", "secrets.env")

	env, err := LoadSecretsEnv(path)
	require.NoError(t, err)
	assert.Empty(t, env)

	require.NoError(t, os.MkdirAll(path, 0700))
	_, err = LoadSecretsEnv(path)
	require.Error(t, err)

	_, err = LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load "+path+": read secrets file:")
}

func TestWriteConfigDropsTokens(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Webhook.Token = "hook"
	path := filepath.Join(dir, "deployctl", "config.yaml")
	require.NoError(t, WriteConfig(path, cfg))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "hook")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Ledger.Path, loaded.Ledger.Path)
}

func TestSecretRegistry(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	reg, err := SecretRegistry(cfg)
	require.NoError(t, err)

	_, err = reg.Get(secrets.StrategyEnv)
	assert.NoError(t, err)
	_, err = reg.Get(secrets.StrategyKeyring)
	assert.NoError(t, err)
	_, err = reg.Get(secrets.StrategyVault)
	assert.ErrorIs(t, err, secrets.ErrSecretUnavailable)
	_, err = reg.Get(secrets.StrategyFile)
	assert.ErrorIs(t, err, secrets.ErrSecretUnavailable)
}

func TestRuntimeUsesSQLiteLedger(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Ledger.Path = filepath.Join(dir, "state", "ledger.db")

	rt, err := NewRuntime(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	rec, err := rt.Orchestrator.Ledger.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v1"})
	require.NoError(t, err)
	_, err = rt.Orchestrator.Unlock(ctx, "api")
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	rt, err = NewRuntime(cfg)
	require.NoError(t, err)
	defer rt.Close()
	latest, err := rt.Orchestrator.Ledger.Latest(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, latest.ID)
	assert.Equal(t, ledger.OutcomeAbandoned, latest.Outcome)
	assert.Equal(t, filepath.Join(cfg.Defaults.DescriptorDir, "api.yaml"), rt.DescriptorPath("api"))
}

func TestSSHConnectorNeedsKey(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	connect := SSHConnector(cfg)
	_, err := connect(context.Background(), descriptorHost())
	assert.Error(t, err)

	_, err = ssh.GenerateEd25519Keypair(cfg.SSH.KeyFile)
	require.NoError(t, err)
	host, err := connect(context.Background(), descriptorHost())
	require.NoError(t, err)
	assert.NoError(t, host.Close())
	assert.FileExists(t, filepath.Join(dir, "deployctl", "known_hosts"))
}

func descriptorHost() descriptor.Host {
	return descriptor.Host{Address: "10.0.0.5", Port: 22, User: "deploy"}
}

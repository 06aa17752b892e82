package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/ledger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	root.SetContext(context.Background())
	err := root.Execute()
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, k := range []string{"VAULT_ADDR", "VAULT_TOKEN", "DEPLOYCTL_VAULT_TOKEN", "DEPLOYCTL_WEBHOOK_TOKEN"} {
		t.Setenv(k, "")
	}
	return filepath.Join(dir, "deployctl")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "deployctl "+version)
}

func TestInitCreatesConfigKeyAndKnownHosts(t *testing.T) {
	dir := isolate(t)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "ssh-ed25519 ")
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "keys", "id_ed25519"))
	assert.FileExists(t, filepath.Join(dir, "known_hosts"))
	assert.DirExists(t, filepath.Join(dir, "services"))

	out, err = execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "exists, keeping it")
}

const webDescriptor = `service: web
image: app:v1
host:
  address: 10.0.0.7
`

func TestValidatePrintsDefaults(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "services"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "services", "web.yaml"), []byte(webDescriptor+"health_check:\n  command: \"true\"\n"), 0600))

	out, err := execute(t, "validate", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "user: deploy")
	assert.Contains(t, out, "port: 22")
}

func TestValidateRejectsBadDescriptor(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(path, []byte(webDescriptor), 0600))

	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, deploy.ExitConfig, deploy.ExitCode(err))
	assert.Equal(t, `service bad: step "load-descriptor": health_check.command: is required when rollback is enabled`+
		` (hint: fix health_check.command in `+path+`)`, err.Error())

	_, err = execute(t, "validate", "missing")
	assert.Equal(t, deploy.ExitConfig, deploy.ExitCode(err))
	assert.Contains(t, err.Error(), `service missing: step "load-descriptor": `)
	assert.Contains(t, err.Error(), "(hint: create "+filepath.Join(dir, "services", "missing.yaml"))
}

func TestDeployReportsBadImageWithStepAndHint(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.MkdirAll(dir, 0700))
	content := "service: api\nimage: App:v1\nhost:\n  address: 10.0.0.7\nhealth_check:\n  command: \"true\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := execute(t, "deploy", path)
	require.Error(t, err)
	assert.Equal(t, deploy.ExitConfig, deploy.ExitCode(err))
	var se *deploy.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "api", se.Service)
	assert.Equal(t, deploy.StepLoadDescriptor, se.Step)
	assert.Equal(t, "fix image in "+path, se.Hint)
	assert.Contains(t, err.Error(), `service api: step "load-descriptor": image="App:v1"`)
}

func TestStatusHistoryAndUnlock(t *testing.T) {
	isolate(t)

	out, err := execute(t, "status", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "no deploys recorded")

	_, err = execute(t, "unlock", "web")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	rt, err := loadRuntime(newRootCmd())
	require.NoError(t, err)
	_, err = rt.Orchestrator.Ledger.RecordStart(context.Background(), ledger.Record{Service: "web", Image: "app:v1"})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	out, err = execute(t, "status", "web")
	require.NoError(t, err)
	assert.Regexp(t, `in progress:\s+true`, out)

	out, err = execute(t, "unlock", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "abandoned deploy record")

	out, err = execute(t, "history", "web", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "abandoned")
	assert.Contains(t, out, "app:v1")
}

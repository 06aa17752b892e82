package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func envLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestResolveEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	content := "# comment\nexport JWT_SECRET=\"s3cr3t-jwt\"\n\nS3_KEY = 'abcd1234'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	reg := NewRegistry()
	reg.Register(EnvBackend{LookupEnv: envLookup(map[string]string{"PROD_DATABASE_URL": "postgres://u:p@db/app"})})
	reg.Register(FileBackend{Path: path})

	set, err := NewResolver(reg).Resolve(context.Background(), []Ref{
		{Name: "DATABASE_URL", From: StrategyEnv, Key: "PROD_DATABASE_URL"},
		{Name: "JWT_SECRET", From: StrategyFile},
		{Name: "STORAGE_KEY", From: StrategyFile, Key: "S3_KEY"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DATABASE_URL", "JWT_SECRET", "STORAGE_KEY"}, set.Names())

	v, ok := set.Value("JWT_SECRET")
	require.True(t, ok)
	assert.Equal(t, "s3cr3t-jwt", string(v))
	v, _ = set.Value("STORAGE_KEY")
	assert.Equal(t, "abcd1234", string(v))
}

func TestResolveMissingSecret(t *testing.T) {
	reg := NewRegistry()
	reg.Register(EnvBackend{LookupEnv: envLookup(map[string]string{"DATABASE_URL": "x://y"})})

	_, err := NewResolver(reg).Resolve(context.Background(), []Ref{
		{Name: "DATABASE_URL", From: StrategyEnv},
		{Name: "JWT_SECRET", From: StrategyEnv},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSecretUnavailable))

	var rerr *ResolveError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "JWT_SECRET", rerr.Name)
}

func TestResolveUnregisteredBackend(t *testing.T) {
	_, err := NewResolver(NewRegistry()).Resolve(context.Background(), []Ref{{Name: "TOKEN", From: StrategyVault, Path: "secret/x"}})
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestResolveEmptyValueIsUnavailable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(EnvBackend{LookupEnv: envLookup(map[string]string{"TOKEN": ""})})
	_, err := NewResolver(reg).Resolve(context.Background(), []Ref{{Name: "TOKEN", From: StrategyEnv}})
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestSetScrubZeroesValues(t *testing.T) {
	reg := NewRegistry()
	reg.Register(EnvBackend{LookupEnv: envLookup(map[string]string{"TOKEN": "hunter22"})})
	set, err := NewResolver(reg).Resolve(context.Background(), []Ref{{Name: "TOKEN", From: StrategyEnv}})
	require.NoError(t, err)

	v, _ := set.Value("TOKEN")
	set.Scrub()
	assert.Equal(t, make([]byte, len("hunter22")), v)
	assert.Equal(t, 0, set.Len())
	set.Scrub()
}

func TestRedactor(t *testing.T) {
	r := &Redactor{}
	r.Track([]byte("abc"))
	r.Track([]byte("topsecret"))
	r.Track([]byte("topsecret-long"))

	got := r.Redact("dsn=topsecret-long other=topsecret short=abc")
	assert.Equal(t, "dsn=[REDACTED] other=[REDACTED] short=[REDACTED]", got)

	r.Scrub()
	assert.Equal(t, "topsecret", r.Redact("topsecret"))

	r.Track(nil)
	assert.Equal(t, "unchanged", r.Redact("unchanged"))

	var nilRedactor *Redactor
	assert.Equal(t, "plain", nilRedactor.Redact("plain"))
}

func TestKeyringBackend(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(DefaultKeyringService, "JWT_SECRET", "from-keyring"))

	b := KeyringBackend{}
	v, err := b.Lookup(context.Background(), Ref{Name: "JWT_SECRET", From: StrategyKeyring})
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", string(v))

	_, err = b.Lookup(context.Background(), Ref{Name: "MISSING", From: StrategyKeyring})
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestVaultBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/api/prod":
			_, _ = w.Write([]byte(`{"data":{"data":{"JWT_SECRET":"vault-jwt","port":5432},"metadata":{"version":3}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()

	b, err := NewVaultBackend(srv.URL, "test-token")
	require.NoError(t, err)
	ctx := context.Background()

	v, err := b.Lookup(ctx, Ref{Name: "JWT_SECRET", From: StrategyVault, Path: "secret/api/prod"})
	require.NoError(t, err)
	assert.Equal(t, "vault-jwt", string(v))

	_, err = b.Lookup(ctx, Ref{Name: "OTHER", From: StrategyVault, Path: "secret/api/prod"})
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	_, err = b.Lookup(ctx, Ref{Name: "DB_PORT", From: StrategyVault, Path: "secret/api/prod", Field: "port"})
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	_, err = b.Lookup(ctx, Ref{Name: "JWT_SECRET", From: StrategyVault, Path: "secret/api/missing"})
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	_, err = b.Lookup(ctx, Ref{Name: "JWT_SECRET", From: StrategyVault, Path: "secret"})
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestShortSecretIsRedacted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(EnvBackend{LookupEnv: envLookup(map[string]string{"PIN": "42"})})
	set, err := NewResolver(reg).Resolve(context.Background(), []Ref{{Name: "PIN", From: StrategyEnv}})
	require.NoError(t, err)
	r := set.Redactor()
	set.Scrub()

	assert.Equal(t, "stderr: bad pin [REDACTED]", r.Redact("stderr: bad pin 42"))
}

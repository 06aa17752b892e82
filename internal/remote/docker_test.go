package remote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDockerCommands(t *testing.T) {
	d := Docker{}
	assert.Equal(t, "docker pull --quiet ghcr.io/acme/api:v2", d.Pull("ghcr.io/acme/api:v2"))
	assert.Equal(t, "docker image inspect --format '{{json .RepoDigests}}' app:v1", d.RepoDigests("app:v1"))
	assert.Equal(t, "docker volume create api-uploads >/dev/null", d.EnsureVolume("api-uploads"))
	assert.Equal(t, "docker network inspect web >/dev/null 2>&1 || docker network create web", d.EnsureNetwork("web"))
	assert.Equal(t, "docker exec api sh -c 'npx prisma migrate deploy'", d.Exec("api", "npx prisma migrate deploy"))

	sudo := Docker{Binary: "sudo docker"}
	assert.Equal(t, "sudo docker inspect --format '{{.Config.Image}}' api", sudo.ContainerImage("api"))
}

func TestRecreate(t *testing.T) {
	cmd := Docker{}.Recreate(RunSpec{
		Name:    "api",
		Image:   "app@sha256:abc",
		EnvFile: "/run/deployctl/api.env",
		Ports:   []string{"127.0.0.1:3000:3000"},
		Volumes: []string{"api-uploads:/app/uploads"},
		Network: "web",
		Restart: "unless-stopped",
		Labels:  map[string]string{"deployctl.service": "api", "deployctl.record": "r1"},
	})
	want := "docker rm --force api >/dev/null 2>&1; " +
		"docker run --detach --name api --restart unless-stopped --env-file /run/deployctl/api.env " +
		"--network web --publish 127.0.0.1:3000:3000 --volume api-uploads:/app/uploads " +
		"--label deployctl.record=r1 --label deployctl.service=api app@sha256:abc"
	assert.Equal(t, want, cmd)
}

func TestRecreateQuotesHostileValues(t *testing.T) {
	cmd := Docker{}.Recreate(RunSpec{Name: "api", Image: "app:v1", Labels: map[string]string{"note": "a b; rm -rf /"}})
	assert.Contains(t, cmd, "--label 'note=a b; rm -rf /'")
}

func TestParseRepoDigest(t *testing.T) {
	const digest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	out := `["mirror.local/app@sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff","app@` + digest + `"]` + "\n"

	got, err := ParseRepoDigest(out, "app:v1")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	got, err = ParseRepoDigest(`["ghcr.io/acme/api@`+digest+`"]`, "ghcr.io/acme/api:v2")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	_, err = ParseRepoDigest("[]", "app:v1")
	assert.Error(t, err)
	_, err = ParseRepoDigest("not json", "app:v1")
	assert.Error(t, err)
}

func TestParseRepoDigestIgnoresOtherRepositories(t *testing.T) {
	const digest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	out := `["ghcr.io/acme/api@` + digest + `","mirror.local/app@` + digest + `"]`

	got, err := ParseRepoDigest(out, "other:v1")
	assert.Empty(t, got)
	require.Error(t, err)
	assert.Equal(t, "image other:v1 has no repository digest", err.Error())

	_, err = ParseRepoDigest(out, "app:v1")
	assert.Error(t, err, "docker.io/library/app is not mirror.local/app")
}

func TestEnvFile(t *testing.T) {
	out, err := EnvFile([]EnvEntry{
		{Key: "NODE_ENV", Value: []byte("production")},
		{Key: "DATABASE_URL", Value: []byte("postgres://u:p@db/app?sslmode=require")},
	})
	require.NoError(t, err)
	assert.Equal(t, "DATABASE_URL=postgres://u:p@db/app?sslmode=require\nNODE_ENV=production\n", string(out))

	_, err = EnvFile([]EnvEntry{{Key: "PEM", Value: []byte("line1\nline2")}})
	assert.Error(t, err)
}

func TestCommandError(t *testing.T) {
	err := &CommandError{Command: "docker pull x", ExitCode: 1, Stderr: "pulling\nError: manifest unknown\n"}
	assert.True(t, errors.Is(err, ErrRemoteCommand))
	assert.Equal(t, "command exited with status 1: Error: manifest unknown", err.Error())

	cerr := ConnectionError("dial", errors.New("connection refused"))
	assert.True(t, errors.Is(cerr, ErrRemoteConnection))
}

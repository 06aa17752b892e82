package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/distribution/reference"
)

// Docker builds docker CLI invocations for the remote shell. Every argument
// that comes from a descriptor is shell-quoted.
type Docker struct {
	// Binary is the docker invocation, e.g. "docker" or "sudo docker". It is
	// inserted verbatim.
	Binary string
}

// RunSpec describes the container to (re)create.
type RunSpec struct {
	Name    string
	Image   string
	EnvFile string
	Ports   []string
	Volumes []string
	Network string
	Restart string
	Labels  map[string]string
}

func (d Docker) bin() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

func (d Docker) cmd(args ...string) string {
	return d.bin() + " " + shellescape.QuoteCommand(args)
}

// Pull fetches an image. Pulling an image already present is a no-op.
func (d Docker) Pull(image string) string {
	return d.cmd("pull", "--quiet", image)
}

// RepoDigests prints the image's repository digests as JSON.
func (d Docker) RepoDigests(image string) string {
	return d.cmd("image", "inspect", "--format", "{{json .RepoDigests}}", image)
}

// EnsureNetwork creates a network unless it already exists.
func (d Docker) EnsureNetwork(name string) string {
	return d.cmd("network", "inspect", name) + " >/dev/null 2>&1 || " + d.cmd("network", "create", name)
}

// EnsureVolume creates a named volume; docker treats an existing one as success.
func (d Docker) EnsureVolume(name string) string {
	return d.cmd("volume", "create", name) + " >/dev/null"
}

// Recreate removes the container if present and starts it again from spec.
// Named volumes are left untouched so their data survives.
func (d Docker) Recreate(spec RunSpec) string {
	args := []string{"run", "--detach", "--name", spec.Name}
	if spec.Restart != "" {
		args = append(args, "--restart", spec.Restart)
	}
	if spec.EnvFile != "" {
		args = append(args, "--env-file", spec.EnvFile)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, p := range spec.Ports {
		args = append(args, "--publish", p)
	}
	for _, v := range spec.Volumes {
		args = append(args, "--volume", v)
	}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image)
	return d.cmd("rm", "--force", spec.Name) + " >/dev/null 2>&1; " + d.cmd(args...)
}

// Exec runs a shell command inside a running container.
func (d Docker) Exec(container, command string) string {
	return d.cmd("exec", container, "sh", "-c", command)
}

// ContainerImage prints the image reference a container was created from.
func (d Docker) ContainerImage(container string) string {
	return d.cmd("inspect", "--format", "{{.Config.Image}}", container)
}

// ParseRepoDigest picks the digest for image out of `docker image inspect`
// RepoDigests output. Locally built images have no repo digest; that is an
// error because they cannot be rolled back to by digest. Digests of other
// repositories that share the image ID never stand in for it.
func ParseRepoDigest(output, image string) (string, error) {
	var entries []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &entries); err != nil {
		return "", fmt.Errorf("parse repo digests: %w", err)
	}
	want, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("parse image %q: %w", image, err)
	}
	for _, e := range entries {
		named, err := reference.ParseNormalizedNamed(e)
		if err != nil {
			continue
		}
		canonical, ok := named.(reference.Canonical)
		if !ok {
			continue
		}
		if named.Name() == want.Name() {
			return canonical.Digest().String(), nil
		}
	}
	return "", fmt.Errorf("image %s has no repository digest", image)
}

// EnvEntry is one line of a docker env file.
type EnvEntry struct {
	Key   string
	Value []byte
}

// EnvFile renders entries in docker's --env-file format, sorted by key. Docker
// reads values literally up to the end of the line, so values with line breaks
// are rejected. The caller owns the returned buffer and should zero it.
func EnvFile(entries []EnvEntry) ([]byte, error) {
	sorted := append([]EnvEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	size := 0
	for _, e := range sorted {
		if bytes.ContainsAny(e.Value, "\r\n") {
			return nil, fmt.Errorf("value of %s contains a line break", e.Key)
		}
		size += len(e.Key) + len(e.Value) + 2
	}
	// sized up front so no partially filled copy is left behind by growth
	out := make([]byte, 0, size)
	for _, e := range sorted {
		out = append(out, e.Key...)
		out = append(out, '=')
		out = append(out, e.Value...)
		out = append(out, '\n')
	}
	return out, nil
}

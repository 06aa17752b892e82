package secrets

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// FileBackend reads KEY=VALUE lines from a dotenv-style file. The file is read
// on every lookup so values are not cached between runs.
type FileBackend struct {
	Path string
}

func (FileBackend) Name() Strategy { return StrategyFile }

func (b FileBackend) Lookup(_ context.Context, ref Ref) ([]byte, error) {
	if b.Path == "" {
		return nil, fmt.Errorf("%w: no secrets file configured", ErrSecretUnavailable)
	}
	values, err := ParseEnvFile(b.Path)
	if err != nil {
		return nil, err
	}
	v, ok := values[ref.LookupKey()]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in %s", ErrSecretUnavailable, ref.LookupKey(), b.Path)
	}
	return []byte(v), nil
}

// ParseEnvFile reads KEY=VALUE pairs. Blank lines and lines starting with #
// are ignored, an optional "export " prefix is dropped and matching single or
// double quotes around the value are removed.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secrets file: %w", err)
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = unquote(strings.TrimSpace(v))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

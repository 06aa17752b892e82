// Package secrets resolves secret references at deploy time. Resolved values
// live only in memory for one deploy run and are zeroed with Set.Scrub.
package secrets

import (
	"errors"
	"sort"
)

// ErrSecretUnavailable is returned when a referenced secret is missing from its
// backend, or the backend itself is not configured.
var ErrSecretUnavailable = errors.New("secret unavailable")

// Strategy names the backend a secret is resolved from.
type Strategy string

const (
	StrategyEnv     Strategy = "env"
	StrategyFile    Strategy = "file"
	StrategyVault   Strategy = "vault"
	StrategyKeyring Strategy = "keyring"
)

// KnownStrategy reports whether s names a supported backend.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyEnv, StrategyFile, StrategyVault, StrategyKeyring:
		return true
	}
	return false
}

// Ref references a secret that becomes the container env var Name.
type Ref struct {
	Name  string   `yaml:"name" json:"name"`
	From  Strategy `yaml:"from" json:"from"`
	Key   string   `yaml:"key,omitempty" json:"key,omitempty"`     // env var, dotenv key or keyring user
	Path  string   `yaml:"path,omitempty" json:"path,omitempty"`   // vault KV v2 path, "mount/path"
	Field string   `yaml:"field,omitempty" json:"field,omitempty"` // vault field, defaults to Name
}

// LookupKey returns the key used against key/value backends.
func (r Ref) LookupKey() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Name
}

// Set holds resolved secret values keyed by env var name.
type Set struct {
	values map[string][]byte
}

func newSet() *Set { return &Set{values: map[string][]byte{}} }

// Names returns the resolved names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Value returns the raw bytes for name. The slice aliases the set and is
// zeroed by Scrub.
func (s *Set) Value(name string) ([]byte, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Len returns the number of resolved secrets.
func (s *Set) Len() int { return len(s.values) }

// Scrub zeroes every value and empties the set. Safe to call twice.
func (s *Set) Scrub() {
	for k, v := range s.values {
		for i := range v {
			v[i] = 0
		}
		delete(s.values, k)
	}
}

// Redactor returns a redactor tracking every value currently in the set.
func (s *Set) Redactor() *Redactor {
	r := &Redactor{}
	for _, v := range s.values {
		r.Track(v)
	}
	return r
}

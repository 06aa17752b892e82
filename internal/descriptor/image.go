package descriptor

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// ImageRef is a parsed image reference: registry, repository and tag, with an
// optional digest.
type ImageRef struct {
	Raw    string
	Name   string // familiar repository name, e.g. "app" or "ghcr.io/acme/api"
	Domain string
	Path   string
	Tag    string
	Digest string
}

// ParseImage parses and normalizes an image reference. References without a
// tag or digest are rejected so a deploy never silently tracks "latest".
func ParseImage(s string) (ImageRef, error) {
	if strings.TrimSpace(s) != s || s == "" {
		return ImageRef{}, fmt.Errorf("image reference %q is empty or padded", s)
	}
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ImageRef{}, fmt.Errorf("parse image reference %q: %w", s, err)
	}
	ref := ImageRef{
		Raw:    s,
		Name:   reference.FamiliarName(named),
		Domain: reference.Domain(named),
		Path:   reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		ref.Digest = digested.Digest().String()
	}
	if ref.Tag == "" && ref.Digest == "" {
		return ImageRef{}, fmt.Errorf("image reference %q needs a tag or digest", s)
	}
	return ref, nil
}

// String returns the reference as written in the descriptor.
func (r ImageRef) String() string { return r.Raw }

// Pinned returns the reference pinned to digest, or the raw reference when
// digest is empty.
func (r ImageRef) Pinned(digest string) string {
	if digest == "" {
		return r.Raw
	}
	return r.Name + "@" + digest
}

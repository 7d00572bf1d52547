package image

import (
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// The default public registry and its wire endpoint.
const (
	defaultRegistry     = "docker.io"
	defaultRegistryHost = "registry-1.docker.io"
)

// A normalized image reference.
//
// Exactly one of Tag and Digest selects the image; a digest always wins
// over a tag. Immutable once parsed.
type Reference struct {
	Registry   string        // Registry hostname, e.g. "docker.io".
	Repository string        // Repository path, e.g. "library/ubuntu".
	Tag        string        // Tag, empty when a digest is present.
	Digest     digest.Digest // Content digest, empty when a tag is present.
}

// Parses a Docker-style image reference string.
//
// Normalization follows the familiar-name rules: a missing registry
// defaults to docker.io, a single-segment repository on docker.io gains
// the library/ prefix, and a missing tag defaults to latest. A digest
// suffix takes precedence over any tag. Strings violating the Docker
// character-set or length rules yield ErrInvalidReference.
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, s, err)
	}

	ref := Reference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.Digest = canonical.Digest()
		return ref, nil
	}

	named = reference.TagNameOnly(named)
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	return ref, nil
}

// Renders the canonical normalized form,
// e.g. "docker.io/library/ubuntu:latest".
func (r Reference) String() string {
	name := r.Registry + "/" + r.Repository
	if r.Digest != "" {
		return name + "@" + r.Digest.String()
	}
	return name + ":" + r.Tag
}

// Returns the selector used on the manifest endpoint: the digest when
// present, the tag otherwise.
func (r Reference) selector() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// Returns the hostname to dial for wire requests.
//
// docker.io is a naming alias; the actual endpoint lives at
// registry-1.docker.io.
func (r Reference) host() string {
	if r.Registry == defaultRegistry {
		return defaultRegistryHost
	}
	return r.Registry
}

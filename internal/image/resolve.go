package image

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Fetches the top-level document for the session's reference and
// narrows it to the platform-appropriate manifest.
//
// A single-manifest response is used directly. An index is resolved by
// matching the running platform exactly against the index entries and
// fetching the selected manifest by digest. Resolution is read-only.
func resolveManifest(ctx context.Context, sess *session) (ocispec.Manifest, digest.Digest, error) {
	data, mediaType, dgst, err := sess.fetchManifest(ctx, sess.ref.selector())
	if err != nil {
		return ocispec.Manifest{}, "", err
	}

	if isIndex(mediaType, data) {
		desc, err := selectPlatform(data, sess.ref)
		if err != nil {
			return ocispec.Manifest{}, "", err
		}

		data, _, dgst, err = sess.fetchManifest(ctx, desc.Digest.String())
		if err != nil {
			return ocispec.Manifest{}, "", err
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ocispec.Manifest{}, "", fmt.Errorf("%w: decode manifest: %v", ErrRegistry, err)
	}
	if manifest.Config.Digest == "" {
		return ocispec.Manifest{}, "", fmt.Errorf("%w: manifest missing config descriptor", ErrRegistry)
	}

	slog.Debug("manifest resolved", "reference", sess.ref.String(), "digest", dgst, "layers", len(manifest.Layers))
	return manifest, dgst, nil
}

// Resolves only the manifest digest for the session's reference.
//
// For an index this is the digest recorded in the matched entry, so no
// second manifest fetch is needed. Used by the ensure fast path.
func resolveDigest(ctx context.Context, sess *session) (digest.Digest, error) {
	data, mediaType, dgst, err := sess.fetchManifest(ctx, sess.ref.selector())
	if err != nil {
		return "", err
	}

	if isIndex(mediaType, data) {
		desc, err := selectPlatform(data, sess.ref)
		if err != nil {
			return "", err
		}
		return desc.Digest, nil
	}
	return dgst, nil
}

// Picks the index entry matching the running {os, architecture}.
func selectPlatform(data []byte, ref Reference) (ocispec.Descriptor, error) {
	var index ocispec.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: decode index: %v", ErrRegistry, err)
	}

	host := platforms.DefaultSpec()
	matcher := platforms.OnlyStrict(host)
	for _, desc := range index.Manifests {
		if desc.Platform != nil && matcher.Match(*desc.Platform) {
			return desc, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: %s has no manifest for %s", ErrPlatformNotSupported, ref.String(), platforms.Format(host))
}

// Whether the top-level document is a multi-architecture index.
//
// The content type decides when it names a known index or manifest
// type; otherwise the document shape does (an index carries a
// "manifests" list, a manifest a "config" descriptor).
func isIndex(mediaType string, data []byte) bool {
	switch mediaType {
	case ocispec.MediaTypeImageIndex, mediaTypeDockerManifestList:
		return true
	case ocispec.MediaTypeImageManifest, mediaTypeDockerManifest:
		return false
	}

	var probe struct {
		Manifests []json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return len(probe.Manifests) > 0
}

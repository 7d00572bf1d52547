package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pyroth/sbx/internal/extract"
	"github.com/pyroth/sbx/internal/store"
)

// Acquires images and materializes root filesystems.
//
// A Manager owns a local store and a registry client. All operations
// are synchronous and sequential; see the package documentation.
type Manager struct {
	store    *store.Store
	registry *registryClient
}

// Result of a successful pull or ensure.
type Result struct {
	Reference string        // Canonical normalized reference.
	Digest    digest.Digest // Manifest content digest.
	Rootfs    string        // Path to the extracted rootfs directory.
	Config    RunConfig     // Inherited process configuration.
}

// Opens a manager over the store at the given root directory.
func Open(root string) (*Manager, error) {
	s, err := store.Open(root)
	if err != nil {
		return nil, err
	}
	return &Manager{store: s, registry: newRegistryClient()}, nil
}

// Pulls an image from its registry and extracts its rootfs.
//
// The manifest is resolved, the config and layer blobs are fetched into
// the content store (skipping blobs already present), the layers are
// extracted in order into a staged directory, and only then is the
// rootfs published and the catalog record written. The first error
// aborts the pull with no record and no visible rootfs.
func (m *Manager) Pull(ctx context.Context, refStr string, progress ProgressFunc) (Result, error) {
	ref, err := ParseReference(refStr)
	if err != nil {
		return Result{}, err
	}

	sess := m.registry.session(ref)
	progress.emit(Event{Stage: StageResolving, Reference: ref.String()})

	manifest, manifestDigest, err := resolveManifest(ctx, sess)
	if err != nil {
		return Result{}, err
	}

	blobs := append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...)
	for i, desc := range blobs {
		if err := m.ensureBlob(ctx, sess, desc, i+1, len(blobs), progress); err != nil {
			return Result{}, err
		}
	}

	rawConfig, config, err := m.loadConfig(manifest.Config)
	if err != nil {
		return Result{}, err
	}

	if err := m.extractRootfs(manifest, manifestDigest, progress); err != nil {
		return Result{}, err
	}

	if err := m.store.WriteConfig(manifestDigest, rawConfig); err != nil {
		return Result{}, err
	}

	var size int64
	for _, layer := range manifest.Layers {
		size += layer.Size
	}
	rec := store.Record{
		Reference: ref.String(),
		Digest:    manifestDigest,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Upsert(rec); err != nil {
		return Result{}, err
	}

	progress.emit(Event{Stage: StageDone, Reference: ref.String(), Digest: manifestDigest})
	slog.Debug("image pulled", "reference", ref.String(), "digest", manifestDigest, "size", size)

	return Result{
		Reference: ref.String(),
		Digest:    manifestDigest,
		Rootfs:    m.store.RootfsPath(manifestDigest),
		Config:    config,
	}, nil
}

// Returns the cached result when the catalog already holds the current
// manifest digest; pulls otherwise.
//
// The fast path costs exactly one manifest fetch (to learn the current
// digest) and no blob traffic. A record whose rootfs directory is
// missing, for example after a crash between extraction and commit,
// falls through to a full pull.
func (m *Manager) Ensure(ctx context.Context, refStr string, progress ProgressFunc) (Result, error) {
	ref, err := ParseReference(refStr)
	if err != nil {
		return Result{}, err
	}

	rec, err := m.store.Find(ref.String(), ref.Digest)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return m.Pull(ctx, refStr, progress)
		}
		return Result{}, err
	}

	sess := m.registry.session(ref)
	current, err := resolveDigest(ctx, sess)
	if err != nil {
		return Result{}, err
	}

	if rec.Digest == current && m.store.HasRootfs(current) {
		raw, err := m.store.ReadConfig(current)
		if err == nil {
			var img ocispec.Image
			if err := json.Unmarshal(raw, &img); err == nil {
				slog.Debug("image cached", "reference", ref.String(), "digest", current)
				return Result{
					Reference: ref.String(),
					Digest:    current,
					Rootfs:    m.store.RootfsPath(current),
					Config:    runConfigFromImage(img),
				}, nil
			}
		}
		// Sidecar unreadable; re-pull rebuilds it.
	}

	return m.Pull(ctx, refStr, progress)
}

// Returns all catalog records.
func (m *Manager) Images() ([]store.Record, error) {
	return m.store.Records()
}

// Removes a locally stored image: its rootfs, sidecar, and record.
//
// Returns an error wrapping errdefs.ErrNotFound when the reference is
// not in the catalog. Blobs are never deleted here; they may be shared
// with other images, and orphan collection is an out-of-band concern.
func (m *Manager) Remove(refStr string) error {
	ref, err := ParseReference(refStr)
	if err != nil {
		return err
	}
	return m.store.Remove(ref.String())
}

// Fetches one blob into the store unless it is already present.
//
// Presence is checked against the store of record, never an in-memory
// view. Verification happens inside store.Put while the stream is
// written.
func (m *Manager) ensureBlob(ctx context.Context, sess *session, desc ocispec.Descriptor, index, total int, progress ProgressFunc) error {
	if m.store.Has(desc.Digest) {
		slog.Debug("blob cached", "digest", desc.Digest)
		progress.emit(Event{Stage: StageBlobCached, Digest: desc.Digest, Index: index, Total: total, Size: desc.Size})
		return nil
	}

	body, err := sess.fetchBlob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := m.store.Put(desc.Digest, body); err != nil {
		return err
	}

	progress.emit(Event{Stage: StageBlobFetched, Digest: desc.Digest, Index: index, Total: total, Size: desc.Size})
	return nil
}

// Reads the config blob back from the store and decodes it.
func (m *Manager) loadConfig(desc ocispec.Descriptor) ([]byte, RunConfig, error) {
	rc, err := m.store.Get(desc.Digest)
	if err != nil {
		return nil, RunConfig{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, RunConfig{}, fmt.Errorf("read config blob: %w", err)
	}

	var img ocispec.Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, RunConfig{}, fmt.Errorf("%w: decode config blob: %v", ErrRegistry, err)
	}
	return raw, runConfigFromImage(img), nil
}

// Extracts the manifest's layers into a staged rootfs and publishes it.
//
// An already-extracted rootfs for the same manifest digest is reused
// as-is.
func (m *Manager) extractRootfs(manifest ocispec.Manifest, manifestDigest digest.Digest, progress ProgressFunc) error {
	if m.store.HasRootfs(manifestDigest) {
		slog.Debug("rootfs cached", "digest", manifestDigest)
		return nil
	}

	progress.emit(Event{Stage: StageExtracting, Digest: manifestDigest})

	staging, err := m.store.BeginRootfs(manifestDigest)
	if err != nil {
		return err
	}

	layers := make([]extract.Layer, len(manifest.Layers))
	for i, desc := range manifest.Layers {
		layers[i] = extract.Layer{
			Path:      m.store.BlobPath(desc.Digest),
			MediaType: desc.MediaType,
		}
	}

	if err := extract.Apply(layers, staging); err != nil {
		m.store.DiscardRootfs(manifestDigest)
		return err
	}

	if err := m.store.CommitRootfs(manifestDigest); err != nil {
		return err
	}

	progress.emit(Event{Stage: StageExtracted, Digest: manifestDigest})
	return nil
}

package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/pyroth/sbx/internal/paths"
)

// Content-addressed image store rooted at a single directory.
type Store struct {
	root string // Root directory of the store.
}

// Opens (or creates) the store at the given root directory.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(root, "blobs"),
		filepath.Join(root, "blobs", "staging"),
		filepath.Join(root, "rootfs"),
	} {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Returns the final on-disk path for a blob.
//
// Blobs are laid out by algorithm and hex, e.g. blobs/sha256/ab12....
func (s *Store) BlobPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// Reports whether a blob exists under its final content-addressed path.
//
// This consults the filesystem directly on every call; the store keeps
// no in-memory view that could drift from the directory contents.
func (s *Store) Has(dgst digest.Digest) bool {
	info, err := os.Stat(s.BlobPath(dgst))
	return err == nil && info.Mode().IsRegular()
}

// Opens a stored blob for reading.
//
// The content is trusted to match its digest because Put verified it on
// the way in; no re-hashing happens here.
func (s *Store) Get(dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.BlobPath(dgst))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", dgst, err)
	}
	return f, nil
}

// Writes a blob, verifying its digest in a single pass.
//
// The stream is written to a staging file while being hashed. Only when
// the computed digest equals the expected one is the file renamed into
// its content-addressed location; otherwise the staged data is removed
// and ErrDigestMismatch returned. If the final path already exists the
// incoming stream is drained and discarded, making concurrent writes of
// the same digest idempotent.
func (s *Store) Put(dgst digest.Digest, r io.Reader) error {
	final := s.BlobPath(dgst)
	if s.Has(dgst) {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(final), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	staging := filepath.Join(s.root, "blobs", "staging", strings.ReplaceAll(dgst.String(), ":", "-"))
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}

	verifier := dgst.Verifier()
	if _, err := io.Copy(io.MultiWriter(f, verifier), r); err != nil {
		f.Close()
		os.Remove(staging)
		return fmt.Errorf("write blob %s: %w", dgst, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("close staging file: %w", err)
	}

	if !verifier.Verified() {
		os.Remove(staging)
		return fmt.Errorf("%w: blob %s", ErrDigestMismatch, dgst)
	}

	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return fmt.Errorf("publish blob %s: %w", dgst, err)
	}
	return nil
}

// Returns the storage key for a manifest digest.
//
// The key doubles as a directory name, so the colon separating the
// algorithm from the hex is replaced with a dash.
func Key(dgst digest.Digest) string {
	return strings.ReplaceAll(dgst.String(), ":", "-")
}

// Path to the extracted rootfs directory for a manifest digest.
func (s *Store) RootfsPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "rootfs", Key(dgst))
}

// Path to the extraction staging directory for a manifest digest.
//
// Extraction writes here; CommitRootfs renames the directory into its
// final location so that a completed rootfs is always whole.
func (s *Store) RootfsStagingPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "rootfs", Key(dgst)+".tmp")
}

// Reports whether a complete extracted rootfs exists for the digest.
func (s *Store) HasRootfs(dgst digest.Digest) bool {
	info, err := os.Stat(s.RootfsPath(dgst))
	return err == nil && info.IsDir()
}

// Prepares a fresh staging directory for extraction.
//
// A stale staging directory left behind by an interrupted run is removed
// first.
func (s *Store) BeginRootfs(dgst digest.Digest) (string, error) {
	staging := s.RootfsStagingPath(dgst)
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("clear stale staging: %w", err)
	}
	if err := os.MkdirAll(staging, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("create staging: %w", err)
	}
	return staging, nil
}

// Atomically installs a staged rootfs extraction.
//
// If the final path already exists the staged copy is discarded.
func (s *Store) CommitRootfs(dgst digest.Digest) error {
	staging := s.RootfsStagingPath(dgst)
	final := s.RootfsPath(dgst)

	if info, err := os.Stat(final); err == nil && info.IsDir() {
		os.RemoveAll(staging)
		return nil
	}

	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("publish rootfs %s: %w", dgst, err)
	}
	return nil
}

// Discards a staged rootfs extraction.
func (s *Store) DiscardRootfs(dgst digest.Digest) {
	os.RemoveAll(s.RootfsStagingPath(dgst))
}

// Path to the config sidecar accompanying a rootfs.
func (s *Store) ConfigPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "rootfs", Key(dgst)+".json")
}

// Writes the config sidecar for a rootfs.
func (s *Store) WriteConfig(dgst digest.Digest, data []byte) error {
	return atomicWrite(s.ConfigPath(dgst), data)
}

// Reads the config sidecar for a rootfs.
func (s *Store) ReadConfig(dgst digest.Digest) ([]byte, error) {
	return os.ReadFile(s.ConfigPath(dgst))
}

// Removes the rootfs directory and config sidecar for a manifest digest.
//
// Blobs referenced by the image are left in place; they may be shared
// with other images.
func (s *Store) RemoveRootfs(dgst digest.Digest) error {
	if err := os.RemoveAll(s.RootfsPath(dgst)); err != nil {
		return fmt.Errorf("remove rootfs %s: %w", dgst, err)
	}
	if err := os.Remove(s.ConfigPath(dgst)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove config sidecar %s: %w", dgst, err)
	}
	return nil
}

// Writes data to a file atomically (write to .tmp, then rename).
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

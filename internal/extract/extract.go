package extract

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"

	"github.com/pyroth/sbx/internal/paths"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// One layer archive to apply.
type Layer struct {
	Path      string // Path to the blob on disk.
	MediaType string // OCI or Docker layer media type.
}

// Applies the layers onto dest in order.
//
// Ordering is load-bearing: later layers' whiteouts and writes override
// earlier layers, so extraction is strictly sequential.
func Apply(layers []Layer, dest string) error {
	for i, layer := range layers {
		slog.Debug("applying layer", "index", i, "path", layer.Path)
		if err := applyLayer(layer, dest); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, filepath.Base(layer.Path), err)
		}
	}
	return nil
}

// Applies a single layer archive onto dest.
//
// The archive is read twice from disk: once to compute the deletion set,
// once to write entries. Markers are never materialized.
func applyLayer(layer Layer, dest string) error {
	deletions, err := scanDeletions(layer)
	if err != nil {
		return err
	}
	if err := deletions.apply(dest); err != nil {
		return err
	}
	return writeEntries(layer, dest)
}

// The deletions a layer requests against earlier layers' state.
type deletionSet struct {
	opaque    []string // Directories whose inherited children are removed.
	whiteouts []string // Individual paths removed.
}

// Reads the archive once, collecting whiteout and opaque markers.
func scanDeletions(layer Layer) (deletionSet, error) {
	var set deletionSet

	err := readArchive(layer, func(hdr *tar.Header, _ io.Reader) error {
		_, dir, base, ok := splitEntryName(hdr.Name)
		if !ok {
			return nil
		}
		switch {
		case base == opaqueMarker:
			set.opaque = append(set.opaque, dir)
		case strings.HasPrefix(base, whiteoutPrefix):
			set.whiteouts = append(set.whiteouts, path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
		}
		return nil
	})
	if err != nil {
		return deletionSet{}, err
	}
	return set, nil
}

// Applies the deletion set to the destination tree.
func (d deletionSet) apply(dest string) error {
	for _, dir := range d.opaque {
		target, err := safeJoin(dest, dir)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(target)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("%w: read opaque directory %s: %v", ErrExtract, dir, err)
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(target, entry.Name())); err != nil {
				return fmt.Errorf("%w: clear opaque directory %s: %v", ErrExtract, dir, err)
			}
		}
	}

	for _, name := range d.whiteouts {
		target, err := safeJoin(dest, name)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("%w: whiteout %s: %v", ErrExtract, name, err)
		}
	}
	return nil
}

// Reads the archive a second time, writing the layer's own entries.
func writeEntries(layer Layer, dest string) error {
	return readArchive(layer, func(hdr *tar.Header, r io.Reader) error {
		name, _, base, ok := splitEntryName(hdr.Name)
		if !ok || strings.HasPrefix(base, whiteoutPrefix) {
			return nil
		}

		target, err := safeJoin(dest, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			return writeDir(target, hdr)
		case tar.TypeReg:
			return writeFile(target, hdr, r)
		case tar.TypeSymlink:
			return writeSymlink(target, hdr)
		case tar.TypeLink:
			return writeHardlink(dest, target, hdr)
		case tar.TypeXHeader, tar.TypeXGlobalHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
			return nil
		default:
			// Device nodes and FIFOs need privileges the process does
			// not have; refusing keeps the rootfs state well-defined.
			return fmt.Errorf("%w: %s (type %q)", ErrUnsupportedEntry, name, hdr.Typeflag)
		}
	})
}

// Opens the layer blob and streams its tar entries through fn.
func readArchive(layer Layer, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(layer.Path)
	if err != nil {
		return fmt.Errorf("%w: open layer: %v", ErrExtract, err)
	}
	defer f.Close()

	var r io.Reader = f
	if isGzipped(layer.MediaType) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: gzip: %v", ErrExtract, err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read entry: %v", ErrExtract, err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// Whether the media type indicates a gzip-compressed tar stream.
func isGzipped(mediaType string) bool {
	lower := strings.ToLower(mediaType)
	return strings.Contains(lower, "gzip")
}

// Normalizes an entry name into clean path, directory, and base parts.
//
// Returns ok=false for entries that resolve to the archive root.
func splitEntryName(raw string) (name, dir, base string, ok bool) {
	name = path.Clean(strings.TrimPrefix(raw, "./"))
	if name == "." || name == "/" || name == "" {
		return "", "", "", false
	}
	name = strings.TrimPrefix(name, "/")
	dir = path.Dir(name)
	if dir == "." {
		dir = ""
	}
	return name, dir, path.Base(name), true
}

// Joins a relative archive path onto the destination, refusing escapes.
//
// Lexical escapes (leading ..) are rejected outright. Symlinked
// components written by earlier entries are resolved against the
// destination root, so an entry routed through a symlink pointing
// outside the tree still lands inside it.
func safeJoin(dest, rel string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(rel, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path %q escapes destination", ErrExtract, rel)
	}
	target, err := securejoin.SecureJoin(dest, filepath.FromSlash(clean))
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %v", ErrExtract, rel, err)
	}
	return target, nil
}

func writeDir(target string, hdr *tar.Header) error {
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("%w: replace %s: %v", ErrExtract, target, err)
		}
	}
	mode := fs(hdr.Mode, paths.DefaultDirMode)
	if err := os.MkdirAll(target, mode); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrExtract, target, err)
	}
	return os.Chmod(target, mode)
}

func writeFile(target string, hdr *tar.Header, r io.Reader) error {
	if err := ensureParent(target); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: replace %s: %v", ErrExtract, target, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs(hdr.Mode, paths.DefaultFileMode))
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrExtract, target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrExtract, target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrExtract, target, err)
	}
	return os.Chmod(target, fs(hdr.Mode, paths.DefaultFileMode))
}

func writeSymlink(target string, hdr *tar.Header) error {
	if err := ensureParent(target); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: replace %s: %v", ErrExtract, target, err)
	}
	// Symlink targets are kept verbatim; they resolve inside the VM's
	// mount namespace, not on the host.
	if err := os.Symlink(hdr.Linkname, target); err != nil {
		return fmt.Errorf("%w: symlink %s: %v", ErrExtract, target, err)
	}
	return nil
}

func writeHardlink(dest, target string, hdr *tar.Header) error {
	if err := ensureParent(target); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: replace %s: %v", ErrExtract, target, err)
	}
	source, err := safeJoin(dest, hdr.Linkname)
	if err != nil {
		return err
	}
	if err := os.Link(source, target); err != nil {
		return fmt.Errorf("%w: hardlink %s: %v", ErrExtract, target, err)
	}
	return nil
}

func ensureParent(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrExtract, filepath.Dir(target), err)
	}
	return nil
}

// Converts a tar mode to a FileMode, substituting a default for zero.
func fs(mode int64, fallback os.FileMode) os.FileMode {
	m := os.FileMode(mode).Perm()
	if m == 0 {
		m = fallback
	}
	return m
}

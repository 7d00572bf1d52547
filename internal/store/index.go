package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
)

// A catalog entry for one locally stored image.
type Record struct {
	Reference string        `json:"reference"` // Normalized reference string.
	Digest    digest.Digest `json:"digest"`    // Manifest content digest.
	Size      int64         `json:"size"`      // Total compressed layer size in bytes.
	CreatedAt time.Time     `json:"createdAt"` // When the image was cached.
}

// Returns the path of the catalog file.
func (s *Store) catalogPath() string {
	return filepath.Join(s.root, "index.json")
}

// Loads all catalog records.
//
// A missing catalog file is an empty catalog, not an error.
func (s *Store) Records() ([]Record, error) {
	data, err := os.ReadFile(s.catalogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}
	return records, nil
}

// Replaces the catalog with the given records.
//
// The full record list is serialized and the file replaced in a single
// rename, so readers never observe a half-written catalog.
func (s *Store) saveRecords(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	data = append(data, '\n')
	return atomicWrite(s.catalogPath(), data)
}

// Looks up a record by normalized reference string, then by digest.
//
// Returns an error wrapping errdefs.ErrNotFound when no record matches.
func (s *Store) Find(reference string, dgst digest.Digest) (Record, error) {
	records, err := s.Records()
	if err != nil {
		return Record{}, err
	}

	for _, rec := range records {
		if rec.Reference == reference {
			return rec, nil
		}
	}
	if dgst != "" {
		for _, rec := range records {
			if rec.Digest == dgst {
				return rec, nil
			}
		}
	}
	return Record{}, fmt.Errorf("image %s: %w", reference, errdefs.ErrNotFound)
}

// Inserts or replaces the record for a reference.
func (s *Store) Upsert(rec Record) error {
	records, err := s.Records()
	if err != nil {
		return err
	}

	replaced := false
	for i := range records {
		if records[i].Reference == rec.Reference {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.saveRecords(records)
}

// Removes an image: its rootfs directory, config sidecar, and record.
//
// Returns an error wrapping errdefs.ErrNotFound when the reference has
// no record. Blobs are not touched; orphan collection is an out-of-band
// concern.
func (s *Store) Remove(reference string) error {
	records, err := s.Records()
	if err != nil {
		return err
	}

	idx := -1
	for i, rec := range records {
		if rec.Reference == reference {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("image %s: %w", reference, errdefs.ErrNotFound)
	}

	removed := records[idx]

	// Other references may pin the same manifest; only delete the rootfs
	// when this record is its last user.
	shared := false
	for i, rec := range records {
		if i != idx && rec.Digest == removed.Digest {
			shared = true
			break
		}
	}
	if !shared {
		if err := s.RemoveRootfs(removed.Digest); err != nil {
			return err
		}
	}

	records = append(records[:idx], records[idx+1:]...)
	return s.saveRecords(records)
}

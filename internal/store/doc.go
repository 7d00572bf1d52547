// Package store persists downloaded image content on local disk.
//
// A [Store] owns a directory tree with three areas: a content-addressed
// blob directory keyed by digest algorithm and hex, a rootfs directory
// holding one extracted filesystem per manifest digest (plus a JSON
// sidecar with the image configuration), and a single catalog file
// enumerating all known images.
//
//	{root}/
//	  blobs/sha256/{hex}        content-addressed blobs
//	  blobs/staging/            in-flight blob downloads
//	  rootfs/sha256-{hex}/      extracted rootfs directories
//	  rootfs/sha256-{hex}.json  image config sidecars
//	  index.json                image catalog
//
// Blobs are verified while they are written: [Store.Put] hashes the
// stream into a staging file and only renames it into its final
// content-addressed path when the computed digest matches the expected
// one. A blob that exists under its final name is therefore trusted on
// read; Get does not re-hash.
//
// The catalog is never partially written. Updates rebuild the full
// record list in memory and replace the file in one rename. Concurrent
// processes sharing a store root may still lose updates to each other;
// the rename only prevents corruption.
package store

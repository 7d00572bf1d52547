// Package extract materializes image layers onto a destination directory.
//
// Layers are gzip-compressed (or plain) tar streams applied strictly in
// manifest order. Within each layer the archive is read twice: a first
// pass collects the deletion set encoded by whiteout markers (.wh.name)
// and opaque-directory markers (.wh..wh..opq), the deletions are applied
// to the state inherited from earlier layers, and a second pass writes
// the layer's own entries. Separating deletion from creation keeps the
// result independent of marker position within the archive.
//
// All entry paths are confined to the destination directory; an entry
// that would escape it aborts the extraction.
package extract

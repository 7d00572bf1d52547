package image

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// A step of the pull pipeline.
type Stage string

const (
	StageResolving   Stage = "resolving"   // Fetching and resolving the manifest.
	StageBlobCached  Stage = "cached"      // Blob already present in the store.
	StageBlobFetched Stage = "downloaded"  // Blob downloaded and verified.
	StageExtracting  Stage = "extracting"  // Rootfs extraction started.
	StageExtracted   Stage = "extracted"   // Rootfs extraction finished.
	StageDone        Stage = "done"        // Pull complete.
)

// A progress notification emitted during a pull.
//
// The callback runs inline on the pulling goroutine after each discrete
// step, so it must not block indefinitely.
type Event struct {
	Stage     Stage
	Reference string        // Normalized reference being pulled.
	Digest    digest.Digest // Blob or manifest digest, when applicable.
	Index     int           // 1-based blob position within the manifest.
	Total     int           // Number of blobs in the manifest.
	Size      int64         // Blob size in bytes, when applicable.
}

// Receives progress events. A nil ProgressFunc disables reporting.
type ProgressFunc func(Event)

// Renders a human-readable one-line description of the event.
func (e Event) String() string {
	switch e.Stage {
	case StageResolving:
		return fmt.Sprintf("Pulling %s...", e.Reference)
	case StageBlobCached:
		return fmt.Sprintf("Blob %d/%d cached", e.Index, e.Total)
	case StageBlobFetched:
		return fmt.Sprintf("Downloaded blob %d/%d (%d bytes)", e.Index, e.Total, e.Size)
	case StageExtracting:
		return "Extracting rootfs..."
	case StageExtracted:
		return "Rootfs ready"
	case StageDone:
		return "Done"
	default:
		return string(e.Stage)
	}
}

// Invokes the callback when one is set.
func (p ProgressFunc) emit(ev Event) {
	if p != nil {
		p(ev)
	}
}

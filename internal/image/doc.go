// Package image acquires OCI images from registries and materializes
// them as root filesystems.
//
// A [Manager] composes the reference parser, the registry client, the
// on-disk store, and the layer extractor into the end-to-end pull
// pipeline: the reference is normalized, the platform-appropriate
// manifest is resolved (following multi-architecture indexes), the
// config and layer blobs are downloaded with digest verification and
// cached by content, the layers are extracted in order into a staged
// rootfs directory, and a catalog record is persisted. Only then is the
// rootfs visible; any failure along the way leaves the catalog and the
// rootfs tree untouched.
//
// The pipeline is deliberately sequential. Pulls are bandwidth-bound,
// and layer extraction requires in-order application for whiteout
// semantics to hold, so nothing here spawns goroutines. Progress is
// reported through a callback invoked inline after each discrete step.
//
// Example usage:
//
//	mgr, err := image.Open(paths.StoreRoot())
//	if err != nil {
//	    return err
//	}
//
//	result, err := mgr.Ensure(ctx, "alpine:3.20", func(ev image.Event) {
//	    fmt.Fprintln(os.Stderr, ev)
//	})
//	if err != nil {
//	    return err
//	}
//
//	// result.Rootfs is ready to hand to the VM runner, together with
//	// result.Config (entrypoint, command, environment, working dir).
package image

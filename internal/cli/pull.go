package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pyroth/sbx/internal"
	"github.com/pyroth/sbx/internal/image"
)

// Represents the 'sbx pull' command.
type PullCmd struct {
	Reference string `arg:"" help:"Image reference, e.g. alpine:3.20."`
	Force     bool   `short:"f" help:"Pull even when the image is already cached."`
}

// Executes the pull command.
//
// By default the cached rootfs is reused when the registry still serves
// the same manifest digest; --force always downloads and re-extracts.
// The rootfs path is written to stdout on success.
func (c *PullCmd) Run(ctx context.Context) error {
	mgr, err := image.Open(storeRoot())
	if err != nil {
		return err
	}

	progress := func(ev image.Event) {
		if !internal.IsQuiet() {
			fmt.Fprintln(os.Stderr, ev)
		}
	}

	var result image.Result
	if c.Force {
		result, err = mgr.Pull(ctx, c.Reference, progress)
	} else {
		result, err = mgr.Ensure(ctx, c.Reference, progress)
	}
	if err != nil {
		return err
	}

	fmt.Println(result.Rootfs)
	return nil
}

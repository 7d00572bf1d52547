package cli

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/pyroth/sbx/internal/image"
)

// Represents the 'sbx rm' command.
type RmCmd struct {
	Reference string `arg:"" help:"Image reference to remove."`
}

// Executes the rm command.
//
// Removes the image's rootfs, config sidecar, and catalog record.
// Blobs stay in the store; other images may share them.
func (c *RmCmd) Run(ctx context.Context) error {
	mgr, err := image.Open(storeRoot())
	if err != nil {
		return err
	}

	if err := mgr.Remove(c.Reference); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("no such image: %s", c.Reference)
		}
		return err
	}

	fmt.Println("removed", c.Reference)
	return nil
}

package cli

import (
	"context"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/opencontainers/go-digest"

	"github.com/pyroth/sbx/internal/format"
	"github.com/pyroth/sbx/internal/image"
)

// Represents the 'sbx images' command.
type ImagesCmd struct{}

// Executes the images command, listing all catalog records as a table.
func (c *ImagesCmd) Run(ctx context.Context) error {
	mgr, err := image.Open(storeRoot())
	if err != nil {
		return err
	}

	records, err := mgr.Images()
	if err != nil {
		return err
	}

	var data [][]string
	for _, rec := range records {
		data = append(data, []string{
			rec.Reference,
			shortDigest(rec.Digest),
			format.HumanBytes(rec.Size),
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"REFERENCE", "DIGEST", "SIZE", "CREATED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// Truncates a digest's hex to the familiar 12 characters.
//
// Hand-edited catalogs may carry shorter values; those are shown as-is.
func shortDigest(d digest.Digest) string {
	hex := d.Encoded()
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}

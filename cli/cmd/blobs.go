package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/pwproxy/blob"
	"github.com/pithecene-io/pwproxy/cli/render"
	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/log"
)

// BlobRow is one row of the blobs listing.
type BlobRow struct {
	ID        string `json:"id"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	ExpiresAt string `json:"expires_at"`
}

// BlobsCommand returns the blobs command: list stored blobs from the
// configured storage root. Read-only; the sweeper is not run.
func BlobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "blobs",
		Usage: "List stored blobs",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Filter by blob id prefix",
			},
			&cli.StringSliceFlag{
				Name:  "tag",
				Usage: "Require a tag (repeatable)",
			},
		),
		Action: blobsAction,
	}
}

func blobsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	tree, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	store, err := blob.NewStore(tree.Blob.StorageRoot, tree.Blob.MaxBytes(), tree.Blob.TTL(), log.NewNop())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	refs, err := store.List(c.String("prefix"), c.StringSlice("tag"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	rows := make([]BlobRow, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, BlobRow{
			ID:        ref.ID,
			MimeType:  ref.MimeType,
			SizeBytes: ref.SizeBytes,
			ExpiresAt: ref.ExpiresAt.Format(time.RFC3339),
		})
	}
	return r.Render(rows)
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"carecore"
	"carecore/internal/archive"
	"carecore/pkg/domain"
)

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	var trashOrigin string
	var trash bool

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export failed log entries or trash to the archive backend",
		Long: `Copies failed write-ahead log entries (default) or durable trash
entries (--trash) into the configured archive backend. Blobs that already
exist are skipped, so repeated runs are safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd, rootOpts, trash, trashOrigin)
		},
	}
	cmd.Flags().BoolVar(&trash, "trash", false, "export trash entries instead of failed log entries")
	cmd.Flags().StringVar(&trashOrigin, "origin", "", "restrict --trash export to one origin collection")
	return cmd
}

func runArchive(cmd *cobra.Command, opts *RootOptions, trash bool, origin string) error {
	ctx := context.Background()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	disk, err := carecore.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = disk.Close() }()

	blobs, err := archive.Open(ctx, archive.Config{
		Driver: archive.Driver(cfg.Archive.Driver),
		Root:   cfg.Archive.Root,
		S3: archive.S3Config{
			Bucket:    cfg.Archive.S3.Bucket,
			Region:    cfg.Archive.S3.Region,
			Endpoint:  cfg.Archive.S3.Endpoint,
			PathStyle: cfg.Archive.S3.PathStyle,
		},
	})
	if err != nil {
		return err
	}
	exporter := archive.NewExporter(disk, disk, blobs, opts.logger())

	var keys []string
	if trash {
		keys, err = exporter.ExportTrash(ctx, domain.Collection(origin))
	} else {
		keys, err = exporter.ExportFailed(ctx)
	}
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to export")
		return nil
	}
	for _, key := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	return nil
}

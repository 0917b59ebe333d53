package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carecore"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <mutation-id>",
		Short: "Show one write-ahead log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, rootOpts, args[0])
		},
	}
}

func runShow(cmd *cobra.Command, opts *RootOptions, id string) error {
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

	mut, err := disk.Get(ctx, id)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(mut)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:          %s\n", mut.ID)
	fmt.Fprintf(out, "status:      %s\n", mut.Status)
	fmt.Fprintf(out, "operation:   %s\n", mut.Op)
	fmt.Fprintf(out, "target:      %s/%s\n", mut.Collection, mut.DocID)
	fmt.Fprintf(out, "timestamp:   %s\n", time.UnixMilli(mut.Timestamp).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "retries:     %d\n", mut.RetryCount)
	if mut.LastAttempt != nil {
		fmt.Fprintf(out, "last retry:  %s\n", time.UnixMilli(*mut.LastAttempt).UTC().Format(time.RFC3339))
	}
	if len(mut.Payload) > 0 {
		payload, err := json.MarshalIndent(mut.Payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "payload:\n%s\n", payload)
	}
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carecore"
	"carecore/pkg/domain"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List write-ahead log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, rootOpts, status)
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "entry status (pending|synced|failed_fatal|all)")
	return cmd
}

func runList(cmd *cobra.Command, opts *RootOptions, status string) error {
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

	var statuses []domain.MutationStatus
	switch status {
	case "all":
		statuses = []domain.MutationStatus{domain.StatusPending, domain.StatusSynced, domain.StatusFailedFatal}
	case string(domain.StatusPending), string(domain.StatusSynced), string(domain.StatusFailedFatal):
		statuses = []domain.MutationStatus{domain.MutationStatus(status)}
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	var entries []domain.MutationRecord
	for _, s := range statuses {
		batch, err := disk.ListByStatus(ctx, s)
		if err != nil {
			return err
		}
		entries = append(entries, batch...)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no entries")
		return nil
	}
	for _, mut := range entries {
		ts := time.UnixMilli(mut.Timestamp).UTC().Format(time.RFC3339)
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s  %-7s  %s/%s  retries=%d  %s\n",
			mut.ID, mut.Status, mut.Op, mut.Collection, mut.DocID, mut.RetryCount, ts)
	}
	return nil
}

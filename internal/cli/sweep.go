package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"carecore"
	"carecore/internal/config"
	"carecore/internal/core"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass over the write-ahead log",
		Long: `Sweeps synced entries older than the configured maximum age, then
evicts oldest synced and failed entries until the count bound holds.
Pending entries are never removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, rootOpts)
		},
	}
}

func runSweep(cmd *cobra.Command, opts *RootOptions) error {
	ctx := context.Background()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger()
	disk, err := carecore.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = disk.Close() }()

	policy := core.NewRetentionPolicy(disk, core.RetentionConfig{
		MaxAge:     config.ParseDuration(cfg.Retention.MaxAge, 0, logger),
		MaxEntries: cfg.Retention.MaxEntries,
	}, logger)
	swept, evicted := policy.RunOnce(ctx)

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(map[string]int{"swept": swept, "evicted": evicted})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "swept %d, evicted %d\n", swept, evicted)
	return nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/engine"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Concurrency int
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Roll interrupted multi-step operations forward",
		Long: `Re-run the remaining steps of every open operation in the journal.

Only the sqlite backend keeps a durable journal; other backends have
nothing to sweep after a restart.

Exit codes:
  0 - No operations left open
  1 - One or more operations still failing
  2 - Command error

Example:
  optisync sweep --config optisync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", engine.DefaultSweepConcurrency, "operation keys swept in parallel")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackend(ctx, opts.Config.Store)
	if err != nil {
		_ = out.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer b.Close()
	if b.Journal == nil {
		out.VerboseLog("%s backend has no durable journal", b.Name)
	}

	eng := newEngine(opts.Config, b, nil)
	defer startEngine(ctx, eng)()
	res, err := eng.Reconciler(engine.WithSweepConcurrency(opts.Concurrency)).Sweep(ctx)
	text := fmt.Sprintf("open=%d completed=%d skipped=%d failed=%d", res.Open, res.Completed, res.Skipped, res.Failed)
	if err != nil {
		_ = out.Error(ErrCodeSweepOpen, err.Error(), res)
		return WrapExitError(ExitFailure, "operations left open", err)
	}
	return out.Success(res, text)
}

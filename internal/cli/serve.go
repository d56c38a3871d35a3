package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/optisync/internal/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured store over websocket",
		Long: `Expose the configured store backend to remote clients.

Before listening, open multi-step operations in the journal are rolled
forward. The relay then serves:
  GET /v1/stream  websocket store protocol
  GET /healthz    liveness
  GET /metrics    prometheus metrics

Example:
  optisync serve --config optisync.yaml
  optisync serve --addr :9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if cfg.Store.Backend == BackendRemote {
		return NewExitError(ExitCommandError, "serve needs a local store backend, not remote")
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	eng := newEngine(cfg, b, reg)
	if res, err := eng.Reconciler().Sweep(ctx); err != nil {
		slog.Warn("startup sweep left operations open", "failed", res.Failed, "error", err)
	}

	srv := remote.NewServer(b.Backend, remote.WithRegistry(reg))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s store on %s. Press Ctrl-C to stop.\n", b.Name, addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, addr) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "relay error", err)
	}
	slog.Info("relay stopped gracefully")
	return nil
}

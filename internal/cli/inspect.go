package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/snapshot"
)

// InspectResult is the JSON payload of the inspect command.
type InspectResult struct {
	Path   string          `json:"path"`
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print the value at a store path",
		Long: `Print the value at a store path as canonical JSON.

Example:
  optisync inspect entities/post1
  optisync inspect users/alice/savedItems --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd, args[0])
		},
	}
}

func runInspect(opts *RootOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(cmd, opts)
	if err := snapshot.ValidatePath(path); err != nil {
		_ = out.Error(ErrCodeInvalidArgs, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid path", err)
	}

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

	v, _, err := b.Backend.Read(ctx, path)
	if err != nil {
		_ = out.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitFailure, "read failed", err)
	}

	res := InspectResult{Path: path, Exists: v != nil}
	text := path + " absent"
	if v != nil {
		data, err := snapshot.MarshalCanonical(v)
		if err != nil {
			return WrapExitError(ExitFailure, "encode value", err)
		}
		res.Value = data
		text = string(data)
	}
	return out.Success(res, text)
}

package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/engine"
)

// VoteResult is the JSON payload of the vote command.
type VoteResult struct {
	Entity string `json:"entity"`
	User   string `json:"user"`
	Vote   int64  `json:"vote"`
	Score  int64  `json:"score"`
}

// NewVoteCommand creates the vote command.
func NewVoteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vote <entity> <user> <direction>",
		Short: "Cast a vote against the configured store",
		Long: `Cast, switch or retract a vote on an entity.

Direction is 1 or -1. Casting the direction already held retracts it.
The entity is updated with a compare-and-swap loop, so concurrent voters
converge.

Example:
  optisync vote post1 alice 1
  optisync vote post1 alice -- -1`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVote(rootOpts, cmd, args[0], args[1], args[2])
		},
	}
	return cmd
}

func runVote(opts *RootOptions, cmd *cobra.Command, entityID, userID, rawDirection string) error {
	out := newFormatter(cmd, opts)
	direction, err := strconv.ParseInt(rawDirection, 10, 64)
	if err != nil {
		_ = out.Error(ErrCodeInvalidArgs, fmt.Sprintf("direction %q is not an integer", rawDirection), nil)
		return NewExitError(ExitCommandError, "invalid direction")
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

	eng := newEngine(opts.Config, b, nil)
	defer startEngine(ctx, eng)()
	ent, err := eng.Counter().CastVote(ctx, entityID, userID, direction)
	if err != nil {
		code := ErrCodeSync
		if engine.IsInvalidArgument(err) {
			code = ErrCodeInvalidArgs
		}
		_ = out.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, "vote rejected", err)
	}

	res := VoteResult{Entity: entityID, User: userID, Vote: ent.Vote(userID), Score: ent.Score}
	out.VerboseLog("backend %s", b.Name)
	return out.Success(res, fmt.Sprintf("%s score=%d %s=%d", entityID, res.Score, userID, res.Vote))
}

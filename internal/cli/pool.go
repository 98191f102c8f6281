package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
	"github.com/yyupcompany/kyyupgame-sub087/internal/harness"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// NewPoolCommand creates the pool command group.
func NewPoolCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage capacity pools and allocations",
	}
	cmd.AddCommand(newPoolRegisterCommand(rootOpts))
	cmd.AddCommand(newPoolAllocateCommand(rootOpts))
	cmd.AddCommand(newPoolReleaseCommand(rootOpts))
	cmd.AddCommand(newPoolInspectCommand(rootOpts))
	cmd.AddCommand(newPoolResizeCommand(rootOpts))
	cmd.AddCommand(newPoolDeleteCommand(rootOpts))
	return cmd
}

func newPoolRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "register <pool-id> <capacity>",
		Short: "Register a pool",
		Long: `Register a capacity pool.

Stock pools hand out quantities; membership pools hand out one numbered
seat per allocation. Registering an identical pool again is not an error.

Examples:
  consistd pool register sku-42 100
  consistd pool register act-1 30 --kind membership`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			capacity, err := parseQuantity("capacity", args[1])
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				p, err := e.RegisterPool(ctx, engine.RegisterPoolRequest{
					PoolID:   args[0],
					Capacity: capacity,
					Kind:     model.PoolKind(kind),
				})
				if err != nil {
					return engineError(err)
				}
				return rootOpts.formatter(cmd).Success(poolView(p))
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.PoolKindStock), "pool kind (stock|membership)")
	return cmd
}

func newPoolAllocateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "allocate <pool-id> <requester-id> <quantity>",
		Short: "Allocate units from a pool",
		Long: `Allocate units from a pool.

A denied allocation prints its reason and exits with code 1.

Examples:
  consistd pool allocate sku-42 order/17 3
  consistd pool allocate act-1 student/9 1 --format json`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseQuantity("quantity", args[2])
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				resp, err := e.Allocate(ctx, engine.AllocateRequest{
					PoolID:      args[0],
					RequesterID: args[1],
					Quantity:    qty,
				})
				if err != nil {
					return engineError(err)
				}

				f := rootOpts.formatter(cmd)
				v := view{data: resp, text: allocationText(args[0], resp)}
				if resp.Status != model.AllocationDenied {
					return f.Success(v)
				}
				msg := fmt.Sprintf("allocation denied: %s", resp.Reason)
				if err := f.Failure(string(engine.CodeCapacityExceeded), msg, v); err != nil {
					return err
				}
				return &ExitError{Code: ExitFailure, Kind: string(engine.CodeCapacityExceeded), Message: msg, Reported: true}
			})
		},
	}
}

func newPoolReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <allocation-id>",
		Short: "Release an allocation",
		Long: `Return an allocation's units to its pool. Releasing twice is a no-op.

Examples:
  consistd pool release 0192f7c4-6a1e-7c3b-9d2f-5e8a1b3c4d5e`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				resp, err := e.Release(ctx, args[0])
				if err != nil {
					return engineError(err)
				}
				text := fmt.Sprintf("released %s", resp.AllocationID)
				if !resp.Released {
					text = fmt.Sprintf("%s was already released", resp.AllocationID)
				}
				return rootOpts.formatter(cmd).Success(view{data: resp, text: text})
			})
		},
	}
}

func newPoolInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "inspect <pool-id>",
		Short:         "Show a pool's capacity and usage",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				p, err := e.InspectPool(ctx, args[0])
				if err != nil {
					return engineError(err)
				}
				return rootOpts.formatter(cmd).Success(poolView(p))
			})
		},
	}
}

func newPoolResizeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resize <pool-id> <capacity>",
		Short: "Change a pool's capacity",
		Long: `Change a pool's capacity. Existing allocations are kept, so shrinking
below the allocated amount leaves the pool over-committed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			capacity, err := parseQuantity("capacity", args[1])
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ResizePool(ctx, args[0], capacity)
				if err != nil {
					return engineError(err)
				}
				return rootOpts.formatter(cmd).Success(poolView(p))
			})
		},
	}
}

func newPoolDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <pool-id>",
		Short:         "Delete a pool and invalidate its allocations",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeletePool(ctx, args[0]); err != nil {
					return engineError(err)
				}
				data := map[string]any{"pool_id": args[0], "deleted": true}
				return rootOpts.formatter(cmd).Success(view{data: data, text: fmt.Sprintf("deleted pool %s", args[0])})
			})
		},
	}
}

func poolView(p model.ResourcePool) view {
	return view{
		data: harness.PoolView(p),
		text: fmt.Sprintf("pool %s (%s): %d/%d allocated, %d remaining [%s]",
			p.PoolID, p.Kind, p.Allocated, p.TotalCapacity, p.Remaining(), p.Status()),
	}
}

func allocationText(poolID string, resp engine.AllocateResponse) string {
	if resp.Status == model.AllocationDenied {
		return fmt.Sprintf("denied %s from %s: %s (%d remaining)",
			resp.AllocationID, poolID, resp.Reason, resp.Remaining)
	}
	if resp.SeatNumber > 0 {
		return fmt.Sprintf("granted %s: seat %d in %s (%d remaining)",
			resp.AllocationID, resp.SeatNumber, poolID, resp.Remaining)
	}
	return fmt.Sprintf("granted %s: %d from %s (%d remaining)",
		resp.AllocationID, resp.Granted, poolID, resp.Remaining)
}

// parseQuantity parses a non-negative integer argument.
func parseQuantity(name, s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &ExitError{
			Code:    ExitCommandError,
			Kind:    string(engine.CodeInvalidRequest),
			Message: fmt.Sprintf("invalid %s %q: must be a non-negative integer", name, s),
		}
	}
	return n, nil
}

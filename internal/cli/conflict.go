package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// NewConflictCommand creates the conflict command group.
func NewConflictCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Detect and resolve cross-system conflicts",
		Long: `Detect and resolve disagreements between subsystems about an entity.

Subsystems are named by CONSISTD_SUBSYSTEMS; CONSISTD_MASTER_SYSTEM is
authoritative for the use_master_data strategy.`,
	}
	cmd.AddCommand(newConflictReportCommand(rootOpts))
	cmd.AddCommand(newConflictDetectCommand(rootOpts))
	cmd.AddCommand(newConflictResolveCommand(rootOpts))
	cmd.AddCommand(newConflictListCommand(rootOpts))
	return cmd
}

func newConflictReportCommand(rootOpts *RootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "report <system> <entity-id> <field> <value-json>",
		Short: "Record a subsystem's value for a field",
		Long: `Record the value a subsystem last synchronized for one field of an
entity. A null value removes the field from that subsystem.

Examples:
  consistd conflict report crm parent/7 phone '"555-0101"'
  consistd conflict report billing parent/7 phone '"555-0199"' --at 2026-03-01T10:00:00Z`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseValueArg("value", args[3])
			if err != nil {
				return err
			}
			var ts time.Time
			if at != "" {
				if ts, err = time.Parse(time.RFC3339Nano, at); err != nil {
					return &ExitError{
						Code:    ExitCommandError,
						Kind:    string(engine.CodeInvalidRequest),
						Message: fmt.Sprintf("invalid --at %q: want RFC 3339", at),
					}
				}
			}

			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				err := e.ReportValue(ctx, engine.ReportRequest{
					System:   args[0],
					EntityID: args[1],
					Field:    args[2],
					Value:    value,
					At:       ts,
				})
				if err != nil {
					return engineError(err)
				}
				data := map[string]any{
					"system":    args[0],
					"entity_id": args[1],
					"field":     args[2],
					"value":     value,
				}
				text := fmt.Sprintf("%s: %s.%s = %s", args[0], args[1], args[2], render(value))
				return rootOpts.formatter(cmd).Success(view{data: data, text: text})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "synchronization time (RFC 3339, default now)")
	return cmd
}

func newConflictDetectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <entity-id>",
		Short: "Compare the subsystems' views of an entity",
		Long: `Compare every subsystem's values for an entity and record a conflict
if any field differs. Detecting the same disagreement twice returns the
same conflict.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.DetectConflict(ctx, args[0])
				if err != nil {
					return engineError(err)
				}
				f := rootOpts.formatter(cmd)
				if rec == nil {
					data := map[string]any{"entity_id": args[0], "consistent": true}
					return f.Success(view{data: data, text: fmt.Sprintf("%s is consistent", args[0])})
				}
				return f.Success(view{data: rec, text: conflictText(*rec)})
			})
		},
	}
}

func newConflictResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var manual string
	cmd := &cobra.Command{
		Use:   "resolve <entity-id> <strategy>",
		Short: "Resolve an entity's conflict",
		Long: `Resolve an entity's current conflict and write the result to every
subsystem.

Strategies:
  use_master_data       take the master subsystem's values
  use_latest_timestamp  take the most recently synchronized value per field
  manual_resolution     take the object given with --value

Examples:
  consistd conflict resolve parent/7 use_master_data
  consistd conflict resolve parent/7 manual_resolution --value '{"phone":"555-0100"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var value model.Object
			if manual != "" {
				var err error
				if value, err = parseObjectArg("--value", manual); err != nil {
					return err
				}
			}

			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				resp, err := e.ResolveConflict(ctx, engine.ResolveRequest{
					EntityID:    args[0],
					Strategy:    model.Strategy(args[1]),
					ManualValue: value,
				})
				if err != nil {
					return engineError(err)
				}

				text := fmt.Sprintf("%s is consistent, nothing to resolve", args[0])
				if resp.ConflictID != "" {
					text = fmt.Sprintf("resolved %s: %s applied to %s",
						resp.ConflictID, render(resp.ResolvedValue), strings.Join(resp.AppliedTo, ", "))
					if !resp.Consistent {
						text += "\nwarning: subsystems diverged again after resolution"
					}
				}
				return rootOpts.formatter(cmd).Success(view{data: resp, text: text})
			})
		},
	}
	cmd.Flags().StringVar(&manual, "value", "", "resolved values for manual_resolution (JSON object)")
	return cmd
}

func newConflictListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:           "list <entity-id>",
		Short:         "List the recorded conflicts of an entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				recs, err := e.Conflicts(ctx, args[0], model.ConflictStatus(status))
				if err != nil {
					return engineError(err)
				}
				lines := make([]string, len(recs))
				for i, rec := range recs {
					lines[i] = conflictText(rec)
				}
				text := strings.Join(lines, "\n")
				if len(recs) == 0 {
					text = fmt.Sprintf("no conflicts recorded for %s", args[0])
				}
				return rootOpts.formatter(cmd).Success(view{data: recs, text: text})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list conflicts with this status")
	return cmd
}

func conflictText(rec model.ConflictRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conflict %s on %s [%s]", rec.ConflictID, rec.EntityID, rec.Status)
	for _, fv := range rec.ConflictingValues {
		fmt.Fprintf(&b, "\n  %-10s %-16s %s", fv.System, fv.Field, render(fv.Value))
	}
	if rec.ResolutionStrategy != "" {
		fmt.Fprintf(&b, "\n  resolved by %s: %s", rec.ResolutionStrategy, render(rec.ResolvedValue))
	}
	return b.String()
}

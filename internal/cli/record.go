package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// NewRecordCommand creates the record command group.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and write versioned records",
	}
	cmd.AddCommand(newRecordGetCommand(rootOpts))
	cmd.AddCommand(newRecordWriteCommand(rootOpts))
	cmd.AddCommand(newRecordPatchCommand(rootOpts))
	return cmd
}

func newRecordGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <record-id>",
		Short:         "Read the latest version of a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Read(ctx, args[0])
				if err != nil {
					return engineError(err)
				}
				return rootOpts.formatter(cmd).Success(recordView(rec))
			})
		},
	}
}

func newRecordWriteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "write <record-id> <expected-version> <patch-json>",
		Short: "Write a record if it is still at the expected version",
		Long: `Apply a JSON merge patch to a record if its version matches.

Expected version 0 creates the record. A null member removes a field.
On a version conflict the current version and payload are printed and
the command exits with code 1; re-merge against them and retry.

Examples:
  consistd record write student/1 0 '{"name":"Ana","class_id":"c-1"}'
  consistd record write student/1 1 '{"class_id":null}'`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return &ExitError{
					Code:    ExitCommandError,
					Kind:    string(engine.CodeInvalidRequest),
					Message: fmt.Sprintf("invalid expected version %q", args[1]),
				}
			}
			patch, err := parseObjectArg("patch", args[2])
			if err != nil {
				return err
			}

			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				resp, err := e.WriteVersioned(ctx, engine.WriteRequest{
					ID:              args[0],
					ExpectedVersion: version,
					Patch:           patch,
				})
				if err != nil {
					return engineError(err)
				}

				f := rootOpts.formatter(cmd)
				if resp.Committed {
					return f.Success(view{
						data: resp,
						text: fmt.Sprintf("committed %s at version %d", args[0], resp.NewVersion),
					})
				}
				msg := fmt.Sprintf("%s is at version %d, not %d", args[0], resp.CurrentVersion, version)
				v := view{
					data: resp,
					text: fmt.Sprintf("conflict: %s\ncurrent: %s", msg, render(resp.CurrentPayload)),
				}
				if err := f.Failure(string(engine.CodeVersionConflict), msg, v); err != nil {
					return err
				}
				return &ExitError{Code: ExitFailure, Kind: string(engine.CodeVersionConflict), Message: msg, Reported: true}
			})
		},
	}
}

func newRecordPatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "patch <record-id> <patch-json>",
		Short: "Merge a patch into the latest version of a record",
		Long: `Merge a JSON patch into whatever version of the record is current,
retrying on version conflicts up to CONSISTD_RETRY_BUDGET times.

Examples:
  consistd record patch student/1 '{"enrolled":true}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseObjectArg("patch", args[1])
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Patch(ctx, args[0], patch)
				if err != nil {
					return engineError(err)
				}
				return rootOpts.formatter(cmd).Success(recordView(rec))
			})
		},
	}
}

func recordView(rec model.VersionedRecord[model.Object]) view {
	return view{
		data: rec,
		text: fmt.Sprintf("%s v%d %s", rec.ID, rec.Version, render(rec.Payload)),
	}
}

// parseObjectArg parses a JSON object argument. Floats are rejected.
func parseObjectArg(name, s string) (model.Object, error) {
	obj, err := model.ParseObject([]byte(s))
	if err != nil {
		return nil, &ExitError{
			Code:    ExitCommandError,
			Kind:    string(engine.CodeInvalidRequest),
			Message: fmt.Sprintf("invalid %s", name),
			Err:     err,
		}
	}
	return obj, nil
}

// parseValueArg parses a JSON value argument. Floats are rejected.
func parseValueArg(name, s string) (model.Value, error) {
	v, err := model.ParseValue([]byte(s))
	if err != nil {
		return nil, &ExitError{
			Code:    ExitCommandError,
			Kind:    string(engine.CodeInvalidRequest),
			Message: fmt.Sprintf("invalid %s", name),
			Err:     err,
		}
	}
	return v, nil
}

// render returns the canonical JSON of v.
func render(v model.Value) string {
	if v == nil {
		return "{}"
	}
	data, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

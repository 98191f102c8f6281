package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/yyupcompany/kyyupgame-sub087/internal/config"
	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	DBPath  string // overrides CONSISTD_DB_PATH

	// Config is loaded from the environment before any command runs.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the consistd CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consistd",
		Short: "consistd - transactional resource consistency engine",
		Long: `Versioned records, capacity pools, compensating transactions and
cross-system conflict resolution over a local SQLite store.

Settings are read from CONSISTD_* environment variables:
  CONSISTD_DB_PATH            SQLite database (default consistd.db, --db overrides)
  CONSISTD_POSTGRES_DSN       keep records in PostgreSQL instead
  CONSISTD_REDIS_ADDR         keep pools in Redis instead
  CONSISTD_SUBSYSTEMS         comma-separated subsystem names
  CONSISTD_MASTER_SYSTEM      authoritative subsystem for use_master_data
  CONSISTD_LOG_LEVEL          debug, info, warn or error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			if opts.DBPath != "" {
				cfg.DBPath = opts.DBPath
			}
			opts.Config = cfg
			slog.SetDefault(cfg.NewLogger(cmd.ErrOrStderr(), opts.Verbose))
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the SQLite database")

	// Add subcommands
	cmd.AddCommand(NewPoolCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewTxCommand(opts))
	cmd.AddCommand(NewConflictCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// Execute runs the CLI with the given arguments and returns the process
// exit code. Errors not already reported by a command are written in the
// selected format.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		// Argument and flag errors from cobra.
		exitErr = &ExitError{Code: ExitCommandError, Kind: "INVALID_ARGUMENTS", Err: err}
	}
	if !exitErr.Reported {
		format := opts.Format
		if !isValidFormat(format) {
			format = "text"
		}
		f := &OutputFormatter{Format: format, Writer: stdout, ErrWriter: stderr, Verbose: opts.Verbose}
		f.Error(errorKind(exitErr), exitErr.Error(), nil)
	}
	return exitErr.Code
}

// formatter returns the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// withEngine opens the engine described by the loaded configuration, runs
// fn and closes the engine again.
func (o *RootOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := cmd.Context()
	e, err := engine.Open(ctx, o.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			slog.Warn("close engine", "error", err)
		}
	}()
	return fn(ctx, e)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/plan"
	"github.com/yyupcompany/kyyupgame-sub087/internal/txn"
)

// NewTxCommand creates the tx command group.
func NewTxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Run and inspect transactions",
	}
	cmd.AddCommand(newTxRunCommand(rootOpts))
	cmd.AddCommand(newTxValidateCommand(rootOpts))
	cmd.AddCommand(newTxVerifyCommand(rootOpts))
	cmd.AddCommand(newTxShowCommand(rootOpts))
	return cmd
}

func newTxRunCommand(rootOpts *RootOptions) *cobra.Command {
	var txID string
	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a transaction plan",
		Long: `Execute a transaction plan (YAML, or CUE for files ending in .cue).

Operations run in dependency order. If any operation fails, every
completed operation is compensated in reverse completion order and the
command exits with code 1.

Exit codes:
  0 - Transaction completed
  1 - Transaction rolled back, cancelled or rejected
  2 - Command error (unreadable plan, store unavailable)

Examples:
  consistd tx run enroll.yaml
  consistd tx run enroll.cue --id tx-enroll-002 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			if txID != "" {
				p.TransactionID = txID
			}

			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				resp, err := e.RunPlan(ctx, p)
				if resp == nil {
					return engineError(err)
				}

				f := rootOpts.formatter(cmd)
				v := view{data: resp, text: transactionText(resp)}
				if err == nil && resp.Status == model.TransactionCompleted {
					return f.Success(v)
				}

				kind := engine.CodeOperationFailed
				switch {
				case err != nil:
					kind = engine.CodeOf(err)
				case resp.Status == model.TransactionCancelled:
					kind = engine.CodeCancelled
				}
				msg := fmt.Sprintf("transaction %s %s", resp.TransactionID, resp.Status)
				if resp.FailedOperation != "" {
					msg += fmt.Sprintf(": %s: %s", resp.FailedOperation, resp.FailureReason)
				}
				if err != nil {
					msg = err.Error()
				}
				if err := f.Failure(string(kind), msg, v); err != nil {
					return err
				}
				return &ExitError{Code: ExitFailure, Kind: string(kind), Message: msg, Err: err, Reported: true}
			})
		},
	}
	cmd.Flags().StringVar(&txID, "id", "", "transaction id (overrides the plan's transaction_id)")
	return cmd
}

func newTxValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Check a transaction plan without running it",
		Long: `Check a plan's fields, dependency references and dependency graph.
Nothing is executed or journaled.

Examples:
  consistd tx validate enroll.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.ValidatePlan(p); err != nil {
					return engineError(err)
				}
				data := map[string]any{
					"transaction_id": p.TransactionID,
					"operations":     len(p.Operations),
					"valid":          true,
				}
				text := fmt.Sprintf("✓ %s: %d operations", args[0], len(p.Operations))
				return rootOpts.formatter(cmd).Success(view{data: data, text: text})
			})
		},
	}
}

func newTxVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <transaction-id>",
		Short: "Check that a rolled back transaction left nothing behind",
		Long: `Compare a transaction's rollback log with its journaled operations and
check every compensated target for leftover records or allocations.

Exits with code 1 if the rollback is not clean.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				v, err := e.VerifyTransaction(ctx, args[0])
				if err != nil {
					return engineError(err)
				}

				f := rootOpts.formatter(cmd)
				out := view{data: v, text: verificationText(v)}
				if v.EntriesMatch && v.NoOrphanedRecords {
					return f.Success(out)
				}
				msg := fmt.Sprintf("rollback of %s is not clean", args[0])
				if err := f.Failure("ROLLBACK_NOT_CLEAN", msg, out); err != nil {
					return err
				}
				return &ExitError{Code: ExitFailure, Kind: "ROLLBACK_NOT_CLEAN", Message: msg, Reported: true}
			})
		},
	}
}

func newTxShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show a transaction's journal",
		Long: `Print the journaled header, operations and rollback log of a
transaction, operations ordered by their logical sequence.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Transaction(ctx, args[0])
				if err != nil {
					return engineError(err)
				}
				return rootOpts.formatter(cmd).Success(view{data: d, text: journalText(d)})
			})
		},
	}
}

// loadPlan reads a plan file. Invalid plans are request errors; unreadable
// files are command errors.
func loadPlan(path string) (*plan.Plan, error) {
	p, err := plan.Load(path)
	if err == nil {
		return p, nil
	}
	var pe *plan.Error
	if errors.As(err, &pe) {
		return nil, engineError(err)
	}
	return nil, WrapExitError(ExitCommandError, "failed to load plan", err)
}

func transactionText(resp *engine.RunTransactionResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s: %s\n", resp.TransactionID, resp.Status)
	writeOperations(&b, resp.Operations)
	if resp.FailedOperation != "" {
		fmt.Fprintf(&b, "failed: %s: %s\n", resp.FailedOperation, resp.FailureReason)
	}
	writeRollbackLog(&b, resp.RollbackLog)
	return strings.TrimSuffix(b.String(), "\n")
}

func writeOperations(b *strings.Builder, ops []txn.OperationReport) {
	for _, op := range ops {
		fmt.Fprintf(b, "  %-20s %-14s %-12s", op.ID, op.Type, op.Status)
		if op.TargetID != "" {
			fmt.Fprintf(b, " %s", op.TargetID)
		}
		if op.Error != "" {
			fmt.Fprintf(b, " (%s)", op.Error)
		}
		b.WriteByte('\n')
	}
}

func writeRollbackLog(b *strings.Builder, entries []model.RollbackLogEntry) {
	if len(entries) == 0 {
		return
	}
	b.WriteString("rollback:\n")
	for _, r := range entries {
		fmt.Fprintf(b, "  %-20s %-10s %s\n", r.OperationID, r.Action, r.TargetID)
	}
}

func verificationText(v txn.RollbackVerification) string {
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s\n", v.TransactionID)
	fmt.Fprintf(&b, "  %s rollback log matches compensated operations\n", mark(v.EntriesMatch))
	fmt.Fprintf(&b, "  %s no orphaned records", mark(v.NoOrphanedRecords))
	for _, t := range v.OrphanedTargets {
		fmt.Fprintf(&b, "\n    orphaned: %s", t)
	}
	return b.String()
}

func journalText(d *engine.TransactionDetail) string {
	var b strings.Builder
	tx := d.Transaction
	fmt.Fprintf(&b, "transaction %s: %s\n", tx.TransactionID, tx.Status)
	for _, op := range d.Operations {
		fmt.Fprintf(&b, "  [%d] %-20s %-14s %-12s", op.Seq, op.OperationID, op.Type, op.Status)
		if op.TargetID != "" {
			fmt.Fprintf(&b, " %s", op.TargetID)
		}
		if op.Error != "" {
			fmt.Fprintf(&b, " (%s)", op.Error)
		}
		b.WriteByte('\n')
	}
	if tx.FailedOperation != "" {
		fmt.Fprintf(&b, "failed: %s: %s\n", tx.FailedOperation, tx.FailureReason)
	}
	writeRollbackLog(&b, d.RollbackLog)
	return strings.TrimSuffix(b.String(), "\n")
}

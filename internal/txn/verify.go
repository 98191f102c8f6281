package txn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/yyupcompany/kyyupgame-sub087/internal/guard"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// EffectCheck reports whether the effect of a rolled back operation is still
// observable.
type EffectCheck func(ctx context.Context, op model.OperationRecord) (bool, error)

// RollbackVerification is the result of VerifyRollback.
type RollbackVerification struct {
	TransactionID string `json:"transaction_id"`

	// EntriesMatch is true when the rollback log names exactly the rolled
	// back operations, in reverse completion order.
	EntriesMatch bool `json:"entries_match"`

	// OrphanedTargets lists targets of rolled back operations whose effect
	// is still observable.
	OrphanedTargets   []string `json:"orphaned_targets,omitempty"`
	NoOrphanedRecords bool     `json:"no_orphaned_records"`
}

// VerifyRollback checks a journaled transaction against its rollback log
// and, if check is non-nil, checks every rolled back operation for
// leftover effects.
func (o *Orchestrator) VerifyRollback(ctx context.Context, txID string, check EffectCheck) (RollbackVerification, error) {
	if _, err := o.journal.ReadTransaction(ctx, txID); err != nil {
		return RollbackVerification{}, fmt.Errorf("verify rollback %s: %w", txID, err)
	}
	ops, err := o.journal.ReadOperations(ctx, txID)
	if err != nil {
		return RollbackVerification{}, fmt.Errorf("verify rollback %s: %w", txID, err)
	}
	entries, err := o.journal.ReadRollbackLog(ctx, txID)
	if err != nil {
		return RollbackVerification{}, fmt.Errorf("verify rollback %s: %w", txID, err)
	}

	var undone []model.OperationRecord
	for _, op := range ops {
		if op.Status == model.OperationRolledBack {
			undone = append(undone, op)
		}
	}
	slices.SortFunc(undone, func(a, b model.OperationRecord) int {
		return cmp.Compare(b.Seq, a.Seq)
	})

	v := RollbackVerification{
		TransactionID:     txID,
		EntriesMatch:      len(undone) == len(entries),
		OrphanedTargets:   []string{},
		NoOrphanedRecords: true,
	}
	for i := range min(len(undone), len(entries)) {
		if undone[i].OperationID != entries[i].OperationID {
			v.EntriesMatch = false
		}
	}

	if check == nil {
		return v, nil
	}
	for _, op := range undone {
		orphaned, err := check(ctx, op)
		if err != nil {
			return RollbackVerification{}, fmt.Errorf("verify rollback %s: check %s: %w", txID, op.OperationID, err)
		}
		if orphaned {
			v.OrphanedTargets = append(v.OrphanedTargets, op.TargetID)
			v.NoOrphanedRecords = false
		}
	}
	return v, nil
}

// StepEffects checks the effects of the built-in steps. Operations of other
// types are never reported as orphaned.
func StepEffects(records Records, pools Pools) EffectCheck {
	return func(ctx context.Context, op model.OperationRecord) (bool, error) {
		switch op.Type {
		case StepCreateRecord, StepUpdateRecord, StepDeleteRecord:
			if records == nil {
				return false, nil
			}
			id, _ := recordRef(op.Result)
			rec, err := records.Read(ctx, id)
			exists := err == nil
			if err != nil && !errors.Is(err, guard.ErrUnknownEntity) {
				return false, err
			}
			switch op.Type {
			case StepCreateRecord:
				return exists, nil
			case StepDeleteRecord:
				return !exists, nil
			}
			before, _ := op.Result["before"].(model.Object)
			after, _ := op.Result["after"].(model.Object)
			return exists && !model.Equal(before, after) && model.Equal(rec.Payload, after), nil

		case StepAllocate:
			if pools == nil {
				return false, nil
			}
			id, _ := op.Result["allocation_id"].(model.String)
			_, err := pools.Lookup(ctx, string(id))
			return err == nil, nil
		}
		return false, nil
	}
}

// ConsistencyReport is the result of CheckConsistency.
type ConsistencyReport struct {
	AllOperationsCompleted   bool
	DependencyOrderRespected bool
}

// CheckConsistency checks an outcome: whether every operation completed,
// and whether every completed operation completed after all of its
// dependencies.
func CheckConsistency(out *Outcome) ConsistencyReport {
	seqs := make(map[string]int64, len(out.Operations))
	for _, op := range out.Operations {
		seqs[op.ID] = op.Seq
	}

	report := ConsistencyReport{
		AllOperationsCompleted:   out.Status == model.TransactionCompleted,
		DependencyOrderRespected: true,
	}
	for _, op := range out.Operations {
		if op.Status != model.OperationCompleted {
			report.AllOperationsCompleted = false
		}
		if op.Seq == 0 {
			continue
		}
		for _, dep := range op.DependsOn {
			if d := seqs[dep]; d == 0 || d >= op.Seq {
				report.DependencyOrderRespected = false
			}
		}
	}
	return report
}

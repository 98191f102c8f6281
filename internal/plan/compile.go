package plan

import (
	"fmt"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/txn"
)

// Bindings are the components compiled steps act on.
type Bindings struct {
	Records txn.Records
	Pools   txn.Pools
}

// Compile turns a validated plan into a transaction.
func Compile(p *Plan, b Bindings) (txn.Transaction, error) {
	if err := p.Validate(); err != nil {
		return txn.Transaction{}, err
	}

	tx := txn.Transaction{
		ID:         p.TransactionID,
		Operations: make([]txn.Operation, 0, len(p.Operations)),
	}
	for i, s := range p.Operations {
		op, err := compileStep(s, b)
		if err != nil {
			return txn.Transaction{}, fmt.Errorf("operations[%d] %s: %w", i, s.ID, err)
		}
		if s.Timeout != "" {
			op.Timeout, _ = time.ParseDuration(s.Timeout)
		}
		tx.Operations = append(tx.Operations, op)
	}
	return tx, nil
}

func compileStep(s Step, b Bindings) (txn.Operation, error) {
	switch s.Type {
	case txn.StepCreateRecord, txn.StepUpdateRecord, txn.StepDeleteRecord:
		if b.Records == nil {
			return txn.Operation{}, fmt.Errorf("%s step needs a record store", s.Type)
		}
	case txn.StepAllocate, txn.StepRelease:
		if b.Pools == nil {
			return txn.Operation{}, fmt.Errorf("%s step needs an allocator", s.Type)
		}
	}

	switch s.Type {
	case txn.StepCreateRecord:
		payload, err := model.ObjectFromGo(s.Payload)
		if err != nil {
			return txn.Operation{}, fmt.Errorf("payload: %w", err)
		}
		return txn.CreateRecord(s.ID, b.Records, s.Target, payload, s.DependsOn...), nil

	case txn.StepUpdateRecord:
		patch, err := model.ObjectFromGo(s.Patch)
		if err != nil {
			return txn.Operation{}, fmt.Errorf("patch: %w", err)
		}
		return txn.UpdateRecord(s.ID, b.Records, s.Target, patch, s.DependsOn...), nil

	case txn.StepDeleteRecord:
		return txn.DeleteRecord(s.ID, b.Records, s.Target, s.DependsOn...), nil

	case txn.StepAllocate:
		if s.AllowPartial {
			return txn.AllocateUpTo(s.ID, b.Pools, s.Pool, s.Requester, s.Quantity, s.DependsOn...), nil
		}
		return txn.Allocate(s.ID, b.Pools, s.Pool, s.Requester, s.Quantity, s.DependsOn...), nil

	case txn.StepRelease:
		return txn.Release(s.ID, b.Pools, s.Allocation, s.DependsOn...), nil
	}
	return txn.Operation{}, fmt.Errorf("unknown step type %q", s.Type)
}

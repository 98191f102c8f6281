package txn

import (
	"context"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// Deps holds the results of an operation's dependencies, keyed by
// operation id. Only dependencies named in DependsOn are present.
type Deps map[string]model.Object

// Action is an operation's forward action. The returned Object is the
// operation's result: it is journaled, handed to dependents through Deps
// and passed to the compensation.
type Action func(ctx context.Context, deps Deps) (model.Object, error)

// Compensation undoes a completed forward action. result is what the
// forward action returned.
type Compensation func(ctx context.Context, result model.Object) error

// Operation is one step of a transaction.
type Operation struct {
	ID        string
	Type      string // informational, e.g. "create_record"
	TargetID  string // entity or pool the step affects, if any
	DependsOn []string

	// Timeout bounds the forward action and the compensation. Zero uses
	// the orchestrator default.
	Timeout time.Duration

	Forward Action

	// Compensate may be nil for steps without observable effect.
	Compensate Compensation
}

// Transaction is a set of operations with dependencies between them.
type Transaction struct {
	ID         string
	Operations []Operation
}

// OperationReport is the final state of one operation.
type OperationReport struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	TargetID  string                `json:"target_id,omitempty"`
	DependsOn []string              `json:"depends_on,omitempty"`
	Status    model.OperationStatus `json:"status"`
	Result    model.Object          `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	// Seq is the logical time the forward action completed; 0 if it never
	// completed.
	Seq int64 `json:"seq,omitempty"`
}

// Outcome is the result of Execute.
type Outcome struct {
	TransactionID string
	Status        model.TransactionStatus

	// Operations in declaration order.
	Operations []OperationReport

	// CompletedOperations lists operations whose forward action completed,
	// in completion order. After a rollback they have all been compensated.
	CompletedOperations []string

	// RollbackLog has one entry per compensation, in the order they ran.
	RollbackLog []model.RollbackLogEntry

	FailedOperation string
	FailureReason   string
}

// Operation returns the report of the operation with the given id.
func (o *Outcome) Operation(id string) (OperationReport, bool) {
	for _, r := range o.Operations {
		if r.ID == id {
			return r, true
		}
	}
	return OperationReport{}, false
}

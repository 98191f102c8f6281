package txn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyOperationID     = errors.New("empty operation id")
	ErrDuplicateOperation   = errors.New("duplicate operation id")
	ErrUnknownDependency    = errors.New("unknown dependency")
	ErrMissingAction        = errors.New("operation has no forward action")
	ErrDuplicateTransaction = errors.New("transaction already executed")
	ErrEmptyTransaction     = errors.New("transaction has no operations")

	// ErrCancelled is the failure reason recorded when the caller's context
	// ends while a transaction is running.
	ErrCancelled = errors.New("cancelled")

	// ErrAllocationDenied is returned by the allocate step when the pool
	// could not grant the full quantity.
	ErrAllocationDenied = errors.New("allocation denied")
)

// DependencyCycleError reports operations whose dependencies form a cycle.
// Cycle lists the operations in traversal order with the first repeated
// at the end, e.g. [a b a].
type DependencyCycleError struct {
	TransactionID string
	Cycle         []string
}

// Error implements the error interface.
func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("transaction %s: dependency cycle: %s", e.TransactionID, strings.Join(e.Cycle, " -> "))
}

// TimeoutError reports a forward action or compensation that did not finish
// within its deadline. A forward action that succeeds after its deadline is
// compensated during rollback.
type TimeoutError struct {
	OperationID string
	Timeout     time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.OperationID, e.Timeout)
}

// OperationError is the failure of one forward action. The transaction
// that contained it was rolled back.
type OperationError struct {
	TransactionID string
	OperationID   string
	Err           error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("transaction %s: operation %s failed: %v", e.TransactionID, e.OperationID, e.Err)
}

// Unwrap returns the underlying failure.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// RollbackFailureError reports a compensation that failed. It is fatal: the
// transaction's effects are only partially undone and need manual repair.
// NotAttempted lists the completed operations whose compensations were
// never run, in the order they would have run.
type RollbackFailureError struct {
	TransactionID string
	OperationID   string
	Err           error
	NotAttempted  []string
}

// Error implements the error interface.
func (e *RollbackFailureError) Error() string {
	msg := fmt.Sprintf("transaction %s: rollback of %s failed: %v", e.TransactionID, e.OperationID, e.Err)
	if len(e.NotAttempted) > 0 {
		msg += fmt.Sprintf(" (not compensated: %s)", strings.Join(e.NotAttempted, ", "))
	}
	return msg
}

// Unwrap returns the compensation's error.
func (e *RollbackFailureError) Unwrap() error {
	return e.Err
}

// IsRollbackFailure reports whether err is a RollbackFailureError.
// Uses errors.As to handle wrapped errors.
func IsRollbackFailure(err error) bool {
	var rf *RollbackFailureError
	return errors.As(err, &rf)
}

// IsDependencyCycle reports whether err is a DependencyCycleError.
func IsDependencyCycle(err error) bool {
	var dc *DependencyCycleError
	return errors.As(err, &dc)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

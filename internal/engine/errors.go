package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/yyupcompany/kyyupgame-sub087/internal/allocator"
	"github.com/yyupcompany/kyyupgame-sub087/internal/guard"
	"github.com/yyupcompany/kyyupgame-sub087/internal/plan"
	"github.com/yyupcompany/kyyupgame-sub087/internal/reconcile"
	"github.com/yyupcompany/kyyupgame-sub087/internal/txn"
)

// Code categorizes engine errors.
type Code string

const (
	CodeVersionConflict    Code = "VERSION_CONFLICT"
	CodeConflictExhausted  Code = "CONFLICT_EXHAUSTED"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
	CodeDependencyCycle    Code = "DEPENDENCY_CYCLE"
	CodeInvalidTransaction Code = "INVALID_TRANSACTION"
	CodeOperationTimeout   Code = "OPERATION_TIMEOUT"
	CodeOperationFailed    Code = "OPERATION_FAILED"
	CodeRollbackFailure    Code = "ROLLBACK_FAILURE"
	CodeResolutionFailed   Code = "RESOLUTION_FAILED"
	CodePoolAlreadyExists  Code = "POOL_ALREADY_EXISTS"
	CodeUnknownPool        Code = "UNKNOWN_POOL"
	CodeUnknownAllocation  Code = "UNKNOWN_ALLOCATION"
	CodeUnknownEntity      Code = "UNKNOWN_ENTITY"
	CodeUnknownConflict    Code = "UNKNOWN_CONFLICT"
	CodeUnknownTransaction Code = "UNKNOWN_TRANSACTION"
	CodeUnknownSystem      Code = "UNKNOWN_SYSTEM"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeCancelled          Code = "CANCELLED"
	CodeInternal           Code = "INTERNAL"
)

// Error is a request error raised by the engine itself, as opposed to one
// passed through from a component.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of err. Unrecognized errors are CodeInternal;
// nil has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}

	var pe *plan.Error
	switch {
	case txn.IsRollbackFailure(err):
		return CodeRollbackFailure
	case reconcile.IsResolutionFailed(err):
		return CodeResolutionFailed
	case txn.IsDependencyCycle(err):
		return CodeDependencyCycle
	case txn.IsTimeout(err):
		return CodeOperationTimeout
	case guard.IsConflictExhausted(err):
		return CodeConflictExhausted
	case guard.IsVersionConflict(err):
		return CodeVersionConflict
	case errors.Is(err, txn.ErrAllocationDenied):
		return CodeCapacityExceeded
	case errors.Is(err, allocator.ErrPoolAlreadyExists):
		return CodePoolAlreadyExists
	case errors.Is(err, allocator.ErrUnknownPool):
		return CodeUnknownPool
	case errors.Is(err, allocator.ErrUnknownAllocation):
		return CodeUnknownAllocation
	case errors.Is(err, guard.ErrUnknownEntity):
		return CodeUnknownEntity
	case errors.Is(err, reconcile.ErrUnknownConflict):
		return CodeUnknownConflict
	case errors.Is(err, txn.ErrEmptyOperationID),
		errors.Is(err, txn.ErrDuplicateOperation),
		errors.Is(err, txn.ErrUnknownDependency),
		errors.Is(err, txn.ErrMissingAction),
		errors.Is(err, txn.ErrDuplicateTransaction),
		errors.Is(err, txn.ErrEmptyTransaction),
		errors.As(err, &pe):
		return CodeInvalidTransaction
	case errors.Is(err, allocator.ErrInvalidQuantity),
		errors.Is(err, allocator.ErrInvalidKind),
		errors.Is(err, allocator.ErrEmptyPoolID),
		errors.Is(err, reconcile.ErrInvalidStrategy),
		errors.Is(err, reconcile.ErrManualValueRequired):
		return CodeInvalidRequest
	case errors.Is(err, txn.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	}

	var oe *txn.OperationError
	if errors.As(err, &oe) {
		return CodeOperationFailed
	}
	return CodeInternal
}

// Retryable reports whether the caller may succeed by refreshing its view
// and retrying.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeVersionConflict, CodeConflictExhausted, CodeResolutionFailed:
		return true
	}
	return false
}

// IsRollbackFailure reports whether err is a fatal rollback failure that
// needs manual repair.
func IsRollbackFailure(err error) bool {
	return CodeOf(err) == CodeRollbackFailure
}

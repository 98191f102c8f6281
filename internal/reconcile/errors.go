package reconcile

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownConflict     = errors.New("unknown conflict")
	ErrInvalidStrategy     = errors.New("invalid resolution strategy")
	ErrManualValueRequired = errors.New("manual resolution requires a value for every conflicting field")
	ErrNoReplicas          = errors.New("no replicas registered")
	ErrDuplicateReplica    = errors.New("duplicate replica name")
	ErrUnknownMaster       = errors.New("master is not a registered replica")
)

// ResolutionFailedError reports a resolution that could not be applied to
// every replica. Replicas that had already been updated were restored, so
// the conflict is still open in substance and the resolution can be
// retried.
type ResolutionFailedError struct {
	ConflictID string
	System     string
	Err        error

	// RestoreErr is set if restoring an already updated replica failed as
	// well; the replicas may then disagree in new ways until the next
	// detection.
	RestoreErr error
}

// Error implements the error interface.
func (e *ResolutionFailedError) Error() string {
	msg := fmt.Sprintf("resolve %s: apply to %s failed: %v", e.ConflictID, e.System, e.Err)
	if e.RestoreErr != nil {
		msg += fmt.Sprintf(" (restore failed: %v)", e.RestoreErr)
	}
	return msg
}

// Unwrap returns the apply error.
func (e *ResolutionFailedError) Unwrap() error {
	return e.Err
}

// IsResolutionFailed reports whether err is a ResolutionFailedError.
func IsResolutionFailed(err error) bool {
	var rf *ResolutionFailedError
	return errors.As(err, &rf)
}

package guard

import (
	"errors"
	"fmt"
)

// ErrUnknownEntity is returned when a record that must exist does not.
var ErrUnknownEntity = errors.New("unknown entity")

// VersionConflict reports that the stored version differed from the
// expected one. It is an expected, retryable outcome: the caller re-merges
// against CurrentPayload and resubmits with CurrentVersion.
//
// It implements error so that transaction steps can fail with it.
type VersionConflict[T any] struct {
	ID              string
	ExpectedVersion uint64
	CurrentVersion  uint64
	CurrentPayload  T
}

// Error implements the error interface.
func (c *VersionConflict[T]) Error() string {
	return fmt.Sprintf("version conflict on %s: expected version %d, current version %d",
		c.ID, c.ExpectedVersion, c.CurrentVersion)
}

// Versions returns the expected and current versions.
func (c *VersionConflict[T]) Versions() (expected, current uint64) {
	return c.ExpectedVersion, c.CurrentVersion
}

// versioned is implemented by every VersionConflict instantiation.
type versioned interface {
	Versions() (expected, current uint64)
}

// IsVersionConflict reports whether err is a VersionConflict of any payload
// type.
func IsVersionConflict(err error) bool {
	var v versioned
	return errors.As(err, &v)
}

// ConflictExhaustedError is returned by Update when every attempt lost its
// compare-and-set. The end caller should refresh and retry.
type ConflictExhaustedError struct {
	ID          string
	Attempts    int
	LastVersion uint64
}

// Error implements the error interface.
func (e *ConflictExhaustedError) Error() string {
	return fmt.Sprintf("conflict retries exhausted on %s after %d attempts (last version %d): please refresh and retry",
		e.ID, e.Attempts, e.LastVersion)
}

// IsConflictExhausted reports whether err is a ConflictExhaustedError.
func IsConflictExhausted(err error) bool {
	var e *ConflictExhaustedError
	return errors.As(err, &e)
}

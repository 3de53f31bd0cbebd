// Package domain defines the identity model, task state machine, lifecycle
// records, errors, and collaborator ports shared by the executor fleet.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a concurrent modification or duplicate record, for
// example a task-states write carrying a stale version.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// LockLostError indicates a lease is no longer held by its owner. Callers must
// stop assuming exclusivity once they see it.
type LockLostError struct {
	Name string
}

func (e *LockLostError) Error() string { return fmt.Sprintf("lock %q is no longer held", e.Name) }

// UnknownActionError is returned for a task whose action is outside the
// closed action set. It is fatal for the task and never retried.
type UnknownActionError struct {
	TaskKey TaskKey
	Action  Action
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q for task %s", e.Action, e.TaskKey)
}

// PermanentError marks a failure that must fail the task instead of
// returning it to READY.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// Permanent wraps err so that IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must fail a task rather than requeue it.
func IsPermanent(err error) bool {
	var perm *PermanentError
	var unknown *UnknownActionError
	return errors.As(err, &perm) || errors.As(err, &unknown)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

package core

import (
	"errors"
	"fmt"
)

// Wire-visible error codes.
const (
	CodeApplicationError      = 100
	CodeNotFound              = 101
	CodeOperationNotAvailable = 102
	CodeStorageError          = 103
)

// ApplicationError reports caller mistakes such as bad query syntax or a
// missing required parameter. It is returned to the caller and not logged
// as a fault.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error: %s", e.Message)
}

// NotFoundError reports an absent object or element.
type NotFoundError struct {
	ObjectID string
	Element  string
}

func (e *NotFoundError) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("element '%s' of object '%s' not found", e.Element, e.ObjectID)
	}
	return fmt.Sprintf("object '%s' not found", e.ObjectID)
}

// StorageError wraps an object store or index engine I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// OperationNotAvailableError reports an unknown operation id.
type OperationNotAvailableError struct {
	Operation string
}

func (e *OperationNotAvailableError) Error() string {
	return fmt.Sprintf("operation '%s' is not available", e.Operation)
}

// IsApplicationError checks if an error (or any error in its chain) is an
// ApplicationError.
func IsApplicationError(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr)
}

func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr)
}

func IsStorageError(err error) bool {
	var stErr *StorageError
	return errors.As(err, &stErr)
}

func IsOperationNotAvailable(err error) bool {
	var opErr *OperationNotAvailableError
	return errors.As(err, &opErr)
}

// ErrorCode maps an error to its wire code. Unknown errors are reported as
// storage errors: the caller can do nothing more specific with them.
func ErrorCode(err error) int {
	switch {
	case IsApplicationError(err):
		return CodeApplicationError
	case IsNotFound(err):
		return CodeNotFound
	case IsOperationNotAvailable(err):
		return CodeOperationNotAvailable
	default:
		return CodeStorageError
	}
}

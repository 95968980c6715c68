// Package errors provides error handling for recur.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, hints and details from one import, and defines the
// sentinel errors of the scheduling core.
//
// Usage:
//
//	if err := store.Delete(ctx, id); err != nil {
//	    return errors.Wrap(err, "failed to delete job")
//	}
//
//	if errors.Is(err, errors.ErrUnsupportedOperation) {
//	    // one-shot job type
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Marking lets a wrapped cause match a sentinel without losing its own identity.
var (
	Mark     = crdb.Mark
	Handled  = crdb.Handled
	GetStack = crdb.GetReportableStackTrace
)

var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrUnsupportedOperation is returned when scheduling or unscheduling a one-shot job type.
	ErrUnsupportedOperation = New("unsupported operation")

	// ErrInvalidQueueName is returned by queue-once when the queue is empty or canonical.
	ErrInvalidQueueName = New("invalid queue name")

	// ErrMalformedPayload means a stored handler blob could not be decoded.
	ErrMalformedPayload = New("malformed payload")

	// ErrStorage marks failures coming from the job queue storage.
	ErrStorage = New("storage error")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsStorageError checks if an error was marked as a storage failure
func IsStorageError(err error) bool {
	return err != nil && Is(err, ErrStorage)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewUnsupportedOperation reports an operation that a job type does not allow.
func NewUnsupportedOperation(format string, args ...interface{}) error {
	return Wrap(ErrUnsupportedOperation, Newf(format, args...).Error())
}

// NewInvalidQueueName reports a queue name rejected by queue-once.
func NewInvalidQueueName(format string, args ...interface{}) error {
	return Wrap(ErrInvalidQueueName, Newf(format, args...).Error())
}

// MarkStorage tags err as a storage failure while keeping its original cause.
// Returns nil for a nil error.
func MarkStorage(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrStorage)
}

// MarkMalformed tags err as a payload decode failure.
func MarkMalformed(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrMalformedPayload)
}

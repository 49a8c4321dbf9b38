// Package apperr defines the error taxonomy every public operation in the
// core reports through, per spec.md §7: a closed set of kinds callers can
// branch on with errors.Is/As instead of matching message strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories spec.md §7 names.
type Kind string

const (
	InvalidArgument   Kind = "invalid_argument"
	NotFound          Kind = "not_found"
	DuplicateID       Kind = "duplicate_id"
	NotTrained        Kind = "not_trained"
	NotInitialized    Kind = "not_initialized"
	StorageFailure    Kind = "storage_failure"
	IndexInconsistent Kind = "index_inconsistent"
	CorruptDelta      Kind = "corrupt_delta"
	TransportFailure  Kind = "transport_failure"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	Conflict          Kind = "conflict"
	DimensionMismatch Kind = "dimension_mismatch"
	InvalidMetric     Kind = "invalid_metric"
)

// Error wraps an underlying cause with a Kind the caller can switch on.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, apperr.New(kind, "")) matching purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.As/
// errors.Unwrap chains.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf is Wrap with an additional formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is an *Error of the given kind, anywhere in its
// unwrap chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Package errs implements the control plane's error taxonomy: a closed
// set of kinds that drive retry and status-code behavior, independent of
// any transport (REST, gRPC, CLI).
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories surfaced at any RPC boundary.
type Kind string

const (
	// Validation covers malformed input: bad names, CIDRs, ranges, sizes,
	// path traversal. Never retried.
	Validation Kind = "validation"

	// NotFound covers a missing resource on an explicit read.
	NotFound Kind = "not_found"

	// AlreadyExists covers a create request whose target already exists
	// with different parameters than requested.
	AlreadyExists Kind = "already_exists"

	// NetworkConflict covers a VIP/VLAN collision at create time.
	NetworkConflict Kind = "network_conflict"

	// Capacity covers pool/quota exhaustion.
	Capacity Kind = "capacity"

	// Transient covers retryable backend failures: 5xx, 408, 429,
	// connection errors.
	Transient Kind = "transient"

	// StateMachine covers an operation invalid in the resource's current
	// state (e.g. mutating an SVM mid-delete).
	StateMachine Kind = "state_machine"

	// Corruption covers on-disk state that failed to parse.
	Corruption Kind = "corruption"
)

// Error is the concrete error type carrying a Kind, a human message, and
// an optional wrapped cause. The kind drives retry policy; the message
// never does.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func new_(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validationf(format string, args ...interface{}) *Error {
	return new_(Validation, format, args...)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return new_(NotFound, format, args...)
}

func AlreadyExistsf(format string, args ...interface{}) *Error {
	return new_(AlreadyExists, format, args...)
}

func NetworkConflictf(format string, args ...interface{}) *Error {
	return new_(NetworkConflict, format, args...)
}

func Capacityf(format string, args ...interface{}) *Error {
	return new_(Capacity, format, args...)
}

func Transientf(format string, args ...interface{}) *Error {
	return new_(Transient, format, args...)
}

func StateMachinef(format string, args ...interface{}) *Error {
	return new_(StateMachine, format, args...)
}

func Corruptionf(format string, args ...interface{}) *Error {
	return new_(Corruption, format, args...)
}

// KindOf extracts the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether errors of this kind should be retried by a
// caller without any change in input (transient backend failures only;
// network conflicts are retried by the caller with a *different*
// allocation, which is not this function's concern).
func IsRetryable(kind Kind) bool {
	return kind == Transient
}

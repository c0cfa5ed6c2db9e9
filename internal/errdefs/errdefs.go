// Package errdefs defines the error taxonomy shared across the coursecast
// core. Callers branch on the error kind rather than matching message text.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and HTTP-mapping decisions.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInvalidState     Kind = "invalid_state"
	KindExpired          Kind = "expired"
	KindSizeMismatch     Kind = "size_mismatch"
	KindChecksumMismatch Kind = "checksum_mismatch"
	KindIncompleteUpload Kind = "incomplete_upload"
	KindLimitExceeded    Kind = "limit_exceeded"
	KindUpstreamFailure  Kind = "upstream_failure"
	KindInternal         Kind = "internal"
)

// Error carries a kind alongside the usual message and optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so errors.Is works against kind probes.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Msg == "" || other.Msg == e.Msg)
}

// New constructs an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from err, returning KindInternal for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the provided kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the operation as-is.
// Validation and authorization failures are final; upstream and internal
// failures may be transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamFailure, KindInternal:
		return true
	case KindSizeMismatch, KindChecksumMismatch:
		return true
	default:
		return false
	}
}

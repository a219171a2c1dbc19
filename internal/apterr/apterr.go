// Package apterr defines the error taxonomy shared by the catalog, publish,
// mirror and HTTP layers.
package apterr

import (
	"errors"
	"fmt"
)

// Kind is a stable, user-visible error classification.
type Kind string

const (
	Unauthorized       Kind = "unauthorized"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	MalformedPackage   Kind = "malformed_package"
	PublishStale       Kind = "publish_stale"
	SignatureInvalid   Kind = "signature_invalid"
	StorageUnavailable Kind = "storage_unavailable"
	CatalogConflict    Kind = "catalog_conflict"
	Internal           Kind = "internal"
)

// Error is the concrete error type propagated across package boundaries. It
// carries a stable Kind alongside a free-form message and, usually, a
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error wrapping cause. If cause already carries a Kind (it
// is, or wraps, an *Error), that Kind is preserved — a SignatureInvalid
// surfaced out of a regenerate callback, say, must stay SignatureInvalid
// even though the transaction helper wrapping it only knows to say
// "Internal". Otherwise the Error takes the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	var existing *Error
	if errors.As(cause, &existing) {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether err is a transient failure that internal/retry
// retries inline rather than surfacing it to the caller.
// PublishStale is deliberately excluded: it means the working release
// changed since publish-begin, so retrying the same client-supplied
// fingerprint inline would fail identically every time. A stale publish is
// the client's signal to restart the whole begin/commit cycle, not
// something internal/retry can resolve by waiting.
func Retryable(err error) bool {
	switch KindOf(err) {
	case CatalogConflict, StorageUnavailable:
		return true
	default:
		return false
	}
}

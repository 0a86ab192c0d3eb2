package errors

import (
	"errors"
)

// AsError attempts to convert an error to an *Error, traversing the error
// chain with errors.As. Returns the Error and true on success.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of an error. If the error is nil or carries no
// *Error in its chain, KindOf returns KindInternal, so that unclassified
// faults never masquerade as credential rejections.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// IsRejection reports whether the error is a definitive credential
// rejection (bad structure, bad signature, expired, identity mismatch).
// Rejections never permit fallback.
func IsRejection(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind.Rejection()
}

// IsUnavailable reports whether the error indicates the upstream
// validation endpoint could not be reached. Only unavailable errors
// permit the orchestrator's fallback transition.
func IsUnavailable(err error) bool {
	return IsKind(err, KindUpstreamUnavailable)
}

// FromError converts any error to an *Error. If the chain already carries
// an *Error it is returned as-is; otherwise the error is wrapped as
// internal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return Wrap(err, KindInternal, "unexpected error")
}
